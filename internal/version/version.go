package version

// Stamped via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)
