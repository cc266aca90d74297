package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidUUID returned when a task uuid fails validation.
	ErrInvalidUUID = errors.New("invalid task uuid")
	// ErrInvalidFilename returned when a server-supplied filename is unusable.
	ErrInvalidFilename = errors.New("invalid result filename")
)

// StateDirEnv overrides the default state directory location.
const StateDirEnv = "SOLVEWATCH_STATE_DIR"

// StateDir returns the directory holding credentials, config and the local
// journal, creating it if needed. Defaults to ~/.solvewatch.
func StateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(StateDirEnv)); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".solvewatch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// CredentialsPath is the single persisted slot for the token pair.
func CredentialsPath(stateDir string) string {
	return filepath.Join(stateDir, "credentials.json")
}

// ConfigPath is the optional TOML configuration file.
func ConfigPath(stateDir string) string {
	return filepath.Join(stateDir, "config.toml")
}

// JournalPath is the local sqlite journal of submitted tasks.
func JournalPath(stateDir string) string {
	return filepath.Join(stateDir, "journal.db")
}

// ValidateTaskUUID returns nil for well-formed task uuids, or ErrInvalidUUID.
// The uuid is interpolated into the websocket path, so nothing else is allowed
// through.
func ValidateTaskUUID(id string) error {
	if id == "" {
		return fmt.Errorf("empty task uuid: %w", ErrInvalidUUID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidUUID)
	}
	return nil
}

// SafeResultPath joins destDir with a server-supplied filename and ensures the
// result stays inside destDir. Path separators and traversal sequences in the
// filename are rejected rather than sanitized.
func SafeResultPath(destDir, filename string) (string, error) {
	if destDir == "" {
		return "", fmt.Errorf("empty destination dir")
	}
	if filename == "" {
		return "", fmt.Errorf("empty filename: %w", ErrInvalidFilename)
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("absolute filename %q: %w", filename, ErrInvalidFilename)
	}
	if strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return "", fmt.Errorf("filename %q contains path elements: %w", filename, ErrInvalidFilename)
	}
	joined := filepath.Clean(filepath.Join(destDir, filename))
	absDir, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absDir, absJoined)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(filepath.ToSlash(rel), "../") || rel == ".." {
		return "", fmt.Errorf("filename escapes destination: %w", ErrInvalidFilename)
	}
	return absJoined, nil
}
