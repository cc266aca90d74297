package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/solvewatch/solvewatch/internal/api"
	"github.com/solvewatch/solvewatch/internal/auth"
	"github.com/solvewatch/solvewatch/internal/client"
	"github.com/solvewatch/solvewatch/internal/config"
	"github.com/solvewatch/solvewatch/internal/merge"
	"github.com/solvewatch/solvewatch/internal/paths"
	"github.com/solvewatch/solvewatch/internal/store"
	"github.com/solvewatch/solvewatch/internal/telemetry"
	"github.com/solvewatch/solvewatch/internal/version"
	"github.com/solvewatch/solvewatch/internal/watch"
)

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  solvewatch login --username <u> --password <p>")
	_, _ = fmt.Fprintln(w, "  solvewatch register --username <u> --email <e> --password <p> --password2 <p>")
	_, _ = fmt.Fprintln(w, "  solvewatch logout | whoami")
	_, _ = fmt.Fprintln(w, "  solvewatch submit --name <n> [--max-n <n>] [--save-matrices] (--matrix-text <t> | --file <path>)")
	_, _ = fmt.Fprintln(w, "  solvewatch list | recent [--limit <n>]")
	_, _ = fmt.Fprintln(w, "  solvewatch status <task-id> | watch <task-id> | cancel <task-id>")
	_, _ = fmt.Fprintln(w, "  solvewatch download <task-id> [--dir <path>]")
	_, _ = fmt.Fprintln(w, "  solvewatch metrics [--watch] | all-tasks")
	_, _ = fmt.Fprintln(w, "  solvewatch version")
}

type app struct {
	cfg      config.Config
	stateDir string
	store    *auth.Store
	client   *client.Client
	out      io.Writer
	errOut   io.Writer
}

func newApp(out, errOut io.Writer) (*app, error) {
	stateDir, err := paths.StateDir()
	if err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	res := config.Load(stateDir)
	if res.ParseError != nil {
		_, _ = fmt.Fprintf(errOut, "warning: failed to parse %s: %v (using defaults)\n", res.Path, res.ParseError)
	}

	creds := auth.NewStore(paths.CredentialsPath(stateDir))
	a := &app{cfg: res.Config, stateDir: stateDir, store: creds, out: out, errOut: errOut}
	a.client = client.New(res.Config.Server.BaseURL, creds, func() {
		_, _ = fmt.Fprintln(errOut, "session expired: please run `solvewatch login` again")
	})
	return a, nil
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "version":
		_, _ = fmt.Fprintf(out, "solvewatch %s (%s)\n", version.Version, version.Commit)
		return 0
	case "login", "register", "logout", "whoami", "submit", "list", "recent",
		"status", "watch", "cancel", "download", "metrics", "all-tasks":
	default:
		usage(errOut)
		return 2
	}

	a, err := newApp(out, errOut)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Telemetry.Enabled {
		shutdown, terr := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "solvewatch",
			ServiceVersion: version.Version,
			OTLPEndpoint:   a.cfg.Telemetry.OTLPEndpoint,
		})
		if terr != nil {
			_, _ = fmt.Fprintf(errOut, "warning: telemetry disabled: %v\n", terr)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	switch args[0] {
	case "login":
		return a.login(ctx, args[1:])
	case "register":
		return a.register(ctx, args[1:])
	case "logout":
		return a.logout()
	case "whoami":
		return a.whoami()
	case "submit":
		return a.submit(ctx, args[1:])
	case "list":
		return a.list(ctx)
	case "recent":
		return a.recent(args[1:])
	case "status":
		return a.status(ctx, args[1:])
	case "watch":
		return a.watch(ctx, args[1:])
	case "cancel":
		return a.cancel(ctx, args[1:])
	case "download":
		return a.download(ctx, args[1:])
	case "metrics":
		return a.metrics(ctx, args[1:])
	case "all-tasks":
		return a.allTasks(ctx)
	default:
		// unreachable: the command set was checked above
		usage(errOut)
		return 2
	}
}

func (a *app) fail(err error) int {
	_, _ = fmt.Fprintln(a.errOut, err.Error())
	return 1
}

func (a *app) printJSON(v any) int {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return a.fail(err)
	}
	_, _ = fmt.Fprintln(a.out, string(b))
	return 0
}

func (a *app) login(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *username == "" || *password == "" {
		fs.Usage()
		return 2
	}
	pair, err := a.client.Login(ctx, *username, *password)
	if err != nil {
		return a.fail(err)
	}
	claims, _ := auth.DecodeClaims(pair.Access)
	_, _ = fmt.Fprintf(a.out, "logged in as %s (access token valid until %s)\n",
		*username, claims.ExpiresAt().Local().Format(time.RFC1123))
	return 0
}

func (a *app) register(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	username := fs.String("username", "", "username")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	password2 := fs.String("password2", "", "password confirmation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *username == "" || *email == "" || *password == "" {
		fs.Usage()
		return 2
	}
	if *password2 == "" {
		*password2 = *password
	}
	if _, err := a.client.Register(ctx, api.RegisterRequest{
		Username: *username, Email: *email, Password: *password, Password2: *password2,
	}); err != nil {
		return a.fail(err)
	}
	_, _ = fmt.Fprintf(a.out, "registered and logged in as %s\n", *username)
	return 0
}

func (a *app) logout() int {
	if err := a.client.Logout(); err != nil {
		return a.fail(err)
	}
	_, _ = fmt.Fprintln(a.out, "logged out")
	return 0
}

func (a *app) whoami() int {
	claims, ok := a.client.Claims()
	if !ok {
		_, _ = fmt.Fprintln(a.errOut, "not logged in")
		return 1
	}
	role := "user"
	if claims.IsStaff {
		role = "staff"
	}
	_, _ = fmt.Fprintf(a.out, "%s (%s), token expires %s\n",
		claims.Username, role, claims.ExpiresAt().Local().Format(time.RFC1123))
	return 0
}

func (a *app) submit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	name := fs.String("name", "", "task name")
	maxN := fs.Int("max-n", 5000, "maximum matrix dimension")
	save := fs.Bool("save-matrices", false, "keep the parsed matrices server-side")
	matrixText := fs.String("matrix-text", "", "inline matrix rows")
	file := fs.String("file", "", "path to a matrix file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fs.Usage()
		return 2
	}

	req := client.SubmitRequest{Name: *name, MaxN: *maxN, SaveMatrices: *save, MatrixText: *matrixText}
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return a.fail(err)
		}
		defer f.Close()
		req.SourceFile = f
		req.SourceFilename = *file
	}

	task, err := a.client.Submit(ctx, req)
	if err != nil {
		return a.fail(err)
	}
	a.recordJournal(task)

	if task.Status == api.StatusQueued {
		_, _ = fmt.Fprintf(a.errOut, "queued: %s\n", task.QueueMessage)
		if task.QueuePosition != nil {
			_, _ = fmt.Fprintf(a.errOut, "position %d", *task.QueuePosition)
			if task.EstimatedWaitTimeSec != nil {
				_, _ = fmt.Fprintf(a.errOut, ", about %ds wait", *task.EstimatedWaitTimeSec)
			}
			_, _ = fmt.Fprintln(a.errOut)
		}
	}
	return a.printJSON(task)
}

func (a *app) list(ctx context.Context) int {
	tasks, err := a.client.ListTasks(ctx)
	if err != nil {
		return a.fail(err)
	}
	return a.printJSON(tasks)
}

func (a *app) recent(args []string) int {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	j, cleanup, err := a.openJournal()
	if err != nil {
		return a.fail(err)
	}
	defer cleanup()
	entries, err := j.Recent(*limit)
	if err != nil {
		return a.fail(err)
	}
	return a.printJSON(entries)
}

func (a *app) status(ctx context.Context, args []string) int {
	id, ok := taskIDArg(args, a.errOut)
	if !ok {
		return 2
	}
	task, err := a.client.GetTask(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	a.recordJournal(task)
	return a.printJSON(task)
}

func (a *app) watch(ctx context.Context, args []string) int {
	id, ok := taskIDArg(args, a.errOut)
	if !ok {
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var final merge.View
	sess, err := watch.Open(ctx, a.client, a.cfg.WSBase(), id, a.bearerHeader(), func(v merge.View) {
		a.renderView(v)
		final = v
		if v.Status.Terminal() {
			cancel()
		}
	})
	if err != nil {
		return a.fail(err)
	}
	a.recordJournal(sess.Task)

	<-ctx.Done()
	sess.Stop()

	if final.Status != "" {
		if j, cleanup, err := a.openJournal(); err == nil {
			if uerr := j.UpdateStatus(sess.Task.ID, final.Status); uerr != nil {
				log.Printf("journal update failed: %v", uerr)
			}
			cleanup()
		}
	}
	if final.Status == api.StatusFailed || final.Status == api.StatusCancelled {
		_, _ = fmt.Fprintf(a.errOut, "task %d ended %s: %s\n", id, final.Status, final.ResultMessage)
		return 1
	}
	return 0
}

func (a *app) renderView(v merge.View) {
	conn := "offline"
	if v.Connected {
		conn = "live"
	}
	line := fmt.Sprintf("[%s] %-9s %5.1f%%", conn, v.Status, v.Percentage)
	if v.Stage != "" {
		line += "  " + v.Stage
	}
	if v.QueuePosition != nil {
		line += fmt.Sprintf("  (queue position %d", *v.QueuePosition)
		if v.EstimatedWaitSec != nil {
			line += fmt.Sprintf(", ~%ds", *v.EstimatedWaitSec)
		}
		line += ")"
	}
	_, _ = fmt.Fprintln(a.out, line)
	if n := len(v.Logs); n > 0 {
		last := v.Logs[n-1]
		_, _ = fmt.Fprintf(a.out, "    %s\n", last.Message)
	}
	if v.Status.Terminal() && v.ResultMessage != "" {
		prefix := "result"
		if v.ResultIsError {
			prefix = "error"
		}
		_, _ = fmt.Fprintf(a.out, "%s: %s\n", prefix, v.ResultMessage)
	}
}

func (a *app) cancel(ctx context.Context, args []string) int {
	id, ok := taskIDArg(args, a.errOut)
	if !ok {
		return 2
	}
	if err := a.client.Cancel(ctx, id); err != nil {
		return a.fail(err)
	}
	_, _ = fmt.Fprintf(a.out, "cancel requested for task %d\n", id)
	return 0
}

func (a *app) download(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	dir := fs.String("dir", ".", "destination directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id, ok := taskIDArg(fs.Args(), a.errOut)
	if !ok {
		return 2
	}
	path, err := a.client.Download(ctx, id, *dir)
	if err != nil {
		return a.fail(err)
	}
	_, _ = fmt.Fprintf(a.out, "saved %s\n", path)
	return 0
}

func (a *app) metrics(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	follow := fs.Bool("watch", false, "poll until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !a.requireStaff() {
		return 1
	}

	report, err := a.client.Metrics(ctx)
	if err != nil {
		return a.fail(err)
	}
	if code := a.printJSON(report); code != 0 || !*follow {
		return code
	}

	interval := time.Duration(a.cfg.Monitor.PollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			report, err := a.client.Metrics(ctx)
			if err != nil {
				_, _ = fmt.Fprintln(a.errOut, err.Error())
				continue
			}
			_ = a.printJSON(report)
		}
	}
}

func (a *app) allTasks(ctx context.Context) int {
	if !a.requireStaff() {
		return 1
	}
	tasks, err := a.client.AllTasks(ctx)
	if err != nil {
		return a.fail(err)
	}
	return a.printJSON(tasks)
}

func (a *app) requireStaff() bool {
	claims, ok := a.client.Claims()
	if !ok {
		_, _ = fmt.Fprintln(a.errOut, "not logged in")
		return false
	}
	if !claims.IsStaff {
		_, _ = fmt.Fprintln(a.errOut, "staff access required")
		return false
	}
	return true
}

func (a *app) bearerHeader() http.Header {
	pair, ok := a.store.Get()
	if !ok {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+pair.Access)
	return h
}

func (a *app) openJournal() (*store.Store, func(), error) {
	db, err := sql.Open("sqlite", paths.JournalPath(a.stateDir))
	if err != nil {
		return nil, nil, err
	}
	j := store.New(db)
	if err := j.Init(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return j, func() { _ = db.Close() }, nil
}

// recordJournal is best-effort; a broken local journal never fails a command.
func (a *app) recordJournal(t *api.Task) {
	j, cleanup, err := a.openJournal()
	if err != nil {
		log.Printf("journal unavailable: %v", err)
		return
	}
	defer cleanup()
	if err := j.Record(t); err != nil {
		log.Printf("journal record failed: %v", err)
	}
}

func taskIDArg(args []string, errOut io.Writer) (int64, bool) {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(errOut, "expected exactly one <task-id> argument")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "invalid task id %q\n", args[0])
		return 0, false
	}
	return id, true
}
