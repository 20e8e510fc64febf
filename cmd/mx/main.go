// Command mx is a command-line client for MtaalamuX: sign in, check your tier, and message
// experts while a consultation is active.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/api"
	"github.com/mtaalamux/client/internal/config"
	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/internal/session"
	"github.com/mtaalamux/client/internal/transport"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/tracing"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `mx - MtaalamuX client

Usage:
  mx [-config file] [-api URL] [-session-dir dir] <cmd> [args]

Commands:
  version
  login          -u <username> -p <password>
  logout
  whoami
  tier
  conversations
  open           -expert <id>
  messages       -conv <id>
  send           -conv <id> [-text <message>] [-file <path>]
  mark-read      -id <message id>
  upgrade        -tier plus|premium [-payment <method>]
`

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// main dispatches subcommands.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mx", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }
	cfgPath := fs.String("config", "", "YAML config file")
	baseURL := fs.String("api", "", "API base URL (overrides config)")
	sessionDir := fs.String("session-dir", "", "session directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return exitUsage
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "mx %s (%s)\n", version, buildDate)
		return exitOK
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return exitError
	}
	if *baseURL != "" {
		cfg.API.BaseURL = *baseURL
	}
	if *sessionDir != "" {
		cfg.Session.Dir = *sessionDir
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()

	shutdown, err := tracing.Init(ctx, cfg.Tracing(version))
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	a, err := newApp(cfg, log, stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "init:", err)
		return exitError
	}

	h, ok := a.commands()[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return exitUsage
	}
	if err := h(ctx, cmdArgs); err != nil {
		return a.report(err)
	}
	return exitOK
}

type app struct {
	log    *zap.Logger
	sess   *session.Session
	api    *api.Client
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

func newApp(cfg *config.Config, log *zap.Logger, stdout, stderr io.Writer) (*app, error) {
	sess := session.New(session.NewFileStore(cfg.Session.Dir), log)
	if err := sess.Restore(); err != nil && !errors.Is(err, errs.ErrNoSession) {
		log.Warn("stored session unreadable, ignoring", zap.Error(err))
	}
	tc, err := transport.New(cfg.Transport(), sess, log)
	if err != nil {
		return nil, err
	}
	a := &app{log: log, sess: sess, api: api.New(tc), out: stdout, errOut: stderr, now: time.Now}
	sess.OnExpire(func() {
		fmt.Fprintln(stderr, "Your session has expired. Run `mx login` to sign in again.")
	})
	return a, nil
}

// report prints err for the user and returns the exit code. Redirects to the upgrade or
// booking pages are guidance, not failures.
func (a *app) report(err error) int {
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	if errors.Is(err, errs.ErrNoSession) {
		fmt.Fprintln(a.errOut, "Not signed in. Run `mx login -u <username> -p <password>`.")
		return exitError
	}
	e, ok := errs.As(err)
	if !ok {
		fmt.Fprintln(a.errOut, "error:", err)
		return exitError
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	switch e.Action {
	case errs.ActionUpgrade:
		fmt.Fprintf(a.out, "%s\n-> %s\n", msg, e.RedirectTo)
		return exitOK
	case errs.ActionLogin:
		fmt.Fprintf(a.errOut, "%s\nRun `mx login` to sign in again.\n", msg)
		return exitError
	case errs.ActionBook, errs.ActionRebook:
		fmt.Fprintf(a.errOut, "%s\n-> %s\n", msg, e.RedirectTo)
		return exitError
	}
	fmt.Fprintln(a.errOut, "error:", msg)
	if e.Retryable {
		fmt.Fprintln(a.errOut, "Please try again.")
	}
	return exitError
}
