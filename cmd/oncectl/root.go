package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/mirror"
	"github.com/haukened/oncelink/internal/remote"
	pebblestore "github.com/haukened/oncelink/internal/store/pebble"
)

var (
	version = "dev"
	commit  = "unknown"
)

// options are the global flags shared by every subcommand.
type options struct {
	server    string
	mirrorDir string
	noMirror  bool
	timeout   time.Duration
	verbose   bool
}

// session is the store stack a subcommand runs against: the remote server as
// the authoritative store, optionally mirrored into a local pebble database.
type session struct {
	svc    *app.Service
	mirror *mirror.Mirror // nil when mirroring is disabled
	log    *slog.Logger
	closer io.Closer
}

func (s *session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func defaultMirrorDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".oncelink", "mirror")
	}
	return filepath.Join(dir, "oncelink", "mirror")
}

func defaultServer() string {
	if v := os.Getenv("ONCELINK_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

// newRootCmd builds the command tree. Output goes to the command's out and
// err writers so tests can capture it.
func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "oncectl",
		Short: "Create and read one-time messages on an oncelink server",
		Long: `oncectl talks to an oncelink server. Every message can be read exactly once.

While the server is unreachable, messages are kept in a local mirror so they
can still be created and read. Reads made offline are invalidated on the server
as soon as it is reachable again; "oncectl sync" pushes all offline changes.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.server, "server", "s", defaultServer(), "oncelink server base URL (env ONCELINK_SERVER)")
	pf.StringVar(&opts.mirrorDir, "mirror-dir", defaultMirrorDir(), "directory of the local mirror database")
	pf.BoolVar(&opts.noMirror, "no-mirror", false, "talk to the server only, without a local mirror")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newCreateCmd(opts),
		newReadCmd(opts),
		newExistsCmd(opts),
		newViewedCmd(opts),
		newSyncCmd(opts),
	)
	return root
}

func openSession(opts *options, stderr io.Writer) (*session, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if opts.server == "" {
		return nil, errors.New("no server configured")
	}
	var st app.SecretStore = remote.New(opts.server, opts.timeout)
	s := &session{log: log}
	if !opts.noMirror {
		local, err := pebblestore.Open(opts.mirrorDir)
		if err != nil {
			return nil, fmt.Errorf("open mirror: %w", err)
		}
		s.mirror = mirror.New(st, local, mirror.Options{Logger: log})
		s.closer = local
		st = s.mirror
	}
	s.svc = &app.Service{Store: st, Clock: utcClock{}, Logger: log}
	return s, nil
}

// withSession opens the store stack, runs fn and closes the stack again.
func withSession(cmd *cobra.Command, opts *options, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s)
}
