package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/haukened/oncelink/internal/domain"
)

// errNotAvailable is returned by read and viewed so the exit status reflects
// a missing or already read message.
var errNotAvailable = errors.New("message is not available (unknown or already read)")

func newCreateCmd(opts *options) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create [text...]",
		Short: "Store a new one-time message and print its id",
		Long: `Store a new one-time message. The text is taken from the arguments, or from
standard input when no arguments (or a single "-") are given. It is stored verbatim.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				var (
					got domain.SecretID
					err error
				)
				if id != "" {
					got, err = s.svc.CreateWithID(ctx, id, content)
				} else {
					got, err = s.svc.Create(ctx, content)
				}
				if err != nil {
					return err
				}
				s.log.Debug("created", "id", got, "size", humanize.Bytes(uint64(len(content))))
				fmt.Fprintln(cmd.OutOrStdout(), got)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "use this id (32 hex chars or a UUID) instead of a random one")
	return cmd
}

func newReadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Print a message and invalidate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				rec, err := s.svc.Consume(ctx, args[0])
				if errors.Is(err, domain.ErrUnavailable) {
					return errNotAvailable
				}
				if err != nil {
					return err
				}
				if opts.verbose {
					fmt.Fprintf(cmd.ErrOrStderr(), "created %s, %s\n", humanize.Time(rec.CreatedAt), humanize.Bytes(uint64(len(rec.Content))))
				}
				_, err = io.WriteString(cmd.OutOrStdout(), rec.Content)
				return err
			})
		},
	}
}

func newExistsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <id>",
		Short: "Report whether a message is still available, without reading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				ok, err := s.svc.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintln(cmd.OutOrStdout(), "available")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "unavailable")
				}
				return nil
			})
		},
	}
}

func newViewedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "viewed <id>",
		Short: "Invalidate a message without reading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				err := s.svc.MarkViewed(ctx, args[0])
				if errors.Is(err, domain.ErrUnavailable) {
					return errNotAvailable
				}
				return err
			})
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push offline creations and reads to the server",
		Long: `Push what happened while the server was unreachable: messages read or marked
viewed from the local mirror are invalidated on the server, and messages created
offline are uploaded. Prints how many changes the server accepted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if s.mirror == nil {
					return errors.New("sync needs the local mirror")
				}
				n, err := s.mirror.Reconcile(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d\n", n)
				return err
			})
		},
	}
}

func readContent(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	return strings.Join(args, " "), nil
}
