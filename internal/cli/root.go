// Package cli implements stylectl, a terminal client that drives one style
// preference session at a time and keeps it in a local sqlite file.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stylebench/internal/config"
	"stylebench/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

type options struct {
	apiURL   string
	dbPath   string
	timeout  time.Duration
	logLevel string

	// Not a flag so the key stays out of shell history.
	encryptionKey string
}

// NewRootCmd builds the stylectl command tree. Flag defaults come from the
// environment.
func NewRootCmd() *cobra.Command {
	cfg := config.Load()
	a := &app{opts: options{encryptionKey: cfg.EncryptionKey}}

	root := &cobra.Command{
		Use:   "stylectl",
		Short: "Drive a style preference session from the terminal",
		Long: `stylectl walks through the 30-step style feedback sequence.

Log in with an access ID, fetch the first image with "start", then answer
each image with "like" or "dislike". Progress is kept locally so every
command can be run from a fresh shell.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("stylectl version {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.apiURL, "api-url", cfg.StyleAPIBaseURL, "style API base URL (STYLE_API_BASE_URL)")
	flags.StringVar(&a.opts.dbPath, "db", cfg.StylectlDB, "local session database (STYLECTL_DB)")
	flags.DurationVar(&a.opts.timeout, "timeout", 30*time.Second, "per-command timeout, 0 for none")
	flags.StringVar(&a.opts.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(
		newLoginCmd(a),
		newStartCmd(a),
		newFeedbackCmd(a, "like", "Like the current image and fetch the next one"),
		newFeedbackCmd(a, "dislike", "Dislike the current image and fetch the next one"),
		newStatusCmd(a),
		newProfileCmd(a),
		newSaveCmd(a),
		newLogoutCmd(a),
		newHealthCmd(a),
	)
	return root
}

// Execute runs stylectl with the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// hint appends what the user can do next to manager errors.
func hint(err error) error {
	var (
		authErr     *session.AuthenticationError
		completeErr *session.SequenceCompleteError
		advanceErr  *session.IterationAdvanceError
	)
	switch {
	case errors.As(err, &advanceErr):
		return fmt.Errorf("%w\nnothing was recorded locally; run the same command again to retry iteration %d", err, advanceErr.Iteration)
	case errors.As(err, &completeErr):
		return fmt.Errorf("%w\nrun \"stylectl profile\" to see the results", err)
	case errors.As(err, &authErr) && authErr.Err == nil:
		return fmt.Errorf("%w\nrun \"stylectl login\" first", err)
	}
	return err
}
