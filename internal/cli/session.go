package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"stylebench/internal/domain"
)

func newLoginCmd(a *app) *cobra.Command {
	var accessID, gender string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start a new preference session",
		Long: `Creates a new preference session with the given access ID.

Any session already stored locally is replaced, even one in progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				sess, err := e.manager.CreateSession(ctx, accessID, domain.Gender(gender))
				if err != nil {
					return err
				}
				e.forgetImage(ctx)
				e.record(ctx, domain.EventSessionCreated, sess.SessionID, map[string]interface{}{"gender": gender})
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Logged in. Preference ID: %s\n", sess.SessionID)
				fmt.Fprintln(out, `Run "stylectl start" to see the first image.`)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accessID, "access-id", "", "access ID issued for the study")
	cmd.Flags().StringVar(&gender, "gender", string(domain.GenderWomen), "women or men")
	_ = cmd.MarkFlagRequired("access-id")
	return cmd
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Fetch the first image of a new session",
		Long: `Fetches the first image. The server records this step as a
dislike, so it can only be run once per session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				result, err := e.manager.BootstrapFirstImage(ctx)
				if err != nil {
					return err
				}
				e.afterAdvance(ctx, "", result)
				printResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func newFeedbackCmd(a *app, feedback domain.Feedback, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(feedback),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				style, imageKey := e.lastImage(ctx)
				result, err := e.manager.Advance(ctx, domain.AdvanceRequest{
					Feedback: feedback,
					Style:    style,
					ImageKey: imageKey,
				})
				if err != nil {
					return err
				}
				e.afterAdvance(ctx, feedback, result)
				printResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func (e *env) afterAdvance(ctx context.Context, feedback domain.Feedback, result domain.IterationResult) {
	payload := map[string]interface{}{
		"iteration":           result.Iteration,
		"requested_iteration": result.RequestedIteration,
	}
	if feedback != "" {
		payload["feedback"] = string(feedback)
	} else {
		payload["bootstrap"] = true
	}
	e.record(ctx, domain.EventIterationAdvanced, result.PreferenceID, payload)
	if result.Completed {
		e.forgetImage(ctx)
		e.record(ctx, domain.EventSequenceCompleted, result.PreferenceID, map[string]interface{}{"iteration": result.Iteration})
		return
	}
	e.rememberImage(ctx, result.Style, result.ImageKey)
}

func printResult(out io.Writer, result domain.IterationResult) {
	if result.RequestedIteration != 0 && result.RequestedIteration != result.Iteration {
		fmt.Fprintf(out, "Note: requested iteration %d, server is at %d.\n", result.RequestedIteration, result.Iteration)
	}
	if result.Completed {
		fmt.Fprintf(out, "Sequence complete (%d/%d).\n", result.Iteration, domain.FinalIteration)
		fmt.Fprintln(out, `Run "stylectl profile" to see your results.`)
		return
	}
	fmt.Fprintf(out, "Iteration %d/%d", result.Iteration, domain.FinalIteration)
	if result.Style != "" {
		fmt.Fprintf(out, " (%s)", result.Style)
	}
	fmt.Fprintln(out)
	if result.ImageURL != nil {
		fmt.Fprintf(out, "Image: %s\n", *result.ImageURL)
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				st := e.manager.Status()
				out := cmd.OutOrStdout()
				if !st.Authenticated {
					fmt.Fprintln(out, "Not logged in.")
					return nil
				}
				fmt.Fprintf(out, "Preference: %s\n", e.manager.Session().SessionID)
				fmt.Fprintf(out, "Iteration:  %d/%d\n", st.CurrentIteration, domain.FinalIteration)
				fmt.Fprintf(out, "Complete:   %s\n", yesNo(st.Complete))
				return nil
			})
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Long:  "Forgets the session locally. Nothing is sent to the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				prev := e.manager.EndSession(ctx)
				if prev.Authenticated() {
					e.record(ctx, domain.EventSessionEnded, prev.SessionID, map[string]interface{}{"iteration": prev.CurrentIteration})
				}
				e.forgetImage(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
				return nil
			})
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
