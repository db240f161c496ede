package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stylebench/internal/domain"
	"stylebench/internal/service/profile"
)

// historyTail is how many recent selections the text view lists.
const historyTail = 10

type profileView struct {
	Profile domain.Profile  `json:"profile"`
	Ranked  []profile.Entry `json:"ranked"`
	Summary profile.Summary `json:"summary"`
}

func newProfileCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the preference chart",
		Long: `Shows the server-side preference profile: styles ranked by score and
the most recent selections. An unready profile is shown as empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				p, err := e.manager.Profile(ctx)
				if err != nil {
					return err
				}
				view := profileView{Profile: p, Ranked: profile.Rank(p), Summary: profile.Summarize(p)}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(view)
				}
				printProfile(cmd.OutOrStdout(), view)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the profile as JSON")
	return cmd
}

func printProfile(out io.Writer, v profileView) {
	if len(v.Ranked) == 0 {
		fmt.Fprintln(out, "No preferences recorded yet.")
		return
	}
	top := v.Ranked[0].Score
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSTYLE\tSCORE\t")
	for i, entry := range v.Ranked {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\n", i+1, entry.Style, entry.Score, bar(entry.Score, top))
	}
	_ = tw.Flush()

	s := v.Summary
	fmt.Fprintf(out, "\nLikes: %d  Dislikes: %d  Selections: %d\n", s.Likes, s.Dislikes, s.Selections)

	history := v.Profile.SelectionHistory
	if len(history) == 0 {
		return
	}
	if len(history) > historyTail {
		history = history[len(history)-historyTail:]
	}
	fmt.Fprintln(out, "\nRecent selections:")
	for _, rec := range history {
		fmt.Fprintf(out, "  %-8s %-14s %+.2f -> %.2f\n", rec.Feedback, rec.Style, rec.ScoreChange, rec.CurrentScore)
	}
}

// bar renders a positive score relative to the top score as up to 20 cells.
func bar(score, top float64) string {
	if score <= 0 || top <= 0 {
		return ""
	}
	n := int(score / top * 20)
	if n < 1 {
		n = 1
	}
	return strings.Repeat("#", n)
}

func newSaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Ask the server to save the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, e *env) error {
				msg, err := e.manager.SaveProfile(ctx)
				if err != nil {
					return err
				}
				e.record(ctx, domain.EventProfileSaved, e.manager.Session().SessionID, map[string]interface{}{"message": msg})
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}
