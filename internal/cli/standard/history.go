package standard

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit    int
		pruneAge time.Duration
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show the local action journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			if s.Journal() == nil {
				return fmt.Errorf("journal is disabled")
			}
			ctx := cmd.Context()

			if pruneAge > 0 {
				n, err := s.PruneHistory(ctx, pruneAge)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d entries\n", n)
			}
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			entries, err := s.History(ctx, target, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No actions recorded")
				return nil
			}
			for _, e := range entries {
				who := e.User
				if who == "" {
					who = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %-20s %-10s %-12s %s\n",
					e.StartedAt.Local().Format(time.DateTime), e.Verb, e.Target, e.Outcome, who, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().DurationVar(&pruneAge, "prune", 0, "first delete entries older than this")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
