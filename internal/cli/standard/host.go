package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/vmdeck/internal/fleet/bounds"
)

func newHostCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Show host capacity and the resulting edit limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			capacity, err := s.Client.HostCapacity(ctx)
			if err != nil {
				return err
			}
			declared := bounds.Maximums{MemoryMB: s.Config.DeclaredMaxMemoryMB, VCPUs: s.Config.DeclaredMaxVCPUs}
			limits := bounds.Compute(capacity, declared)
			if asJSON {
				return encodeAsJSON(cmd.OutOrStdout(), map[string]any{
					"capacity": capacity,
					"bounds":   limits,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Host memory: %s MB\nHost vCPUs: %s\n", orDash(capacity.MemoryMB), orDash(capacity.VCPUs))
			fmt.Fprintf(out, "Editable memory: %d-%d MB\nEditable vCPUs: %d-%d\n", limits.MemoryMin, limits.MemoryMax, limits.VCPUMin, limits.VCPUMax)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
