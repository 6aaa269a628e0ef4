package standard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/vmdeck/internal/backendsim"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

func newDevBackendCmd() *cobra.Command {
	var (
		listen       string
		bareList     bool
		restartRoute bool
	)
	cmd := &cobra.Command{
		Use:   "dev-backend",
		Short: "Serve a simulated management API with a seeded fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			level, _ := cmd.Root().PersistentFlags().GetString("log-level")
			logger := logging.NewWithWriter("backendsim", cmd.ErrOrStderr(), logging.ParseLevel(level))
			sim := backendsim.New(backendsim.Seed(), backendsim.Options{
				BareList:     bareList,
				RestartRoute: restartRoute,
				AccessLog:    true,
				Logger:       logger,
			})
			srv := &http.Server{
				Addr:              listen,
				Handler:           sim.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(cmd.OutOrStdout(), "simulated backend listening on http://%s\n", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8000", "listen address")
	cmd.Flags().BoolVar(&bareList, "bare-list", false, "serve GET /vms as a bare array")
	cmd.Flags().BoolVar(&restartRoute, "restart-route", false, "also serve POST /vms/restart/{name}")
	return cmd
}
