package standard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccheshirecat/vmdeck/internal/config"
	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
	"github.com/ccheshirecat/vmdeck/internal/fleet/session"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// configFromCmd loads the config file and environment, then applies the
// root command's flags on top.
func configFromCmd(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if endpoints, _ := flags.GetStringSlice("api"); len(endpoints) > 0 {
		cfg.Endpoints = endpoints
	}
	if flags.Changed("journal") {
		journalPath, _ := flags.GetString("journal")
		cfg.JournalPath = config.ExpandPath(journalPath)
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout, _ = flags.GetDuration("timeout")
	}
	return cfg, cfg.Validate()
}

// sessionFromCmd opens a session for one command. The caller closes it.
func sessionFromCmd(cmd *cobra.Command, confirmer dispatch.Confirmer) (*session.Session, error) {
	cfg, err := configFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	logger := logging.NewWithWriter("cli", cmd.ErrOrStderr(), logging.ParseLevel(level))
	return session.Open(cmd.Context(), session.Options{
		Config:    cfg,
		Confirmer: confirmer,
		Logger:    logger,
	})
}

func closeSession(s *session.Session) {
	_ = s.Close(context.Background())
}

// promptConfirmer asks on the command's input stream. A non-terminal stdin
// declines unless assumeYes is set, so scripts never kill by accident.
func promptConfirmer(cmd *cobra.Command, assumeYes bool) dispatch.Confirmer {
	return dispatch.ConfirmFunc(func(ctx context.Context, p dispatch.Prompt) (bool, error) {
		if assumeYes {
			return true, nil
		}
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s (stdin is not a terminal; pass --yes to confirm)\n", p.Message)
			return false, nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", p.Message)

		answer := make(chan string, 1)
		go func() {
			line, _ := bufio.NewReader(in).ReadString('\n')
			answer <- line
		}()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line := <-answer:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			}
			return false, nil
		}
	})
}

func orDash(v int) string {
	if v <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}
