package standard

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/vmdeck/internal/identity"
)

func newLoginCmd() *cobra.Command {
	var tokenFile string
	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Store an OIDC ID token for later commands",
		Long:  "Stores an ID token obtained from your identity provider. Pass it as an argument, or pipe it on stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			if tokenFile == "" {
				tokenFile = cfg.TokenFile
			}
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) == "" {
				return errors.New("no token given")
			}
			claims, err := identity.SaveToken(tokenFile, raw, time.Now())
			if err != nil {
				return err
			}
			sub, _ := claims.GetSubject()
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", sub)
			if exp, _ := claims.GetExpirationTime(); exp != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Token expires %s\n", exp.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "where to store the token (defaults to config)")
	return cmd
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity and roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sessionFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer closeSession(s)
			ctx := cmd.Context()

			if err := s.Identity.EnsureAuthenticated(ctx); err != nil {
				return err
			}
			user, err := s.Identity.User(ctx)
			if err != nil {
				return err
			}
			roles, err := s.Identity.Roles(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User: %s\n", user.Display())
			if len(roles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Roles: (none)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Roles: %s\n", strings.Join(roles, ", "))
			}
			if !roles.Has(identity.RoleAdmin) {
				fmt.Fprintln(cmd.OutOrStdout(), "Editing requires the admin role.")
			}
			return nil
		},
	}
}

