package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pilab-dev/docid-auth/client"
)

func newAuthCmd(a *app) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the session of the current context",
	}

	var access, refresh string
	setTokensCmd := &cobra.Command{
		Use:   "set-tokens",
		Short: "Store the tokens obtained from a portal login",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if access == "" && refresh == "" {
				return errors.New("at least one of --access or --refresh is required")
			}

			if err := a.store.TokenStore().Save(cmd.Context(), client.Tokens{
				AccessToken:  access,
				RefreshToken: refresh,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tokens saved for context %q.\n", a.store.Config.CurrentContext)
			return nil
		},
	}
	setTokensCmd.Flags().StringVar(&access, "access", "", "access token")
	setTokensCmd.Flags().StringVar(&refresh, "refresh", "", "refresh token")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.newClient(cmd)
			if err != nil {
				return err
			}

			current, err := c.Coordinator().AccessToken(cmd.Context())
			if err != nil {
				return err
			}

			if _, err := c.Coordinator().Refresh(cmd.Context(), current); err != nil {
				return explain(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Access token refreshed.")
			return nil
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the session of the current context",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.TokenStore().Clear(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of context %q.\n", a.store.Config.CurrentContext)
			return nil
		},
	}

	authCmd.AddCommand(setTokensCmd, refreshCmd, logoutCmd)

	return authCmd
}
