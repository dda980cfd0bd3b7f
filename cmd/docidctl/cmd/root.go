package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pilab-dev/docid-auth/client"
	"github.com/pilab-dev/docid-auth/cmd/docidctl/config"
	"github.com/pilab-dev/docid-auth/log"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	cfgFile  string
	logLevel string

	logger log.Logger
	store  *config.Store
}

// NewRootCmd builds the docidctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "docidctl calls the DOCiD API with an automatically refreshed session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.logger = log.NewWithWriter(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}, log.ParseLevel(a.logLevel))

			store, err := config.Load(a.cfgFile)
			if err != nil {
				a.logger.Error(cmd.Context(), "Failed to initialize configuration", err)
				return err
			}
			a.store = store

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "",
		fmt.Sprintf("config file (default is $HOME/.%s/config.yaml)", config.AppName))
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newConfigCmd(a), newAuthCmd(a), newAPICmd(a))

	return rootCmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newClient builds a client for the current context. A failed refresh
// clears the stored session and prints a re-login hint.
func (a *app) newClient(cmd *cobra.Command) (*client.Client, error) {
	current, err := a.store.Current()
	if err != nil {
		return nil, err
	}
	if current.APIURL == "" {
		return nil, fmt.Errorf("context %q has no API URL", current.Name)
	}

	return client.New(client.Config{
		APIBaseURL: current.APIURL,
		GatewayURL: current.GatewayURL,
		Store:      a.store.TokenStore(),
		Logger:     a.logger,
		OnSessionExpired: func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(),
				"Session expired (%v). Log in through the portal and run '%s auth set-tokens'.\n",
				err, config.AppName)
		},
	})
}

// explain turns the client's sentinel errors into actionable messages.
func explain(err error) error {
	switch {
	case errors.Is(err, client.ErrNotAuthenticated):
		return fmt.Errorf("not logged in; run '%s auth set-tokens' first", config.AppName)
	case errors.Is(err, client.ErrSessionExpired):
		return errors.New("session expired, tokens cleared")
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("request rejected after refreshing the session: %w", err)
	default:
		return err
	}
}
