package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:     "config",
		Short:   "Manage docidctl contexts",
		Aliases: []string{"cfg"},
	}

	var apiURL, gatewayURL string
	setContextCmd := &cobra.Command{
		Use:     "set-context NAME",
		Short:   "Create or update a context",
		Aliases: []string{"set"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, exists := a.store.Config.Contexts[strings.ToLower(args[0])]; !exists && apiURL == "" {
				return errors.New("--api flag is required for a new context")
			}

			c := a.store.SetContext(args[0], apiURL, gatewayURL)
			if err := a.store.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Context %q created/modified.\n", c.Name)
			return nil
		},
	}
	setContextCmd.Flags().StringVar(&apiURL, "api", "", "base URL of the DOCiD backend API")
	setContextCmd.Flags().StringVar(&gatewayURL, "gateway", "", "base URL of the auth gateway (default: the API URL)")

	useContextCmd := &cobra.Command{
		Use:     "use-context NAME",
		Short:   "Set the current context",
		Aliases: []string{"use"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.UseContext(args[0]); err != nil {
				return err
			}
			if err := a.store.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
			return nil
		},
	}

	getContextsCmd := &cobra.Command{
		Use:     "get-contexts",
		Short:   "List contexts",
		Aliases: []string{"get"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.store.Config
			if len(cfg.Contexts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No contexts defined.")
				return nil
			}

			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENT\tNAME\tAPI\tGATEWAY\tSESSION")
			for _, name := range names {
				c := cfg.Contexts[name]
				marker, session := "", "no"
				if name == cfg.CurrentContext {
					marker = "*"
				}
				if c.AccessToken != "" || c.RefreshToken != "" {
					session = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, name, c.APIURL, c.GatewayURL, session)
			}

			return w.Flush()
		},
	}

	configCmd.AddCommand(setContextCmd, useContextCmd, getContextsCmd)

	return configCmd
}
