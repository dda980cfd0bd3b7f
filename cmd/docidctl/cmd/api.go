package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newAPICmd(a *app) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Call the DOCiD API with the current session",
	}

	apiCmd.AddCommand(
		newAPIMethodCmd(a, http.MethodGet, false),
		newAPIMethodCmd(a, http.MethodDelete, false),
		newAPIMethodCmd(a, http.MethodPost, true),
		newAPIMethodCmd(a, http.MethodPut, true),
	)

	return apiCmd
}

func newAPIMethodCmd(a *app, method string, withBody bool) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " PATH",
		Short: fmt.Sprintf("Send a %s request and print the JSON response", method),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in any
			if withBody && data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				in = json.RawMessage(data)
			}

			c, err := a.newClient(cmd)
			if err != nil {
				return err
			}

			var out json.RawMessage
			if err := c.Do(cmd.Context(), method, args[0], in, &out); err != nil {
				return explain(err)
			}

			if len(out) == 0 {
				return nil
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out, "", "  "); err != nil {
				_, err = cmd.OutOrStdout().Write(append(out, '\n'))
				return err
			}
			pretty.WriteByte('\n')
			_, err = pretty.WriteTo(cmd.OutOrStdout())

			return err
		},
	}

	if withBody {
		cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	}

	return cmd
}
