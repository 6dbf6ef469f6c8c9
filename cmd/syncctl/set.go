package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSetCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Write one key and disconnect",
		Long: `Connect, wait for the initial state, write KEY and disconnect.

VALUE is parsed as JSON when it is valid JSON and sent as a string otherwise,
so 42, true and '{"x":1}' keep their types while hello becomes "hello".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, opts)
			if err != nil {
				return err
			}
			s, err := startSession(cmd.Context(), client, timeout)
			if err != nil {
				return err
			}

			key, value := args[0], parseValue(args[1])
			setErr := client.Set(key, value)
			if stopErr := s.stop(); setErr == nil && stopErr != nil {
				setErr = stopErr
			}
			if setErr != nil {
				return setErr
			}
			raw, _ := client.Get(key)
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, raw)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultSyncTimeout, "how long to wait for the initial state")
	return cmd
}

// parseValue keeps valid JSON as-is and treats anything else as a string.
func parseValue(arg string) any {
	trimmed := strings.TrimSpace(arg)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return arg
}
