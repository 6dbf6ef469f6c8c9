package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	var (
		format  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current workspace state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format %q (use json or yaml)", format)
			}
			client, err := newClient(cmd, opts)
			if err != nil {
				return err
			}
			s, err := startSession(cmd.Context(), client, timeout)
			if err != nil {
				return err
			}
			snap := client.Snapshot()
			if err := s.stop(); err != nil {
				return err
			}
			return writeSnapshot(cmd.OutOrStdout(), snap, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultSyncTimeout, "how long to wait for the initial state")
	return cmd
}

func writeSnapshot(w io.Writer, snap map[string]json.RawMessage, format string) error {
	if format == "yaml" {
		decoded := make(map[string]any, len(snap))
		for k, raw := range snap {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			decoded[k] = v
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(decoded); err != nil {
			return err
		}
		return enc.Close()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
