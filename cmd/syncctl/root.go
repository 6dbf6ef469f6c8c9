package main

import (
	"github.com/danmuck/wsync/internal/config"
	"github.com/danmuck/wsync/internal/workspace"
	"github.com/spf13/cobra"
)

// globalOptions are the connection flags shared by every subcommand.
type globalOptions struct {
	configPath string
	workspace  string
	token      string
	host       string
	userID     string
	secure     bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Watch and edit a shared workspace over the sync protocol",
		Long: `syncctl joins a workspace on a sync server and either streams its
updates, writes a single key or prints the current state.

Connection settings come from --config (TOML), then WSYNC_TOKEN, then flags.

  syncctl watch --workspace board --filter 'key startsWith "cursor."'
  syncctl set title '"Q3 plan"'
  syncctl snapshot --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML client config")
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "workspace id")
	flags.StringVar(&opts.token, "token", "", "bearer token")
	flags.StringVar(&opts.host, "host", "", "sync server host[:port]")
	flags.StringVar(&opts.userID, "user", "", "user id sent with the connection")
	flags.BoolVar(&opts.secure, "secure", false, "connect with wss")

	root.AddCommand(
		newWatchCmd(opts),
		newSetCmd(opts),
		newSnapshotCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// resolveConfig loads the config file and applies the flags that were set
// explicitly on cmd.
func resolveConfig(cmd *cobra.Command, opts *globalOptions) (workspace.Config, error) {
	cfg, err := config.LoadClientConfig(opts.configPath)
	if err != nil {
		return workspace.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("workspace") {
		cfg.WorkspaceID = opts.workspace
	}
	if flags.Changed("token") {
		cfg.Token = opts.token
	}
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("user") {
		cfg.UserID = opts.userID
	}
	if flags.Changed("secure") {
		cfg.Secure = opts.secure
	}
	return cfg, nil
}

func newClient(cmd *cobra.Command, opts *globalOptions) (*workspace.Client, error) {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	return workspace.New(cfg)
}
