package main

import (
	"fmt"

	"github.com/danmuck/wsync/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client config files",
	}

	var (
		out   string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Print or write a config template",
		Long: `Render a TOML config template. Connection flags given on the command
line are written into the template.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			if out != "" {
				if err := config.WriteTemplate(out, cfg, force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
				return nil
			}
			template, err := config.Template(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), template)
			return err
		},
	}
	initCmd.Flags().StringVarP(&out, "out", "o", "", "write the template to this path instead of stdout")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
