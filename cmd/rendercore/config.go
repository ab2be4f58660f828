package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vsariola/rendercore/config"
	"github.com/vsariola/rendercore/gomidi"
	"github.com/vsariola/rendercore/plugins"
	"github.com/vsariola/rendercore/version"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List MIDI inputs and built-in plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "plugins: "+strings.Join(plugins.Names(), ", "))
			inputs, err := gomidi.Inputs()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "MIDI inputs:")
			for _, in := range inputs {
				fmt.Fprintln(out, "  "+in)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
