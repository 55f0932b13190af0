package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lab_boot",
		Short:        "Inventory and role assignment for network-booted lab machines",
		SilenceUsage: true,
	}

	var cfgFile string
	root.AddCommand(newServeCmd(&cfgFile))
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file (serve)")

	cf := &clientFlags{}
	root.PersistentFlags().StringVar(&cf.endpoint, "endpoint", "", "service URL (default $LAB_BOOT_ENDPOINT or http://localhost:8080)")
	root.PersistentFlags().StringVarP(&cf.output, "output", "o", "json", "output format: json or yaml")
	root.AddCommand(newClientCmds(cf)...)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the lab_boot version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "version: %s\ncommit: %s\n", version, commit)
		},
	})
	return root
}
