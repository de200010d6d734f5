// Package cmd implements the remedy command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luciancaetano/remedy/internal/config"
)

// NewRootCommand builds the command tree. Flags are bound into a viper
// instance owned by the tree, so environment variables and the config file
// apply to every subcommand.
func NewRootCommand(version string) *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "remedy",
		Short:         "Gateway and REST client for the chat platform",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")
	flags.String("api-url", "", "REST API base url")

	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("api.base_url", flags.Lookup("api-url"))

	load := func() (*config.Config, error) {
		return config.Load(v, cfgFile)
	}

	root.AddCommand(newRunCommand(v, load))
	root.AddCommand(newGatewayCommand(load))
	return root
}
