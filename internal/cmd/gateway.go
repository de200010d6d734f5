package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/remedy/internal/config"
	"github.com/luciancaetano/remedy/internal/rest"
)

func newGatewayCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Print the gateway url, recommended shard count and session start limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			restCfg := rest.DefaultConfig(cfg.Token)
			restCfg.BaseURL = cfg.API.BaseURL
			client, err := rest.New(restCfg)
			if err != nil {
				return err
			}

			gb, err := client.GatewayBot(cmd.Context())
			if err != nil {
				return err
			}
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(gb, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
