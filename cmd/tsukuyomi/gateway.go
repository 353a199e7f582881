package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tsukuyomi/gateway"
)

func gatewayCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Show the gateway url and recommended shard count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := gateway.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			info, err := gateway.FetchGateway(ctx, nil, config.Manager.APIURL, config.Manager.Version, config.Manager.Token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "url:              %s\n", info.URL)
			fmt.Fprintf(out, "shards:           %d\n", info.Shards)
			fmt.Fprintf(out, "sessions left:    %d/%d\n", info.SessionStartLimit.Remaining, info.SessionStartLimit.Total)
			fmt.Fprintf(out, "resets in:        %s\n", time.Duration(info.SessionStartLimit.ResetAfter)*time.Millisecond)
			fmt.Fprintf(out, "max concurrency:  %d\n", info.SessionStartLimit.MaxConcurrency)
			return nil
		},
	}
}
