package main

import (
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-licensesrv/config"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "licensesrv",
		Short:         "licensesrv issues and verifies product serial numbers over a JSON line protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newClientCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the license server",
		Example: `
  # In-memory store on the default port
  licensesrv serve

  # Redis store with TLS and Prometheus metrics
  LICENSESRV_REDIS_ADDR=redis:6379 licensesrv serve --store redis \
    --tls-cert server.pem --tls-key server.key --metrics-listen :9324
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Bind(cmd.Flags())
			if err != nil {
				return err
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), cfg)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}
