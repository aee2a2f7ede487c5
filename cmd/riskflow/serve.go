package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/streaming"
	"github.com/rendis/riskflow/pkg/mcp"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the riskflow tools over MCP on stdio",
		Long: `Serve exposes classification, plan and workflow runs, triggers and the
run history as MCP tools on stdin/stdout. There is no terminal to confirm
on, so every run is unattended.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout belongs to the protocol.
			cmd.SetOut(cmd.ErrOrStderr())
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				srv := mcp.NewRiskflowServer(mcp.RiskflowServerDeps{
					Runner:    a.orch,
					Store:     a.store,
					Gate:      a.gate,
					Validator: a.valid,
					Loader:    a.loader,
					Router:    a.router,
					Mode:      a.mode,
					Logger:    a.logger,
				})
				events, stop := a.events.Subscribe(streaming.Filter{})
				defer stop()
				go func() {
					for ev := range events {
						srv.Observe(ev)
					}
				}()
				a.logger.Info("mcp server listening on stdio", "mode", a.mode.String())
				return srv.Serve(ctx)
			})
		},
	}
}
