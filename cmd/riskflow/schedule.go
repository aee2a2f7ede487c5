package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/scheduler"
)

func newScheduleCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled workflows in the foreground until interrupted",
		Long: `Schedule keeps the scheduled-job table in step with the stored workflows,
runs jobs missed while it was down, and then runs every due job on its cron
schedule. Scheduled runs are unattended: anything that would need a
confirmation is blocked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				sched := scheduler.NewScheduler(a.store, a.orch, a.logger,
					scheduler.WithInterval(c.cfg.Scheduler.Interval),
					scheduler.WithSafeMode(c.cfg.Policy.Safe),
				)
				if err := sched.Sync(ctx); err != nil {
					return fmt.Errorf("sync schedules: %w", err)
				}
				if err := sched.RecoverMissed(ctx); err != nil {
					a.logger.Warn("recovering missed jobs failed", "error", err)
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return sched.Stop()
			})
		},
	}
}
