package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/console"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/pkg/schema"
)

func newRunsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history and the audit log",
	}
	cmd.AddCommand(newRunsListCmd(c), newRunsShowCmd(c), newRunsEventsCmd(c))
	return cmd
}

func newRunsListCmd(c *cli) *cobra.Command {
	var (
		workflow string
		status   string
		since    time.Duration
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finished runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				filter := store.RunFilter{WorkflowID: workflow, Status: schema.RunStatus(status), Limit: limit}
				if since > 0 {
					t := time.Now().Add(-since)
					filter.Since = &t
				}
				runs, err := a.store.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow ID")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newRunsShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the per-step state of a run rebuilt from its audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if run, err := a.store.GetRun(ctx, args[0]); err == nil {
					printRuns(out, []*schema.RunRecord{run})
				}
				snaps, err := store.NewEventLog(a.store).ReplayEvents(ctx, args[0])
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(snaps))
				for id := range snaps {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool {
					x, y := snaps[ids[i]].StartedAt, snaps[ids[j]].StartedAt
					if x == nil || y == nil {
						return x != nil || (y == nil && ids[i] < ids[j])
					}
					return x.Before(*y)
				})
				for _, id := range ids {
					s := snaps[id]
					line := fmt.Sprintf("  %-20s %s", id, statusLabel(s.Status))
					if s.Risk != "" {
						line += " " + console.TierLabel(schema.RiskTier(s.Risk))
					}
					if s.Attempts > 1 {
						line += fmt.Sprintf(" (%d attempts)", s.Attempts)
					}
					if s.DurationMs > 0 {
						line += fmt.Sprintf(" %dms", s.DurationMs)
					}
					fmt.Fprintln(out, line)
					if s.Error != "" {
						fmt.Fprintf(out, "  %-20s %s\n", "", s.Error)
					}
				}
				return nil
			})
		},
	}
}

func newRunsEventsCmd(c *cli) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the audit events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				events, err := a.store.GetEvents(ctx, args[0], after)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, ev := range events {
					ts := time.UnixMilli(ev.Timestamp).Local().Format("15:04:05.000")
					fmt.Fprintf(out, "%4d %s %-24s %s", ev.Sequence, ts, ev.Type, ev.StepID)
					if len(ev.Payload) > 0 {
						fmt.Fprintf(out, " %v", ev.Payload)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this sequence number")
	return cmd
}
