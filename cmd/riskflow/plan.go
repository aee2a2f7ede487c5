package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/pkg/schema"
)

func newPlanCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run and manage command plans",
	}
	cmd.AddCommand(newPlanRunCmd(c), newPlanListCmd(c), newPlanDeleteCmd(c))
	return cmd
}

func newPlanRunCmd(c *cli) *cobra.Command {
	var (
		save     bool
		stored   bool
		rollback bool
		asJSON   bool
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "run <file|id>",
		Short: "Execute a plan file, or a stored plan with --stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				var plan *schema.Plan
				var err error
				if stored {
					plan, err = a.store.GetPlan(ctx, args[0])
				} else {
					plan, err = a.loader.LoadPlanFile(args[0])
				}
				if err != nil {
					return err
				}
				if save && !stored {
					if err := a.store.SavePlan(ctx, plan); err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "saved plan %s\n", plan.ID)
				}

				opts := engine.RunOptions{RunID: uuid.NewString()}
				stop := func() {}
				if progress {
					stop = a.watch(cmd.ErrOrStderr(), opts.RunID)
				}
				res, err := a.orch.RunPlan(ctx, plan, opts)
				stop()
				if err != nil {
					return err
				}
				return finishRun(ctx, cmd, a, res, rollback, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the plan before running it")
	cmd.Flags().BoolVar(&stored, "stored", false, "treat the argument as a stored plan ID")
	cmd.Flags().BoolVar(&rollback, "rollback-on-failure", false, "run recorded rollback commands when the run fails")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&progress, "progress", false, "print step events to stderr as they happen")
	return cmd
}

func newPlanListCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				plans, err := a.store.ListPlans(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(plans) == 0 {
					fmt.Fprintln(out, "no plans")
				}
				for _, p := range plans {
					fmt.Fprintf(out, "%s  %-24s %d steps\n", p.ID, p.Name, len(p.Steps))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of plans")
	return cmd
}

func newPlanDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeletePlan(ctx, args[0])
			})
		},
	}
}

// finishRun prints a run result, optionally rolls back a failed run, and
// turns failure into the process exit status.
func finishRun(ctx context.Context, cmd *cobra.Command, a *app, res *schema.WorkflowExecutionResult, rollback, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}
	if res.Success {
		return nil
	}
	if rollback {
		// The run's context may already be cancelled; rollback gets its own.
		results, err := a.orch.Rollback(context.WithoutCancel(ctx), res, a.mode)
		if err != nil {
			return err
		}
		printRollback(out, results)
	}
	return errRunFailed
}
