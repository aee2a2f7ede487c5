package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/definitions"
	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/pkg/schema"
)

func newWorkflowCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Define, inspect and run stored workflows",
	}
	cmd.AddCommand(
		newWorkflowSaveCmd(c),
		newWorkflowListCmd(c),
		newWorkflowShowCmd(c),
		newWorkflowDeleteCmd(c),
		newWorkflowRunCmd(c),
		newWorkflowValidateCmd(),
	)
	return cmd
}

func newWorkflowSaveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "save <file>",
		Short: "Validate a workflow file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				wf, err := a.loader.LoadWorkflowFile(args[0])
				if err != nil {
					return err
				}
				// A file without an ID replaces the stored workflow of the same name.
				if wf.ID == "" {
					if existing, err := a.store.GetWorkflowByName(ctx, wf.Name); err == nil {
						wf.ID = existing.ID
						wf.CreatedAt = existing.CreatedAt
					}
				}
				if err := a.valid.CheckWorkflow(wf); err != nil {
					return err
				}
				if err := a.store.SaveWorkflow(ctx, wf); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved workflow %s (%s)\n", wf.Name, wf.ID)
				return nil
			})
		},
	}
}

func newWorkflowListCmd(c *cli) *cobra.Command {
	var (
		trigger string
		enabled bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				filter := store.WorkflowFilter{TriggerType: schema.TriggerType(trigger), Limit: limit}
				if cmd.Flags().Changed("enabled") {
					filter.Enabled = &enabled
				}
				wfs, err := a.store.ListWorkflows(ctx, filter)
				if err != nil {
					return err
				}
				printWorkflows(cmd.OutOrStdout(), wfs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "only workflows with this trigger type")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "only enabled (or, with =false, disabled) workflows")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of workflows")
	return cmd
}

func newWorkflowShowCmd(c *cli) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Print a stored workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				wf, err := lookupWorkflow(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				if !asYAML {
					return printJSON(cmd.OutOrStdout(), wf)
				}
				data, err := definitions.MarshalYAML(wf)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print YAML instead of JSON")
	return cmd
}

func newWorkflowDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a stored workflow and its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				wf, err := lookupWorkflow(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				if err := a.store.DeleteWorkflow(ctx, wf.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted workflow %s (%s)\n", wf.Name, wf.ID)
				return nil
			})
		},
	}
}

func newWorkflowRunCmd(c *cli) *cobra.Command {
	var (
		vars     []string
		file     bool
		rollback bool
		asJSON   bool
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "run <id|name|file>",
		Short: "Run a stored workflow, or a workflow file with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				var wf *schema.Workflow
				if file {
					wf, err = a.loader.LoadWorkflowFile(args[0])
				} else {
					wf, err = lookupWorkflow(ctx, a.store, args[0])
				}
				if err != nil {
					return err
				}
				opts := engine.RunOptions{RunID: uuid.NewString(), Variables: values}
				stop := func() {}
				if progress {
					stop = a.watch(cmd.ErrOrStderr(), opts.RunID)
				}
				res, err := a.orch.RunWorkflow(ctx, wf, opts)
				stop()
				if err != nil {
					return err
				}
				return finishRun(ctx, cmd, a, res, rollback, asJSON)
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable override name=value (repeatable)")
	cmd.Flags().BoolVar(&file, "file", false, "treat the argument as a workflow file")
	cmd.Flags().BoolVar(&rollback, "rollback-on-failure", false, "run recorded rollback commands when the run fails")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&progress, "progress", false, "print step events to stderr as they happen")
	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := definitions.NewLoader()
			if err != nil {
				return err
			}
			validator := validation.NewValidator(nil)
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				wf, err := loader.LoadWorkflowFile(path)
				if err == nil {
					err = validator.CheckWorkflow(wf)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: ok (%d steps)\n", path, len(wf.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}
}

// lookupWorkflow finds a workflow by ID, then by name.
func lookupWorkflow(ctx context.Context, st store.Store, ref string) (*schema.Workflow, error) {
	wf, err := st.GetWorkflow(ctx, ref)
	if err == nil {
		return wf, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	return st.GetWorkflowByName(ctx, ref)
}
