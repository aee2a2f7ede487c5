package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/triggers"
)

func newTriggerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start workflows from voice commands and external events",
	}
	cmd.AddCommand(newTriggerVoiceCmd(c), newTriggerEventCmd(c))
	return cmd
}

func newTriggerVoiceCmd(c *cli) *cobra.Command {
	var dryRun, asJSON bool
	cmd := &cobra.Command{
		Use:     "voice <utterance...>",
		Short:   "Run the workflow whose phrase the utterance starts with",
		Example: `  riskflow trigger voice back up the photos folder`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			utterance := strings.Join(args, " ")
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if dryRun {
					m, err := a.router.MatchVoice(ctx, utterance)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) args=%q\n", m.Workflow.Name, m.Workflow.ID, m.Args)
					return nil
				}
				res, err := a.router.Voice(ctx, utterance, engine.RunOptions{})
				if err != nil {
					return err
				}
				return finishRun(ctx, cmd, a, res, false, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show which workflow would run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newTriggerEventCmd(c *cli) *cobra.Command {
	var (
		source  string
		payload string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:     "event <name>",
		Short:   "Fire an event and run every workflow whose filter accepts it",
		Example: `  riskflow trigger event disk.low --source monitor --payload '{"free_pct": 4}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := triggers.Event{Name: args[0], Source: source, Time: time.Now().UTC()}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if dryRun {
					wfs, err := a.router.MatchEvent(ctx, ev)
					if err != nil {
						return err
					}
					printWorkflows(out, wfs)
					return nil
				}
				results, err := a.router.Fire(ctx, ev, engine.RunOptions{})
				if len(results) == 0 && err == nil {
					fmt.Fprintf(out, "no workflow accepted event %s\n", ev.Name)
					return nil
				}
				failed := false
				for _, res := range results {
					printResult(out, res)
					failed = failed || !res.Success
				}
				if err != nil {
					return err
				}
				if failed {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "event source")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list the workflows that would run")
	return cmd
}
