package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/rendis/riskflow/internal/console"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/pkg/schema"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusLabel(s schema.StepStatus) string {
	switch s {
	case schema.StepStatusSucceeded:
		return color.GreenString(string(s))
	case schema.StepStatusSkipped, schema.StepStatusPending:
		return color.New(color.Faint).Sprint(string(s))
	default:
		return color.RedString(string(s))
	}
}

// stepOrder lists completed steps first, in completion order, then the rest
// by ID.
func stepOrder(res *schema.WorkflowExecutionResult) []string {
	order := slices.Clone(res.Completion)
	var rest []string
	for id := range res.Steps {
		if !slices.Contains(order, id) {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// printResult renders a run result for the terminal.
func printResult(w io.Writer, res *schema.WorkflowExecutionResult) {
	for _, id := range stepOrder(res) {
		step := res.Steps[id]
		if step == nil {
			continue
		}
		line := fmt.Sprintf("  %-20s %s", id, statusLabel(step.Status))
		if step.Risk != "" {
			line += " " + console.TierLabel(step.Risk)
		}
		if step.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", step.Attempts)
		}
		if step.Recovered {
			line += " recovered"
			if step.RecoveredBy != "" {
				line += " by " + step.RecoveredBy
			}
		}
		fmt.Fprintln(w, line)
		if step.Error != nil && step.Status != schema.StepStatusSkipped {
			fmt.Fprintf(w, "  %-20s %s\n", "", color.RedString(step.Error.Error()))
		}
	}

	summary := fmt.Sprintf("run %s %s: %d/%d steps in %s", res.RunID, res.Status, res.StepsExecuted, res.TotalSteps, res.Elapsed.Round(time.Millisecond))
	if res.Success {
		fmt.Fprintln(w, color.GreenString(summary))
	} else {
		fmt.Fprintln(w, color.RedString(summary))
		for _, e := range res.Errors {
			fmt.Fprintln(w, "  - "+e)
		}
	}
}

// printVerdict renders the classification of one command.
func printVerdict(w io.Writer, command string, v risk.Verdict, mode schema.Mode) {
	fmt.Fprintf(w, "%s %s\n", console.TierLabel(v.Tier), command)
	fmt.Fprintf(w, "  %s in %s mode: %s\n", console.DecisionLabel(v.Decision), mode, v.Reason)
	if rb := risk.SuggestRollback(command); rb != "" {
		fmt.Fprintf(w, "  rollback: %s\n", rb)
	}
}

// printAssessment renders an enhanced plan.
func printAssessment(w io.Writer, plan schema.Plan, a schema.PlanAssessment) {
	for _, step := range plan.Steps {
		fmt.Fprintf(w, "%s %s: %s\n", console.TierLabel(step.RiskLevel), step.ID, step.Command)
		if step.RollbackCommand != "" {
			fmt.Fprintf(w, "  rollback: %s\n", step.RollbackCommand)
		}
	}
	fmt.Fprintf(w, "overall %s", console.TierLabel(a.OverallRisk))
	if a.NetworkRequired {
		fmt.Fprint(w, ", needs network")
	}
	fmt.Fprintln(w)
	for _, c := range a.SafetyConcerns {
		fmt.Fprintln(w, color.YellowString("  ! "+c))
	}
}

func printRollback(w io.Writer, results []schema.RollbackResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "nothing to roll back")
		return
	}
	for _, r := range results {
		mark := color.GreenString("ok")
		if !r.Success {
			mark = color.RedString("failed")
		}
		fmt.Fprintf(w, "  rollback %-12s %s %s %s\n", r.StepID, mark, console.TierLabel(r.Risk), r.Command)
		if r.Error != "" {
			fmt.Fprintf(w, "  %-21s %s\n", "", r.Error)
		}
	}
}

func printWorkflows(w io.Writer, wfs []*schema.Workflow) {
	if len(wfs) == 0 {
		fmt.Fprintln(w, "no workflows")
		return
	}
	for _, wf := range wfs {
		state := color.GreenString("enabled")
		if !wf.Enabled {
			state = color.New(color.Faint).Sprint("disabled")
		}
		fmt.Fprintf(w, "%s  %-24s %-9s %s %s\n", wf.ID, wf.Name, wf.Trigger.Type, state, triggerDetail(wf.Trigger))
	}
}

func triggerDetail(t schema.Trigger) string {
	switch t.Type {
	case schema.TriggerVoice:
		return fmt.Sprintf("%q", t.Command)
	case schema.TriggerScheduled:
		return t.Cron
	case schema.TriggerEvent:
		if t.Filter != "" {
			return t.Event + " if " + t.Filter
		}
		return t.Event
	default:
		return ""
	}
}

func printRuns(w io.Writer, runs []*schema.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	for _, r := range runs {
		target := r.WorkflowID
		if target == "" {
			target = "plan " + r.PlanID
		}
		status := color.GreenString(string(r.Status))
		if !r.Success {
			status = color.RedString(string(r.Status))
		}
		fmt.Fprintf(w, "%s  %s  %-10s %s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), status, target)
		if len(r.Errors) > 0 {
			fmt.Fprintln(w, "    "+strings.Join(r.Errors, "\n    "))
		}
	}
}

// progressEvents are the run events shown by --progress.
var progressEvents = []string{
	schema.EventStepStarted,
	schema.EventStepSucceeded,
	schema.EventStepFailed,
	schema.EventStepTimedOut,
	schema.EventStepSkipped,
	schema.EventStepRetrying,
	schema.EventStepRecovered,
	schema.EventPolicyBlocked,
	schema.EventFallbackInvoked,
	schema.EventRunRetry,
	schema.EventResourceLeak,
}

func printProgress(w io.Writer, ev *schema.Event) {
	label := strings.TrimPrefix(ev.Type, "step_")
	switch ev.Type {
	case schema.EventStepSucceeded, schema.EventStepRecovered:
		label = color.GreenString(label)
	case schema.EventStepFailed, schema.EventStepTimedOut, schema.EventPolicyBlocked, schema.EventResourceLeak:
		label = color.RedString(label)
	case schema.EventStepRetrying, schema.EventRunRetry, schema.EventFallbackInvoked:
		label = color.YellowString(label)
	}
	ts := time.UnixMilli(ev.Timestamp).Local().Format("15:04:05")
	fmt.Fprintf(w, "%s %-20s %s\n", ts, ev.StepID, label)
}
