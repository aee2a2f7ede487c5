// Package console is the terminal surface of the engine: it asks the user to
// confirm risky actions and to answer prompts.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/pkg/schema"
)

// maxEmptyAnswers bounds how often an empty edit or note is asked again.
const maxEmptyAnswers = 3

type choice struct {
	Label string
	Value string
}

// question is one thing to ask: a choice when Options is set, free text
// otherwise.
type question struct {
	Title       string
	Description string
	Options     []choice
	Default     string
}

type askFunc func(ctx context.Context, q question) (string, error)

// Console satisfies dispatch.Confirmer and dispatch.Prompter on a terminal.
type Console struct {
	out io.Writer
	ask askFunc
	mu  sync.Mutex
}

var (
	_ dispatch.Confirmer = (*Console)(nil)
	_ dispatch.Prompter  = (*Console)(nil)
)

// New creates a Console writing to out (stderr when nil). accessible turns
// off the interactive widgets for screen readers and dumb terminals.
func New(out io.Writer, accessible bool) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out, ask: huhAsk(accessible)}
}

// huhAsk renders questions as huh forms. huh cannot be interrupted, so a
// cancelled ctx returns at once and the abandoned form keeps the terminal
// until the user answers it; the next form waits for that.
func huhAsk(accessible bool) askFunc {
	term := &terminal{}
	return func(ctx context.Context, q question) (string, error) {
		answer := q.Default
		var field huh.Field
		if len(q.Options) > 0 {
			opts := make([]huh.Option[string], len(q.Options))
			for i, o := range q.Options {
				opts[i] = huh.NewOption(o.Label, o.Value)
			}
			field = huh.NewSelect[string]().Title(q.Title).Description(q.Description).Options(opts...).Value(&answer)
		} else {
			field = huh.NewInput().Title(q.Title).Description(q.Description).Value(&answer)
		}
		form := huh.NewForm(huh.NewGroup(field)).WithAccessible(accessible)

		if err := term.run(ctx, form.Run); err != nil {
			return "", err
		}
		return answer, nil
	}
}

// terminal hands stdin to one form at a time, abandoned forms included.
type terminal struct {
	mu   sync.Mutex
	busy chan struct{} // closed when the latest form returns
}

// run waits for the previous form to let go of the terminal, then runs form.
// It returns when form does or when ctx is done, whichever comes first.
func (t *terminal) run(ctx context.Context, form func() error) error {
	t.mu.Lock()
	prev := t.busy
	released := make(chan struct{})
	t.busy = released
	t.mu.Unlock()

	if ctx.Err() != nil {
		go func() {
			if prev != nil {
				<-prev
			}
			close(released)
		}()
		return schema.NewError(schema.ErrCodeCancelled, "question abandoned").WithCause(ctx.Err())
	}
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(released)
			}()
			return schema.NewError(schema.ErrCodeCancelled, "question abandoned").WithCause(ctx.Err())
		}
	}

	done := make(chan error, 1)
	go func() {
		err := form()
		close(released)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled, "question aborted: %v", err).WithCause(err)
		}
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "question abandoned").WithCause(ctx.Err())
	}
}

// Confirm shows the action and its risk and asks for a verdict. Editing is
// offered only when the request allows it.
func (c *Console) Confirm(ctx context.Context, req dispatch.ConfirmationRequest) (dispatch.ConfirmationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n%s %s\n", TierLabel(req.Tier), bold(req.Summary))
	if req.StepID != "" {
		fmt.Fprintf(c.out, "  step: %s\n", req.StepID)
	}

	options := []choice{
		{Label: "Approve", Value: string(schema.VerdictApprove)},
		{Label: "Deny", Value: string(schema.VerdictDeny)},
	}
	if req.CanEdit {
		options = append(options, choice{Label: "Edit the command", Value: string(schema.VerdictEdit)})
	}
	options = append(options, choice{Label: "Ask for a revised plan", Value: string(schema.VerdictRevise)})

	answer, err := c.ask(ctx, question{
		Title:       "Run this action?",
		Description: req.Reason,
		Options:     options,
		Default:     string(schema.VerdictDeny),
	})
	if err != nil {
		return dispatch.ConfirmationResponse{}, err
	}

	resp := dispatch.ConfirmationResponse{Verdict: schema.Verdict(answer)}
	switch resp.Verdict {
	case schema.VerdictApprove, schema.VerdictDeny:
	case schema.VerdictEdit:
		if !req.CanEdit {
			return dispatch.ConfirmationResponse{Verdict: schema.VerdictDeny}, nil
		}
		resp.Command, err = c.askText(ctx, "Edited command", req.Summary)
	case schema.VerdictRevise:
		resp.Note, err = c.askText(ctx, "What should change?", "")
	default:
		return dispatch.ConfirmationResponse{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown verdict %q", answer)
	}
	if err != nil {
		return dispatch.ConfirmationResponse{}, err
	}
	return resp, nil
}

// askText asks for non-empty text, giving up after a few empty answers.
func (c *Console) askText(ctx context.Context, title, initial string) (string, error) {
	for i := 0; i < maxEmptyAnswers; i++ {
		answer, err := c.ask(ctx, question{Title: title, Default: initial})
		if err != nil {
			return "", err
		}
		if s := strings.TrimSpace(answer); s != "" {
			return s, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: no answer given", strings.ToLower(title))
}

// Prompt shows text and returns the user's answer verbatim.
func (c *Console) Prompt(ctx context.Context, stepID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ask(ctx, question{Title: text, Description: "step " + stepID})
}

var bold = color.New(color.Bold).SprintFunc()

// TierLabel renders a risk tier for the terminal, colored by severity.
func TierLabel(t schema.RiskTier) string {
	var c *color.Color
	switch t {
	case schema.RiskInfoOnly, schema.RiskSafeOperations:
		c = color.New(color.FgGreen)
	case schema.RiskNetworkAccess:
		c = color.New(color.FgCyan)
	case schema.RiskSystemChanges:
		c = color.New(color.FgYellow)
	case schema.RiskDestructive:
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.FgMagenta)
		if t == "" {
			t = schema.RiskUnknown
		}
	}
	return c.Sprintf("[%s]", t)
}

// DecisionLabel renders a gate decision for the terminal.
func DecisionLabel(d schema.Decision) string {
	switch d {
	case schema.DecisionProceed:
		return color.GreenString(string(d))
	case schema.DecisionRequireConfirmation:
		return color.YellowString(string(d))
	default:
		return color.RedString(string(d))
	}
}
