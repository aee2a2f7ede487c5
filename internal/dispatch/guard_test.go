package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/pkg/schema"
)

// scriptedConfirmer answers requests from a queue and records them.
type scriptedConfirmer struct {
	mu        sync.Mutex
	responses []ConfirmationResponse
	err       error
	requests  []ConfirmationRequest
}

func (c *scriptedConfirmer) Confirm(_ context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return ConfirmationResponse{}, c.err
	}
	if len(c.responses) == 0 {
		return ConfirmationResponse{Verdict: schema.VerdictDeny}, nil
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

func (c *scriptedConfirmer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) fn() EventFunc {
	return func(_ context.Context, eventType, _ string, _ map[string]any) {
		l.mu.Lock()
		l.types = append(l.types, eventType)
		l.mu.Unlock()
	}
}

func (l *eventLog) has(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func cmd(c string) *schema.ExecuteCommand { return &schema.ExecuteCommand{Command: c} }

func TestPolicyGuard_ProceedWithoutAsking(t *testing.T) {
	c := &scriptedConfirmer{}
	events := &eventLog{}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c), Events: events.fn()}

	cl, err := g.Clear(context.Background(), "s1", cmd("ls -la"))
	require.NoError(t, err)
	assert.Equal(t, schema.RiskInfoOnly, cl.Tier)
	assert.Equal(t, schema.DecisionProceed, cl.Decision)
	assert.Zero(t, c.count())
	assert.True(t, events.has(schema.EventRiskClassified))
}

func TestPolicyGuard_Block(t *testing.T) {
	events := &eventLog{}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Events: events.fn()}

	cl, err := g.Clear(context.Background(), "s1", cmd("rm -rf /tmp/data"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
	assert.Equal(t, schema.RiskDestructive, cl.Tier)
	assert.True(t, events.has(schema.EventPolicyBlocked))
}

func TestPolicyGuard_FloorRaisesTier(t *testing.T) {
	g := &PolicyGuard{
		Mode:   schema.Mode{Safe: true},
		Floors: map[string]schema.RiskTier{"s1": schema.RiskDestructive},
	}

	cl, err := g.Clear(context.Background(), "s1", cmd("echo hi"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
	assert.Equal(t, schema.RiskDestructive, cl.Tier)

	// other steps keep their classified tier
	cl, err = g.Clear(context.Background(), "s2", cmd("echo hi"))
	require.NoError(t, err)
	assert.Equal(t, schema.RiskInfoOnly, cl.Tier)
}

func TestPolicyGuard_ConfirmationWithoutSurfaceBlocks(t *testing.T) {
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}}

	_, err := g.Clear(context.Background(), "s1", cmd("curl https://example.com"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
}

func TestPolicyGuard_UnattendedNeverAsks(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{{Verdict: schema.VerdictApprove}}}
	g := &PolicyGuard{Mode: schema.Mode{Unattended: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("chmod 600 key.pem"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
	assert.Zero(t, c.count())
}

func TestPolicyGuard_ApproveIsRemembered(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{{Verdict: schema.VerdictApprove}}}
	g := &PolicyGuard{RunID: "run-1", Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	for range 3 {
		cl, err := g.Clear(context.Background(), "s1", cmd("chmod 600 key.pem"))
		require.NoError(t, err)
		assert.Equal(t, schema.DecisionRequireConfirmation, cl.Decision)
	}
	assert.Equal(t, 1, c.count())
	assert.Equal(t, "run-1", c.requests[0].RunID)
	assert.True(t, c.requests[0].CanEdit)

	// a different command on the same step asks again
	_, err := g.Clear(context.Background(), "s1", cmd("chmod 644 key.pem"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfirmationDenied))
	assert.Equal(t, 2, c.count())
}

func TestPolicyGuard_Deny(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{{Verdict: schema.VerdictDeny}}}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("systemctl restart nginx"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfirmationDenied))
	assert.True(t, schema.IsFatal(err))
}

func TestPolicyGuard_Revise(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{{Verdict: schema.VerdictRevise, Note: "use a dry run"}}}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("systemctl restart nginx"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRevisionRequested))
	assert.Contains(t, err.Error(), "use a dry run")
}

func TestPolicyGuard_EditIsReclassified(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{
		{Verdict: schema.VerdictEdit, Command: "ls /etc"},
	}}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	cl, err := g.Clear(context.Background(), "s1", cmd("chmod 777 /etc/hosts"))
	require.NoError(t, err)
	assert.Equal(t, "ls /etc", cl.Action.(*schema.ExecuteCommand).Command)
	assert.Equal(t, schema.RiskInfoOnly, cl.Tier)
	assert.Equal(t, 1, c.count())
}

func TestPolicyGuard_EditToBlockedCommandBlocks(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{
		{Verdict: schema.VerdictEdit, Command: "rm -rf /var/lib/app"},
	}}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("chmod 777 /var/lib/app"))
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
}

func TestPolicyGuard_EditOnlyForCommands(t *testing.T) {
	c := &scriptedConfirmer{responses: []ConfirmationResponse{{Verdict: schema.VerdictEdit, Command: "ls"}}}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	script := &schema.RunScript{ScriptType: schema.ScriptPython, Content: "print(1)"}
	_, err := g.Clear(context.Background(), "s1", script)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfirmationDenied))
	assert.False(t, c.requests[0].CanEdit)
}

func TestPolicyGuard_TooManyEdits(t *testing.T) {
	var responses []ConfirmationResponse
	for range maxEdits {
		responses = append(responses, ConfirmationResponse{Verdict: schema.VerdictEdit, Command: "chmod 700 x"})
	}
	c := &scriptedConfirmer{responses: responses}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("chmod 777 x"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfirmationDenied))
	assert.Equal(t, maxEdits, c.count())
}

func TestPolicyGuard_ConfirmerFailure(t *testing.T) {
	c := &scriptedConfirmer{err: errors.New("terminal closed")}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(c)}

	_, err := g.Clear(context.Background(), "s1", cmd("chmod 777 x"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfirmationDenied))
}

func TestPolicyGuard_DenyPattern(t *testing.T) {
	gate, err := risk.NewGate([]string{`^ls /root`}, nil)
	require.NoError(t, err)
	g := &PolicyGuard{Gate: gate, Mode: schema.Mode{}}

	_, err = g.Clear(context.Background(), "s1", cmd("ls /root"))
	assert.True(t, schema.HasCode(err, schema.ErrCodePolicyBlocked))
}

// blockingConfirmer holds the turn until released.
type blockingConfirmer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingConfirmer) Confirm(ctx context.Context, _ ConfirmationRequest) (ConfirmationResponse, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return ConfirmationResponse{Verdict: schema.VerdictApprove}, nil
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}
}

func TestConfirmations_SerialisedAndCancellable(t *testing.T) {
	b := &blockingConfirmer{entered: make(chan struct{}, 2), release: make(chan struct{})}
	confirmations := NewConfirmations(b)

	done := make(chan error, 1)
	go func() {
		_, err := confirmations.Ask(context.Background(), ConfirmationRequest{StepID: "first"})
		done <- err
	}()
	<-b.entered

	// a second request waits for the turn and gives up with its context
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := confirmations.Ask(ctx, ConfirmationRequest{StepID: "second"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, b.entered, 0)

	close(b.release)
	require.NoError(t, <-done)
}

func TestPolicyGuard_CancelledWhileWaiting(t *testing.T) {
	b := &blockingConfirmer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g := &PolicyGuard{Mode: schema.Mode{Safe: true}, Confirmations: NewConfirmations(b)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.entered
		cancel()
	}()
	_, err := g.Clear(ctx, "s1", cmd("chmod 777 x"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestNewConfirmations_Nil(t *testing.T) {
	assert.Nil(t, NewConfirmations(nil))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "ls", Summary(cmd("ls")))
	assert.Equal(t, "browser navigate https://example.com",
		Summary(&schema.BrowserStep{Action: schema.BrowserAction{Kind: schema.BrowserNavigate, URL: "https://example.com"}}))
	assert.Equal(t, "integration github.get", Summary(&schema.IntegrationCall{Service: "github", Method: "get"}))
	assert.Equal(t, "wait", Summary(&schema.Wait{Duration: "1s"}))
	assert.Equal(t, "", Summary(nil))
}
