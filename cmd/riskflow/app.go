package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/rendis/riskflow/internal/actions"
	"github.com/rendis/riskflow/internal/browser"
	"github.com/rendis/riskflow/internal/console"
	"github.com/rendis/riskflow/internal/definitions"
	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/internal/engine"
	"github.com/rendis/riskflow/internal/expressions"
	"github.com/rendis/riskflow/internal/isolation"
	"github.com/rendis/riskflow/internal/risk"
	"github.com/rendis/riskflow/internal/store"
	"github.com/rendis/riskflow/internal/streaming"
	"github.com/rendis/riskflow/internal/triggers"
	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/internal/variables"
	"github.com/rendis/riskflow/pkg/schema"
)

// app is the wired engine behind every command.
type app struct {
	cfg     Config
	logger  *slog.Logger
	mode    schema.Mode
	store   *store.LibSQLStore
	engines *expressions.Engines
	gate    *risk.Gate
	loader  *definitions.Loader
	valid   *validation.Validator
	browser *browser.Service
	console *console.Console
	orch    *engine.Orchestrator
	router  *triggers.Router

	// events carries every run event after it is stored.
	events *streaming.Hub
}

// interactive reports whether a human is at the terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// sessionMode derives the policy mode. A session without a terminal is
// always unattended.
func sessionMode(p PolicyConfig, tty bool) schema.Mode {
	return schema.Mode{Safe: p.Safe, Unattended: p.Unattended || !tty}
}

// newApp opens the store and wires the engine. The caller must Close it.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, errOut io.Writer) (*app, error) {
	tty := interactive()
	a := &app{cfg: cfg, logger: logger, mode: sessionMode(cfg.Policy, tty), events: streaming.NewHub()}

	st, err := store.Open(cfg.DB.Driver, cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.store = st

	if err := a.wire(tty, errOut); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(tty bool, errOut io.Writer) error {
	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("expression engines: %w", err)
	}
	a.engines = engines

	a.gate, err = risk.NewGate(a.cfg.Policy.Deny, a.cfg.Policy.Allow)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	a.loader, err = definitions.NewLoader()
	if err != nil {
		return fmt.Errorf("definition schemas: %w", err)
	}
	a.valid = validation.NewValidator(engines)

	shell := actions.NewShell(actions.ShellConfig{
		Isolator:      isolation.NewIsolator(a.logger),
		Limits:        isolation.Limits{AllowedPaths: a.cfg.Sandbox.AllowedPaths},
		MaxOutputSize: a.cfg.Sandbox.MaxOutputBytes,
		Logger:        a.logger,
	})
	caller := actions.NewHTTPCaller(actions.HTTPConfig{
		Services: a.cfg.Integrations,
		Logger:   a.logger,
	})
	a.browser = browser.New(browser.Options{
		Headless:      a.cfg.Browser.Headless,
		ScreenshotDir: a.cfg.Browser.ScreenshotDir,
		Logger:        a.logger,
	})

	dcfg := dispatch.Config{
		Process:        shell,
		Browser:        a.browser,
		Integrations:   caller,
		DefaultTimeout: a.cfg.Engine.DefaultStepTimeout,
		MaxNesting:     a.cfg.Engine.MaxNesting,
		Logger:         a.logger,
	}
	ocfg := engine.Config{
		Gate:           a.gate,
		Validator:      a.valid,
		Workflows:      a.store,
		Runs:           a.store,
		Events:         a.store,
		Observe:        a.events.Publish,
		MaxConcurrency: a.cfg.Engine.MaxConcurrency,
		CancelGrace:    a.cfg.Engine.CancelGrace,
		Mode:           a.mode,
		Logger:         a.logger,
	}
	// Without a terminal there is nobody to ask: confirmations block and
	// prompts fail.
	if tty {
		a.console = console.New(errOut, os.Getenv("ACCESSIBLE") != "")
		dcfg.Prompter = a.console
		ocfg.Confirmer = a.console
	}

	ocfg.Dispatcher = dispatch.New(variables.NewResolver(engines, caller), dcfg)
	a.orch = engine.New(ocfg)
	a.router = triggers.NewRouter(a.store, a.orch, engines.CEL, a.logger)
	return nil
}

// watch prints the progress of one run to w until the returned func is
// called. The func drains what was already published before returning.
func (a *app) watch(w io.Writer, runID string) func() {
	ch, cancel := a.events.Subscribe(streaming.Filter{RunID: runID, Types: progressEvents})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			printProgress(w, ev)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close releases the browser sessions and the store.
func (a *app) Close() error {
	if a.browser != nil {
		a.browser.Shutdown()
	}
	return a.store.Close()
}
