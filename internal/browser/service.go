// Package browser performs browser actions through a Chrome DevTools session
// per session ID.
package browser

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/pkg/schema"
)

const (
	defaultActionTimeout   = 60 * time.Second
	defaultMaxContentBytes = 50000
)

// Options configures a Service.
type Options struct {
	Headless        bool
	ScreenshotDir   string
	ActionTimeout   time.Duration
	MaxContentBytes int
	Logger          *slog.Logger
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Service satisfies dispatch.BrowserService. Sessions are created on first
// use and live until Close or Shutdown.
type Service struct {
	opts     Options
	strip    *bluemonday.Policy
	mu       sync.Mutex
	sessions map[string]*session

	newSession func() (*session, error)
	run        func(ctx context.Context, actions ...chromedp.Action) error
}

var _ dispatch.BrowserService = (*Service)(nil)

// New creates a Service.
func New(opts Options) *Service {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = defaultMaxContentBytes
	}
	if opts.ScreenshotDir == "" {
		opts.ScreenshotDir = "screenshots"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		opts:     opts,
		strip:    bluemonday.StrictPolicy(),
		sessions: make(map[string]*session),
		run:      chromedp.Run,
	}
	s.newSession = s.launch
	return s
}

func (s *Service) launch() (*session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", s.opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	return &session{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

// session returns the live session for id, starting one if needed.
func (s *Service) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		if sess.ctx.Err() == nil {
			return sess, nil
		}
		delete(s.sessions, id)
	}
	sess, err := s.newSession()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed, "start browser session %q: %v", id, err).WithCause(err)
	}
	s.sessions[id] = sess
	s.opts.Logger.Debug("browser session started", "session_id", id)
	return sess, nil
}

// Sessions returns the number of open sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends one session. Closing an unknown session is a no-op.
func (s *Service) Close(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		sess.cancel()
	}
}

// Shutdown ends every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.cancel()
	}
}

// Perform runs one action in the named session. The action is bounded by
// the action timeout and by ctx.
func (s *Service) Perform(ctx context.Context, sessionID string, action schema.BrowserAction) (*dispatch.BrowserResult, error) {
	if err := ValidateAction(action); err != nil {
		return nil, err
	}
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(sess.ctx, s.opts.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	res, err := s.perform(actx, action)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "browser %s cancelled", action.Kind).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutionFailed, "browser %s: %v", action.Kind, err).WithCause(err)
	}
	return res, nil
}

func (s *Service) perform(ctx context.Context, a schema.BrowserAction) (*dispatch.BrowserResult, error) {
	res := &dispatch.BrowserResult{Success: true}

	switch a.Kind {
	case schema.BrowserNavigate:
		var location, title, page string
		err := s.run(ctx,
			chromedp.Navigate(a.URL),
			chromedp.Location(&location),
			chromedp.Title(&title),
			chromedp.OuterHTML("html", &page, chromedp.ByQuery),
		)
		if err != nil {
			return nil, err
		}
		res.Data = map[string]any{"url": location, "title": title}
		res.PageContent = s.pageText(page)

	case schema.BrowserClick:
		if err := s.run(ctx, chromedp.Click(a.Selector, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		res.Data = a.Selector

	case schema.BrowserType:
		if err := s.run(ctx, chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		res.Data = a.Selector

	case schema.BrowserWaitForElement:
		if err := s.run(ctx, chromedp.WaitVisible(a.Selector, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		res.Data = a.Selector

	case schema.BrowserScreenshot:
		var buf []byte
		var capture chromedp.Action = chromedp.FullScreenshot(&buf, 90)
		if a.Selector != "" {
			capture = chromedp.Screenshot(a.Selector, &buf, chromedp.ByQuery)
		}
		if err := s.run(ctx, capture); err != nil {
			return nil, err
		}
		path, err := s.saveScreenshot(a.Path, buf)
		if err != nil {
			return nil, err
		}
		res.ScreenshotPath = path

	case schema.BrowserExecuteScript:
		var out any
		if err := s.run(ctx, chromedp.Evaluate(a.Script, &out)); err != nil {
			return nil, err
		}
		res.Data = out

	case schema.BrowserGetText:
		sel := a.Selector
		if sel == "" {
			sel = "body"
		}
		var fragment string
		if err := s.run(ctx, chromedp.OuterHTML(sel, &fragment, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		text := s.pageText(fragment)
		res.Data = text
		res.PageContent = text

	case schema.BrowserScroll:
		var step chromedp.Action
		if a.Selector != "" {
			step = chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery)
		} else {
			step = chromedp.Evaluate(fmt.Sprintf("window.scrollTo(%d, %d)", a.X, a.Y), nil)
		}
		if err := s.run(ctx, step); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// pageText reduces markup to readable text: tags and scripts are dropped,
// whitespace is collapsed and the result is capped.
func (s *Service) pageText(markup string) string {
	text := html.UnescapeString(s.strip.Sanitize(markup))
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > s.opts.MaxContentBytes {
		text = text[:s.opts.MaxContentBytes] + "... (truncated)"
	}
	return text
}

func (s *Service) saveScreenshot(path string, buf []byte) (string, error) {
	if path == "" {
		path = filepath.Join(s.opts.ScreenshotDir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// ValidateAction checks that an action carries the fields its kind needs.
func ValidateAction(a schema.BrowserAction) error {
	invalid := func(format string, args ...any) error {
		return schema.NewErrorf(schema.ErrCodeValidation, "browser %s: "+format, append([]any{a.Kind}, args...)...)
	}
	switch a.Kind {
	case schema.BrowserNavigate:
		u, err := url.Parse(a.URL)
		if a.URL == "" || err != nil {
			return invalid("invalid url %q", a.URL)
		}
		switch u.Scheme {
		case "http", "https", "file", "about":
		default:
			return invalid("unsupported url scheme %q", u.Scheme)
		}
	case schema.BrowserClick, schema.BrowserWaitForElement:
		if a.Selector == "" {
			return invalid("selector is required")
		}
	case schema.BrowserType:
		if a.Selector == "" || a.Text == "" {
			return invalid("selector and text are required")
		}
	case schema.BrowserExecuteScript:
		if a.Script == "" {
			return invalid("script is required")
		}
	case schema.BrowserScreenshot, schema.BrowserGetText, schema.BrowserScroll:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown browser action %q", a.Kind)
	}
	return nil
}
