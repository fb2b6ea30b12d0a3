// internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rubium/internal/browser/markup"
	"github.com/xkilldash9x/rubium/internal/browser/session"
)

const eventFrameStoppedLoading = "Page.frameStoppedLoading"

// GotoOption adjusts a single navigation.
type GotoOption func(*gotoConfig)

type gotoConfig struct {
	wait    bool
	timeout time.Duration
}

// WithoutWait returns as soon as the browser accepted the navigation.
func WithoutWait() GotoOption {
	return func(c *gotoConfig) { c.wait = false }
}

// WithTimeout bounds the wait for the page to stop loading.
func WithTimeout(d time.Duration) GotoOption {
	return func(c *gotoConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId"`
	ErrorText string `json:"errorText"`
}

type frameEvent struct {
	FrameID string `json:"frameId"`
}

// Goto navigates the page to url and, unless WithoutWait is given, waits for the
// navigated frame to stop loading. The timeout covers the whole navigation.
// When a restart threshold is configured and reached, the browser is restarted
// first. A navigation holds its slot toward the threshold while in flight and
// keeps it only if it completes.
func (i *Instance) Goto(ctx context.Context, url string, opts ...GotoOption) error {
	cfg := gotoConfig{wait: true, timeout: i.opts.MaxTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := i.beginNavigation(ctx)
	if err != nil {
		return err
	}
	completed := false
	defer func() {
		if !completed {
			i.releaseNavigation(st.generation)
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	// The frame id is only known from the navigate response, so the waiter reads
	// it late. Until then it tracks the main frame.
	var frameID atomic.Pointer[string]
	frameID.Store(&st.mainFrame)

	var waiter *session.Waiter
	if cfg.wait {
		waiter = st.sess.Expect(func(ev *session.Event) bool {
			if ev.Method != eventFrameStoppedLoading {
				return false
			}
			var fe frameEvent
			if ev.Decode(&fe) != nil {
				return false
			}
			want := *frameID.Load()
			return want == "" || fe.FrameID == want
		})
		defer waiter.Cancel()
	}

	var res navigateResult
	if err := st.sess.Execute(navCtx, string(page.CommandNavigate), page.Navigate(url), &res); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("%w: %s: %s", ErrNavigation, url, res.ErrorText)
	}

	// Same-document navigations (no loader id) never stop loading.
	if waiter != nil && res.LoaderID != "" {
		if res.FrameID != "" {
			frameID.Store(&res.FrameID)
		}
		if _, err := waiter.Wait(navCtx, 0); err != nil {
			return fmt.Errorf("waiting for %s to load: %w", url, err)
		}
	}

	completed = true
	st.logger.Debug("Navigation finished.", zap.String("url", url))
	return nil
}

// beginNavigation restarts the browser if the threshold is reached and reserves
// a request slot, both under one lock so concurrent callers never overshoot.
func (i *Instance) beginNavigation(ctx context.Context) (pageState, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return pageState{}, ErrClosed
	}
	if i.opts.RestartAfter > 0 && i.requests >= i.opts.RestartAfter {
		i.logger.Info("Request threshold reached, restarting browser.", zap.Int("requests", i.requests))
		if err := i.restartLocked(ctx); err != nil {
			return pageState{}, err
		}
	}
	i.requests++
	return i.stateLocked(), nil
}

// releaseNavigation gives back a slot reserved by a navigation that failed,
// unless the browser was replaced in the meantime.
func (i *Instance) releaseNavigation(generation uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generation == generation && i.requests > 0 {
		i.requests--
	}
}

type evaluateResult struct {
	Result struct {
		Type        string              `json:"type"`
		Value       jsoniter.RawMessage `json:"value"`
		Description string              `json:"description"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text         string `json:"text"`
		LineNumber   int64  `json:"lineNumber"`
		ColumnNumber int64  `json:"columnNumber"`
		Exception    *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// evaluate runs expr in the page and decodes its value into res when non-nil.
func (i *Instance) evaluate(ctx context.Context, expr string, res interface{}) error {
	s, err := i.current()
	if err != nil {
		return err
	}

	params := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
	var out evaluateResult
	if err := s.Execute(ctx, string(runtime.CommandEvaluate), params, &out); err != nil {
		return err
	}
	if d := out.ExceptionDetails; d != nil {
		se := &ScriptError{Text: d.Text, Line: d.LineNumber, Column: d.ColumnNumber}
		if d.Exception != nil {
			se.Description = d.Exception.Description
		}
		return se
	}
	if res == nil || len(out.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result.Value, res); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

// jsLiteral encodes v as a JavaScript literal so caller values never become code.
func jsLiteral(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// Markup returns the serialized document.
func (i *Instance) Markup(ctx context.Context) (string, error) {
	var html string
	if err := i.evaluate(ctx, "document.documentElement ? document.documentElement.outerHTML : ''", &html); err != nil {
		return "", fmt.Errorf("failed to read page markup: %w", err)
	}
	return html, nil
}

// Body is an alias of Markup.
func (i *Instance) Body(ctx context.Context) (string, error) { return i.Markup(ctx) }

// Document parses the current markup for arbitrary queries.
func (i *Instance) Document(ctx context.Context) (*markup.Document, error) {
	raw, err := i.Markup(ctx)
	if err != nil {
		return nil, err
	}
	return markup.Parse(raw)
}

// HasXPath polls the markup until expr matches or wait has been spent.
func (i *Instance) HasXPath(ctx context.Context, expr string, wait time.Duration) (bool, error) {
	return i.poll(ctx, wait, func(raw string) (bool, error) {
		return i.opts.Markup.HasXPath(raw, expr)
	})
}

// HasCSS polls the markup until selector matches or wait has been spent.
func (i *Instance) HasCSS(ctx context.Context, selector string, wait time.Duration) (bool, error) {
	return i.poll(ctx, wait, func(raw string) (bool, error) {
		return i.opts.Markup.HasCSS(raw, selector)
	})
}

// HasText polls the markup until it contains text or wait has been spent.
func (i *Instance) HasText(ctx context.Context, text string, wait time.Duration) (bool, error) {
	return i.poll(ctx, wait, func(raw string) (bool, error) {
		return strings.Contains(raw, text), nil
	})
}

// poll checks once, then every PollInterval, charging each interval against
// wait. A zero wait performs exactly one check.
func (i *Instance) poll(ctx context.Context, wait time.Duration, check func(raw string) (bool, error)) (bool, error) {
	var spent time.Duration
	for {
		raw, err := i.Markup(ctx)
		if err != nil {
			return false, err
		}
		ok, err := check(raw)
		if err != nil || ok {
			return ok, err
		}
		if spent >= wait {
			return false, nil
		}

		timer := time.NewTimer(i.opts.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
		spent += i.opts.PollInterval
	}
}

// onElement runs body with `el` bound to the first match of selector.
func (i *Instance) onElement(ctx context.Context, selector, body string) error {
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  %s
  return true;
})()`, jsLiteral(selector), body)

	var found bool
	if err := i.evaluate(ctx, script, &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

// Click clicks the first element matching selector.
func (i *Instance) Click(ctx context.Context, selector string) error {
	return i.onElement(ctx, selector, "el.click();")
}

// SendKeyOn dispatches a keydown with keyCode on the first element matching selector.
func (i *Instance) SendKeyOn(ctx context.Context, selector string, keyCode int) error {
	return i.onElement(ctx, selector, fmt.Sprintf(
		`el.dispatchEvent(new KeyboardEvent("keydown", {bubbles: true, cancelable: true, keyCode: %s}));`,
		jsLiteral(keyCode)))
}

// FillIn sets the value of the first element matching selector and fires input
// and change events.
func (i *Instance) FillIn(ctx context.Context, selector, text string) error {
	return i.onElement(ctx, selector, fmt.Sprintf(`el.value = %s;
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));`, jsLiteral(text)))
}

// ExecuteScript evaluates script as given and decodes its value into res when non-nil.
func (i *Instance) ExecuteScript(ctx context.Context, script string, res interface{}) error {
	return i.evaluate(ctx, script, res)
}

// EvaluateOnNewDocument installs script to run in every new document and
// returns its identifier.
func (i *Instance) EvaluateOnNewDocument(ctx context.Context, script string) (string, error) {
	s, err := i.current()
	if err != nil {
		return "", err
	}
	var res struct {
		Identifier string `json:"identifier"`
	}
	if err := s.Execute(ctx, string(page.CommandAddScriptToEvaluateOnNewDocument), page.AddScriptToEvaluateOnNewDocument(script), &res); err != nil {
		return "", err
	}
	return res.Identifier, nil
}

// Cookies returns the cookies visible to the current page.
func (i *Instance) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	s, err := i.current()
	if err != nil {
		return nil, err
	}
	var res struct {
		Cookies []*network.Cookie `json:"cookies"`
	}
	if err := s.Execute(ctx, string(network.CommandGetCookies), network.GetCookies(), &res); err != nil {
		return nil, err
	}
	return res.Cookies, nil
}

// SetCookies stores cookies in the browser.
func (i *Instance) SetCookies(ctx context.Context, cookies []*network.CookieParam) error {
	s, err := i.current()
	if err != nil {
		return err
	}
	return s.Execute(ctx, string(network.CommandSetCookies), network.SetCookies(cookies), nil)
}

// Execute sends a raw protocol command on the current session.
func (i *Instance) Execute(ctx context.Context, method string, params, res interface{}) error {
	s, err := i.current()
	if err != nil {
		return err
	}
	return s.Execute(ctx, method, params, res)
}
