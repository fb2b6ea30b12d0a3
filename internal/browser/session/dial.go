// internal/browser/session/dial.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	// DefaultConnectTimeout bounds how long Connect keeps retrying.
	DefaultConnectTimeout = 6 * time.Second
	// DefaultConnectInterval is the pause between connection attempts.
	DefaultConnectInterval = 200 * time.Millisecond
)

// DialFunc opens a transport to the page target of the browser listening on port.
type DialFunc func(ctx context.Context, port int) (chromedp.Transport, error)

// ConnectOptions bounds the connect retry loop.
type ConnectOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	// Abort, when closed, stops retrying early. Typically the browser process's
	// exit channel.
	Abort <-chan struct{}
}

// DebuggerURL is the informational debugging endpoint for port.
func DebuggerURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/", port)
}

// Connect dials the endpoint on port every Interval until it succeeds or Timeout
// elapses, then starts a Session on the connection.
func Connect(ctx context.Context, port int, dial DialFunc, opts ConnectOptions, logger *zap.Logger) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultConnectInterval
	}
	if dial == nil {
		dial = DialPage
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	attempts := 0
	var lastErr error
	for {
		attempts++
		t, err := dial(connectCtx, port)
		if err == nil {
			logger.Debug("Connected to debugging endpoint.",
				zap.Int("port", port),
				zap.Int("attempts", attempts),
				zap.Duration("elapsed", time.Since(start)),
			)
			return New(t, logger), nil
		}
		lastErr = err

		timer := time.NewTimer(opts.Interval)
		select {
		case <-timer.C:
		case <-opts.Abort:
			timer.Stop()
			return nil, fmt.Errorf("%w on port %d: process exited after %d attempts: %v", ErrConnection, port, attempts, lastErr)
		case <-connectCtx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w on port %d after %s (%d attempts): %v", ErrConnection, port, opts.Timeout, attempts, lastErr)
		}
	}
}

// targetInfo is one entry of the /json/list discovery document.
type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var errNoPageTarget = errors.New("no page target listed yet")

// DialPage discovers the first page target via the HTTP endpoint and opens
// a websocket connection to it.
func DialPage(ctx context.Context, port int) (chromedp.Transport, error) {
	wsURL, err := pageWebSocketURL(ctx, http.DefaultClient, port)
	if err != nil {
		return nil, err
	}
	conn, err := chromedp.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	return conn, nil
}

func pageWebSocketURL(ctx context.Context, client *http.Client, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/json/list", port), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("target discovery returned status %d", resp.StatusCode)
	}

	var targets []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("failed to decode target list: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", errNoPageTarget
}
