// cmd/visit_test.go
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rubium/internal/browser"
	"github.com/xkilldash9x/rubium/internal/observability"
)

// fakeVisitor serves a fixed markup for every URL.
type fakeVisitor struct {
	markup  string
	gotoErr map[string]error

	mu     sync.Mutex
	visits []string
	closed bool
}

func (f *fakeVisitor) Goto(_ context.Context, url string, _ ...browser.GotoOption) error {
	f.mu.Lock()
	f.visits = append(f.visits, url)
	f.mu.Unlock()
	return f.gotoErr[url]
}

func (f *fakeVisitor) HasXPath(_ context.Context, expr string, _ time.Duration) (bool, error) {
	if expr == "[" {
		return false, errors.New("invalid xpath")
	}
	return strings.Contains(f.markup, strings.TrimPrefix(expr, "//")), nil
}

func (f *fakeVisitor) HasCSS(_ context.Context, sel string, _ time.Duration) (bool, error) {
	return strings.Contains(f.markup, sel), nil
}

func (f *fakeVisitor) HasText(_ context.Context, text string, _ time.Duration) (bool, error) {
	return strings.Contains(f.markup, text), nil
}

func (f *fakeVisitor) Markup(context.Context) (string, error) { return f.markup, nil }

func (f *fakeVisitor) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeFleet hands out fakeVisitors and remembers the options they were built with.
type fakeFleet struct {
	markup  string
	gotoErr map[string]error
	failAt  int

	mu       sync.Mutex
	visitors []*fakeVisitor
	opts     []browser.Options
}

func (f *fakeFleet) factory(_ context.Context, opts browser.Options, _ *zap.Logger) (pageVisitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.visitors)+1 == f.failAt {
		return nil, errors.New("browser did not start")
	}
	v := &fakeVisitor{markup: f.markup, gotoErr: f.gotoErr}
	f.visitors = append(f.visitors, v)
	f.opts = append(f.opts, opts)
	return v, nil
}

func decodeResults(t *testing.T, out string) []visitResult {
	t.Helper()
	var results []visitResult
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r visitResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), "line %q", sc.Text())
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	return results
}

func TestRunVisit_ReportsChecksPerURL(t *testing.T) {
	fleet := &fakeFleet{markup: "<html><body><h1>Hello</h1></body></html>"}
	var out bytes.Buffer
	urls := []string{"https://a.test", "https://b.test", "https://c.test"}
	vf := visitFlags{xpath: "//h1", css: "table", text: "Hello", concurrency: 2, printMarkup: true}

	err := runVisit(context.Background(), &out, urls, vf, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t))
	require.NoError(t, err)

	results := decodeResults(t, out.String())
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
		assert.Empty(t, r.Error)
		require.NotNil(t, r.XPath)
		assert.True(t, *r.XPath)
		require.NotNil(t, r.CSS)
		assert.False(t, *r.CSS)
		require.NotNil(t, r.Text)
		assert.True(t, *r.Text)
		assert.Equal(t, fleet.markup, r.Markup)
	}

	require.Len(t, fleet.visitors, 2)
	total := 0
	for _, v := range fleet.visitors {
		assert.True(t, v.closed, "instances are closed when the run ends")
		total += len(v.visits)
	}
	assert.Equal(t, 3, total, "each URL is visited exactly once")
}

func TestRunVisit_OmitsChecksNotRequested(t *testing.T) {
	fleet := &fakeFleet{markup: "<p>x</p>"}
	var out bytes.Buffer
	require.NoError(t, runVisit(context.Background(), &out, []string{"https://a.test"}, visitFlags{}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t)))

	line := strings.TrimSpace(out.String())
	assert.NotContains(t, line, `"xpath"`)
	assert.NotContains(t, line, `"markup"`)
	assert.Contains(t, line, `"url":"https://a.test"`)
}

func TestRunVisit_ConcurrencyIsCappedByURLCount(t *testing.T) {
	fleet := &fakeFleet{}
	require.NoError(t, runVisit(context.Background(), &bytes.Buffer{}, []string{"https://a.test"}, visitFlags{concurrency: 8}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t)))
	assert.Len(t, fleet.visitors, 1)
}

func TestRunVisit_FailuresAreReportedPerURL(t *testing.T) {
	fleet := &fakeFleet{
		markup:  "<p>ok</p>",
		gotoErr: map[string]error{"https://bad.test": errors.New("net::ERR_NAME_NOT_RESOLVED")},
	}
	var out bytes.Buffer
	urls := []string{"https://bad.test", "https://good.test", "https://invalid.test"}

	// The invalid query only fails the checks, not the run.
	vf := visitFlags{xpath: "[", concurrency: 1}
	require.NoError(t, runVisit(context.Background(), &out, urls[:2], visitFlags{text: "ok"}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t)))
	require.NoError(t, runVisit(context.Background(), &out, urls[2:], vf, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t)))

	results := decodeResults(t, out.String())
	require.Len(t, results, 3)
	assert.Contains(t, results[0].Error, "ERR_NAME_NOT_RESOLVED")
	assert.Nil(t, results[0].Text)
	assert.Empty(t, results[1].Error)
	assert.Contains(t, results[2].Error, "invalid xpath")
	assert.Nil(t, results[2].XPath)
}

func TestRunVisit_StartupFailureClosesStartedInstances(t *testing.T) {
	fleet := &fakeFleet{failAt: 2}
	err := runVisit(context.Background(), &bytes.Buffer{}, []string{"a", "b", "c"}, visitFlags{concurrency: 3}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance 2")
	require.Len(t, fleet.visitors, 1)
	assert.True(t, fleet.visitors[0].closed)
}

func TestRunVisit_RateLimitsNavigations(t *testing.T) {
	fleet := &fakeFleet{}
	start := time.Now()
	require.NoError(t, runVisit(context.Background(), &bytes.Buffer{}, []string{"a", "b", "c"}, visitFlags{concurrency: 3, rate: 20}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t)))
	// A burst of one at 20/s spaces three navigations at least 100ms apart in total.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRunVisit_Cancelled(t *testing.T) {
	fleet := &fakeFleet{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runVisit(ctx, &bytes.Buffer{}, []string{"a", "b"}, visitFlags{rate: 0.001}, browser.DefaultOptions(), fleet.factory, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, fleet.visitors[0].closed)
}

func executeRoot(t *testing.T, fleet *fakeFleet, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(observability.ResetForTest)
	root := newRootCommand(fleet.factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rubium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVisitCmd_ConfigAndFlagPrecedence(t *testing.T) {
	cfgPath := writeConfig(t, `
logger:
  level: error
browser:
  restart_after: 7
  max_timeout: 30s
  proxy_server: "10.0.0.1:3128"
protocol:
  poll_interval: 100ms
`)
	fleet := &fakeFleet{markup: "<h1>Hi</h1>"}
	out, err := executeRoot(t, fleet, "visit", "--config", cfgPath, "--restart-after", "3", "--text", "Hi", "https://a.test")
	require.NoError(t, err)

	require.Len(t, fleet.opts, 1)
	opts := fleet.opts[0]
	assert.Equal(t, 3, opts.RestartAfter, "flag overrides config")
	assert.Equal(t, 30*time.Second, opts.MaxTimeout, "config overrides default")
	assert.Equal(t, "10.0.0.1:3128", opts.ProxyServer)
	assert.Equal(t, 100*time.Millisecond, opts.PollInterval)
	assert.True(t, opts.Headless)

	results := decodeResults(t, out)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Text)
	assert.True(t, *results[0].Text)
}

func TestVisitCmd_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("RUBIUM_BROWSER_RESTART_AFTER", "4")
	t.Chdir(t.TempDir())
	fleet := &fakeFleet{}
	_, err := executeRoot(t, fleet, "visit", "--headful", "https://a.test")
	require.NoError(t, err)
	require.Len(t, fleet.opts, 1)
	assert.Equal(t, 4, fleet.opts[0].RestartAfter)
	assert.False(t, fleet.opts[0].Headless)
}

func TestVisitCmd_InvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "protocol:\n  poll_interval: 0s\n")
	fleet := &fakeFleet{}
	_, err := executeRoot(t, fleet, "visit", "--config", cfgPath, "https://a.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
	assert.Empty(t, fleet.visitors)
}

func TestVisitCmd_RequiresURL(t *testing.T) {
	_, err := executeRoot(t, &fakeFleet{}, "visit")
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeRoot(t, &fakeFleet{}, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeRoot(t, &fakeFleet{}, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}
