// internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rubium/internal/browser/portpool"
	"github.com/xkilldash9x/rubium/internal/browser/process"
	"github.com/xkilldash9x/rubium/internal/browser/session/cdptest"
)

const mainFrameID = "MAIN-FRAME"

// recordingSupervisor remembers the argument list of every launch.
type recordingSupervisor struct {
	*process.Registry

	mu       sync.Mutex
	launches [][]string
}

func (r *recordingSupervisor) Spawn(path string, args []string) (*process.Process, error) {
	r.mu.Lock()
	r.launches = append(r.launches, append([]string(nil), args...))
	r.mu.Unlock()
	return r.Registry.Spawn(path, args)
}

func (r *recordingSupervisor) Launches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.launches...)
}

// harness wires an Instance to a fake executable and fake debugging endpoints.
type harness struct {
	t      *testing.T
	exe    string
	ports  *portpool.Pool
	procs  *recordingSupervisor
	tmpDir string

	mu    sync.Mutex
	fakes []*cdptest.Browser
	html  string
	// configure, when set, customizes every new fake endpoint.
	configure func(b *cdptest.Browser)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake browser executable is a shell script")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	dir := t.TempDir()
	exe := filepath.Join(dir, "fake-browser")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	// Profiles land in a per-test temp dir so leaks are observable.
	tmpDir := filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(tmpDir, 0o755))
	t.Setenv("TMPDIR", tmpDir)

	reg := process.NewRegistry(zaptest.NewLogger(t))
	t.Cleanup(func() { reg.Shutdown() })

	return &harness{
		t:      t,
		exe:    exe,
		ports:  portpool.New(),
		procs:  &recordingSupervisor{Registry: reg},
		tmpDir: tmpDir,
		html:   "<html><head></head><body></body></html>",
	}
}

func (h *harness) options() Options {
	opts := DefaultOptions()
	opts.ExecutablePath = h.exe
	opts.Ports = h.ports
	opts.Processes = h.procs
	opts.Dial = h.dial
	opts.ConnectTimeout = time.Second
	opts.ConnectInterval = 10 * time.Millisecond
	opts.PollInterval = 50 * time.Millisecond
	opts.CloseGrace = 2 * time.Second
	return opts
}

func (h *harness) newInstance(opts Options) *Instance {
	h.t.Helper()
	inst, err := New(context.Background(), opts, zaptest.NewLogger(h.t))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func (h *harness) setHTML(html string) {
	h.mu.Lock()
	h.html = html
	h.mu.Unlock()
}

func (h *harness) currentHTML() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.html
}

func (h *harness) dial(context.Context, int) (chromedp.Transport, error) {
	b := cdptest.New()
	b.Respond("Page.getFrameTree", cdptest.Reply{Result: map[string]interface{}{
		"frameTree": map[string]interface{}{"frame": map[string]string{"id": mainFrameID}},
	}})
	b.Handle("Page.navigate", func([]byte) cdptest.Reply {
		return cdptest.Reply{
			Result: map[string]string{"frameId": mainFrameID, "loaderId": "LOADER"},
			Events: []cdptest.Event{{Method: "Page.frameStoppedLoading", Params: map[string]string{"frameId": mainFrameID}}},
		}
	})
	b.Handle("Runtime.evaluate", func(raw []byte) cdptest.Reply {
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(raw, &p)
		if strings.Contains(p.Expression, "outerHTML") {
			return valueReply("string", h.currentHTML())
		}
		return valueReply("boolean", true)
	})

	h.mu.Lock()
	configure := h.configure
	h.fakes = append(h.fakes, b)
	h.mu.Unlock()
	if configure != nil {
		configure(b)
	}
	return b, nil
}

func (h *harness) fake(n int) *cdptest.Browser {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.fakes), n, "endpoint %d was never dialed", n)
	return h.fakes[n]
}

func (h *harness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fakes)
}

// profiles lists the profile directories currently present.
func (h *harness) profiles() []string {
	entries, err := os.ReadDir(h.tmpDir)
	require.NoError(h.t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "rubium_profile_") {
			out = append(out, e.Name())
		}
	}
	return out
}

func valueReply(typ string, value interface{}) cdptest.Reply {
	return cdptest.Reply{Result: map[string]interface{}{
		"result": map[string]interface{}{"type": typ, "value": value},
	}}
}

func evaluateCalls(b *cdptest.Browser) []string {
	var out []string
	for _, c := range b.CallsTo("Runtime.evaluate") {
		var p struct {
			Expression string `json:"expression"`
		}
		_ = c.Decode(&p)
		out = append(out, p.Expression)
	}
	return out
}
