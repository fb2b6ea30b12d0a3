// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rubium/internal/browser/process"
	"github.com/xkilldash9x/rubium/internal/browser/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// methodSetBlockedURLs has no typed params we rely on; the wire shape is {"urls": [...]}.
const methodSetBlockedURLs = "Network.setBlockedURLs"

type setBlockedURLsParams struct {
	URLs []string `json:"urls"`
}

type frameTreeResult struct {
	FrameTree struct {
		Frame struct {
			ID string `json:"id"`
		} `json:"frame"`
	} `json:"frameTree"`
}

// Instance is one supervised browser process with its port, profile directory and
// protocol session. Restart swaps all four while keeping the same Options.
type Instance struct {
	opts   Options
	base   *zap.Logger
	logger *zap.Logger

	mu          sync.Mutex
	proc        *process.Process
	port        int
	pooledPort  bool
	dataDir     string
	ownsDataDir bool
	sess        *session.Session
	mainFrame   string
	proxy       proxySetting
	requests    int
	// generation increments on every successful launch.
	generation uint64
	closed     bool
}

// New launches a browser and connects to it. On any failure everything acquired
// along the way is released and no instance is returned.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Instance{
		opts: opts.withDefaults(),
		base: logger.Named("browser"),
	}
	i.logger = i.base
	if err := i.launchLocked(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

// launchLocked runs the full construction sequence. Callers hold i.mu or own i exclusively.
func (i *Instance) launchLocked(ctx context.Context) (err error) {
	// 1. Resolve the executable before acquiring anything.
	exe, err := resolveExecutable(i.opts.ExecutablePath)
	if err != nil {
		return err
	}

	// 2. Port.
	port, pooled := i.opts.DebuggingPort, false
	if port == 0 {
		if port, err = i.opts.Ports.Acquire(); err != nil {
			return fmt.Errorf("failed to acquire debugging port: %w", err)
		}
		pooled = true
	}

	// 3. Profile directory.
	dataDir, owns := i.opts.DataDir, false
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "rubium_profile_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
		owns = true
	}

	var (
		proc *process.Process
		sess *session.Session
	)
	defer func() {
		if err == nil {
			return
		}
		if sess != nil {
			_ = sess.Close()
		}
		if proc != nil {
			if termErr := i.opts.Processes.Terminate(proc.PID); termErr != nil {
				i.base.Warn("Failed to terminate browser after a failed launch.", zap.Int("pid", proc.PID), zap.Error(termErr))
			}
		}
		if pooled {
			i.opts.Ports.Release(port)
		}
		if owns {
			_ = os.RemoveAll(dataDir)
		}
	}()

	if err = os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	// 4. Spawn.
	plan, err := planLaunch(i.opts, port, dataDir, i.base)
	if err != nil {
		return err
	}
	if proc, err = i.opts.Processes.Spawn(exe, plan.args); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	log := i.base.With(zap.Int("pid", proc.PID), zap.Int("port", port))
	log.Debug("Browser process started.", zap.String("executable", exe))

	// 5. Connect with a bounded retry budget.
	sess, err = session.Connect(ctx, port, i.opts.Dial, session.ConnectOptions{
		Timeout:  i.opts.ConnectTimeout,
		Interval: i.opts.ConnectInterval,
		Abort:    proc.Done(),
	}, log)
	if err != nil {
		return err
	}

	// 6. Baseline setup.
	mainFrame, err := i.setup(ctx, sess)
	if err != nil {
		return fmt.Errorf("browser setup failed: %w", err)
	}

	i.proc, i.port, i.pooledPort = proc, port, pooled
	i.dataDir, i.ownsDataDir = dataDir, owns
	i.sess, i.mainFrame, i.proxy = sess, mainFrame, plan.proxy
	i.logger = log
	i.requests = 0
	i.generation++
	i.closed = false

	log.Info("Browser ready.", zap.String("devtools_url", session.DebuggerURL(port)))
	return nil
}

func (i *Instance) setup(ctx context.Context, s *session.Session) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.opts.MaxTimeout)
	defer cancel()

	if err := s.Execute(ctx, string(target.CommandSetAutoAttach), target.SetAutoAttach(true, false).WithFlatten(true), nil); err != nil {
		return "", err
	}
	if err := s.Execute(ctx, string(network.CommandEnable), network.Enable(), nil); err != nil {
		return "", err
	}
	if err := s.Execute(ctx, string(page.CommandEnable), page.Enable(), nil); err != nil {
		return "", err
	}

	var tree frameTreeResult
	if err := s.Execute(ctx, string(page.CommandGetFrameTree), nil, &tree); err != nil {
		return "", err
	}

	if i.opts.ExtensionCode != "" {
		if err := s.Execute(ctx, string(page.CommandAddScriptToEvaluateOnNewDocument), page.AddScriptToEvaluateOnNewDocument(i.opts.ExtensionCode), nil); err != nil {
			return "", fmt.Errorf("failed to install extension code: %w", err)
		}
	}
	if len(i.opts.Cookies) > 0 {
		if err := s.Execute(ctx, string(network.CommandSetCookies), network.SetCookies(i.opts.Cookies), nil); err != nil {
			return "", fmt.Errorf("failed to seed cookies: %w", err)
		}
	}
	if urls := blockedURLs(i.opts); len(urls) > 0 {
		if err := s.Execute(ctx, methodSetBlockedURLs, setBlockedURLsParams{URLs: urls}, nil); err != nil {
			return "", fmt.Errorf("failed to install url blocklist: %w", err)
		}
	}
	return tree.FrameTree.Frame.ID, nil
}

// Restart closes the current browser and launches a fresh one from the same
// Options. A failed relaunch leaves the instance closed.
func (i *Instance) Restart(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restartLocked(ctx)
}

func (i *Instance) restartLocked(ctx context.Context) error {
	oldPID := i.pid()
	// The old browser must be gone before a reused profile is handed to the new one.
	if err := i.closeLocked()(); err != nil {
		i.logger.Warn("Errors while closing browser for restart.", zap.Error(err))
	}
	if err := i.launchLocked(ctx); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	i.logger.Info("Browser restarted.", zap.Int("previous_pid", oldPID))
	return nil
}

// Close terminates the browser, releases its port and removes an owned profile
// directory. Calling Close on a closed instance is a no-op. The wait for the
// process to exit happens outside the instance lock.
func (i *Instance) Close() error {
	i.mu.Lock()
	finish := i.closeLocked()
	i.mu.Unlock()
	return finish()
}

// closeLocked marks the instance closed, shuts the session and signals the
// process. The returned func waits out the grace period and releases the port
// and profile; it touches no instance state and may run without i.mu.
func (i *Instance) closeLocked() func() error {
	if i.closed {
		return func() error { return nil }
	}
	i.closed = true

	if i.sess != nil {
		if err := i.sess.Close(); err != nil {
			i.logger.Debug("Session close reported an error.", zap.Error(err))
		}
	}
	var termErr error
	if i.proc != nil {
		termErr = i.opts.Processes.Terminate(i.proc.PID)
	}

	var (
		proc    = i.proc
		port    = i.port
		pooled  = i.pooledPort
		dataDir = i.dataDir
		owns    = i.ownsDataDir
		grace   = i.opts.CloseGrace
		ports   = i.opts.Ports
		log     = i.logger
	)
	return func() error {
		errs := []error{termErr}
		if proc != nil && grace > 0 {
			timer := time.NewTimer(grace)
			select {
			case <-proc.Done():
			case <-timer.C:
				log.Debug("Browser still running after close grace period.", zap.Duration("grace", grace))
			}
			timer.Stop()
		}
		if pooled {
			ports.Release(port)
		}
		if owns && dataDir != "" {
			if err := os.RemoveAll(dataDir); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove profile directory: %w", err))
			}
		}
		log.Info("Browser closed.")
		return errors.Join(errs...)
	}
}

// pageState is a consistent view of the current browser, read under i.mu.
type pageState struct {
	sess       *session.Session
	mainFrame  string
	logger     *zap.Logger
	generation uint64
}

func (i *Instance) stateLocked() pageState {
	return pageState{sess: i.sess, mainFrame: i.mainFrame, logger: i.logger, generation: i.generation}
}

// current returns the live session, or ErrClosed.
func (i *Instance) current() (*session.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, ErrClosed
	}
	return i.sess, nil
}

func (i *Instance) pid() int {
	if i.proc == nil {
		return 0
	}
	return i.proc.PID
}

// PID returns the current browser process id.
func (i *Instance) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pid()
}

// Port returns the current debugging port.
func (i *Instance) Port() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.port
}

// DevToolsURL is the informational debugging endpoint of the current browser.
func (i *Instance) DevToolsURL() string {
	return session.DebuggerURL(i.Port())
}

// DataDir returns the current profile directory.
func (i *Instance) DataDir() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dataDir
}

// Closed reports whether Close has been called on the current browser.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// RequestCount returns how many navigations the current browser has served.
func (i *Instance) RequestCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.requests
}

// ProxyCredentials returns the username and password parsed from a colon-form
// proxy option. They are not forwarded to the browser.
func (i *Instance) ProxyCredentials() (username, password string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proxy.Username, i.proxy.Password
}
