// internal/browser/process/process.go
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrShutdown is returned by Spawn once the registry has been shut down.
var ErrShutdown = errors.New("process: registry has been shut down")

// Process is a spawned child tracked by a Registry.
type Process struct {
	PID  int
	Path string

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr reports how the child exited. Only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.err
}

func (p *Process) signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Registry supervises browser child processes. Every mutating operation is
// serialized so instances running on separate goroutines can share one registry.
type Registry struct {
	mu     sync.Mutex
	live   map[int]*Process
	closed bool
	logger *zap.Logger

	shutdownOnce sync.Once
}

// NewRegistry creates an empty registry. A nil logger falls back to the zap global.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		live:   make(map[int]*Process),
		logger: logger,
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry. Hosts must call Shutdown on it
// while exiting so no browser outlives them.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

func (r *Registry) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L().Named("process")
}

// Spawn starts path with args as a detached child whose standard streams are
// discarded, and registers it as live.
func (r *Registry) Spawn(path string, args []string) (*Process, error) {
	cmd := exec.Command(path, args...)
	// Nil streams are connected to the null device.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	// Holding the lock across Start keeps a concurrent Shutdown from missing the child.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShutdown
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	p := &Process{
		PID:  cmd.Process.Pid,
		Path: path,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	r.live[p.PID] = p

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	r.log().Debug("Spawned child process.", zap.Int("pid", p.PID), zap.String("path", path))
	return p, nil
}

// Terminate sends the hangup-style termination signal to pid and deregisters it.
// It does not wait for the child to exit. Unknown or already exited children are
// not an error.
func (r *Registry) Terminate(pid int) error {
	r.mu.Lock()
	p, ok := r.live[pid]
	delete(r.live, pid)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := p.signal(terminateSignal); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	r.log().Info("Terminated child process.", zap.Int("pid", pid))
	return nil
}

// IsLive reports whether pid is still registered.
func (r *Registry) IsLive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[pid]
	return ok
}

// Live returns the registered pids in ascending order.
func (r *Registry) Live() []int {
	r.mu.Lock()
	pids := make([]int, 0, len(r.live))
	for pid := range r.live {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	sort.Ints(pids)
	return pids
}

// Shutdown signals every child still registered and refuses further spawns.
// Only the first call does any work; it returns how many children were signaled.
func (r *Registry) Shutdown() int {
	count := 0
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		remaining := r.live
		r.live = make(map[int]*Process)
		r.mu.Unlock()

		for pid, p := range remaining {
			if err := p.signal(terminateSignal); err != nil {
				r.log().Warn("Failed to signal child during shutdown.", zap.Int("pid", pid), zap.Error(err))
				continue
			}
			count++
		}
		if count > 0 {
			r.log().Info("Signaled remaining child processes on shutdown.", zap.Int("count", count))
		}
	})
	return count
}
