// internal/browser/portpool/portpool.go
package portpool

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no free port could be found within the retry budget.
var ErrExhausted = errors.New("portpool: no free port available")

const defaultAttempts = 32

// ListenFunc asks the operating system for a currently free loopback port.
type ListenFunc func() (int, error)

// Pool tracks the debugging ports held by live browser instances. The zero value
// is not usable; construct with New or use Default.
type Pool struct {
	mu       sync.Mutex
	inUse    map[int]struct{}
	listen   ListenFunc
	attempts int
}

// Option configures a Pool.
type Option func(*Pool)

// WithListenFunc replaces the OS-backed probe. Used by tests.
func WithListenFunc(fn ListenFunc) Option {
	return func(p *Pool) { p.listen = fn }
}

// WithAttempts sets how many candidates Acquire examines before giving up.
func WithAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		inUse:    make(map[int]struct{}),
		listen:   loopbackPort,
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// Default returns the process-wide pool, creating it on first use.
func Default() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = New()
	})
	return defaultPool
}

// Acquire returns a port that is free on the loopback interface and not held
// by another caller of this pool.
func (p *Pool) Acquire() (int, error) {
	var lastErr error
	for i := 0; i < p.attempts; i++ {
		port, err := p.listen()
		if err != nil {
			lastErr = err
			continue
		}

		p.mu.Lock()
		if _, taken := p.inUse[port]; !taken {
			p.inUse[port] = struct{}{}
			p.mu.Unlock()
			return port, nil
		}
		p.mu.Unlock()
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, p.attempts, lastErr)
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrExhausted, p.attempts)
}

// Release returns port to the pool. Releasing an unknown port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

// InUse reports whether port is currently held.
func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[port]
	return ok
}

// Len reports how many ports are held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// loopbackPort binds a throwaway listener to port 0 and reports what the kernel chose.
func loopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to probe loopback port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
