// internal/browser/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is an incoming notification from the debugging endpoint.
type Event struct {
	Method string
	Params []byte
}

// Decode unmarshals the event parameters into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Params, v); err != nil {
		return fmt.Errorf("failed to decode %s params: %w", e.Method, err)
	}
	return nil
}

// Predicate selects the event a Waiter is interested in. Predicates run on the
// receive loop while the session lock is held, so they must be quick and must
// not call back into the session.
type Predicate func(ev *Event) bool

// Session multiplexes commands and events over one connection to one browser
// target. A single receive loop is the only reader of the transport.
type Session struct {
	id        string
	transport chromedp.Transport
	logger    *zap.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *cdproto.Message
	waiters []*Waiter
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New wraps an established transport and starts the receive loop.
func New(t chromedp.Transport, logger *zap.Logger) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		transport: t,
		logger:    logger.Named("session").With(zap.String("session_id", id)),
		pending:   make(map[int64]chan *cdproto.Message),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// ID returns the unique identifier of this session.
func (s *Session) ID() string { return s.id }

func (s *Session) receiveLoop() {
	defer close(s.loopDone)
	for {
		msg := new(cdproto.Message)
		if err := s.transport.Read(s.ctx, msg); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("Receive loop stopped.", zap.Error(err))
			}
			s.failAll()
			return
		}

		switch {
		case msg.ID != 0:
			s.resolve(msg)
		case msg.Method != "":
			s.dispatch(&Event{Method: string(msg.Method), Params: []byte(msg.Params)})
		}
	}
}

func (s *Session) resolve(msg *cdproto.Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.mu.Unlock()

	if !ok {
		// The caller gave up before the response arrived.
		s.logger.Debug("Dropping response with no pending command.", zap.Int64("id", msg.ID))
		return
	}
	ch <- msg
}

func (s *Session) dispatch(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w.match(ev) {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			w.ch <- ev
			return
		}
	}
}

// failAll unblocks every pending command and waiter with ErrSessionClosed.
func (s *Session) failAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	for _, w := range s.waiters {
		close(w.ch)
	}
	s.waiters = nil
}

// Execute sends method with params and blocks until its response arrives, ctx
// is done, or the session closes. A non-nil res receives the decoded result.
func (s *Session) Execute(ctx context.Context, method string, params, res interface{}) error {
	raw := []byte("{}")
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
	}

	id := s.nextID.Add(1)
	ch := make(chan *cdproto.Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	msg := &cdproto.Message{ID: id, Method: cdproto.MethodType(method), Params: raw}
	s.writeMu.Lock()
	err := s.transport.Write(ctx, msg)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		// Close cancels s.ctx before it closes the transport.
		if s.isClosed() || s.ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		if resp.Error != nil {
			return &ProtocolError{
				Method:  method,
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
			}
		}
		if res != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal([]byte(resp.Result), res); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.forget(id)
		return contextError(method, ctx.Err())
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending reports the number of commands still awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Expect registers a waiter for the first event that satisfies match. Register
// before issuing the command that triggers the event so it cannot be missed.
func (s *Session) Expect(match Predicate) *Waiter {
	w := &Waiter{s: s, match: match, ch: make(chan *Event, 1)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(w.ch)
		return w
	}
	s.waiters = append(s.waiters, w)
	return w
}

// WaitForEvent blocks until an event satisfying match arrives or timeout elapses.
func (s *Session) WaitForEvent(ctx context.Context, timeout time.Duration, match Predicate) (*Event, error) {
	return s.Expect(match).Wait(ctx, timeout)
}

// Close shuts the connection and unblocks every caller still waiting. It is
// safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.transport.Close()
		<-s.loopDone
		s.logger.Debug("Session closed.")
	})
	return err
}

// Done is closed once the receive loop has exited.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

// Waiter is a pending interest in one event.
type Waiter struct {
	s     *Session
	match Predicate
	ch    chan *Event
}

// Wait blocks until the waiter's event arrives. A non-positive timeout waits
// on ctx alone.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*Event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev, ok := <-w.ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return ev, nil
	case <-expired:
		if ev, ok := w.settle(); ok {
			return ev, nil
		}
		if w.s.isClosed() {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("%w after %s waiting for event", ErrTimeout, timeout)
	case <-ctx.Done():
		if ev, ok := w.settle(); ok {
			return ev, nil
		}
		if w.s.isClosed() {
			return nil, ErrSessionClosed
		}
		return nil, contextError("event wait", ctx.Err())
	}
}

// Cancel withdraws the waiter. Calling it after the event arrived is harmless.
func (w *Waiter) Cancel() {
	w.s.mu.Lock()
	w.s.removeLocked(w)
	w.s.mu.Unlock()
}

// settle removes the waiter, or returns the event if delivery already happened.
func (w *Waiter) settle() (*Event, bool) {
	w.s.mu.Lock()
	removed := w.s.removeLocked(w)
	w.s.mu.Unlock()
	if removed {
		return nil, false
	}
	// Delivery and removal happen under the same lock, so the event is buffered by now.
	select {
	case ev, ok := <-w.ch:
		return ev, ok
	default:
		return nil, false
	}
}

func (s *Session) removeLocked(w *Waiter) bool {
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
