// internal/browser/session/cdptest/cdptest.go

// Package cdptest provides an in-memory debugging endpoint that speaks the
// command/response/event framing of a real browser target.
package cdptest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is a notification the fake pushes to the client.
type Event struct {
	Method string
	Params interface{}
}

// Reply describes how the fake answers one command.
type Reply struct {
	// Result is JSON-encoded into the response. Nil yields "{}".
	Result interface{}
	// Err, when set, is sent instead of a result.
	Err *cdproto.Error
	// Delay holds the response back so later commands can overtake it.
	Delay time.Duration
	// Events are emitted in order right after the response.
	Events []Event
	// NoReply swallows the command entirely.
	NoReply bool
}

// Handler computes the reply to a command from its raw params.
type Handler func(params []byte) Reply

// Call is a command the fake received.
type Call struct {
	ID     int64
	Method string
	Params []byte
}

// Decode unmarshals the call params into v.
func (c Call) Decode(v interface{}) error { return json.Unmarshal(c.Params, v) }

// Browser is a fake target. It satisfies chromedp.Transport.
type Browser struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call

	out       chan *cdproto.Message
	closed    chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
}

var _ chromedp.Transport = (*Browser)(nil)

// New returns a fake that answers every command with an empty result.
func New() *Browser {
	return &Browser{
		handlers: make(map[string]Handler),
		out:      make(chan *cdproto.Message, 64),
		closed:   make(chan struct{}),
	}
}

// Handle installs h for method, replacing any previous handler.
func (b *Browser) Handle(method string, h Handler) {
	b.mu.Lock()
	b.handlers[method] = h
	b.mu.Unlock()
}

// Respond answers method with a fixed reply.
func (b *Browser) Respond(method string, r Reply) {
	b.Handle(method, func([]byte) Reply { return r })
}

// Dial hands out the fake itself; its method value fits a session dial function.
func (b *Browser) Dial(context.Context, int) (chromedp.Transport, error) {
	return b, nil
}

// Emit pushes an event to the client.
func (b *Browser) Emit(method string, params interface{}) error {
	msg, err := eventMessage(Event{Method: method, Params: params})
	if err != nil {
		return err
	}
	b.push(msg)
	return nil
}

// Calls returns a snapshot of the commands received so far.
func (b *Browser) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Methods returns the method names received so far, in order.
func (b *Browser) Methods() []string {
	calls := b.Calls()
	methods := make([]string, len(calls))
	for i, c := range calls {
		methods[i] = c.Method
	}
	return methods
}

// CallsTo returns the commands received for method.
func (b *Browser) CallsTo(method string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Closed is closed once Close has been called.
func (b *Browser) Closed() <-chan struct{} { return b.closed }

// Read blocks until a message is queued or the fake is closed.
func (b *Browser) Read(ctx context.Context, msg *cdproto.Message) error {
	select {
	case m := <-b.out:
		*msg = *m
		return nil
	case <-b.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write records the command and schedules its reply.
func (b *Browser) Write(_ context.Context, msg *cdproto.Message) error {
	select {
	case <-b.closed:
		return errors.New("cdptest: write on closed connection")
	default:
	}

	call := Call{ID: msg.ID, Method: string(msg.Method), Params: []byte(msg.Params)}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	h := b.handlers[call.Method]
	b.mu.Unlock()

	reply := Reply{}
	if h != nil {
		reply = h(call.Params)
	}
	if reply.NoReply {
		return nil
	}

	resp, err := responseMessage(call.ID, reply)
	if err != nil {
		return err
	}
	events := make([]*cdproto.Message, 0, len(reply.Events))
	for _, ev := range reply.Events {
		m, err := eventMessage(ev)
		if err != nil {
			return err
		}
		events = append(events, m)
	}

	if reply.Delay <= 0 {
		b.push(resp)
		for _, m := range events {
			b.push(m)
		}
		return nil
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.closed:
			return
		}
		b.push(resp)
		for _, m := range events {
			b.push(m)
		}
	}()
	return nil
}

// Close disconnects the client and waits for delayed replies to drain.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.inflight.Wait()
	return nil
}

func (b *Browser) push(m *cdproto.Message) {
	select {
	case b.out <- m:
	case <-b.closed:
	}
}

func responseMessage(id int64, r Reply) (*cdproto.Message, error) {
	if r.Err != nil {
		return &cdproto.Message{ID: id, Error: r.Err}, nil
	}
	result := r.Result
	if result == nil {
		result = struct{}{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &cdproto.Message{ID: id, Result: raw}, nil
}

func eventMessage(ev Event) (*cdproto.Message, error) {
	params := ev.Params
	if params == nil {
		params = struct{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &cdproto.Message{Method: cdproto.MethodType(ev.Method), Params: raw}, nil
}
