package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultRequestTimeout = 5 * time.Second

// Sender is the part of a Framer the Connection depends on.
type Sender interface {
	Send(m Message) error
	Events() *Emitter[FrameEvent]
	Close() error
}

var _ Sender = (*Framer)(nil)

// IncomingRequest is passed to request handlers. The handler answers it with
// Connection.Respond(req.ID, ...).
type IncomingRequest struct {
	ID     uint64
	Action string
	Data   json.RawMessage
}

// Decode unmarshals the request payload into v.
func (r IncomingRequest) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// ConnectionStats are cumulative counters for one connection.
type ConnectionStats struct {
	Sent     int64 `json:"sent"`     // envelopes handed to the framer
	Received int64 `json:"received"` // envelopes routed
	Dropped  int64 `json:"dropped"`  // unroutable envelopes and responses without a pending request
	Timeouts int64 `json:"timeouts"` // requests that hit their deadline
	Pending  int   `json:"pending"`  // requests awaiting a response
}

type result struct {
	data json.RawMessage
	err  error
}

type sendItem struct {
	envelope Envelope
	done     chan error
}

type pendingRequest struct {
	id      uint64
	timer   *time.Timer
	done    chan result
	settled atomic.Bool
}

// settle delivers the single outcome of a request. Later calls are no-ops.
func (p *pendingRequest) settle(r result) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- r
	return true
}

// Connection multiplexes events, requests and responses over one Framer.
type Connection struct {
	framer   Sender
	timeout  time.Duration
	logger   *slog.Logger
	events   *Emitter[json.RawMessage]
	requests *Emitter[IncomingRequest]

	mu       sync.Mutex
	queue    []*sendItem
	draining bool
	pending  map[uint64]*pendingRequest
	nextID   uint64
	closed   bool

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	timeouts atomic.Int64
}

// NewConnection wires a connection onto framer's events.
func NewConnection(framer Sender, opts ConnectionOptions) *Connection {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Connection{
		framer:   framer,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		events:   NewEmitter[json.RawMessage](opts.Logger),
		requests: NewEmitter[IncomingRequest](opts.Logger),
		pending:  make(map[uint64]*pendingRequest),
	}
	framer.Events().On(EventMessage, func(ev FrameEvent) { c.handleMessage(ev.Message) })
	framer.Events().On(EventClose, func(FrameEvent) { c.shutdown() })
	return c
}

// Events routes inbound events by action; handlers receive the event data.
func (c *Connection) Events() *Emitter[json.RawMessage] {
	return c.events
}

// Requests routes inbound requests by action.
func (c *Connection) Requests() *Emitter[IncomingRequest] {
	return c.requests
}

// Emit sends a fire-and-forget event. It returns once the event was handed
// to the framer.
func (c *Connection) Emit(action string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return c.send(Event{Action: action, Data: raw})
}

// Respond answers the request with the given id.
func (c *Connection) Respond(id uint64, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return c.send(Response{ID: id, Data: raw})
}

// Request sends a request and waits for the matching response, the request
// timeout, ctx cancellation or connection close, whichever comes first.
func (c *Connection) Request(ctx context.Context, action string, data any) (json.RawMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	// register before sending so a fast response always finds its entry
	p, err := c.register()
	if err != nil {
		return nil, err
	}

	if err := c.send(Request{Action: action, ID: p.id, Data: raw}); err != nil {
		c.abandon(p, result{err: err})
		return nil, err
	}

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-ctx.Done():
		c.abandon(p, result{err: ctx.Err()})
		r := <-p.done
		return r.data, r.err
	}
}

// RequestInto is Request followed by decoding the response data into out.
func (c *Connection) RequestInto(ctx context.Context, action string, data any, out any) error {
	raw, err := c.Request(ctx, action, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return nil
}

// Close closes the underlying framer. Pending requests fail once the framer
// reports the close.
func (c *Connection) Close() error {
	return c.framer.Close()
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return ConnectionStats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Timeouts: c.timeouts.Load(),
		Pending:  pending,
	}
}

func (c *Connection) register() (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	c.nextID++
	p := &pendingRequest{id: c.nextID, done: make(chan result, 1)}
	c.pending[p.id] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(p) })
	return p, nil
}

func (c *Connection) expire(p *pendingRequest) {
	if !c.remove(p) {
		return
	}
	c.timeouts.Add(1)
	c.logger.Debug("request_timeout",
		"request_id", p.id,
		"timeout", c.timeout,
	)
	p.settle(result{err: fmt.Errorf("%w: request %d after %s", ErrRequestTimeout, p.id, c.timeout)})
}

// abandon removes p and settles it with r unless something else won first.
func (c *Connection) abandon(p *pendingRequest, r result) {
	if c.remove(p) {
		p.settle(r)
	}
}

// remove deletes p from the pending table; only the caller that removes the
// entry may settle it.
func (c *Connection) remove(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pending[p.id]; !ok || current != p {
		return false
	}
	delete(c.pending, p.id)
	return true
}

// send enqueues env and waits for it to be handed to the framer.
func (c *Connection) send(env Envelope) error {
	item := &sendItem{envelope: env, done: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.queue = append(c.queue, item)
	if c.draining {
		c.mu.Unlock()
		return <-item.done
	}
	c.draining = true
	c.mu.Unlock()

	c.drain()
	return <-item.done
}

// drain empties the queue in FIFO order. Only one drain runs at a time; the
// caller must have set c.draining.
func (c *Connection) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		item.done <- c.write(item.envelope)
	}
}

func (c *Connection) write(env Envelope) error {
	msg, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.framer.Send(msg); err != nil {
		c.logger.Warn("connection_send_failed",
			"kind", env.Kind(),
			"error", err,
		)
		return err
	}
	c.sent.Add(1)
	return nil
}

func (c *Connection) handleMessage(m Message) {
	env, err := DecodeEnvelope(m)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Debug("unroutable_message_dropped", "error", err)
		return
	}
	c.received.Add(1)

	switch e := env.(type) {
	case Event:
		c.events.Emit(e.Action, e.Data)
	case Request:
		if c.requests.Emit(e.Action, IncomingRequest{ID: e.ID, Action: e.Action, Data: e.Data}) == 0 {
			c.logger.Debug("unhandled_request",
				"action", e.Action,
				"request_id", e.ID,
			)
		}
	case Response:
		c.resolve(e)
	}
}

func (c *Connection) resolve(res Response) {
	c.mu.Lock()
	p, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()

	if !ok || !p.settle(result{data: res.Data}) {
		c.dropped.Add(1)
		c.logger.Debug("response_without_request",
			"request_id", res.ID,
		)
	}
}

// shutdown fails everything still waiting once the framer has closed.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.settle(result{err: ErrConnectionClosed})
	}
	for _, item := range queued {
		item.done <- ErrConnectionClosed
	}
	if len(pending) > 0 || len(queued) > 0 {
		c.logger.Debug("connection_closed_with_pending",
			"pending_requests", len(pending),
			"queued_sends", len(queued),
		)
	}
}

// IsClosed reports whether the underlying framer has closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}
