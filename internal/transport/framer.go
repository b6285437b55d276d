package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/someonegg/gox/syncx"
)

// Framer event channels.
const (
	EventMessage = "message"
	EventError   = "error"
	EventClose   = "close"
)

const (
	DefaultMessageTimeout = 2 * time.Second
	DefaultMaxMessageSize = 1024 * 1024 // 1MB, messages are small JSON objects
	DefaultWriteTimeout   = 10 * time.Second
	defaultReadBufferSize = 4096
)

// FrameEvent is the argument of every framer event. Message is set for
// "message" events, Err for "error" events, neither for "close".
type FrameEvent struct {
	Message Message
	Err     *FrameError
}

// FramerOptions configures a Framer.
type FramerOptions struct {
	// Timeout bounds how long a partially received message may stay incomplete.
	Timeout        time.Duration
	// WriteTimeout bounds a single Send on streams that support write
	// deadlines. A timed out write closes the framer. Negative disables it.
	WriteTimeout   time.Duration
	MaxMessageSize int
	ReadBufferSize int
	Logger         *slog.Logger
}

func (o FramerOptions) withDefaults() FramerOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultMessageTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Framer turns a raw byte stream into complete messages and writes complete
// messages back to it.
type Framer struct {
	conn   io.ReadWriteCloser
	opts   FramerOptions
	logger *slog.Logger
	events *Emitter[FrameEvent]

	writeMu sync.Mutex

	mu         sync.Mutex
	current    Message     // in-progress message, nil when idle
	discarding bool        // dropping an oversized message until the next terminator
	timer      *time.Timer // inactivity timer for current
	timerGen   uint64      // bumped on every arm/clear so stale timers are ignored
	closed     bool

	closeOnce sync.Once
	done      syncx.DoneChan
}

// NewFramer wraps conn. Call Run to start reading.
func NewFramer(conn io.ReadWriteCloser, opts FramerOptions) *Framer {
	opts = opts.withDefaults()
	return &Framer{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger,
		events: NewEmitter[FrameEvent](opts.Logger),
		done:   syncx.NewDoneChan(),
	}
}

// Events exposes the "message", "error" and "close" channels.
func (f *Framer) Events() *Emitter[FrameEvent] {
	return f.events
}

// Done is closed after the close event has been emitted.
func (f *Framer) Done() syncx.DoneChanR {
	return f.done.R()
}

// RemoteAddr returns the peer address when the stream is a net.Conn.
func (f *Framer) RemoteAddr() string {
	if nc, ok := f.conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send writes a complete message to the stream unmodified. A write that
// outlasts WriteTimeout fails with ErrWriteTimeout and closes the framer,
// since the stream may hold a partial message.
func (f *Framer) Send(m Message) error {
	if !m.IsComplete() {
		return ErrIncompleteMessage
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrFramerClosed
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	wd, deadline := f.conn.(writeDeadliner)
	deadline = deadline && f.opts.WriteTimeout > 0
	if deadline {
		if err := wd.SetWriteDeadline(time.Now().Add(f.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := f.conn.Write(m); err != nil {
		if deadline && errors.Is(err, os.ErrDeadlineExceeded) {
			f.logger.Warn("framer_write_timeout",
				"remote_addr", f.RemoteAddr(),
				"timeout", f.opts.WriteTimeout,
			)
			f.Close()
			return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
		return err
	}
	return nil
}

// Run reads from the stream until it ends, feeding every arrival to Ingest.
// It always finishes by emitting exactly one close event.
func (f *Framer) Run(ctx context.Context) {
	defer f.finish()

	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { f.conn.Close() })
		defer stop()
	}

	buf := make([]byte, f.opts.ReadBufferSize)
	for {
		n, err := f.conn.Read(buf)
		if n > 0 {
			f.Ingest(buf[:n])
		}
		if err == nil {
			continue
		}
		if !isBenignReadError(err) {
			f.logger.Warn("framer_socket_error",
				"remote_addr", f.RemoteAddr(),
				"error", err,
			)
			f.events.Emit(EventError, FrameEvent{Err: &FrameError{Reason: ReasonSocket, Err: err}})
		}
		return
	}
}

// Close closes the underlying stream. Run then emits the close event.
func (f *Framer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.conn.Close()
}

func (f *Framer) finish() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.clearCurrentLocked()
		f.mu.Unlock()
		f.conn.Close()

		f.events.Emit(EventClose, FrameEvent{})
		f.done.SetDone()
	})
}

// Ingest processes one raw arrival. Every message completed by it is
// dispatched, in order, before Ingest returns.
func (f *Framer) Ingest(data []byte) {
	f.mu.Lock()
	pending := f.scanLocked(data)
	f.mu.Unlock()

	for _, ev := range pending {
		if ev.Err != nil {
			f.events.Emit(EventError, ev)
			continue
		}
		f.events.Emit(EventMessage, ev)
	}
}

func (f *Framer) scanLocked(data []byte) []FrameEvent {
	var out []FrameEvent

	// terminator split across two arrivals
	if n := f.splitTerminatorLocked(data); n > 0 {
		if !f.discarding {
			f.current.Append(data[:n])
			out = append(out, f.completeLocked())
		} else {
			f.discarding = false
			f.clearCurrentLocked()
		}
		data = data[n:]
	}

	for len(data) > 0 {
		idx := bytes.Index(data, Terminator)
		if idx < 0 {
			if ev, ok := f.appendLocked(data); ok {
				out = append(out, ev)
			}
			break
		}

		end := idx + len(Terminator)
		segment := data[:end]
		data = data[end:]

		if f.discarding {
			f.discarding = false
			f.clearCurrentLocked()
			continue
		}
		if ev, ok := f.appendLocked(segment); ok {
			out = append(out, ev)
			continue
		}
		if f.current.IsComplete() {
			out = append(out, f.completeLocked())
		}
	}

	if f.current != nil && !f.current.IsComplete() {
		f.armTimerLocked()
	}
	return out
}

// appendLocked adds a segment to the in-progress message, starting one when
// needed. It reports an overflow event when the message outgrows the limit.
func (f *Framer) appendLocked(segment []byte) (FrameEvent, bool) {
	if f.discarding {
		f.current = tail(segment)
		return FrameEvent{}, false
	}
	if f.current == nil || f.current.IsComplete() {
		f.current = make(Message, 0, len(segment))
	}
	f.current.Append(segment)

	if len(f.current) <= f.opts.MaxMessageSize {
		return FrameEvent{}, false
	}

	partial := f.current
	complete := partial.IsComplete()
	f.clearCurrentLocked()
	// keep dropping bytes until the terminator of the oversized message
	f.discarding = !complete
	if f.discarding {
		f.current = tail(partial)
		f.armTimerLocked()
	}
	f.logger.Warn("message_too_large",
		"remote_addr", f.RemoteAddr(),
		"size", len(partial),
		"max_size", f.opts.MaxMessageSize,
	)
	return FrameEvent{Err: &FrameError{Reason: ReasonOverflow, Err: ErrMessageTooLarge, Message: partial}}, true
}

// splitTerminatorLocked returns how many leading bytes of data finish a
// terminator whose first bytes ended the previous arrival.
func (f *Framer) splitTerminatorLocked(data []byte) int {
	if f.current == nil || f.current.IsComplete() {
		return 0
	}
	for k := len(Terminator) - 1; k > 0; k-- {
		if bytes.HasSuffix(f.current, Terminator[:k]) && bytes.HasPrefix(data, Terminator[k:]) {
			return len(Terminator) - k
		}
	}
	return 0
}

func (f *Framer) completeLocked() FrameEvent {
	msg := f.current
	f.clearCurrentLocked()
	if !json.Valid(msg.Payload()) {
		f.logger.Debug("frame_syntax_error",
			"remote_addr", f.RemoteAddr(),
			"size", len(msg),
		)
		return FrameEvent{Err: &FrameError{Reason: ReasonSyntax, Err: ErrFrameSyntax, Message: msg}}
	}
	return FrameEvent{Message: msg}
}

func (f *Framer) armTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timerGen++
	gen := f.timerGen
	f.timer = time.AfterFunc(f.opts.Timeout, func() { f.handleTimeout(gen) })
}

func (f *Framer) clearCurrentLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.timerGen++
	f.current = nil
	f.discarding = false
}

func (f *Framer) handleTimeout(gen uint64) {
	f.mu.Lock()
	if gen != f.timerGen || f.current == nil {
		f.mu.Unlock()
		return
	}
	partial := f.current
	discarding := f.discarding
	f.clearCurrentLocked()
	f.mu.Unlock()

	if discarding {
		// already reported as overflow
		return
	}
	f.logger.Debug("frame_assembly_timeout",
		"remote_addr", f.RemoteAddr(),
		"size", len(partial),
	)
	f.events.Emit(EventError, FrameEvent{Err: &FrameError{Reason: ReasonTimeout, Err: ErrFrameTimeout, Message: partial}})
}

// tail keeps the bytes that could begin a terminator split across arrivals.
func tail(b []byte) Message {
	n := len(Terminator) - 1
	if len(b) < n {
		n = len(b)
	}
	return append(Message{}, b[len(b)-n:]...)
}

func isBenignReadError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET)
}
