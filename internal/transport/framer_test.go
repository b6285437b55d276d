package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferConn records writes and blocks reads until closed.
type bufferConn struct {
	mu      sync.Mutex
	written bytes.Buffer
	closed  chan struct{}
	once    sync.Once
}

func newBufferConn() *bufferConn {
	return &bufferConn{closed: make(chan struct{})}
}

func (c *bufferConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *bufferConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(p)
}

func (c *bufferConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *bufferConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

type frameRecorder struct {
	mu       sync.Mutex
	messages []string
	errs     []*FrameError
	closes   int
}

func recordFrames(f *Framer) *frameRecorder {
	r := &frameRecorder{}
	f.Events().On(EventMessage, func(ev FrameEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, ev.Message.String())
	})
	f.Events().On(EventError, func(ev FrameEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, ev.Err)
	})
	f.Events().On(EventClose, func(FrameEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closes++
	})
	return r
}

func (r *frameRecorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *frameRecorder) Errors() []*FrameError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FrameError(nil), r.errs...)
}

func (r *frameRecorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func newTestFramer(opts FramerOptions) (*Framer, *bufferConn, *frameRecorder) {
	conn := newBufferConn()
	f := NewFramer(conn, opts)
	return f, conn, recordFrames(f)
}

func TestFramerReassemblesUnderAnyChunking(t *testing.T) {
	frames := []string{
		"{\"type\":\"event\",\"action\":\"a\",\"data\":1}\r\n",
		"{\"type\":\"event\",\"action\":\"b\",\"data\":[1,2,3]}\r\n",
		"{\"type\":\"event\",\"action\":\"c\",\"data\":\"x\\r\\ny\"}\r\n",
	}
	stream := []byte(frames[0] + frames[1] + frames[2])

	for size := 1; size <= len(stream); size++ {
		f, _, rec := newTestFramer(FramerOptions{Timeout: time.Minute})
		for start := 0; start < len(stream); start += size {
			end := min(start+size, len(stream))
			f.Ingest(stream[start:end])
		}
		require.Equal(t, frames, rec.Messages(), "chunk size %d", size)
		require.Empty(t, rec.Errors(), "chunk size %d", size)
	}
}

func TestFramerTerminatorSplitAcrossArrivals(t *testing.T) {
	f, _, rec := newTestFramer(FramerOptions{Timeout: time.Minute})

	f.Ingest([]byte(`{"a":1}` + "\r"))
	assert.Empty(t, rec.Messages())

	f.Ingest([]byte("\n" + `{"b":2}` + "\r\n"))
	assert.Equal(t, []string{"{\"a\":1}\r\n", "{\"b\":2}\r\n"}, rec.Messages())
}

func TestFramerSyntaxErrorDoesNotStopStream(t *testing.T) {
	f, _, rec := newTestFramer(FramerOptions{Timeout: time.Minute})

	f.Ingest([]byte("not json\r\n{\"ok\":true}\r\n"))

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, ReasonSyntax, errs[0].Reason)
	assert.ErrorIs(t, errs[0], ErrFrameSyntax)
	assert.Equal(t, "not json\r\n", errs[0].Message.String())
	assert.Equal(t, []string{"{\"ok\":true}\r\n"}, rec.Messages())
}

func TestFramerIncompleteMessageTimesOut(t *testing.T) {
	f, _, rec := newTestFramer(FramerOptions{Timeout: 30 * time.Millisecond})

	f.Ingest([]byte(`{"a":`))

	require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	errs := rec.Errors()
	assert.Equal(t, ReasonTimeout, errs[0].Reason)
	assert.Equal(t, `{"a":`, errs[0].Message.String())

	// the stale partial is gone; the next frame stands alone
	f.Ingest([]byte("{\"b\":1}\r\n"))
	assert.Equal(t, []string{"{\"b\":1}\r\n"}, rec.Messages())
}

func TestFramerTimerRearmsOnEveryArrival(t *testing.T) {
	f, _, rec := newTestFramer(FramerOptions{Timeout: 150 * time.Millisecond})

	f.Ingest([]byte(`{"a":`))
	time.Sleep(50 * time.Millisecond)
	f.Ingest([]byte(`1}`))
	time.Sleep(50 * time.Millisecond)
	f.Ingest([]byte("\r\n"))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, []string{"{\"a\":1}\r\n"}, rec.Messages())
}

func TestFramerOversizedMessageIsDiscarded(t *testing.T) {
	f, _, rec := newTestFramer(FramerOptions{Timeout: time.Minute, MaxMessageSize: 16})

	f.Ingest([]byte(`{"big":"` + string(bytes.Repeat([]byte("x"), 20))))
	f.Ingest([]byte(string(bytes.Repeat([]byte("y"), 20)) + "\"}\r"))
	f.Ingest([]byte("\n{\"s\":1}\r\n"))

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, ReasonOverflow, errs[0].Reason)
	assert.ErrorIs(t, errs[0], ErrMessageTooLarge)
	assert.Equal(t, []string{"{\"s\":1}\r\n"}, rec.Messages())
}

func TestFramerSendRejectsIncompleteMessage(t *testing.T) {
	f, conn, _ := newTestFramer(FramerOptions{})

	err := f.Send(NewMessage([]byte(`{"a":1}`)))
	assert.ErrorIs(t, err, ErrIncompleteMessage)
	assert.Empty(t, conn.Written())

	require.NoError(t, f.Send(MessageFromString(`{"a":1}`)))
	assert.Equal(t, "{\"a\":1}\r\n", conn.Written())
}

func TestFramerRunEmitsCloseOnce(t *testing.T) {
	local, remote := net.Pipe()
	f := NewFramer(local, FramerOptions{Timeout: time.Minute})
	rec := recordFrames(f)

	go f.Run(context.Background())

	_, err := remote.Write([]byte("{\"n\":1}\r\n{\"n\":"))
	require.NoError(t, err)
	_, err = remote.Write([]byte("2}\r\n"))
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("framer did not close")
	}

	assert.Equal(t, []string{"{\"n\":1}\r\n", "{\"n\":2}\r\n"}, rec.Messages())
	assert.Equal(t, 1, rec.Closes())
	assert.Empty(t, rec.Errors())
	assert.ErrorIs(t, f.Send(MessageFromString(`{}`)), ErrFramerClosed)
}

func TestFramerRunStopsOnContextCancel(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	f := NewFramer(local, FramerOptions{})
	rec := recordFrames(f)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	cancel()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("framer did not stop")
	}
	assert.Equal(t, 1, rec.Closes())
}

func TestFramerSendTimesOutOnStalledReader(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	f := NewFramer(local, FramerOptions{WriteTimeout: 50 * time.Millisecond})
	rec := recordFrames(f)

	go f.Run(context.Background())

	// nothing reads remote, so the write cannot complete
	start := time.Now()
	err := f.Send(MessageFromString(`{"n":1}`))
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("framer did not close after the write timeout")
	}
	assert.Equal(t, 1, rec.Closes())
	assert.ErrorIs(t, f.Send(MessageFromString(`{}`)), ErrFramerClosed)
}

func TestFramerSendWithoutDeadlineSupport(t *testing.T) {
	conn := newBufferConn()
	f := NewFramer(conn, FramerOptions{WriteTimeout: time.Nanosecond})

	require.NoError(t, f.Send(MessageFromString(`{"a":1}`)))
	assert.Equal(t, "{\"a\":1}\r\n", conn.Written())
}
