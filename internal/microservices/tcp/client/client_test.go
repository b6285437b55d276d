package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munchkin/internal/game"
	"munchkin/internal/microservices/tcp"
	"munchkin/internal/transport"
)

// fakeServer accepts one connection and hands it to the test.
func fakeServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	return ln.Addr().String(), accepted
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, ClientOptions{DialTimeout: time.Second})
	assert.Error(t, err)
}

func TestWelcomeHonoursContext(t *testing.T) {
	addr, _ := fakeServer(t)

	c, err := Dial(context.Background(), addr, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Welcome(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWelcomeFailsWhenServerHangsUp(t *testing.T) {
	addr, accepted := fakeServer(t)

	c, err := Dial(context.Background(), addr, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	(<-accepted).Close()

	_, err = c.Welcome(context.Background())
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestSynchronizeReplacesLocalRoster(t *testing.T) {
	addr, accepted := fakeServer(t)

	c, err := Dial(context.Background(), addr, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	synced := make(chan int, 1)
	c.OnSynchronize(func(players []game.Player) { synced <- len(players) })

	conn := <-accepted
	defer conn.Close()
	frame := `{"type":"event","action":"players/synchronize","data":[{"id":1,"name":"Ann","level":2,"gear":1,"gender":"F","genderChanged":false}]}`
	_, err = conn.Write([]byte(frame + "\r\n"))
	require.NoError(t, err)

	select {
	case n := <-synced:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("synchronize not handled")
	}
	players := c.Roster().Players()
	require.Len(t, players, 1)
	assert.Equal(t, "Ann", players[0].Name)
}

func TestRemoteErrorHelpers(t *testing.T) {
	notJoined := fmt.Errorf("wrapped: %w", &RemoteError{Action: tcp.ActionListPlayers, Message: tcp.ErrMsgNotJoined})
	limited := &RemoteError{Action: tcp.ActionListPlayers, Message: tcp.ErrMsgRateLimited}

	assert.True(t, IsNotJoined(notJoined))
	assert.False(t, IsRateLimited(notJoined))
	assert.True(t, IsRateLimited(limited))
	assert.False(t, IsNotJoined(assert.AnError))
	assert.Equal(t, "players/list: not joined", notJoined.(interface{ Unwrap() error }).Unwrap().Error())
}

func TestRosterFollowsServerOrder(t *testing.T) {
	addr, accepted := fakeServer(t)

	c, err := Dial(context.Background(), addr, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	conn := <-accepted
	defer conn.Close()

	synced := make(chan struct{}, 1)
	c.OnSynchronize(func([]game.Player) { synced <- struct{}{} })

	go func() {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		if json.Unmarshal([]byte(line), &req) != nil {
			return
		}
		// the list response is older than the synchronize that follows it
		frames := fmt.Sprintf(`{"type":"response","id":%d,"data":[{"id":1,"name":"Ann","level":1,"gear":0,"gender":"F","genderChanged":false}]}`, req.ID) + "\r\n" +
			`{"type":"event","action":"players/synchronize","data":[{"id":1,"name":"Ann","level":1,"gear":0,"gender":"F","genderChanged":false},{"id":2,"name":"Bob","level":1,"gear":0,"gender":"M","genderChanged":false}]}` + "\r\n"
		conn.Write([]byte(frames))
	}()

	players, err := c.ListPlayers(context.Background())
	require.NoError(t, err)
	assert.Len(t, players, 1)

	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("synchronize not handled")
	}
	assert.Len(t, c.Roster().Players(), 2)
}

func TestListPlayersUpdatesRosterBeforeReturning(t *testing.T) {
	addr, accepted := fakeServer(t)

	c, err := Dial(context.Background(), addr, ClientOptions{})
	require.NoError(t, err)
	defer c.Close()

	conn := <-accepted
	defer conn.Close()

	go func() {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		if json.Unmarshal([]byte(line), &req) != nil {
			return
		}
		conn.Write([]byte(fmt.Sprintf(`{"type":"response","id":%d,"data":[{"id":3,"name":"Cid","level":2,"gear":1,"gender":"M","genderChanged":false}]}`, req.ID) + "\r\n"))
	}()

	_, err = c.ListPlayers(context.Background())
	require.NoError(t, err)
	players := c.Roster().Players()
	require.Len(t, players, 1)
	assert.Equal(t, "Cid", players[0].Name)
}

func TestInvalidShutdownEventIsLogged(t *testing.T) {
	addr, accepted := fakeServer(t)

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c, err := Dial(context.Background(), addr, ClientOptions{Logger: logger})
	require.NoError(t, err)
	defer c.Close()

	conn := <-accepted
	_, err = conn.Write([]byte(`{"type":"event","action":"server/shutdown","data":"bye"}` + "\r\n"))
	require.NoError(t, err)
	conn.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice the hang-up")
	}
	assert.Contains(t, logs.String(), "invalid_shutdown")
	assert.Empty(t, c.ShutdownReason())
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
