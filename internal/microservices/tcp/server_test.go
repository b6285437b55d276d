package tcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"munchkin/internal/game"
	"munchkin/internal/metrics"
	"munchkin/internal/microservices/tcp"
	"munchkin/internal/microservices/tcp/client"
)

// ServerTestSuite runs the game server on a loopback port per test.
type ServerTestSuite struct {
	suite.Suite
	server  *tcp.Server
	roster  *game.Roster
	store   *game.MemoryStore
	metrics *metrics.Metrics
	cancel  context.CancelFunc
}

func (s *ServerTestSuite) SetupTest() {
	s.server = s.startServer(tcp.Options{})
}

func (s *ServerTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		s.server.Stop()
	}
}

func (s *ServerTestSuite) startServer(opts tcp.Options) *tcp.Server {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		s.server.Stop()
	}
	s.roster = game.NewRoster(nil)
	s.store = game.NewMemoryStore()
	s.metrics = metrics.New()

	server, err := tcp.NewServer("127.0.0.1:0", opts, s.roster, s.store, s.metrics)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Require().NoError(server.Listen(ctx))
	go server.Serve(ctx)
	s.server = server
	return server
}

func (s *ServerTestSuite) dial() *client.Client {
	return s.dialWith(client.ClientOptions{RequestTimeout: 2 * time.Second})
}

func (s *ServerTestSuite) dialWith(opts client.ClientOptions) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, s.server.Addr(), opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { c.Close() })
	return c
}

func (s *ServerTestSuite) join(c *client.Client) tcp.JoinResponse {
	resp, err := c.Join(context.Background(), tcp.JoinRequest{Version: tcp.DefaultVersion})
	s.Require().NoError(err)
	s.Require().True(resp.Accepted(), "join rejected: %s", resp.Reason)
	return resp
}

func newPlayer(name string) game.PlayerData {
	return game.PlayerData{Name: name, Level: 1, Gender: game.GenderMale}
}

func (s *ServerTestSuite) TestWelcomeThenJoin() {
	c := s.dial()

	welcome, err := c.Welcome(context.Background())
	s.Require().NoError(err)
	s.Equal(tcp.DefaultVersion, welcome.Version)
	s.False(welcome.Protected)

	resp := s.join(c)
	s.NotEmpty(resp.Token)
	s.NotEmpty(resp.Peer)
	s.Equal(resp.Token, c.Token())

	peers := s.server.Peers()
	s.Require().Len(peers, 1)
	s.True(peers[0].Joined)
	s.Equal(resp.Peer, peers[0].ID)
}

func (s *ServerTestSuite) TestJoinVersionMismatch() {
	c := s.dial()

	resp, err := c.Join(context.Background(), tcp.JoinRequest{Version: "0.1"})
	s.Require().NoError(err)
	s.Equal(tcp.JoinRejected, resp.Status)
	s.Contains(resp.Reason, "version mismatch")
	s.Empty(c.Token())
}

func (s *ServerTestSuite) TestRequestsBeforeJoinAreRefused() {
	c := s.dial()

	_, err := c.ListPlayers(context.Background())
	s.True(client.IsNotJoined(err), "got %v", err)

	_, err = c.CreatePlayer(context.Background(), newPlayer("Ann"))
	s.True(client.IsNotJoined(err), "got %v", err)
	s.Zero(s.roster.Len())
}

func (s *ServerTestSuite) TestCreatePlayerSynchronizesOtherPeers() {
	a, b, outsider := s.dial(), s.dial(), s.dial()
	s.join(a)
	s.join(b)

	toA := make(chan []game.Player, 1)
	toB := make(chan []game.Player, 1)
	toOutsider := make(chan []game.Player, 1)
	a.OnSynchronize(func(p []game.Player) { toA <- p })
	b.OnSynchronize(func(p []game.Player) { toB <- p })
	outsider.OnSynchronize(func(p []game.Player) { toOutsider <- p })

	roster, err := a.CreatePlayer(context.Background(), newPlayer("Ann"))
	s.Require().NoError(err)
	s.Require().Len(roster, 1)
	s.EqualValues(1, roster[0].ID)

	select {
	case players := <-toB:
		s.Equal(roster, players)
	case <-time.After(2 * time.Second):
		s.FailNow("peer B did not receive players/synchronize")
	}
	s.Equal(roster, b.Roster().Players())

	select {
	case <-toA:
		s.Fail("the creating peer must not receive its own synchronize")
	case <-toOutsider:
		s.Fail("peers that have not joined must not receive synchronize")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *ServerTestSuite) TestUpdatePlayer() {
	c := s.dial()
	s.join(c)

	roster, err := c.CreatePlayer(context.Background(), newPlayer("Ann"))
	s.Require().NoError(err)

	player := roster[0]
	player.Level = 5
	player.Gear = 3
	roster, err = c.UpdatePlayer(context.Background(), player)
	s.Require().NoError(err)
	s.Equal(5, roster[0].Level)

	player.ID = 99
	_, err = c.UpdatePlayer(context.Background(), player)
	s.Require().Error(err)
	s.Contains(err.Error(), "player not found")
}

func (s *ServerTestSuite) TestInvalidPlayerIsRejected() {
	c := s.dial()
	s.join(c)

	_, err := c.CreatePlayer(context.Background(), game.PlayerData{Name: "", Level: 0, Gender: "X"})
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid player")
	s.Zero(s.roster.Len())
}

func (s *ServerTestSuite) TestRosterIsPersisted() {
	c := s.dial()
	s.join(c)

	_, err := c.CreatePlayer(context.Background(), newPlayer("Ann"))
	s.Require().NoError(err)

	stored, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal("Ann", stored[0].Name)
}

func (s *ServerTestSuite) TestProtectedServer() {
	s.startServer(tcp.Options{Passcode: "open sesame"})

	c := s.dial()
	welcome, err := c.Welcome(context.Background())
	s.Require().NoError(err)
	s.True(welcome.Protected)

	resp, err := c.Join(context.Background(), tcp.JoinRequest{Version: tcp.DefaultVersion})
	s.Require().NoError(err)
	s.Equal(tcp.JoinRejected, resp.Status)
	s.Equal(tcp.ErrPasscodeRequired.Error(), resp.Reason)

	resp, err = c.Join(context.Background(), tcp.JoinRequest{Version: tcp.DefaultVersion, Passcode: "nope"})
	s.Require().NoError(err)
	s.Equal(tcp.ErrInvalidPasscode.Error(), resp.Reason)

	resp, err = c.Join(context.Background(), tcp.JoinRequest{Version: tcp.DefaultVersion, Passcode: "open sesame"})
	s.Require().NoError(err)
	s.Require().True(resp.Accepted())

	// a second connection re-joins with the session token alone
	again := s.dial()
	resp, err = again.Join(context.Background(), tcp.JoinRequest{Version: tcp.DefaultVersion, Token: c.Token()})
	s.Require().NoError(err)
	s.True(resp.Accepted(), resp.Reason)
}

func (s *ServerTestSuite) TestRateLimiting() {
	s.startServer(tcp.Options{RateLimit: 1, RateBurst: 2})

	c := s.dial()
	s.join(c)

	limited := 0
	for i := 0; i < 6; i++ {
		if _, err := c.ListPlayers(context.Background()); client.IsRateLimited(err) {
			limited++
		}
	}
	s.Greater(limited, 0, "some requests should be rate limited")
}

func (s *ServerTestSuite) TestStopNotifiesAndClosesPeers() {
	c := s.dial()
	s.join(c)

	s.server.Stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		s.FailNow("client was not disconnected")
	}
	s.NotEmpty(c.ShutdownReason())
	s.Empty(s.server.Peers())
}

func (s *ServerTestSuite) TestConcurrentCreatesConverge() {
	a, b := s.dial(), s.dial()
	s.join(a)
	s.join(b)

	// every roster a peer receives must be newer than the one before it
	var mu sync.Mutex
	sizes := map[*client.Client][]int{}
	for _, c := range []*client.Client{a, b} {
		c.Roster().OnUpdated(func(players []game.Player) {
			mu.Lock()
			sizes[c] = append(sizes[c], len(players))
			mu.Unlock()
		})
	}

	const perPeer = 20
	var wg sync.WaitGroup
	for _, c := range []*client.Client{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPeer; i++ {
				_, err := c.CreatePlayer(context.Background(), newPlayer(fmt.Sprintf("P%d", i)))
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	want := s.roster.Players()
	s.Require().Len(want, 2*perPeer)

	stored, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Equal(want, stored, "the store must hold the newest roster")

	for _, c := range []*client.Client{a, b} {
		s.Eventually(func() bool {
			return assert.ObjectsAreEqual(want, c.Roster().Players())
		}, 2*time.Second, 10*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, seen := range sizes {
		for i := 1; i < len(seen); i++ {
			s.Greater(seen[i], seen[i-1], "roster went backwards: %v", seen)
		}
	}
}

func (s *ServerTestSuite) TestStalledPeerIsDisconnected() {
	s.startServer(tcp.Options{WriteTimeout: 200 * time.Millisecond, MaxMessageSize: 16 << 20})

	a := s.dialWith(client.ClientOptions{RequestTimeout: 5 * time.Second, MaxMessageSize: 16 << 20})
	s.join(a)

	// a raw peer that joins and then never reads
	stalled, err := net.Dial("tcp", s.server.Addr())
	s.Require().NoError(err)
	defer stalled.Close()
	s.Require().NoError(stalled.(*net.TCPConn).SetReadBuffer(4096))
	_, err = stalled.Write([]byte(`{"type":"request","action":"join","id":1,"data":{"version":"1.0"}}` + "\r\n"))
	s.Require().NoError(err)

	joined := func() int {
		n := 0
		for _, p := range s.server.Peers() {
			if p.Joined {
				n++
			}
		}
		return n
	}
	s.Require().Eventually(func() bool { return joined() == 2 }, 2*time.Second, 10*time.Millisecond)

	// grow the roster until the stalled peer's buffers are full
	big := game.PlayerData{Name: strings.Repeat("x", 128<<10), Level: 1, Gender: game.GenderMale}
	for i := 0; i < 60 && len(s.server.Peers()) == 2; i++ {
		_, err := a.CreatePlayer(context.Background(), big)
		s.Require().NoError(err)
	}
	s.Require().Eventually(func() bool { return len(s.server.Peers()) == 1 }, 3*time.Second, 20*time.Millisecond)

	// the writer is still served
	players, err := a.ListPlayers(context.Background())
	s.Require().NoError(err)
	s.Equal(s.roster.Len(), len(players))

	stopped := make(chan struct{})
	go func() {
		s.server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		s.FailNow("Stop did not finish")
	}
}

// TestWireFormat talks to the server with a plain socket.
func (s *ServerTestSuite) TestWireFormat() {
	t := s.T()

	conn, err := net.Dial("tcp", s.server.Addr())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(line, "\r\n"))
	assert.JSONEq(t, `{"type":"event","action":"welcome","data":{"version":"1.0","protected":false}}`, strings.TrimSuffix(line, "\r\n"))

	// a malformed frame is skipped, the next one is still served; the join is split mid-terminator
	_, err = conn.Write([]byte("this is not json\r\n" + `{"type":"request","action":"join","id":41,"data":{"version":"1.0"}}` + "\r"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("\n"))
	require.NoError(t, err)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)

	var resp struct {
		Type string           `json:"type"`
		ID   uint64           `json:"id"`
		Data tcp.JoinResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, "response", resp.Type)
	assert.EqualValues(t, 41, resp.ID)
	assert.True(t, resp.Data.Accepted())
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestServerRestoresStoredRoster(t *testing.T) {
	store := game.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []game.Player{
		{ID: 4, PlayerData: newPlayer("Ann")},
	}))

	roster := game.NewRoster(nil)
	server, err := tcp.NewServer("127.0.0.1:0", tcp.Options{}, roster, store, nil)
	require.NoError(t, err)
	require.NoError(t, server.Listen(context.Background()))
	defer server.Stop()

	require.Equal(t, 1, roster.Len())
	p, err := roster.CreatePlayer(newPlayer("Bob"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, p.ID)
}
