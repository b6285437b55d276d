package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/someonegg/gox/syncx"

	"munchkin/internal/game"
	"munchkin/internal/microservices/tcp"
	"munchkin/internal/transport"
)

const DefaultDialTimeout = 5 * time.Second

const eventSynchronize = "synchronize"

// RemoteError is an ErrorResponse returned by the server.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// IsNotJoined reports whether err is the server refusing a request before join.
func IsNotJoined(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Message == tcp.ErrMsgNotJoined
}

// IsRateLimited reports whether err is the server's rate limiter.
func IsRateLimited(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Message == tcp.ErrMsgRateLimited
}

type ClientOptions struct {
	Timeout        time.Duration // frame assembly timeout
	WriteTimeout   time.Duration
	MaxMessageSize int
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

// Client is a game client holding a local copy of the roster.
type Client struct {
	framer *transport.Framer
	rpc    *transport.Connection
	roster *game.Roster
	events *transport.Emitter[[]game.Player]
	logger *slog.Logger
	cancel context.CancelFunc

	welcomeD syncx.DoneChan
	mu       sync.Mutex
	welcome  tcp.WelcomeEvent
	token    string
	shutdown string
}

// Dial connects to a game server. Handlers are registered before reading
// starts, so the welcome event is never missed.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	framer := transport.NewFramer(conn, transport.FramerOptions{
		Timeout:        opts.Timeout,
		WriteTimeout:   opts.WriteTimeout,
		MaxMessageSize: opts.MaxMessageSize,
		Logger:         opts.Logger,
	})
	c := &Client{
		framer:   framer,
		roster:   game.NewRoster(opts.Logger),
		events:   transport.NewEmitter[[]game.Player](opts.Logger),
		logger:   opts.Logger,
		welcomeD: syncx.NewDoneChan(),
	}
	// registered before the connection's own listener, so a roster response
	// is applied before the waiting call returns
	framer.Events().On(transport.EventMessage, c.applyRosterResponse)
	c.rpc = transport.NewConnection(framer, transport.ConnectionOptions{
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
	})

	c.rpc.Events().On(tcp.ActionWelcome, c.handleWelcome)
	c.rpc.Events().On(tcp.ActionSynchronize, c.handleSynchronize)
	c.rpc.Events().On(tcp.ActionShutdown, c.handleShutdown)
	framer.Events().On(transport.EventError, func(ev transport.FrameEvent) {
		c.logger.Warn("client_frame_error",
			"reason", ev.Err.Reason,
			"error", ev.Err.Err,
		)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go framer.Run(runCtx)
	return c, nil
}

func (c *Client) handleWelcome(data json.RawMessage) {
	var w tcp.WelcomeEvent
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Warn("invalid_welcome", "error", err)
		return
	}
	c.mu.Lock()
	c.welcome = w
	c.mu.Unlock()
	if !c.welcomeD.R().Done() {
		c.welcomeD.SetDone()
	}
}

func (c *Client) handleSynchronize(data json.RawMessage) {
	var players []game.Player
	if err := json.Unmarshal(data, &players); err != nil {
		c.logger.Warn("invalid_synchronize", "error", err)
		return
	}
	c.roster.SetPlayers(players)
	c.events.Emit(eventSynchronize, c.roster.Players())
}

func (c *Client) handleShutdown(data json.RawMessage) {
	var ev tcp.ShutdownEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("invalid_shutdown", "error", err)
	}
	c.mu.Lock()
	c.shutdown = ev.Reason
	c.mu.Unlock()
	c.logger.Info("server_shutting_down", "reason", ev.Reason)
}

// applyRosterResponse updates the local roster from roster-bearing responses.
// It runs on the read goroutine alongside handleSynchronize, so the local
// roster follows the order the server sent rosters in.
func (c *Client) applyRosterResponse(ev transport.FrameEvent) {
	env, err := transport.DecodeEnvelope(ev.Message)
	if err != nil {
		return
	}
	res, ok := env.(transport.Response)
	if !ok || !isJSONArray(res.Data) {
		return
	}
	var players []game.Player
	if err := json.Unmarshal(res.Data, &players); err != nil {
		c.logger.Warn("invalid_roster_response", "error", err)
		return
	}
	c.roster.SetPlayers(players)
}

// isJSONArray reports whether data is an array; every array response carries the roster.
func isJSONArray(data json.RawMessage) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Welcome waits for the server's welcome event.
func (c *Client) Welcome(ctx context.Context) (tcp.WelcomeEvent, error) {
	select {
	case <-c.welcomeD.R():
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.welcome, nil
	case <-c.framer.Done():
		return tcp.WelcomeEvent{}, transport.ErrConnectionClosed
	case <-ctx.Done():
		return tcp.WelcomeEvent{}, ctx.Err()
	}
}

// Join asks to join the game. An accepted join stores the session token,
// which is sent automatically when req carries none.
func (c *Client) Join(ctx context.Context, req tcp.JoinRequest) (tcp.JoinResponse, error) {
	if req.Token == "" {
		req.Token = c.Token()
	}
	var resp tcp.JoinResponse
	if err := c.call(ctx, tcp.ActionJoin, req, &resp); err != nil {
		return tcp.JoinResponse{}, err
	}
	if resp.Accepted() {
		c.mu.Lock()
		c.token = resp.Token
		c.mu.Unlock()
	}
	return resp, nil
}

// CreatePlayer adds a player and returns the updated roster.
func (c *Client) CreatePlayer(ctx context.Context, data game.PlayerData) ([]game.Player, error) {
	return c.rosterCall(ctx, tcp.ActionCreatePlayer, data)
}

// UpdatePlayer replaces a player by id and returns the updated roster.
func (c *Client) UpdatePlayer(ctx context.Context, player game.Player) ([]game.Player, error) {
	return c.rosterCall(ctx, tcp.ActionUpdatePlayer, player)
}

// ListPlayers fetches the roster.
func (c *Client) ListPlayers(ctx context.Context) ([]game.Player, error) {
	return c.rosterCall(ctx, tcp.ActionListPlayers, struct{}{})
}

func (c *Client) rosterCall(ctx context.Context, action string, data any) ([]game.Player, error) {
	var players []game.Player
	if err := c.call(ctx, action, data, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// call sends a request and decodes either an ErrorResponse or out.
func (c *Client) call(ctx context.Context, action string, data any, out any) error {
	raw, err := c.rpc.Request(ctx, action, data)
	if err != nil {
		return err
	}
	var remote tcp.ErrorResponse
	if json.Unmarshal(raw, &remote) == nil && remote.Error != "" {
		return &RemoteError{Action: action, Message: remote.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return nil
}

// Roster is the local copy, updated on the read goroutine by roster responses
// and synchronize events in arrival order.
func (c *Client) Roster() *game.Roster {
	return c.roster
}

// OnSynchronize registers fn for roster pushes from the server.
func (c *Client) OnSynchronize(fn func([]game.Player)) transport.ListenerID {
	return c.events.On(eventSynchronize, fn)
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ShutdownReason is set once the server announced it is stopping.
func (c *Client) ShutdownReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Done is closed once the connection is gone.
func (c *Client) Done() syncx.DoneChanR {
	return c.framer.Done()
}

func (c *Client) Connection() *transport.Connection {
	return c.rpc
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.rpc.Close()
	c.cancel()
	<-c.framer.Done()
	return err
}
