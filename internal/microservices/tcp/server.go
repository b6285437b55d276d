package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"munchkin/internal/game"
	"munchkin/internal/metrics"
	"munchkin/internal/transport"
)

const (
	DefaultVersion        = "1.0"
	DefaultShutdownNotice = time.Second
)

// Options configures the game server.
type Options struct {
	Timeout        time.Duration // frame assembly timeout
	WriteTimeout   time.Duration // per write; a peer that stalls longer is disconnected
	RequestTimeout time.Duration
	MaxMessageSize int
	Passcode       string
	Version        string
	RateLimit      float64 // requests per second per peer, 0 disables limiting
	RateBurst      int
	TokenSecret    string
	TokenTTL       time.Duration
	// ShutdownNotice bounds how long Stop waits for the shutdown event to
	// reach peers before closing them.
	ShutdownNotice time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = transport.DefaultMessageTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = transport.DefaultRequestTimeout
	}
	if o.ShutdownNotice <= 0 {
		o.ShutdownNotice = DefaultShutdownNotice
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server accepts game clients and serves the roster over the framed protocol.
type Server struct {
	addr    string
	opts    Options
	logger  *slog.Logger
	gate    *Gate
	manager *PeerManager
	roster  *game.Roster
	store   game.RosterStore
	metrics *metrics.Metrics

	// rosterMu is held from reading or changing the roster until the
	// resulting broadcast and response have been sent.
	rosterMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener

	quitChan chan struct{} // closed when shutdown starts
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds a server for roster. store and m may be nil.
func NewServer(addr string, opts Options, roster *game.Roster, store game.RosterStore, m *metrics.Metrics) (*Server, error) {
	opts = opts.withDefaults()

	gate, err := NewGate(opts.Passcode, opts.TokenSecret, opts.TokenTTL)
	if err != nil {
		return nil, err
	}
	if roster == nil {
		roster = game.NewRoster(opts.Logger)
	}

	s := &Server{
		addr:     addr,
		opts:     opts,
		logger:   opts.Logger,
		gate:     gate,
		manager:  NewPeerManager(opts.Logger),
		roster:   roster,
		store:    store,
		metrics:  m,
		quitChan: make(chan struct{}),
	}

	roster.OnUpdated(func(players []game.Player) { s.metrics.SetPlayers(len(players)) })
	if store != nil {
		game.Persist(roster, store, opts.RequestTimeout, opts.Logger)
	}
	return s, nil
}

// Start listens and serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the listening socket and restores the stored roster.
func (s *Server) Listen(ctx context.Context) error {
	if s.store != nil {
		if err := game.Restore(ctx, s.roster, s.store); err != nil {
			s.logger.Warn("roster_restore_failed", "error", err)
		}
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server, error: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("tcp_server_started",
		"addr", listener.Addr().String(),
		"version", s.opts.Version,
		"protected", s.gate.Protected(),
	)
	return nil
}

// Serve accepts connections on the bound listener.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	s.wg.Add(1)
	defer s.wg.Done()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept_failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}(conn)
	}
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Roster() *game.Roster {
	return s.roster
}

func (s *Server) Peers() []PeerInfo {
	return s.manager.Snapshot()
}

func (s *Server) Protected() bool {
	return s.gate.Protected()
}

// Stop notifies peers, closes the listener and every connection, and waits
// for the connection goroutines to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quitChan)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()

		notified := make(chan struct{})
		go func() {
			defer close(notified)
			s.manager.BroadcastAll(ActionShutdown, ShutdownEvent{Reason: "server is shutting down"})
		}()
		select {
		case <-notified:
		case <-time.After(s.opts.ShutdownNotice):
			s.logger.Warn("shutdown_notice_timeout", "timeout", s.opts.ShutdownNotice)
		}
		s.manager.CloseAll()
		s.wg.Wait()
		s.logger.Info("tcp_server_stopped")
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.quitChan:
		return true
	default:
		return false
	}
}

// handleConnection runs the lifecycle of a single peer.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	peer := newPeer(conn, s.opts, s)
	s.registerHandlers(peer)

	peer.framer.Events().On(transport.EventError, func(ev transport.FrameEvent) {
		s.metrics.RecordFrameError(string(ev.Err.Reason))
		s.logger.Warn("peer_frame_error",
			"peer_id", peer.ID,
			"reason", ev.Err.Reason,
			"error", ev.Err.Err,
		)
	})

	s.manager.Add(peer)
	s.metrics.ConnectionOpened()
	defer func() {
		s.manager.Remove(peer)
		s.metrics.ConnectionClosed()
	}()

	// Stop may have run CloseAll before the peer was added
	if s.stopping() {
		peer.Close()
		return
	}

	if err := peer.Emit(ActionWelcome, WelcomeEvent{Version: s.opts.Version, Protected: s.gate.Protected()}); err != nil {
		s.logger.Warn("welcome_failed",
			"peer_id", peer.ID,
			"error", err,
		)
		peer.Close()
		return
	}

	peer.framer.Run(ctx)
	s.logger.Info("peer_disconnected",
		"peer_id", peer.ID,
		"joined", peer.Joined(),
	)
}
