package tcp

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"munchkin/internal/transport"
)

// Peer is one connected client.
type Peer struct {
	ID          string // unique identifier = key in the manager
	RemoteAddr  string
	ConnectedAt time.Time

	conn    net.Conn
	framer  *transport.Framer
	rpc     *transport.Connection
	limiter *rate.Limiter // inbound requests; refills over time, Allow consumes a token
	joined  atomic.Bool
}

// PeerInfo is the read-only view of a peer served by the admin API.
type PeerInfo struct {
	ID          string                    `json:"id"`
	RemoteAddr  string                    `json:"remote_addr"`
	ConnectedAt time.Time                 `json:"connected_at"`
	Joined      bool                      `json:"joined"`
	Stats       transport.ConnectionStats `json:"stats"`
}

func newPeer(conn net.Conn, opts Options, s *Server) *Peer {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	framer := transport.NewFramer(conn, transport.FramerOptions{
		Timeout:        opts.Timeout,
		WriteTimeout:   opts.WriteTimeout,
		MaxMessageSize: opts.MaxMessageSize,
		Logger:         s.logger,
	})
	return &Peer{
		ID:          uuid.NewString(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
		framer:      framer,
		rpc: transport.NewConnection(framer, transport.ConnectionOptions{
			RequestTimeout: opts.RequestTimeout,
			Logger:         s.logger,
		}),
		limiter: rate.NewLimiter(limit, max(opts.RateBurst, 1)),
	}
}

func (p *Peer) Joined() bool {
	return p.joined.Load()
}

// Emit sends an event to the peer.
func (p *Peer) Emit(action string, data any) error {
	return p.rpc.Emit(action, data)
}

// Close closes the socket; the framer then reports the close.
func (p *Peer) Close() error {
	return p.rpc.Close()
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		ID:          p.ID,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: p.ConnectedAt,
		Joined:      p.Joined(),
		Stats:       p.rpc.Stats(),
	}
}
