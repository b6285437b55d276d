package tcp

import (
	"errors"
	"fmt"
	"time"

	"munchkin/internal/game"
	"munchkin/internal/transport"
)

var errBadRequest = errors.New("bad request")

type requestHandler func(peer *Peer, req transport.IncomingRequest) (any, error)

// route says which guards and ordering a request handler needs.
type route struct {
	requireJoin bool
	// roster handlers send rosters; they run under rosterMu
	roster      bool
}

func (s *Server) registerHandlers(peer *Peer) {
	s.handle(peer, ActionJoin, route{}, s.handleJoin)
	s.handle(peer, ActionCreatePlayer, route{requireJoin: true, roster: true}, s.handleCreatePlayer)
	s.handle(peer, ActionUpdatePlayer, route{requireJoin: true, roster: true}, s.handleUpdatePlayer)
	s.handle(peer, ActionListPlayers, route{requireJoin: true, roster: true}, s.handleListPlayers)
}

// handle registers fn for action behind the rate limiter and, when the route
// requires it, the joined check. Every request gets exactly one response.
func (s *Server) handle(peer *Peer, action string, rt route, fn requestHandler) {
	peer.rpc.Requests().On(action, func(req transport.IncomingRequest) {
		start := time.Now()
		outcome := s.serve(peer, action, rt, fn, req)
		s.metrics.RecordRequest(action, outcome, time.Since(start))
	})
}

func (s *Server) serve(peer *Peer, action string, rt route, fn requestHandler, req transport.IncomingRequest) string {
	if !peer.limiter.Allow() {
		s.metrics.RecordRateLimited()
		s.logger.Warn("rate_limit_exceeded",
			"peer_id", peer.ID,
			"action", action,
		)
		s.respond(peer, action, req.ID, ErrorResponse{Error: ErrMsgRateLimited})
		return "rate_limited"
	}
	if rt.requireJoin && !peer.Joined() {
		s.respond(peer, action, req.ID, ErrorResponse{Error: ErrMsgNotJoined})
		return "not_joined"
	}

	if rt.roster {
		s.rosterMu.Lock()
		defer s.rosterMu.Unlock()
	}

	outcome := "ok"
	result, err := fn(peer, req)
	if err != nil {
		outcome = "error"
		result = s.errorResponse(peer, action, err)
	}
	s.respond(peer, action, req.ID, result)
	return outcome
}

func (s *Server) respond(peer *Peer, action string, id uint64, result any) {
	if err := peer.rpc.Respond(id, result); err != nil {
		s.logger.Warn("respond_failed",
			"peer_id", peer.ID,
			"action", action,
			"request_id", id,
			"error", err,
		)
	}
}

// errorResponse exposes domain errors and hides everything else.
func (s *Server) errorResponse(peer *Peer, action string, err error) ErrorResponse {
	if errors.Is(err, errBadRequest) || errors.Is(err, game.ErrInvalidPlayer) || errors.Is(err, game.ErrPlayerNotFound) {
		return ErrorResponse{Error: err.Error()}
	}
	s.logger.Error("request_failed",
		"peer_id", peer.ID,
		"action", action,
		"error", err,
	)
	return ErrorResponse{Error: ErrMsgInternal}
}

func (s *Server) handleJoin(peer *Peer, req transport.IncomingRequest) (any, error) {
	var join JoinRequest
	if err := req.Decode(&join); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	reject := func(reason string) JoinResponse {
		s.metrics.RecordJoin(JoinRejected)
		s.logger.Info("peer_join_rejected",
			"peer_id", peer.ID,
			"reason", reason,
		)
		return JoinResponse{Status: JoinRejected, Reason: reason, Peer: peer.ID}
	}

	if join.Version != s.opts.Version {
		return reject(fmt.Sprintf("version mismatch: server runs %s", s.opts.Version)), nil
	}
	if err := s.gate.Admit(join.Passcode, join.Token); err != nil {
		return reject(err.Error()), nil
	}

	token, err := s.gate.IssueToken(peer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	peer.joined.Store(true)

	s.metrics.RecordJoin(JoinAccepted)
	s.logger.Info("peer_joined",
		"peer_id", peer.ID,
		"remote_addr", peer.RemoteAddr,
	)
	return JoinResponse{Status: JoinAccepted, Token: token, Peer: peer.ID}, nil
}

func (s *Server) handleCreatePlayer(peer *Peer, req transport.IncomingRequest) (any, error) {
	var data game.PlayerData
	if err := req.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	player, err := s.roster.CreatePlayer(data)
	if err != nil {
		return nil, err
	}
	s.logger.Info("player_created",
		"peer_id", peer.ID,
		"player_id", player.ID,
	)
	return s.synchronize(peer), nil
}

func (s *Server) handleUpdatePlayer(peer *Peer, req transport.IncomingRequest) (any, error) {
	var player game.Player
	if err := req.Decode(&player); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if _, err := s.roster.UpdatePlayer(player.ID, player.PlayerData); err != nil {
		return nil, err
	}
	s.logger.Info("player_updated",
		"peer_id", peer.ID,
		"player_id", player.ID,
	)
	return s.synchronize(peer), nil
}

func (s *Server) handleListPlayers(_ *Peer, _ transport.IncomingRequest) (any, error) {
	return s.roster.Players(), nil
}

// synchronize pushes the roster to every other joined peer and returns it.
// Callers hold rosterMu.
func (s *Server) synchronize(origin *Peer) []game.Player {
	players := s.roster.Players()
	s.manager.Broadcast(ActionSynchronize, players, origin.ID)
	return players
}
