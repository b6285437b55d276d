package tcp

// Actions understood by the game server.
const (
	ActionWelcome      = "welcome"
	ActionJoin         = "join"
	ActionCreatePlayer = "players/create"
	ActionUpdatePlayer = "players/update"
	ActionListPlayers  = "players/list"
	ActionSynchronize  = "players/synchronize"
	ActionShutdown     = "server/shutdown"
)

const (
	JoinAccepted = "accepted"
	JoinRejected = "rejected"
)

// Error messages sent back in ErrorResponse.
const (
	ErrMsgNotJoined   = "not joined"
	ErrMsgRateLimited = "rate limit exceeded"
	ErrMsgInternal    = "internal error"
)

// WelcomeEvent is emitted to every peer right after it connects.
type WelcomeEvent struct {
	Version   string `json:"version"`
	Protected bool   `json:"protected"`
}

type JoinRequest struct {
	Version  string `json:"version"`
	Passcode string `json:"passcode,omitempty"`
	Token    string `json:"token,omitempty"`
}

type JoinResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Token  string `json:"token,omitempty"`
	Peer   string `json:"peer,omitempty"`
}

func (r JoinResponse) Accepted() bool {
	return r.Status == JoinAccepted
}

// ErrorResponse answers a request that could not be served.
type ErrorResponse struct {
	Error string `json:"error"`
}

type ShutdownEvent struct {
	Reason string `json:"reason"`
}
