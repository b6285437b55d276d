package game

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"munchkin/internal/transport"
)

var (
	ErrPlayerNotFound = errors.New("player not found")
	ErrInvalidPlayer  = errors.New("invalid player")
)

// EventUpdated fires with a roster snapshot after every change.
const EventUpdated = "updated"

type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// PlayerData is everything about a player except its id.
type PlayerData struct {
	Name          string `json:"name"`
	Level         int    `json:"level"`
	Gear          int    `json:"gear"`
	Gender        Gender `json:"gender"`
	GenderChanged bool   `json:"genderChanged"`
}

type Player struct {
	ID int64 `json:"id"`
	PlayerData
}

// Validate checks the player fields, returning an error wrapping ErrInvalidPlayer.
func (d PlayerData) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if d.Level < 1 {
		problems = append(problems, "level must be at least 1")
	}
	if d.Gear < 0 {
		problems = append(problems, "gear must not be negative")
	}
	if d.Gender != GenderMale && d.Gender != GenderFemale {
		problems = append(problems, fmt.Sprintf("gender must be %q or %q", GenderMale, GenderFemale))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPlayer, strings.Join(problems, "; "))
	}
	return nil
}

// Roster is the shared list of players. Ids come from a counter starting at 1.
//
// Updated listeners receive snapshots in mutation order and run before the
// mutating call returns. They must not mutate the roster themselves.
type Roster struct {
	notifyMu sync.Mutex // held from mutation through emit
	mu       sync.RWMutex
	players  []Player
	nextID   int64
	events   *transport.Emitter[[]Player]
	logger   *slog.Logger
}

func NewRoster(logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{
		nextID: 1,
		events: transport.NewEmitter[[]Player](logger),
		logger: logger,
	}
}

// CreatePlayer appends a new player and returns it with its assigned id.
func (r *Roster) CreatePlayer(data PlayerData) (Player, error) {
	if err := data.Validate(); err != nil {
		return Player{}, err
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	player := Player{ID: r.nextID, PlayerData: data}
	r.nextID++
	r.players = append(r.players, player)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("player_created",
		"player_id", player.ID,
		"name", player.Name,
	)
	r.events.Emit(EventUpdated, snapshot)
	return player, nil
}

// UpdatePlayer replaces the data of the player with the given id.
func (r *Roster) UpdatePlayer(id int64, data PlayerData) (Player, error) {
	if err := data.Validate(); err != nil {
		return Player{}, err
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return Player{}, fmt.Errorf("%w: id %d", ErrPlayerNotFound, id)
	}
	player := Player{ID: id, PlayerData: data}
	r.players[idx] = player
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("player_updated", "player_id", id)
	r.events.Emit(EventUpdated, snapshot)
	return player, nil
}

// Players returns a copy of the roster in creation order.
func (r *Roster) Players() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Player looks up one player by id.
func (r *Roster) Player(id int64) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.players[idx], true
	}
	return Player{}, false
}

// SetPlayers replaces the whole roster, as received from a synchronization.
// The id counter moves past the highest id seen.
func (r *Roster) SetPlayers(players []Player) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.players = append([]Player(nil), players...)
	for _, p := range players {
		if p.ID >= r.nextID {
			r.nextID = p.ID + 1
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.events.Emit(EventUpdated, snapshot)
}

// Len returns the number of players.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// OnUpdated registers fn to receive a snapshot after every change.
func (r *Roster) OnUpdated(fn func([]Player)) transport.ListenerID {
	return r.events.On(EventUpdated, fn)
}

// OffUpdated removes a registration made with OnUpdated.
func (r *Roster) OffUpdated(id transport.ListenerID) {
	r.events.Off(EventUpdated, id)
}

func (r *Roster) indexLocked(id int64) int {
	for i, p := range r.players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (r *Roster) snapshotLocked() []Player {
	out := make([]Player, len(r.players))
	copy(out, r.players)
	return out
}
