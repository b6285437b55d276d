package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRosterKey = "munchkin:roster"

// RosterStore persists roster snapshots.
type RosterStore interface {
	Save(ctx context.Context, players []Player) error
	Load(ctx context.Context) ([]Player, error)
}

// MemoryStore keeps the last snapshot in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	players []Player
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, players []Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = append([]Player(nil), players...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Player(nil), s.players...), nil
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	// URL is either a redis:// URL or a plain host:port address.
	URL      string
	Password string
	Key      string
}

// RedisStore keeps the roster as one JSON document under a single key.
// A nil store is a no-op, which keeps tests free of a Redis dependency.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	var redisOpts *redis.Options
	if strings.Contains(opts.URL, "://") {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: opts.URL}
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = DefaultRosterKey
	}
	return &RedisStore{client: rdb, key: key}, nil
}

func (s *RedisStore) Save(ctx context.Context, players []Player) error {
	if s == nil || s.client == nil {
		return nil
	}
	if players == nil {
		players = []Player{}
	}
	payload, err := json.Marshal(players)
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save roster: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]Player, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	payload, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	var players []Player
	if err := json.Unmarshal(payload, &players); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return players, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Restore loads the stored snapshot into the roster, if there is one.
func Restore(ctx context.Context, roster *Roster, store RosterStore) error {
	players, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if len(players) > 0 {
		roster.SetPlayers(players)
	}
	return nil
}

// Persist saves every roster change to store. Save failures are logged; the
// roster itself stays authoritative.
func Persist(roster *Roster, store RosterStore, timeout time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	roster.OnUpdated(func(players []Player) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.Save(ctx, players); err != nil {
			logger.Error("roster_save_failed",
				"players", len(players),
				"error", err,
			)
		}
	})
}
