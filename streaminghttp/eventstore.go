package streaminghttp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownEvent is returned by EventStore.ReplayEventsAfter when the event
// id was never issued or has been evicted.
var ErrUnknownEvent = errors.New("streaminghttp: unknown event id")

// EventStore records outbound messages so a client reconnecting with
// Last-Event-ID can receive what it missed.
type EventStore interface {
	// StoreEvent records msg on streamID and returns its event id.
	StoreEvent(ctx context.Context, streamID string, msg jsonrpc.Message) (string, error)
	// ReplayEventsAfter sends every event recorded on the same stream after
	// lastEventID, in order, and returns that stream's id. When send fails
	// the stream id is returned alongside its error.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, msg jsonrpc.Message) error) (string, error)
}

type storedEvent struct {
	id       string
	streamID string
	msg      jsonrpc.Message
}

// MemoryEventStore keeps the most recent events of every stream in process.
// Event ids are ULIDs, so lexical order is issue order.
type MemoryEventStore struct {
	mu      sync.Mutex
	max     int
	events  []storedEvent
	entropy *ulid.MonotonicEntropy
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore returns a store retaining at most max events across
// all streams. max <= 0 means 10000.
func NewMemoryEventStore(max int) *MemoryEventStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryEventStore{max: max, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *MemoryEventStore) StoreEvent(_ context.Context, streamID string, msg jsonrpc.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return "", fmt.Errorf("streaminghttp: event id: %w", err)
	}
	s.events = append(s.events, storedEvent{id: id.String(), streamID: streamID, msg: append(jsonrpc.Message(nil), msg...)})
	if over := len(s.events) - s.max; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	return id.String(), nil
}

func (s *MemoryEventStore) ReplayEventsAfter(_ context.Context, lastEventID string, send func(string, jsonrpc.Message) error) (string, error) {
	s.mu.Lock()
	start := -1
	for i, ev := range s.events {
		if ev.id == lastEventID {
			start = i
			break
		}
	}
	if start < 0 {
		s.mu.Unlock()
		return "", ErrUnknownEvent
	}
	streamID := s.events[start].streamID
	var replay []storedEvent
	for _, ev := range s.events[start+1:] {
		if ev.streamID == streamID {
			replay = append(replay, ev)
		}
	}
	s.mu.Unlock()

	for _, ev := range replay {
		if err := send(ev.id, ev.msg); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

// RedisConfig configures a RedisEventStore.
type RedisConfig struct {
	Client redis.UniversalClient
	// KeyPrefix for all keys. Default "mcp:events:".
	KeyPrefix string
	// MaxLen caps each stream (approximate trimming). Default 1000.
	MaxLen int64
	// TTL is refreshed on every write. Default one hour.
	TTL time.Duration
}

// RedisEventStore keeps each SSE stream as a Redis stream so any replica
// can serve a resumed GET. Event ids are "{streamID}/{entryID}"; stream ids
// may themselves contain "/".
type RedisEventStore struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	ttl    time.Duration
}

var _ EventStore = (*RedisEventStore)(nil)

// NewRedisEventStore builds a store over cfg.Client.
func NewRedisEventStore(cfg RedisConfig) (*RedisEventStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("streaminghttp: redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:events:"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &RedisEventStore{client: cfg.Client, prefix: cfg.KeyPrefix, maxLen: cfg.MaxLen, ttl: cfg.TTL}, nil
}

func (s *RedisEventStore) key(streamID string) string { return s.prefix + streamID }

func (s *RedisEventStore) StoreEvent(ctx context.Context, streamID string, msg jsonrpc.Message) (string, error) {
	key := s.key(streamID)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"d": []byte(msg)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streaminghttp: xadd %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("streaminghttp: expire %s: %w", key, err)
	}
	return streamID + "/" + id, nil
}

func (s *RedisEventStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(string, jsonrpc.Message) error) (string, error) {
	i := strings.LastIndex(lastEventID, "/")
	if i <= 0 || i == len(lastEventID)-1 {
		return "", ErrUnknownEvent
	}
	streamID, entryID := lastEventID[:i], lastEventID[i+1:]
	msgs, err := s.client.XRange(ctx, s.key(streamID), entryID, "+").Result()
	if err != nil {
		return "", fmt.Errorf("streaminghttp: xrange: %w", err)
	}
	if len(msgs) == 0 || msgs[0].ID != entryID {
		return "", ErrUnknownEvent
	}
	for _, m := range msgs[1:] {
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		if err := send(streamID+"/"+m.ID, payload); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}
