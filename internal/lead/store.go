package lead

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one persisted lead keyed by the call that produced it.
type Record struct {
	SessionID string    `json:"session_id"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists leads across calls.
type Store interface {
	Upsert(ctx context.Context, sessionID string, fields Fields) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// InMemoryStore is a simple in-process lead store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Upsert(_ context.Context, sessionID string, fields Fields) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec, ok := s.records[sessionID]
	if !ok {
		rec = Record{SessionID: sessionID, CreatedAt: now}
	}
	rec.Fields = rec.Fields.Merge(fields)
	rec.UpdatedAt = now
	s.records[sessionID] = rec
	return rec, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
