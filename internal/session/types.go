package session

import (
	"context"
	"time"

	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
)

// State is the session phase. Speaking is tracked separately; it is only
// meaningful while connected.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Snapshot is the externally visible session state at one instant.
type Snapshot struct {
	SessionID   string      `json:"session_id,omitempty"`
	State       State       `json:"state"`
	Speaking    bool        `json:"speaking"`
	Persona     string      `json:"persona,omitempty"`
	Error       string      `json:"error,omitempty"`
	Sensitivity float64     `json:"sensitivity"`
	Lead        lead.Fields `json:"lead"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
}

// Stream is the upstream bidirectional session the machine talks to.
// *live.Session satisfies it; tests substitute their own.
type Stream interface {
	Events() <-chan live.Event
	SendRealtimeAudio(pcm []byte) error
	SendToolResponse(id, name string, response map[string]any) error
	Close() error
}

// Dialer opens an upstream stream. Swappable so tests never dial out.
type Dialer func(ctx context.Context, cfg live.Config) (Stream, error)

// DialLive adapts live.Dial to the Dialer signature.
func DialLive(ctx context.Context, cfg live.Config) (Stream, error) {
	return live.Dial(ctx, cfg)
}
