package session

import (
	"sync"

	"github.com/torontoair/dispatch/internal/live"
)

// MockStream is an in-process Stream for tests. Events are injected with
// Emit; everything the machine sends is recorded.
type MockStream struct {
	events chan live.Event

	mu        sync.Mutex
	frames    [][]byte
	responses []MockToolResponse
	closeOnce sync.Once
}

type MockToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

func NewMockStream() *MockStream {
	return &MockStream{events: make(chan live.Event, 64)}
}

func (s *MockStream) Events() <-chan live.Event { return s.events }

// Emit injects one upstream event. Must not be called after Close.
func (s *MockStream) Emit(ev live.Event) { s.events <- ev }

func (s *MockStream) SendRealtimeAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), pcm...))
	return nil
}

func (s *MockStream) SendToolResponse(id, name string, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, MockToolResponse{ID: id, Name: name, Response: response})
	return nil
}

// Close mirrors the real stream: a final ClosedEvent, then channel close.
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() {
		s.events <- live.ClosedEvent{}
		close(s.events)
	})
	return nil
}

func (s *MockStream) SentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *MockStream) ToolResponses() []MockToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MockToolResponse, len(s.responses))
	copy(out, s.responses)
	return out
}
