// Package live is the websocket client for the bidirectional generation
// stream. It owns the setup handshake, fan-out of server envelopes into
// typed events, and the single-writer discipline on the socket.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultEndpoint is the public bidirectional generation endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
)

// ErrConnectionRefused covers dial and handshake failures. Mid-session
// transport errors arrive as ClosedEvent instead.
var ErrConnectionRefused = errors.New("upstream connection refused")

// Config describes one session. The system instruction is passed through
// verbatim; this client never inspects it.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	Functions         []FunctionDeclaration
	InputSampleRate   int
	ConnectTimeout    time.Duration
}

func (c *Config) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return DefaultEndpoint
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

// Session is one open stream. Events are read from Events(); the channel
// closes after a ClosedEvent has been delivered.
type Session struct {
	conn        *websocket.Conn
	inputRate   int
	events      chan Event
	dying       chan struct{}
	done        chan struct{}
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closed      atomic.Bool
	errMu       sync.Mutex
	terminalErr error
}

// Dial opens the socket, sends the setup frame, and waits for the remote
// acknowledgement before returning. Any failure on that path wraps
// ErrConnectionRefused.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model not configured", ErrConnectionRefused)
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout())
		defer cancel()
	}

	url := cfg.endpoint()
	if cfg.APIKey != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "key=" + cfg.APIKey
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	if err := conn.WriteJSON(clientFrame{Setup: buildSetup(cfg)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send setup: %v", ErrConnectionRefused, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.connectTimeout()))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: awaiting setup ack: %v", ErrConnectionRefused, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var first serverFrame
	if err := json.Unmarshal(payload, &first); err != nil || first.SetupComplete == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected first frame", ErrConnectionRefused)
	}

	rate := cfg.InputSampleRate
	if rate == 0 {
		rate = 16000
	}
	s := &Session{
		conn:      conn,
		inputRate: rate,
		events:    make(chan Event, 256),
		dying:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func buildSetup(cfg Config) *setupPayload {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := &setupPayload{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Functions) > 0 {
		setup.Tools = []toolDeclaration{{FunctionDeclarations: cfg.Functions}}
	}
	return setup
}

// Events yields decoded upstream events in arrival order.
func (s *Session) Events() <-chan Event { return s.events }

// SendRealtimeAudio ships one PCM16 frame upstream.
func (s *Session) SendRealtimeAudio(pcm []byte) error {
	return s.sendJSON(clientFrame{
		RealtimeInput: &realtimeInputPayload{
			MediaChunks: []inlineData{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", s.inputRate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

// SendToolResponse acknowledges one function call by correlation id.
func (s *Session) SendToolResponse(id, name string, response map[string]any) error {
	return s.sendJSON(clientFrame{
		ToolResponse: &toolResponsePayload{
			FunctionResponses: []functionResponse{{ID: id, Name: name, Response: response}},
		},
	})
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return errors.New("session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close shuts the socket down and waits for the read loop to finish.
// Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.dying)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err reports the terminal transport error, nil on a clean close. Valid
// after the events channel has closed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.terminalErr
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.terminalErr == nil {
		s.terminalErr = err
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.dying:
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(ClosedEvent{})
				return
			}
			s.setErr(err)
			s.emit(ClosedEvent{Err: err})
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.emit(UnknownEvent{Raw: append(json.RawMessage(nil), data...)})
			continue
		}
		for _, ev := range decodeServerFrame(frame, data) {
			s.emit(ev)
		}
	}
}

// decodeServerFrame fans one envelope out into events. An interrupted flag
// comes first so the consumer cancels stale playback before any audio that
// shares the envelope.
func decodeServerFrame(frame serverFrame, raw []byte) []Event {
	var out []Event

	if sc := frame.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, InterruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, CallerTranscriptEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, AgentTranscriptEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					out = append(out, MalformedChunkEvent{Err: err})
					continue
				}
				out = append(out, AudioChunkEvent{
					Data:       chunk,
					SampleRate: pcmRate(p.InlineData.MIMEType),
				})
			}
		}
		if sc.TurnComplete {
			out = append(out, TurnCompleteEvent{})
		}
	}

	if tc := frame.ToolCall; tc != nil {
		for _, call := range tc.FunctionCalls {
			out = append(out, ToolCallEvent{ID: call.ID, Name: call.Name, Args: call.Args})
		}
	}

	if frame.ServerContent == nil && frame.ToolCall == nil && frame.SetupComplete == nil {
		out = append(out, UnknownEvent{Raw: append(json.RawMessage(nil), raw...)})
	}
	return out
}

const defaultOutputSampleRate = 24000

// pcmRate extracts the sample rate from a mime type such as
// "audio/pcm;rate=24000". Envelopes that omit it get the documented
// model output rate.
func pcmRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		param = strings.TrimSpace(param)
		if !strings.HasPrefix(param, "rate=") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimPrefix(param, "rate="))
		if err != nil || rate <= 0 {
			break
		}
		return rate
	}
	return defaultOutputSampleRate
}
