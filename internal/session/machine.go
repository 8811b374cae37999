// Package session owns the lifecycle of a dispatch call: one microphone,
// one playback path, one upstream stream, acquired together on connect and
// released together on disconnect or failure.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/torontoair/dispatch/internal/audio"
	"github.com/torontoair/dispatch/internal/capture"
	"github.com/torontoair/dispatch/internal/device"
	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
	"github.com/torontoair/dispatch/internal/observability"
	"github.com/torontoair/dispatch/internal/playback"
	"github.com/torontoair/dispatch/internal/protocol"
)

// ErrAlreadyActive rejects connect while a call is being set up or running.
var ErrAlreadyActive = errors.New("a call is already active")

const (
	defaultCaptureSampleRate  = 16000
	defaultCaptureFrameSize   = 4096
	defaultPlaybackSampleRate = 24000
	defaultVolumeInterval     = 50 * time.Millisecond
	defaultIdleTimeout        = 2 * time.Minute
)

// Config wires the machine's collaborators. Devices, Dial, and Leads are
// required; everything else has defaults.
type Config struct {
	Devices device.Provider
	Dial    Dialer
	Leads   lead.Store

	Metrics *observability.Metrics
	Stages  *observability.StageWindow
	Logger  *log.Logger

	// Upstream carries endpoint, key, and model. Voice and the behavioral
	// script are filled per persona at connect time.
	Upstream live.Config

	CaptureSampleRate  int
	CaptureFrameSize   int
	PlaybackSampleRate int
	GateCeiling        float64
	AnalyserBins       int
	AnalyserSmoothing  float64
	VolumeInterval     time.Duration
	IdleTimeout        time.Duration
	RecordDir          string
}

func (c *Config) captureRate() int {
	if c.CaptureSampleRate > 0 {
		return c.CaptureSampleRate
	}
	return defaultCaptureSampleRate
}

func (c *Config) frameSize() int {
	if c.CaptureFrameSize > 0 {
		return c.CaptureFrameSize
	}
	return defaultCaptureFrameSize
}

func (c *Config) playbackRate() int {
	if c.PlaybackSampleRate > 0 {
		return c.PlaybackSampleRate
	}
	return defaultPlaybackSampleRate
}

func (c *Config) gateCeiling() float64 {
	if c.GateCeiling > 0 {
		return c.GateCeiling
	}
	return audio.DefaultGateCeiling
}

func (c *Config) volumeInterval() time.Duration {
	if c.VolumeInterval > 0 {
		return c.VolumeInterval
	}
	return defaultVolumeInterval
}

// Machine serializes session transitions and owns the resources of the
// active call. At most one call exists at a time.
type Machine struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	state       State
	speaking    bool
	lastErr     string
	sensitivity float64
	call        *call
	subs        map[chan []byte]struct{}
}

// call bundles everything acquired for one connected session so teardown
// can release it as a unit.
type call struct {
	id          string
	persona     Persona
	stream      Stream
	pipeline    *capture.Pipeline
	scheduler   *playback.Scheduler
	inAnalyser  *audio.Analyser
	outAnalyser *audio.Analyser

	startedAt     time.Time
	firstAudio    bool
	turnActive    bool
	turnStartedAt time.Time
	callerText    strings.Builder
	agentText     strings.Builder
	recording     []byte
	recordRate    int
	lead          lead.Fields

	lastActivity atomic.Int64 // unix nanos
	volCtx       context.Context
	volCancel    context.CancelFunc
	done         chan struct{}
}

func (c *call) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func NewMachine(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Machine{
		cfg:         cfg,
		logger:      logger,
		state:       StateIdle,
		sensitivity: 1,
		subs:        make(map[chan []byte]struct{}),
	}
}

// Connect acquires the microphone, the playback device, and the upstream
// stream, in that order, and moves the session to connected. Legal from
// idle and from error; a connect while a call is active is rejected
// without touching it. Any acquisition failure releases what was already
// acquired and lands in error.
func (m *Machine) Connect(ctx context.Context, personaID string) (Snapshot, error) {
	persona, err := LookupPersona(personaID)
	if err != nil {
		return m.Snapshot(), err
	}
	began := time.Now()

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrAlreadyActive
	}
	m.state = StateConnecting
	m.lastErr = ""
	m.mu.Unlock()
	m.broadcastState()

	c, err := m.openCall(ctx, persona)
	if err != nil {
		code, msg := classifyConnectError(err)
		m.mu.Lock()
		m.state = StateError
		m.lastErr = msg
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.broadcastState()
		m.broadcastError(code, msg)
		m.logger.Printf("[session] connect failed: %v", err)
		return snap, err
	}

	m.mu.Lock()
	m.call = c
	m.state = StateConnected
	m.speaking = false
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.broadcastState()

	go m.eventLoop(c)
	go m.volumeLoop(c.volCtx, c)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Inc()
		m.cfg.Metrics.SessionEvents.WithLabelValues("connected").Inc()
	}
	m.cfg.Stages.Observe(observability.StageConnectToReady,
		float64(time.Since(began).Milliseconds()))
	m.logger.Printf("[session] %s connected persona=%s", c.id, persona.ID)
	return snap, nil
}

func (m *Machine) openCall(ctx context.Context, persona Persona) (*call, error) {
	in, err := m.cfg.Devices.OpenInput(m.cfg.captureRate(), m.cfg.frameSize())
	if err != nil {
		return nil, err
	}
	out, err := m.cfg.Devices.OpenOutput(m.cfg.playbackRate())
	if err != nil {
		_ = in.Stop()
		return nil, err
	}

	upstream := m.cfg.Upstream
	upstream.SystemInstruction = persona.SystemInstruction()
	upstream.Functions = []live.FunctionDeclaration{LeadFunctionDeclaration()}
	upstream.InputSampleRate = m.cfg.captureRate()
	if upstream.Voice == "" {
		upstream.Voice = persona.Voice
	}
	stream, err := m.cfg.Dial(ctx, upstream)
	if err != nil {
		_ = in.Stop()
		_ = out.Stop()
		return nil, err
	}

	bins := m.cfg.AnalyserBins
	smoothing := m.cfg.AnalyserSmoothing
	c := &call{
		id:          uuid.NewString(),
		persona:     persona,
		stream:      stream,
		pipeline:    capture.NewPipeline(in, audio.NewGate(m.cfg.gateCeiling())),
		scheduler:   playback.NewScheduler(out),
		inAnalyser:  audio.NewAnalyser(bins, smoothing),
		outAnalyser: audio.NewAnalyser(bins, smoothing),
		startedAt:   time.Now().UTC(),
		done:        make(chan struct{}),
	}
	c.volCtx, c.volCancel = context.WithCancel(context.Background())
	c.touch()

	m.mu.Lock()
	sensitivity := m.sensitivity
	m.mu.Unlock()
	c.pipeline.SetSensitivity(sensitivity)
	c.pipeline.SetTap(c.inAnalyser.Push)
	c.pipeline.SetSink(func(pcm []byte) {
		if err := stream.SendRealtimeAudio(pcm); err != nil {
			m.logger.Printf("[session] send frame: %v", err)
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.CaptureFrames.Inc()
		}
	})
	c.scheduler.SetTap(c.outAnalyser.Push)
	c.scheduler.SetDrainHook(func() { m.setSpeaking(c, false) })

	if err := c.scheduler.Start(); err != nil {
		c.volCancel()
		_ = in.Stop()
		_ = out.Stop()
		_ = stream.Close()
		return nil, fmt.Errorf("start playback: %w", err)
	}
	if err := c.pipeline.Start(); err != nil {
		c.volCancel()
		_ = c.scheduler.Stop()
		_ = in.Stop()
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %v", device.ErrMicrophoneUnavailable, err)
	}
	return c, nil
}

// Disconnect tears the active call down and returns to idle. A no-op when
// idle; from error it clears the error.
func (m *Machine) Disconnect() Snapshot {
	m.mu.Lock()
	c := m.call
	if c == nil {
		if m.state == StateError {
			m.state = StateIdle
			m.lastErr = ""
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.broadcastState()
			return snap
		}
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap
	}
	m.mu.Unlock()

	m.teardown(c, "", "")
	return m.Snapshot()
}

// teardown detaches c and releases its resources. Idempotent: whichever of
// the user, the event loop, or the watchdog gets here first wins.
func (m *Machine) teardown(c *call, errCode, errMsg string) {
	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	m.call = nil
	m.speaking = false
	if errMsg != "" {
		m.state = StateError
		m.lastErr = errMsg
	} else {
		m.state = StateIdle
		m.lastErr = ""
	}
	m.mu.Unlock()
	m.broadcastState()
	if errMsg != "" {
		m.broadcastError(errCode, errMsg)
	}

	c.volCancel()
	if err := c.pipeline.Stop(); err != nil {
		m.logger.Printf("[session] stop capture: %v", err)
	}
	if err := c.scheduler.Stop(); err != nil {
		m.logger.Printf("[session] stop playback: %v", err)
	}
	_ = c.stream.Close()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Dec()
		m.cfg.Metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	}
	m.cfg.Stages.Observe(observability.StageCallDuration,
		float64(time.Since(c.startedAt).Milliseconds()))
	m.writeRecording(c)
	m.logger.Printf("[session] %s ended after %s", c.id, time.Since(c.startedAt).Round(time.Millisecond))
}

func (m *Machine) writeRecording(c *call) {
	if m.cfg.RecordDir == "" || len(c.recording) == 0 {
		return
	}
	rate := c.recordRate
	if rate == 0 {
		rate = m.cfg.playbackRate()
	}
	path := filepath.Join(m.cfg.RecordDir, c.id+".wav")
	if err := audio.WriteWAVFile(path, c.recording, rate); err != nil {
		m.logger.Printf("[session] write recording: %v", err)
		return
	}
	m.logger.Printf("[session] recorded agent audio to %s", path)
}

// SetSensitivity updates the gate for the active call and is remembered
// for the next one.
func (m *Machine) SetSensitivity(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	m.mu.Lock()
	m.sensitivity = v
	c := m.call
	m.mu.Unlock()
	if c != nil {
		c.pipeline.SetSensitivity(v)
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       m.state,
		Speaking:    m.speaking,
		Error:       m.lastErr,
		Sensitivity: m.sensitivity,
	}
	if m.call != nil {
		snap.SessionID = m.call.id
		snap.Persona = m.call.persona.ID
		snap.Lead = m.call.lead
		snap.StartedAt = m.call.startedAt
	}
	return snap
}

// Subscribe returns a channel of marshaled protocol messages. Slow
// subscribers lose messages rather than stalling the pipeline.
func (m *Machine) Subscribe() chan []byte {
	ch := make(chan []byte, 256)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Machine) Unsubscribe(ch chan []byte) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
}

func (m *Machine) eventLoop(c *call) {
	defer close(c.done)
	for ev := range c.stream.Events() {
		c.touch()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.UpstreamEvents.WithLabelValues(live.EventName(ev)).Inc()
		}
		switch ev := ev.(type) {
		case live.AudioChunkEvent:
			m.handleAudioChunk(c, ev)
		case live.InterruptedEvent:
			m.handleInterrupted(c)
		case live.TurnCompleteEvent:
			m.handleTurnComplete(c)
		case live.CallerTranscriptEvent:
			m.appendTranscript(c, false, ev.Text)
		case live.AgentTranscriptEvent:
			m.appendTranscript(c, true, ev.Text)
		case live.ToolCallEvent:
			m.handleToolCall(c, ev)
		case live.MalformedChunkEvent:
			m.noteDroppedChunk(c, ev.Err)
		case live.ClosedEvent:
			m.handleClosed(c, ev.Err)
		case live.UnknownEvent:
			m.logger.Printf("[session] unrecognized upstream frame (%d bytes)", len(ev.Raw))
		}
	}
}

func (m *Machine) handleAudioChunk(c *call, ev live.AudioChunkEvent) {
	samples, err := audio.DecodePCM16(ev.Data)
	if err != nil {
		// Single bad chunk: drop it, stay on the call.
		m.noteDroppedChunk(c, err)
		return
	}
	// The chunk's own rate governs its duration; the scheduler resamples
	// when the device runs at a different one.
	rate := ev.SampleRate
	if rate <= 0 {
		rate = m.cfg.playbackRate()
	}

	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	if !c.firstAudio {
		c.firstAudio = true
		latency := time.Since(c.startedAt)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveFirstAudioLatency(latency)
		}
		m.cfg.Stages.Observe(observability.StageConnectToFirstAudio, float64(latency.Milliseconds()))
	}
	if !c.turnActive {
		c.turnActive = true
		c.turnStartedAt = time.Now()
	}
	if c.recordRate == 0 {
		c.recordRate = rate
	}
	c.recording = append(c.recording, ev.Data...)
	c.scheduler.Enqueue(samples, rate)
	changed := !m.speaking
	m.speaking = true
	m.mu.Unlock()

	if changed {
		m.broadcastState()
	}
}

func (m *Machine) handleInterrupted(c *call) {
	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	cancelled := c.scheduler.CancelAll()
	changed := m.speaking
	m.speaking = false
	m.mu.Unlock()
	c.outAnalyser.Reset()

	if m.cfg.Metrics != nil && cancelled > 0 {
		m.cfg.Metrics.PlaybackCancellations.Add(float64(cancelled))
	}
	m.cfg.Stages.ObserveIndicator(observability.IndicatorBargeIn)
	if changed {
		m.broadcastState()
	}
	m.logger.Printf("[session] %s barge-in, dropped %d queued segments", c.id, cancelled)
}

func (m *Machine) handleTurnComplete(c *call) {
	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	caller := strings.TrimSpace(c.callerText.String())
	agent := strings.TrimSpace(c.agentText.String())
	c.callerText.Reset()
	c.agentText.Reset()
	if c.turnActive {
		c.turnActive = false
		m.cfg.Stages.Observe(observability.StageTurnDuration,
			float64(time.Since(c.turnStartedAt).Milliseconds()))
	}
	id := c.id
	m.mu.Unlock()

	if caller != "" {
		m.broadcast(protocol.TranscriptItem{
			Type: protocol.TypeTranscriptItem, SessionID: id,
			Speaker: "caller", Text: caller, TSMs: nowMS(),
		})
	}
	if agent != "" {
		m.broadcast(protocol.TranscriptItem{
			Type: protocol.TypeTranscriptItem, SessionID: id,
			Speaker: "agent", Text: agent, TSMs: nowMS(),
		})
	}
}

func (m *Machine) appendTranscript(c *call, agent bool, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call != c {
		return
	}
	if agent {
		c.agentText.WriteString(text)
	} else {
		c.callerText.WriteString(text)
	}
}

func (m *Machine) handleToolCall(c *call, ev live.ToolCallEvent) {
	fields, err := lead.FieldsFromArgs(ev.Args)
	outcome := "ok"
	if err != nil {
		// Best-effort: merge what arrived, flag the violation.
		outcome = "missing_type"
		m.logger.Printf("[session] %s tool call %s: %v", c.id, ev.Name, err)
	}

	m.mu.Lock()
	if m.call != c {
		m.mu.Unlock()
		return
	}
	c.lead = c.lead.Merge(fields)
	merged := c.lead
	id := c.id
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.cfg.Leads.Upsert(ctx, id, fields); err != nil {
		m.logger.Printf("[session] persist lead: %v", err)
	}

	raw, _ := json.Marshal(merged)
	m.broadcast(protocol.LeadUpdated{
		Type: protocol.TypeLeadUpdated, SessionID: id, Fields: raw, TSMs: nowMS(),
	})

	if err := c.stream.SendToolResponse(ev.ID, ev.Name, map[string]any{"status": "recorded"}); err != nil {
		m.logger.Printf("[session] tool response: %v", err)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ToolCalls.WithLabelValues(outcome).Inc()
	}
	m.cfg.Stages.ObserveIndicator(observability.IndicatorToolCall)
}

func (m *Machine) noteDroppedChunk(c *call, err error) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.DroppedChunks.Inc()
	}
	m.cfg.Stages.ObserveIndicator(observability.IndicatorMalformedChunk)
	m.logger.Printf("[session] %s dropped malformed chunk: %v", c.id, err)
}

func (m *Machine) handleClosed(c *call, err error) {
	if err == nil {
		// Clean close: ours via Disconnect (teardown already ran) or a
		// graceful remote hangup.
		m.teardown(c, "", "")
		return
	}
	m.teardown(c, "connection_lost", "Connection to the voice service was lost.")
	m.logger.Printf("[session] %s transport error: %v", c.id, err)
}

func (m *Machine) setSpeaking(c *call, speaking bool) {
	m.mu.Lock()
	if m.call != c || m.speaking == speaking {
		m.mu.Unlock()
		return
	}
	m.speaking = speaking
	m.mu.Unlock()
	if !speaking {
		c.outAnalyser.Reset()
	}
	m.broadcastState()
}

func (m *Machine) volumeLoop(ctx context.Context, c *call) {
	ticker := time.NewTicker(m.cfg.volumeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			speaking := m.speaking && m.call == c
			m.mu.Unlock()
			// Output volume is defined as 0 whenever the agent is not
			// speaking; the analyser's smoothed tail must not leak out.
			output := 0.0
			if speaking {
				output = c.outAnalyser.Volume()
			}
			m.broadcast(protocol.Volume{
				Type:      protocol.TypeVolume,
				SessionID: c.id,
				Input:     c.inAnalyser.Volume(),
				Output:    output,
				TSMs:      nowMS(),
			})
			if m.cfg.IdleTimeout > 0 {
				last := time.Unix(0, c.lastActivity.Load())
				if time.Since(last) > m.cfg.IdleTimeout {
					m.logger.Printf("[session] %s idle for %s, hanging up", c.id, m.cfg.IdleTimeout)
					m.teardown(c, "", "")
					return
				}
			}
		}
	}
}

func (m *Machine) broadcastState() {
	m.mu.Lock()
	msg := protocol.StateChanged{
		Type:     protocol.TypeStateChanged,
		State:    string(m.state),
		Speaking: m.speaking,
		Error:    m.lastErr,
		TSMs:     nowMS(),
	}
	if m.call != nil {
		msg.SessionID = m.call.id
	}
	m.mu.Unlock()
	m.broadcast(msg)
}

func (m *Machine) broadcastError(code, detail string) {
	m.broadcast(protocol.ErrorEvent{
		Type: protocol.TypeErrorEvent, Code: code, Detail: detail, TSMs: nowMS(),
	})
}

func (m *Machine) broadcast(msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	for ch := range m.subs {
		select {
		case ch <- raw:
		default:
		}
	}
	m.mu.Unlock()
}

func classifyConnectError(err error) (code, msg string) {
	switch {
	case errors.Is(err, device.ErrMicrophoneUnavailable):
		return "microphone_unavailable", "Microphone unavailable. Check the device and its permissions."
	case errors.Is(err, live.ErrConnectionRefused):
		return "connection_refused", "Could not reach the voice service."
	default:
		return "internal", err.Error()
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }
