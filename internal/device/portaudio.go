package device

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudioProvider opens real devices through PortAudio. Initialize must
// be called once before any Open and Terminate once after the last Stop.
//
// PortAudio exposes no echo-cancellation or auto-gain controls; those
// coarse pre-filters from the browser incarnation are not available here,
// which is acceptable because the pipeline never relied on them for
// correctness.
type PortAudioProvider struct{}

// NewPortAudioProvider initializes the PortAudio host API.
func NewPortAudioProvider() (*PortAudioProvider, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudioProvider{}, nil
}

// Terminate releases the PortAudio host API.
func (p *PortAudioProvider) Terminate() {
	if err := portaudio.Terminate(); err != nil {
		log.Printf("[device] portaudio terminate: %v", err)
	}
}

// OpenInput acquires the default capture device at the given rate and
// frame size. Failure maps to ErrMicrophoneUnavailable so the session
// machine can surface a single user-facing error.
func (p *PortAudioProvider) OpenInput(sampleRate, frameSize int) (Input, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	buf := make([]float32, frameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	return &portInput{stream: stream, buf: buf}, nil
}

// OpenOutput acquires the default playback device at the given rate.
func (p *PortAudioProvider) OpenOutput(sampleRate int) (Output, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("open output device: %w", err)
	}
	// 20ms blocks keep render latency low without risking underruns.
	block := sampleRate / 50
	buf := make([]float32, block)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: block,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	return &portOutput{stream: stream, buf: buf, rate: sampleRate}, nil
}

type portInput struct {
	stream    *portaudio.Stream
	buf       []float32
	running   atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (in *portInput) Start(onFrame func(frame []float32)) error {
	if !in.running.CompareAndSwap(false, true) {
		return fmt.Errorf("input already started")
	}
	if err := in.stream.Start(); err != nil {
		in.running.Store(false)
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for in.running.Load() {
			if err := in.stream.Read(); err != nil {
				if in.running.Load() {
					log.Printf("[device] capture read: %v", err)
				}
				return
			}
			onFrame(in.buf)
		}
	}()
	return nil
}

// Stop halts capture and releases the stream. Pa_StopStream unblocks the
// pending Read so the goroutine can exit; the stream must not be closed
// until it has. Safe to call on a never-started input.
func (in *portInput) Stop() error {
	var err error
	if in.running.CompareAndSwap(true, false) {
		err = in.stream.Stop()
		in.wg.Wait()
	}
	in.closeOnce.Do(func() {
		if cerr := in.stream.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

type portOutput struct {
	stream    *portaudio.Stream
	buf       []float32
	rate      int
	running   atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (out *portOutput) SampleRate() int { return out.rate }

func (out *portOutput) Start(render func(out []float32)) error {
	if !out.running.CompareAndSwap(false, true) {
		return fmt.Errorf("output already started")
	}
	if err := out.stream.Start(); err != nil {
		out.running.Store(false)
		return fmt.Errorf("start output stream: %w", err)
	}
	out.wg.Add(1)
	go func() {
		defer out.wg.Done()
		for out.running.Load() {
			render(out.buf)
			// Write blocks until the hardware needs more samples, which
			// paces the render loop without an external ticker.
			if err := out.stream.Write(); err != nil {
				if out.running.Load() {
					log.Printf("[device] playback write: %v", err)
				}
				return
			}
		}
	}()
	return nil
}

func (out *portOutput) Stop() error {
	var err error
	if out.running.CompareAndSwap(true, false) {
		err = out.stream.Stop()
		out.wg.Wait()
	}
	out.closeOnce.Do(func() {
		if cerr := out.stream.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
