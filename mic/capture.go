// Package mic captures microphone audio through PortAudio. It is the
// default AudioSource for both transcription clients: mono float32
// samples at the protocol rate, pushed over a channel.
package mic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

const (
	DefaultSampleRate      = 16000
	DefaultFramesPerBuffer = 512
)

type Config struct {
	SampleRate      int
	FramesPerBuffer int
	DeviceName      string // empty means the default input device
	Logger          *log.Logger
}

// captureStream is the slice of *portaudio.Stream the capture loop needs.
type captureStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

type Capture struct {
	mu        sync.Mutex
	stream    captureStream
	buffer    []float32
	out       chan []float32
	done      chan struct{}
	rate      int
	logger    *log.Logger
	running   bool
	terminate bool // this capture initialized portaudio and must tear it down
}

// Open initializes PortAudio and prepares a capture stream.
func Open(cfg Config) (*Capture, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FramesPerBuffer == 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	c := &Capture{
		buffer:    make([]float32, cfg.FramesPerBuffer),
		out:       make(chan []float32, 100),
		rate:      cfg.SampleRate,
		logger:    cfg.Logger,
		terminate: true,
	}

	var (
		stream *portaudio.Stream
		err    error
	)
	if cfg.DeviceName != "" {
		device, findErr := findDevice(cfg.DeviceName)
		if findErr != nil {
			c.logger.Warn(
				"input device not found, using default",
				"device", cfg.DeviceName,
				"error", findErr,
			)
		} else {
			params := portaudio.StreamParameters{
				Input: portaudio.StreamDeviceParameters{
					Device:   device,
					Channels: 1,
					Latency:  device.DefaultLowInputLatency,
				},
				SampleRate:      float64(cfg.SampleRate),
				FramesPerBuffer: cfg.FramesPerBuffer,
			}
			stream, err = portaudio.OpenStream(params, c.buffer)
		}
	}
	if stream == nil && err == nil {
		stream, err = portaudio.OpenDefaultStream(
			1, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, c.buffer,
		)
	}
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}

	c.stream = stream
	return c, nil
}

// Start begins reading from the device. Samples arrive on Samples() until
// Stop is called.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("capture already running")
	}
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	c.running = true
	c.done = make(chan struct{})

	go c.pump()
	c.logger.Info("microphone capture started", "rate", c.rate)
	return nil
}

func (c *Capture) pump() {
	defer func() {
		close(c.out)
		close(c.done)
	}()

	for {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}

		if err := c.stream.Read(); err != nil {
			c.mu.Lock()
			stopping := !c.running
			c.running = false
			c.mu.Unlock()
			if !stopping {
				// A read error during shutdown just means the stream was
				// stopped under us; anything else is a real device fault.
				c.logger.Error("capture read failed", "error", err)
			}
			return
		}

		block := make([]float32, len(c.buffer))
		copy(block, c.buffer)
		select {
		case c.out <- block:
		default:
			// Consumer fell behind; dropping is better than stalling
			// the device callback.
		}
	}
}

// Samples implements the AudioSource contract for both clients.
func (c *Capture) Samples() <-chan []float32 {
	return c.out
}

// EffectiveRate is the rate the device was actually opened at.
func (c *Capture) EffectiveRate() int {
	return c.rate
}

// Stop ends capture and releases the device. The stream is only closed
// after the pump goroutine has exited, so no read can still be inside it.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	// Stopping the stream unblocks a pending Read with an error.
	_ = c.stream.Stop()
	<-done
	_ = c.stream.Close()
	if c.terminate {
		portaudio.Terminate()
	}
	c.logger.Info("microphone capture stopped")
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 &&
			strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", name)
}

// ListInputDevices returns the names of available input devices.
func ListInputDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
