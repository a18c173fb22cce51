package rt

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omn25/cuelens/gate"
	"github.com/omn25/cuelens/metrics"
	"github.com/omn25/cuelens/pcm"
)

// AudioSource delivers captured samples. Samples() must be closed by the
// producer when capture ends.
type AudioSource interface {
	Samples() <-chan []float32
	EffectiveRate() int
}

// TranscriptEvent is one transcript fragment from the relay. Partials for
// an utterance arrive in emission order; a final event ends the utterance.
type TranscriptEvent struct {
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

type Config struct {
	BaseURL  string // http(s) base of the relay; ws scheme is derived
	APIKey   string
	Model    string
	Prompt   string
	Language string

	SampleRate   int // protocol rate, pcm16
	FrameSize    int // samples per append message
	StartTimeout time.Duration
	Policy       RetryPolicy

	Gate   *gate.Gate
	Logger *log.Logger
}

func (c *Config) withDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:3001"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize == 0 {
		c.FrameSize = c.SampleRate / 10 // 100ms per append
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.Policy == (RetryPolicy{}) {
		c.Policy = DefaultRetryPolicy()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Client owns one realtime transcription session from connect to close.
// A closed client cannot reconnect; make a new one.
type Client struct {
	cfg    Config
	logger *log.Logger
	slotID string

	events      chan event
	transcripts chan TranscriptEvent
	errs        chan error
	finished    chan struct{}
	streamingCh chan struct{}

	// Touched only inside the run loop, which serializes all transitions.
	m         machine
	conn      *websocket.Conn
	src       AudioSource
	enc       *pcm.Encoder
	pumpStop  chan struct{}
	streaming sync.Once

	stateVal atomic.Int32

	closeOnce   sync.Once
	releaseOnce sync.Once
}

func NewClient(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if cfg.Gate == nil {
		return nil, fmt.Errorf("a concurrency gate is required")
	}

	enc, err := pcm.NewEncoder(cfg.FrameSize, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("bad audio config: %w", err)
	}

	return &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		slotID:      uuid.NewString(),
		events:      make(chan event, 64),
		transcripts: make(chan TranscriptEvent, 64),
		errs:        make(chan error, 8),
		finished:    make(chan struct{}),
		streamingCh: make(chan struct{}),
		m:           newMachine(cfg.Policy),
		enc:         enc,
	}, nil
}

// Transcripts delivers partial and final events in protocol order. The
// channel closes when the session ends.
func (c *Client) Transcripts() <-chan TranscriptEvent {
	return c.transcripts
}

// Errors delivers fatal session errors. At most one per session.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// State reports the session state. The answer may be stale by the time it
// returns; it exists for status output and tests, not for gating sends.
func (c *Client) State() State {
	return State(c.stateVal.Load())
}

// Connect acquires the capture slot, opens the channel, and blocks until
// audio is streaming, the start timeout fires, or ctx is cancelled. The
// slot is released exactly once on every exit path.
func (c *Client) Connect(ctx context.Context, src AudioSource) error {
	if err := c.cfg.Gate.Request(ctx, c.slotID); err != nil {
		return fmt.Errorf("capture slot: %w", err)
	}

	if err := c.enc.VerifyRate(src.EffectiveRate()); err != nil {
		c.releaseSlot()
		return fmt.Errorf("audio source: %w", err)
	}
	c.src = src

	go c.run(ctx)
	c.post(evConnectRequested{})

	timer := time.NewTimer(c.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-c.streamingCh:
		return nil
	case err := <-c.errs:
		c.Close()
		return err
	case <-c.finished:
		// A fatal error ends the run loop; surface it over the generic
		// early-exit message when both are ready.
		select {
		case err := <-c.errs:
			return err
		default:
		}
		return fmt.Errorf("session ended before streaming began")
	case <-timer.C:
		c.Close()
		return fmt.Errorf(
			"session start timed out after %s", c.cfg.StartTimeout,
		)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Close ends the session. Idempotent; safe to call from any goroutine and
// from teardown paths that may race a fatal error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.finished:
			// Run loop already gone; clean up directly.
			c.releaseSlot()
		default:
			c.post(evCloseRequested{})
		}
	})
	return nil
}

func (c *Client) releaseSlot() {
	c.releaseOnce.Do(func() {
		c.cfg.Gate.Release(c.slotID)
	})
}

// post hands an event to the run loop, dropping it if the session already
// finished. Late events from dead connections are no-ops by design of the
// machine, so dropping here is equally safe.
func (c *Client) post(e event) {
	select {
	case <-c.finished:
	case c.events <- e:
	}
}

// run serializes every state transition. All machine mutation happens
// here, which is what makes handler-side locking unnecessary.
func (c *Client) run(ctx context.Context) {
	defer func() {
		c.stopPump()
		c.closeConn()
		c.releaseSlot()
		close(c.transcripts)
		close(c.finished)
	}()

	for {
		var e event
		select {
		case e = <-c.events:
		case <-ctx.Done():
			e = evCloseRequested{}
		}

		// Connection ownership moves into this goroutine here. A late
		// dial from an attempt the machine already gave up on is closed
		// and dropped.
		if opened, ok := e.(evChannelOpened); ok {
			conn, isConn := opened.conn.(*websocket.Conn)
			if !isConn {
				continue
			}
			if c.m.state != StateConnecting {
				_ = conn.Close()
				continue
			}
			c.closeConn()
			c.conn = conn
			go c.readLoop(conn)
		}

		var cmds []command
		prev := c.m.state
		c.m, cmds = transition(c.m, e)
		c.stateVal.Store(int32(c.m.state))
		if c.m.state != prev {
			c.logger.Debug(
				"session state",
				"from", prev.String(),
				"to", c.m.state.String(),
			)
		}

		for _, cmd := range cmds {
			c.apply(ctx, cmd)
		}

		if c.m.state == StateStreaming {
			c.streaming.Do(func() { close(c.streamingCh) })
		}
		if c.m.state == StateClosed {
			return
		}
		if c.m.state == StateDisconnected && prev != StateDisconnected {
			// Terminal failure or clean remote close; no way back.
			return
		}
	}
}

func (c *Client) apply(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case cmdDial:
		go c.dial(ctx)

	case cmdSendConfig:
		c.sendConfig()

	case cmdStartAudio:
		c.startPump()

	case cmdStopAudio:
		c.stopPump()

	case cmdCloseConn:
		c.closeConn()

	case cmdSendAudio:
		c.sendAudio(cmd.data)

	case cmdScheduleRetry:
		metrics.Reconnects.Inc()
		c.logger.Warn(
			"reconnecting",
			"attempt", cmd.attempt,
			"delay", cmd.delay,
		)
		time.AfterFunc(cmd.delay, func() {
			c.post(evRetryElapsed{})
		})

	case cmdEmitTranscript:
		ev := TranscriptEvent{
			Text:      cmd.text,
			IsFinal:   cmd.final,
			Timestamp: time.Now(),
		}
		if cmd.final {
			metrics.TranscriptsFinal.Inc()
			c.logger.Info("transcript", "text", cmd.text)
		} else {
			metrics.TranscriptsPartial.Inc()
			c.logger.Debug("transcript delta", "text", cmd.text)
		}
		select {
		case c.transcripts <- ev:
		case <-ctx.Done():
		}

	case cmdFatal:
		metrics.FatalSessionErrors.Inc()
		c.logger.Error("session failed", "error", cmd.err)
		select {
		case c.errs <- cmd.err:
		default:
		}
	}
}

// WebSocketURL derives the persistent channel endpoint from the HTTP base.
func WebSocketURL(base string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/realtime"
}

func (c *Client) dial(ctx context.Context) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))
	}

	url := WebSocketURL(c.cfg.BaseURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		c.logger.Error("dial failed", "url", url, "error", err)
		// A refused dial is indistinguishable from the relay being down;
		// classify it like a server-side closure so the policy applies.
		c.post(evChannelClosed{reason: fmt.Sprintf("server unreachable: %v", err)})
		return
	}

	c.post(evChannelOpened{conn: conn})
}

func (c *Client) sendConfig() {
	if c.conn == nil {
		return
	}
	msg := SessionUpdate{
		Type:             TypeSessionUpdate,
		InputAudioFormat: "pcm16",
		InputAudioTranscription: TranscriptionParams{
			Model:    c.cfg.Model,
			Prompt:   c.cfg.Prompt,
			Language: c.cfg.Language,
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		InputAudioNoiseReduction: &NoiseReduction{Type: "near_field"},
		Include:                  []string{"item.input_audio_transcription.logprobs"},
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Error("failed to send session config", "error", err)
	}
}

func (c *Client) sendAudio(frame []byte) {
	if c.conn == nil {
		return
	}
	msg := AudioAppend{
		Type:  TypeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		// Transport errors are logged only; the close event that follows
		// decides whether this connection is worth retrying.
		c.logger.Error("failed to send audio frame", "error", err)
		return
	}
	metrics.FramesSent.Inc()
}

// startPump drains the audio source into the event stream. Frames posted
// before the ack or after teardown are dropped by the machine.
func (c *Client) startPump() {
	if c.pumpStop != nil {
		return
	}
	stop := make(chan struct{})
	c.pumpStop = stop

	go func() {
		c.post(evAudioStarted{})
		for {
			select {
			case <-stop:
				return
			case samples, ok := <-c.src.Samples():
				if !ok {
					c.post(evCloseRequested{})
					return
				}
				for _, frame := range c.enc.Write(samples) {
					c.post(evAudioFrame{data: frame})
				}
			}
		}
	}()
}

func (c *Client) stopPump() {
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpStop = nil
	}
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = c.conn.Close()
	c.conn = nil
}

// readLoop decodes inbound messages until the connection dies, then posts
// the closure with whatever reason text the peer supplied.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				reason = ce.Text
			}
			c.post(evChannelClosed{reason: reason})
			return
		}

		ev, err := ParseServerEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if ev.Type == "" {
			c.logger.Warn("dropping message without type")
			continue
		}
		if !IsAck(ev.Type) && !IsDelta(ev.Type) && !IsFinal(ev.Type) &&
			ev.Type != "error" {
			c.logger.Debug("ignoring event", "type", ev.Type)
			continue
		}
		c.post(evServerEvent{ev: ev})
	}
}
