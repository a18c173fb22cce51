package chunk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/omn25/cuelens/gate"
	"github.com/omn25/cuelens/metrics"
	"github.com/omn25/cuelens/pcm"
)

// AudioSource mirrors the realtime client's source contract: a stream of
// float samples plus the rate they were captured at.
type AudioSource interface {
	Samples() <-chan []float32
	EffectiveRate() int
}

// Suggestion is one generated cue from the suggestion endpoint.
type Suggestion struct {
	ID      string `json:"id,omitempty"`
	Text    string `json:"text"`
	Keyword string `json:"keyword,omitempty"`
}

type Config struct {
	BaseURL       string
	APIKey        string
	BurstDuration time.Duration
	VisionEventID string

	Gate       *gate.Gate
	Logger     *log.Logger
	HTTPClient *http.Client

	// OnTranscript receives each burst's text; every one is final, there
	// are no partials in this mode.
	OnTranscript  func(text string)
	OnSuggestions func([]Suggestion)
	OnError       func(error)
}

func (c *Config) withDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:3001"
	}
	if c.BurstDuration == 0 {
		c.BurstDuration = 2500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// Client runs the burst-record-and-upload cycle: record a fixed-length
// chunk, upload it, hand the reply to the consumer as a final transcript,
// and start the next chunk. Upload failures never stop the cycle.
type Client struct {
	cfg    Config
	logger *log.Logger
	slotID string

	mu        sync.Mutex
	active    bool
	held      bool // slot currently held for this cycle
	stop      chan struct{}
	frameFunc func() ([]byte, error)

	wg sync.WaitGroup
}

func NewClient(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if cfg.Gate == nil {
		return nil, fmt.Errorf("a concurrency gate is required")
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		slotID: uuid.NewString(),
	}, nil
}

// SetFrameFunc registers an optional still-frame capture; when present,
// each burst's suggestion call references the uploaded frame.
func (c *Client) SetFrameFunc(f func() ([]byte, error)) {
	c.mu.Lock()
	c.frameFunc = f
	c.mu.Unlock()
}

// Start acquires the capture slot and begins the burst cycle. It returns
// once recording is running; the cycle continues until Stop. A stopped
// client may be started again.
func (c *Client) Start(ctx context.Context, src AudioSource) error {
	stop := make(chan struct{})

	// Reserve the client before touching the gate so a racing Start
	// cannot slip past the check and double-acquire the slot.
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return fmt.Errorf("burst cycle already running")
	}
	c.active = true
	c.stop = stop
	c.mu.Unlock()

	if err := c.cfg.Gate.Request(ctx, c.slotID); err != nil {
		c.mu.Lock()
		c.active = false
		c.stop = nil
		c.mu.Unlock()
		return fmt.Errorf("capture slot: %w", err)
	}
	c.mu.Lock()
	if !c.active {
		// Stop raced the slot acquisition; the cycle never starts.
		c.mu.Unlock()
		c.cfg.Gate.Release(c.slotID)
		return fmt.Errorf("burst cycle stopped during startup")
	}
	c.held = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.cycle(src, stop)
	c.logger.Info(
		"burst cycle started",
		"duration", c.cfg.BurstDuration,
		"rate", src.EffectiveRate(),
	)
	return nil
}

// Stop halts the cycle and releases the capture slot. Safe to call twice.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	c.release()
	c.logger.Info("burst cycle stopped")
}

func (c *Client) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// release returns the slot held by the current cycle, at most once per
// cycle so a double Stop cannot double-release.
func (c *Client) release() {
	c.mu.Lock()
	if !c.held {
		c.mu.Unlock()
		return
	}
	c.held = false
	c.mu.Unlock()
	c.cfg.Gate.Release(c.slotID)
}

func (c *Client) cycle(src AudioSource, stop chan struct{}) {
	defer c.wg.Done()

	for {
		samples, keepGoing := c.recordBurst(src, stop)
		if !keepGoing {
			return
		}

		if len(samples) == 0 {
			// A stalled recorder yields nothing; restart anyway so one
			// bad burst cannot kill the cycle.
			c.logger.Warn("burst produced no audio, restarting")
			continue
		}

		container, err := pcm.EncodeWAV(samples, src.EffectiveRate())
		if err != nil {
			c.reportError(fmt.Errorf("failed to encode burst: %w", err))
			continue
		}

		metrics.Bursts.Inc()
		// Upload off the recording path so the next burst starts on
		// schedule regardless of how slow the server is.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.process(container)
		}()
	}
}

// recordBurst collects quantized samples for one burst duration. The
// second return is false when the cycle should end.
func (c *Client) recordBurst(src AudioSource, stop chan struct{}) ([]int16, bool) {
	timer := time.NewTimer(c.cfg.BurstDuration)
	defer timer.Stop()

	var samples []int16
	for {
		select {
		case <-stop:
			return nil, false
		case <-timer.C:
			return samples, true
		case block, ok := <-src.Samples():
			if !ok {
				c.logger.Warn("audio source closed, ending burst cycle")
				return nil, false
			}
			for _, s := range block {
				samples = append(samples, pcm.Quantize(s))
			}
		}
	}
}

// process uploads one finished burst and runs the downstream calls. Any
// failure is reported and absorbed; the cycle is already recording the
// next burst.
func (c *Client) process(container []byte) {
	text, err := c.uploadChunk(container)
	if err != nil {
		metrics.BurstUploadFailures.Inc()
		c.reportError(fmt.Errorf("chunk upload failed: %w", err))
		return
	}
	if text == "" {
		c.logger.Debug("burst transcribed to nothing")
		return
	}

	c.logger.Info("burst transcript", "text", text)
	metrics.TranscriptsFinal.Inc()
	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(text)
	}

	var frameAssetID string
	c.mu.Lock()
	frameFunc := c.frameFunc
	c.mu.Unlock()
	if frameFunc != nil {
		image, err := frameFunc()
		if err != nil {
			c.reportError(fmt.Errorf("frame capture failed: %w", err))
		} else if len(image) > 0 {
			frameAssetID, err = c.uploadFrame(image)
			if err != nil {
				c.reportError(fmt.Errorf("frame upload failed: %w", err))
				frameAssetID = ""
			}
		}
	}

	suggestions, err := c.generateSuggestions(text, frameAssetID)
	if err != nil {
		c.reportError(fmt.Errorf("suggestion call failed: %w", err))
		return
	}
	if c.cfg.OnSuggestions != nil && len(suggestions) > 0 {
		c.cfg.OnSuggestions(suggestions)
	}
}

func (c *Client) reportError(err error) {
	c.logger.Error("burst cycle error", "error", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Client) uploadChunk(container []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(
		"audio",
		fmt.Sprintf("burst-%s.wav", uuid.NewString()),
	)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(container); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST", c.cfg.BaseURL+"/stt/chunk", body,
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf(
			"unexpected status code: %d, response body: %s",
			resp.StatusCode,
			string(msg),
		)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (c *Client) uploadFrame(image []byte) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST", c.cfg.BaseURL+"/frames", bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result struct {
		FrameAssetID string `json:"frameAssetId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.FrameAssetID, nil
}

func (c *Client) generateSuggestions(
	transcript, frameAssetID string,
) ([]Suggestion, error) {
	body := map[string]string{
		"transcript":    transcript,
		"visionEventId": c.cfg.VisionEventID,
	}
	if frameAssetID != "" {
		body["frameAssetId"] = frameAssetID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST", c.cfg.BaseURL+"/transcript", bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var suggestions []Suggestion
	if err := json.NewDecoder(resp.Body).Decode(&suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))
	}
}
