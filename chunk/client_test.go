package chunk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/omn25/cuelens/gate"
)

type fakeSource struct {
	ch   chan []float32
	rate int
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan []float32, 64), rate: 16000}
}

func (s *fakeSource) Samples() <-chan []float32 { return s.ch }
func (s *fakeSource) EffectiveRate() int        { return s.rate }

// feed pushes sample blocks continuously until the returned func is called.
func (s *fakeSource) feed() (stop func()) {
	done := make(chan struct{})
	go func() {
		block := make([]float32, 160)
		for i := range block {
			block[i] = 0.1
		}
		for {
			select {
			case <-done:
				return
			case s.ch <- block:
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() { close(done) }
}

type fakeRelay struct {
	mu          sync.Mutex
	chunkCount  int
	frameCount  int
	transcripts []string
	failChunks  atomic.Bool

	srv *httptest.Server
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	mux := http.NewServeMux()

	mux.HandleFunc("/stt/chunk", func(w http.ResponseWriter, req *http.Request) {
		if r.failChunks.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		file, _, err := req.FormFile("audio")
		if err != nil {
			t.Errorf("missing audio part: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if len(data) < 44 || string(data[0:4]) != "RIFF" {
			t.Errorf("uploaded burst is not a WAV container (%d bytes)", len(data))
		}
		r.mu.Lock()
		r.chunkCount++
		r.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"text": "pass the salt"})
	})

	mux.HandleFunc("/frames", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Image == "" {
			http.Error(w, "bad frame", http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.frameCount++
		r.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"frameAssetId": "frame-1"})
	})

	mux.HandleFunc("/transcript", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Transcript   string `json:"transcript"`
			FrameAssetID string `json:"frameAssetId"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.transcripts = append(r.transcripts, body.Transcript)
		r.mu.Unlock()
		json.NewEncoder(w).Encode([]Suggestion{
			{ID: "s1", Text: "Could you hand me the salt?", Keyword: "salt"},
		})
	})

	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkCount
}

func (r *fakeRelay) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameCount
}

func testConfig(relay *fakeRelay, g *gate.Gate) Config {
	return Config{
		BaseURL:       relay.srv.URL,
		BurstDuration: 50 * time.Millisecond,
		VisionEventID: "vision-1",
		Gate:          g,
		Logger:        log.New(io.Discard),
	}
}

func TestBurstCycleUploadsAndSuggests(t *testing.T) {
	relay := newFakeRelay(t)
	g := gate.New(1, log.New(io.Discard))

	var transcripts []string
	var suggestions []Suggestion
	var mu sync.Mutex

	cfg := testConfig(relay, g)
	cfg.OnTranscript = func(text string) {
		mu.Lock()
		transcripts = append(transcripts, text)
		mu.Unlock()
	}
	cfg.OnSuggestions = func(s []Suggestion) {
		mu.Lock()
		suggestions = append(suggestions, s...)
		mu.Unlock()
	}

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c.SetFrameFunc(func() ([]byte, error) {
		return []byte{0xff, 0xd8, 0xff}, nil
	})

	src := newFakeSource()
	stopFeed := src.feed()
	defer stopFeed()

	if err := c.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if !c.IsActive() {
		t.Error("client should report active")
	}

	waitFor(t, func() bool { return relay.chunks() >= 2 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(suggestions) >= 1
	})

	c.Stop()
	if c.IsActive() {
		t.Error("client should report inactive after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) == 0 || transcripts[0] != "pass the salt" {
		t.Errorf("transcripts = %v", transcripts)
	}
	if suggestions[0].Keyword != "salt" {
		t.Errorf("suggestion = %+v", suggestions[0])
	}
	if relay.frames() == 0 {
		t.Error("paired frame was never uploaded")
	}
}

func TestEmptyBurstRestartsCycle(t *testing.T) {
	relay := newFakeRelay(t)
	g := gate.New(1, log.New(io.Discard))

	c, err := NewClient(testConfig(relay, g))
	if err != nil {
		t.Fatal(err)
	}

	// A source that produces nothing: every burst is empty.
	src := newFakeSource()
	if err := c.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond) // several burst durations

	if !c.IsActive() {
		t.Error("empty bursts must not terminate the cycle")
	}
	if relay.chunks() != 0 {
		t.Errorf("empty bursts should not upload, got %d uploads", relay.chunks())
	}

	// The recorder coming back to life resumes uploads on the same cycle.
	stopFeed := src.feed()
	defer stopFeed()
	waitFor(t, func() bool { return relay.chunks() >= 1 })

	c.Stop()
}

func TestUploadFailureDoesNotStopCycle(t *testing.T) {
	relay := newFakeRelay(t)
	relay.failChunks.Store(true)
	g := gate.New(1, log.New(io.Discard))

	var errCount atomic.Int32
	cfg := testConfig(relay, g)
	cfg.OnError = func(error) { errCount.Add(1) }

	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	stopFeed := src.feed()
	defer stopFeed()

	if err := c.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return errCount.Load() >= 2 })
	if !c.IsActive() {
		t.Error("upload failures must not stop the cycle")
	}

	// Once the server recovers, the same cycle starts succeeding.
	relay.failChunks.Store(false)
	waitFor(t, func() bool { return relay.chunks() >= 1 })

	c.Stop()
}

func TestStopReleasesCaptureSlot(t *testing.T) {
	relay := newFakeRelay(t)
	g := gate.New(1, log.New(io.Discard))

	c, err := NewClient(testConfig(relay, g))
	if err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	if err := c.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if st := g.Status(); st.Active != 1 {
		t.Fatalf("expected slot held, status %+v", st)
	}

	c.Stop()
	c.Stop() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Request(ctx, "next"); err != nil {
		t.Fatalf("slot not released by Stop: %v", err)
	}
}

func TestRestartedClientReleasesSlotAgain(t *testing.T) {
	relay := newFakeRelay(t)
	g := gate.New(1, log.New(io.Discard))

	c, err := NewClient(testConfig(relay, g))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		src := newFakeSource()
		if err := c.Start(context.Background(), src); err != nil {
			t.Fatalf("start %d: %v", i+1, err)
		}
		if st := g.Status(); st.Active != 1 {
			t.Fatalf("start %d: expected slot held, status %+v", i+1, st)
		}
		c.Stop()
	}

	// The second cycle's Stop must return the slot like the first one did.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Request(ctx, "next"); err != nil {
		t.Fatalf("slot leaked across restart: %v (status %+v)", err, g.Status())
	}
}

func TestConcurrentStartsAcquireOneSlot(t *testing.T) {
	relay := newFakeRelay(t)
	g := gate.New(1, log.New(io.Discard))

	c, err := NewClient(testConfig(relay, g))
	if err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Start(context.Background(), src)
		}()
	}
	wg.Wait()
	close(results)

	var started, refused int
	for err := range results {
		if err == nil {
			started++
		} else {
			refused++
		}
	}
	if started != 1 || refused != 1 {
		t.Fatalf("started=%d refused=%d, want exactly one of each", started, refused)
	}
	if st := g.Status(); st.Active != 1 {
		t.Fatalf("expected a single held slot, status %+v", st)
	}

	c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Request(ctx, "next"); err != nil {
		t.Fatalf("slot not released after Stop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
