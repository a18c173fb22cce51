// Package relay is a local stand-in for the remote transcription relay.
// It serves the chunked fallback endpoints and a websocket endpoint that
// speaks the realtime session protocol with canned transcripts, so both
// clients can be exercised end to end without credentials.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omn25/cuelens/rt"
	"github.com/omn25/cuelens/store"
)

type Server struct {
	logger *log.Logger
	store  *store.Store // nil when persistence is disabled

	// CannedTranscript is returned for every uploaded burst and streamed
	// in deltas over the realtime endpoint.
	CannedTranscript string

	upgrader websocket.Upgrader
}

func NewServer(logger *log.Logger, st *store.Store) *Server {
	return &Server{
		logger:           logger,
		store:            st,
		CannedTranscript: "nice to see you again, how was the trip",
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/stt/chunk", s.handleChunk)
	r.Post("/frames", s.handleFrame)
	r.Post("/transcript", s.handleTranscript)
	r.Get("/realtime", s.handleRealtime)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) Serve(port int) error {
	s.logger.Info("relay", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.Routes())
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "missing audio part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	s.logger.Info("burst received", "filename", header.Filename, "size", header.Size)
	writeJSON(w, map[string]string{"text": s.CannedTranscript})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(body.Image)
	if err != nil {
		http.Error(w, "image is not valid base64", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	s.logger.Info("frame received", "id", id, "bytes", len(raw))
	writeJSON(w, map[string]string{"frameAssetId": id})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transcript    string `json:"transcript"`
		VisionEventID string `json:"visionEventId"`
		FrameAssetID  string `json:"frameAssetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Transcript == "" {
		http.Error(w, "transcript is required", http.StatusBadRequest)
		return
	}

	suggestions := Suggest(body.Transcript)
	s.logger.Info(
		"suggestions generated",
		"count", len(suggestions),
		"vision_event", body.VisionEventID,
		"frame", body.FrameAssetID,
	)

	if s.store != nil {
		for _, sg := range suggestions {
			if err := s.store.SaveSuggestion(
				r.Context(), body.Transcript, sg.Keyword, sg.Text,
			); err != nil {
				s.logger.Error("failed to save suggestion", "error", err)
			}
		}
	}

	if suggestions == nil {
		suggestions = []Suggestion{}
	}
	writeJSON(w, suggestions)
}

// handleRealtime speaks the session protocol: require the configuration
// update first, acknowledge it, then answer audio appends with transcript
// deltas and a completion.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var update rt.SessionUpdate
	if err := conn.ReadJSON(&update); err != nil {
		s.logger.Error("failed to read session update", "error", err)
		return
	}
	if update.Type != rt.TypeSessionUpdate {
		errEv := rt.ServerEvent{
			Type: "error",
			Error: &rt.ServerError{
				Type:    "invalid_request_error",
				Message: fmt.Sprintf("expected %s first, got %s", rt.TypeSessionUpdate, update.Type),
			},
		}
		_ = conn.WriteJSON(errEv)
		return
	}

	s.logger.Info(
		"realtime session configured",
		"model", update.InputAudioTranscription.Model,
		"language", update.InputAudioTranscription.Language,
	)
	ack := rt.ServerEvent{Type: "transcription_session.created"}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}

	// Emit one canned utterance per batch of appends.
	var appends int
	for {
		var msg rt.AudioAppend
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("realtime session ended", "error", err)
			return
		}
		if msg.Type != rt.TypeAudioAppend {
			s.logger.Warn("unexpected message", "type", msg.Type)
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Audio); err != nil {
			errEv := rt.ServerEvent{
				Type: "error",
				Error: &rt.ServerError{
					Type:    "invalid_request_error",
					Message: "audio payload is not valid base64",
				},
			}
			_ = conn.WriteJSON(errEv)
			return
		}

		appends++
		if appends%10 != 0 {
			continue
		}

		words := strings.Fields(s.CannedTranscript)
		partial := ""
		for _, word := range words {
			partial += word + " "
			delta := rt.ServerEvent{
				Type:  "conversation.item.input_audio_transcription.delta",
				Delta: partial,
			}
			if err := conn.WriteJSON(delta); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		done := rt.ServerEvent{
			Type:       "conversation.item.input_audio_transcription.completed",
			Transcript: s.CannedTranscript,
		}
		if err := conn.WriteJSON(done); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}
