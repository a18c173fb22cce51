package rt

import (
	"encoding/json"
	"strings"
)

// Outbound message types. The session update must be the first message on
// every connection; audio appends are only legal once the relay has
// acknowledged the session.
const (
	TypeSessionUpdate = "transcription_session.update"
	TypeAudioAppend   = "input_audio_buffer.append"
)

type TranscriptionParams struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type NoiseReduction struct {
	Type string `json:"type"`
}

type SessionUpdate struct {
	Type                     string              `json:"type"`
	InputAudioFormat         string              `json:"input_audio_format"`
	InputAudioTranscription  TranscriptionParams `json:"input_audio_transcription"`
	TurnDetection            *TurnDetection      `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction *NoiseReduction     `json:"input_audio_noise_reduction,omitempty"`
	Include                  []string            `json:"include,omitempty"`
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ServerEvent is the decoded shape of every inbound message. Only Type is
// guaranteed; the rest depends on the event family.
type ServerEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *ServerError `json:"error,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseServerEvent decodes one inbound payload. Callers drop (and log)
// malformed payloads; a bad message is never fatal.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, err
	}
	return ev, nil
}

// IsAck reports whether an inbound type acknowledges session configuration.
func IsAck(msgType string) bool {
	return strings.HasSuffix(msgType, "session.created") ||
		strings.HasSuffix(msgType, "session.updated")
}

// IsDelta reports whether an inbound type carries a partial transcript.
func IsDelta(msgType string) bool {
	return strings.Contains(msgType, "transcript") &&
		strings.HasSuffix(msgType, "delta")
}

// IsFinal reports whether an inbound type carries a completed transcript.
func IsFinal(msgType string) bool {
	switch msgType {
	case "conversation.item.input_audio_transcription.completed",
		"transcript.text.done":
		return true
	}
	return strings.HasSuffix(msgType, "transcription.completed") ||
		strings.HasSuffix(msgType, "transcription.done")
}

// RetryableError classifies a server-reported error. Server-side and
// processing failures are worth reconnecting for; anything else (auth,
// bad request, unsupported format) is fatal.
func RetryableError(se *ServerError) bool {
	if se == nil {
		return false
	}
	if strings.Contains(se.Type, "server") {
		return true
	}
	msg := strings.ToLower(se.Message)
	return strings.Contains(msg, "server") || strings.Contains(msg, "processing")
}

// RetryableClose classifies an unexpected channel closure by its reason
// text. The close handler, not the error handler, owns retry decisions.
func RetryableClose(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "server") ||
		strings.Contains(reason, "processing")
}
