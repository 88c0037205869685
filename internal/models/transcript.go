// Package models defines the messages exchanged with callers and downstream
// consumers.
package models

import (
	"time"

	"ai-scribe-gateway/internal/service/segment"
)

// Inbound message types.
const (
	TypeAudioData     = "audioData"
	TypeStopRecording = "stopRecording"
)

// Outbound message types.
const (
	TypeTranscription = "transcription"
	TypeError         = "error"
)

// Inbound is the envelope of every caller message. Fields not relevant to
// Type are ignored.
type Inbound struct {
	Type                    string `json:"type"`
	SessionID               string `json:"sessionId,omitempty"`
	Audio                   string `json:"audio,omitempty"`
	DoctorSpeakerIdentifier string `json:"doctorSpeakerIdentifier,omitempty"`
}

// DisplaySegment is the caller-visible form of a segment.
type DisplaySegment struct {
	ID        string `json:"id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsPartial bool   `json:"isPartial"`
}

// NewDisplaySegment converts a segmenter output.
func NewDisplaySegment(s segment.Segment) DisplaySegment {
	return DisplaySegment{
		ID:        s.ID,
		Speaker:   s.Speaker,
		Text:      s.Text,
		Timestamp: s.Timestamp,
		IsPartial: s.IsPartial,
	}
}

// Transcription is sent to the caller for every emitted segment.
type Transcription struct {
	Type      string         `json:"type"`
	Segment   DisplaySegment `json:"segment"`
	IsPartial bool           `json:"isPartial"`
	SessionID string         `json:"sessionId"`
}

// NewTranscription builds the outbound message for a segment.
func NewTranscription(sessionID string, s segment.Segment) Transcription {
	return Transcription{
		Type:      TypeTranscription,
		Segment:   NewDisplaySegment(s),
		IsPartial: s.IsPartial,
		SessionID: sessionID,
	}
}

// ErrorMessage reports a failure to the caller. SessionID is empty for
// connection-level errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewErrorMessage builds an outbound error message.
func NewErrorMessage(sessionID, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, SessionID: sessionID}
}

// TranscriptEvent is the downstream event written to Kafka and Redis.
type TranscriptEvent struct {
	EventType    string `json:"eventType"` // partial | final
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	SegmentID    string `json:"segmentId"`
	Speaker      string `json:"speaker"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"` // unix millis at publish
}

// NewTranscriptEvent builds the downstream event for a segment.
func NewTranscriptEvent(connectionID, sessionID string, s segment.Segment, now time.Time) TranscriptEvent {
	kind := "final"
	if s.IsPartial {
		kind = "partial"
	}
	return TranscriptEvent{
		EventType:    kind,
		ConnectionID: connectionID,
		SessionID:    sessionID,
		SegmentID:    s.ID,
		Speaker:      s.Speaker,
		Text:         s.Text,
		Timestamp:    now.UnixMilli(),
	}
}
