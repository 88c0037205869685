// Package stt defines the contract for upstream speech recognition adapters.
package stt

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the transport cannot be established or the
	// service rejects the recognition configuration.
	ErrConnection = errors.New("upstream connection failed")
	// ErrTransport is returned when a send fails or the transport has been torn down.
	ErrTransport = errors.New("upstream transport error")
	// ErrNotConnected is returned when audio is sent before SessionStarted.
	ErrNotConnected = errors.New("upstream session not started")
)

// ConnState is the connection state of a single adapter instance.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// EventKind identifies a recognition event.
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventPartial
	EventFinal
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "SessionStarted"
	case EventPartial:
		return "PartialTranscript"
	case EventFinal:
		return "FinalTranscript"
	case EventError:
		return "Error"
	case EventEnded:
		return "Ended"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Fragment is one recognized word or punctuation mark.
type Fragment struct {
	Text          string
	Speaker       string
	Language      string
	Confidence    float64
	IsPunctuation bool
}

// Event is a single recognition event delivered to the registered handler.
// Fragments is set for transcript kinds, Err for EventError.
type Event struct {
	Kind      EventKind
	Fragments []Fragment
	Err       error
	Message   string
}

// EventHandler receives every event of one adapter instance, in upstream order.
type EventHandler func(Event)

// AudioFormat describes the audio sent upstream.
type AudioFormat struct {
	Type       string // "file" lets the service detect the container, "raw" needs Encoding and SampleRate
	Encoding   string
	SampleRate int
}

// Config is the recognition configuration supplied on Connect.
type Config struct {
	Language              string
	OperatingPoint        string
	EnablePartials        bool
	Diarization           string
	MaxDelay              float64
	EndOfUtteranceSilence float64
	// SpeakerHints maps a human label such as "Doctor" to recognizer speaker identifiers.
	SpeakerHints map[string][]string
	AudioFormat  AudioFormat
}

// Adapter is one upstream recognition stream. Instances are single use.
//
// State machine:
//
//	UNCONNECTED → CONNECTING → CONNECTED → CLOSED
//	                  │
//	                  └──────────────────→ CLOSED (connection error)
//
// CONNECTED is reached only when the service acknowledges the session, not when
// the transport opens.
type Adapter interface {
	// Connect opens the transport and sends the configuration. It returns once
	// the configuration has been sent; SessionStarted arrives as an event.
	Connect(ctx context.Context, token string, cfg Config) error

	// SendAudio forwards one chunk of audio. Only valid while CONNECTED.
	SendAudio(ctx context.Context, audio []byte) error

	// OnEvent registers the single event listener. Must be called before Connect.
	OnEvent(h EventHandler)

	// Stop requests graceful termination and closes the transport. It never
	// blocks past ctx.
	Stop(ctx context.Context) error

	// State returns the current connection state.
	State() ConnState
}

// Factory creates a fresh adapter for a new session.
type Factory func() Adapter

// Text joins the fragment texts with single spaces.
func (e Event) Text() string {
	n := 0
	for _, f := range e.Fragments {
		n += len(f.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, f := range e.Fragments {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, f.Text...)
	}
	return string(buf)
}

// Speaker returns the speaker label of the first fragment, or "" if none.
func (e Event) Speaker() string {
	if len(e.Fragments) == 0 {
		return ""
	}
	return e.Fragments[0].Speaker
}
