// Package schema validates inbound caller messages before they reach the
// gateway.
package schema

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"ai-scribe-gateway/internal/models"
)

// MaxSessionIDLength bounds caller-chosen session ids.
const MaxSessionIDLength = 128

var (
	// ErrInvalidMessage is wrapped by every validation failure.
	ErrInvalidMessage = errors.New("invalid message")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks an inbound envelope. An empty session id is valid; the
// gateway substitutes its default.
func (v *Validator) Validate(msg models.Inbound) error {
	switch msg.Type {
	case models.TypeAudioData:
		if msg.Audio == "" {
			return v.reject(msg, "audio is required")
		}
	case models.TypeStopRecording:
	case "":
		return v.reject(msg, "type is required")
	default:
		return v.reject(msg, fmt.Sprintf("unknown type %q", msg.Type))
	}

	if id := msg.SessionID; id != "" {
		if len(id) > MaxSessionIDLength {
			return v.reject(msg, fmt.Sprintf("sessionId longer than %d characters", MaxSessionIDLength))
		}
		if !sessionIDPattern.MatchString(id) {
			return v.reject(msg, "sessionId contains invalid characters")
		}
	}
	return nil
}

func (v *Validator) reject(msg models.Inbound, reason string) error {
	log.Debug().
		Str("type", msg.Type).
		Str("sessionId", msg.SessionID).
		Str("reason", reason).
		Msg("Inbound message rejected")
	return fmt.Errorf("%w: %s", ErrInvalidMessage, reason)
}
