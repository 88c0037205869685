package audio

import (
	"errors"

	"ai-scribe-gateway/internal/service/credential"
	"ai-scribe-gateway/internal/service/session"
	"ai-scribe-gateway/internal/service/stt"
)

// ErrorKind names the caller-visible category of err.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, credential.ErrCredential):
		return "CredentialError"
	case errors.Is(err, stt.ErrConnection):
		return "ConnectionError"
	case errors.Is(err, session.ErrConnectionTimeout):
		return "ConnectionTimeout"
	case errors.Is(err, stt.ErrTransport):
		return "TransportError"
	case errors.Is(err, ErrDecode):
		return "DecodeError"
	default:
		return "InternalError"
	}
}

// ErrorMessage renders err for the caller, prefixed with its kind.
func ErrorMessage(err error) string {
	return ErrorKind(err) + ": " + err.Error()
}
