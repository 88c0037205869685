// Package credential obtains short-lived tokens for the upstream recognition
// service.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/observability/logging"
)

// ErrCredential is returned when the secret is absent or rejected, or no token
// could be obtained.
var ErrCredential = errors.New("credential error")

// DefaultTTL is used when a non-positive ttl is requested.
const DefaultTTL = 60 * time.Second

const defaultBaseURL = "https://mp.speechmatics.com"

// Issuer issues a fresh token per session.
type Issuer interface {
	Issue(ctx context.Context, ttl time.Duration) (string, error)
}

// Static returns the same token every time. Used for providers that
// authenticate out of band.
type Static struct {
	Token string
}

func (s Static) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	return s.Token, nil
}

// Speechmatics issues temporary real-time keys from the management API.
type Speechmatics struct {
	secret  string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// Option configures a Speechmatics issuer.
type Option func(*Speechmatics)

// WithBaseURL overrides the management API base URL.
func WithBaseURL(url string) Option {
	return func(s *Speechmatics) {
		if url != "" {
			s.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Speechmatics) { s.client = c }
}

// NewSpeechmatics creates an issuer for the long-lived API secret.
func NewSpeechmatics(secret string, opts ...Option) *Speechmatics {
	s := &Speechmatics{
		secret:  secret,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logging.WithComponent("credential"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type keyRequest struct {
	TTL int `json:"ttl"`
}

type keyResponse struct {
	KeyValue string `json:"key_value"`
}

// Issue requests a temporary key valid for ttl.
func (s *Speechmatics) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	if strings.TrimSpace(s.secret) == "" {
		return "", fmt.Errorf("%w: secret is not configured", ErrCredential)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	body, err := json.Marshal(keyRequest{TTL: int(ttl / time.Second)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/api_keys?type=rt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secret)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", ErrCredential, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		s.logger.Warn().
			Int("status", resp.StatusCode).
			Dur("latency", time.Since(start)).
			Msg("Temporary key request rejected")
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: secret rejected (status %d)", ErrCredential, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: unexpected status %d: %s", ErrCredential, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var kr keyResponse
	if err := json.Unmarshal(raw, &kr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrCredential, err)
	}
	if kr.KeyValue == "" {
		return "", fmt.Errorf("%w: response carried no key", ErrCredential)
	}

	s.logger.Debug().
		Dur("ttl", ttl).
		Dur("latency", time.Since(start)).
		Msg("Temporary key issued")
	return kr.KeyValue, nil
}
