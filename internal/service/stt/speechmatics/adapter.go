// Package speechmatics implements stt.Adapter over the Speechmatics real-time
// websocket API.
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/service/stt"
)

const (
	DefaultURL   = "wss://eu2.rt.speechmatics.com/v2"
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Adapter is a single real-time recognition session.
type Adapter struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.RWMutex
	state   stt.ConnState
	handler stt.EventHandler
	conn    *websocket.Conn

	writeMu  sync.Mutex
	seqNo    int
	ackedSeq int
	stopping bool

	finished chan struct{} // closed when the read loop exits
	stopOnce sync.Once
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithURL overrides the real-time endpoint.
func WithURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.url = u
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an unconnected adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		url:      DefaultURL,
		dialer:   websocket.DefaultDialer,
		logger:   logging.WithComponent("stt.speechmatics"),
		state:    stt.StateUnconnected,
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Factory returns an stt.Factory producing adapters with opts.
func Factory(opts ...Option) stt.Factory {
	return func() stt.Adapter { return New(opts...) }
}

func (a *Adapter) OnEvent(h stt.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) State() stt.ConnState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) setState(s stt.ConnState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Connect dials the endpoint with the temporary key and sends StartRecognition.
func (a *Adapter) Connect(ctx context.Context, token string, cfg stt.Config) error {
	a.mu.Lock()
	if a.state != stt.StateUnconnected {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter already used (state %s)", stt.ErrConnection, a.state)
	}
	a.state = stt.StateConnecting
	a.mu.Unlock()

	target, err := a.endpoint(token)
	if err != nil {
		a.setState(stt.StateClosed)
		close(a.finished)
		return fmt.Errorf("%w: %v", stt.ErrConnection, err)
	}

	conn, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		a.setState(stt.StateClosed)
		close(a.finished)
		if resp != nil {
			return fmt.Errorf("%w: dial failed with status %d: %v", stt.ErrConnection, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dial failed: %v", stt.ErrConnection, err)
	}

	a.mu.Lock()
	if a.state == stt.StateClosed {
		// Stopped while dialing.
		a.mu.Unlock()
		conn.Close()
		close(a.finished)
		return fmt.Errorf("%w: stopped during connect", stt.ErrConnection)
	}
	a.conn = conn
	a.mu.Unlock()

	if err := a.writeJSON(startMessage(cfg)); err != nil {
		conn.Close()
		a.setState(stt.StateClosed)
		close(a.finished)
		return fmt.Errorf("%w: send StartRecognition: %v", stt.ErrConnection, err)
	}

	a.logger.Debug().
		Str("language", cfg.Language).
		Str("operatingPoint", cfg.OperatingPoint).
		Bool("partials", cfg.EnablePartials).
		Msg("StartRecognition sent")

	go a.readLoop(conn)
	go a.keepAlive(conn)
	return nil
}

func (a *Adapter) endpoint(token string) (string, error) {
	u, err := url.Parse(a.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("jwt", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func startMessage(cfg stt.Config) startRecognition {
	format := audioFormat{Type: cfg.AudioFormat.Type}
	if format.Type == "" {
		format.Type = "file"
	}
	if format.Type == "raw" {
		format.Encoding = cfg.AudioFormat.Encoding
		format.SampleRate = cfg.AudioFormat.SampleRate
	}

	tc := transcriptionConfig{
		Language:       cfg.Language,
		OperatingPoint: cfg.OperatingPoint,
		EnablePartials: cfg.EnablePartials,
		Diarization:    cfg.Diarization,
		MaxDelay:       cfg.MaxDelay,
	}
	if cfg.EndOfUtteranceSilence > 0 {
		tc.ConversationConfig = &conversationConfig{EndOfUtteranceSilenceTrigger: cfg.EndOfUtteranceSilence}
	}
	if hints := speakerHints(cfg.SpeakerHints); len(hints) > 0 {
		tc.SpeakerDiarizationConfig = &speakerDiarizationConfig{Speakers: hints}
	}

	return startRecognition{
		Message:             "StartRecognition",
		AudioFormat:         format,
		TranscriptionConfig: tc,
	}
}

// SendAudio writes one binary audio frame.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	switch s := a.State(); s {
	case stt.StateConnected:
	case stt.StateClosed:
		return fmt.Errorf("%w: transport closed", stt.ErrTransport)
	default:
		return fmt.Errorf("%w: state %s", stt.ErrNotConnected, s)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.stopping {
		return fmt.Errorf("%w: stream ending", stt.ErrTransport)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetWriteDeadline(deadline)
	if err := a.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("%w: %v", stt.ErrTransport, err)
	}
	a.seqNo++
	return nil
}

// Stop sends EndOfStream, waits for EndOfTranscript until ctx is done and
// closes the socket. Safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.stop(ctx)
	})
	return err
}

func (a *Adapter) stop(ctx context.Context) error {
	// Closing under the same lock that reads conn makes a Connect still
	// dialing discard its socket instead of publishing it.
	a.mu.Lock()
	conn, state := a.conn, a.state
	if conn == nil {
		a.state = stt.StateClosed
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.writeMu.Lock()
	a.stopping = true
	last, acked := a.seqNo, a.ackedSeq
	a.writeMu.Unlock()

	var result error
	if state == stt.StateConnected {
		if err := a.writeJSON(endOfStream{Message: "EndOfStream", LastSeqNo: last}); err != nil {
			result = err
		} else {
			select {
			case <-a.finished:
			case <-ctx.Done():
				result = ctx.Err()
			}
		}
	}

	a.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	conn.Close()
	a.setState(stt.StateClosed)

	a.logger.Debug().
		Int("lastSeqNo", last).
		Int("ackedSeqNo", acked).
		Err(result).
		Msg("Upstream stream stopped")
	return result
}

func (a *Adapter) writeJSON(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteJSON(v)
}

func (a *Adapter) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.finished:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			a.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer close(a.finished)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			a.handleReadError(err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn().Err(err).Msg("Unparseable upstream message")
			continue
		}
		if done := a.dispatch(msg); done {
			return
		}
	}
}

// dispatch maps one upstream message to an event. It returns true when the
// stream is over.
func (a *Adapter) dispatch(msg serverMessage) bool {
	switch msg.Message {
	case msgRecognitionStarted:
		a.mu.Lock()
		if a.state == stt.StateConnecting {
			a.state = stt.StateConnected
		}
		a.mu.Unlock()
		a.logger.Debug().Str("upstreamId", msg.ID).Msg("Recognition started")
		a.emit(stt.Event{Kind: stt.EventSessionStarted, Message: msg.ID})

	case msgAudioAdded:
		a.writeMu.Lock()
		a.ackedSeq = msg.SeqNo
		a.writeMu.Unlock()

	case msgAddPartialTranscript:
		a.emit(stt.Event{Kind: stt.EventPartial, Fragments: fragments(msg.Results)})

	case msgAddTranscript:
		a.emit(stt.Event{Kind: stt.EventFinal, Fragments: fragments(msg.Results)})

	case msgEndOfTranscript:
		a.setState(stt.StateClosed)
		a.emit(stt.Event{Kind: stt.EventEnded})
		return true

	case msgError:
		sentinel := stt.ErrTransport
		if a.State() == stt.StateConnecting {
			sentinel = stt.ErrConnection
		}
		a.setState(stt.StateClosed)
		a.emit(stt.Event{
			Kind:    stt.EventError,
			Err:     fmt.Errorf("%w: %s: %s", sentinel, msg.Type, msg.Reason),
			Message: msg.Reason,
		})
		return true

	case msgWarning:
		a.logger.Warn().Str("type", msg.Type).Str("reason", msg.Reason).Msg("Upstream warning")

	case msgInfo:
		a.logger.Debug().Str("type", msg.Type).Str("reason", msg.Reason).Msg("Upstream info")

	default:
		a.logger.Debug().Str("message", msg.Message).Msg("Ignoring upstream message")
	}
	return false
}

func (a *Adapter) handleReadError(err error) {
	a.writeMu.Lock()
	stopping := a.stopping
	a.writeMu.Unlock()

	prev := a.State()
	a.setState(stt.StateClosed)
	if stopping || prev == stt.StateClosed {
		return
	}

	sentinel := stt.ErrTransport
	if prev == stt.StateConnecting {
		sentinel = stt.ErrConnection
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		err = fmt.Errorf("closed by upstream (%d): %s", closeErr.Code, closeErr.Text)
	}
	a.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("%w: %v", sentinel, err)})
}

func (a *Adapter) emit(ev stt.Event) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func fragments(results []result) []stt.Fragment {
	out := make([]stt.Fragment, 0, len(results))
	for _, r := range results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if strings.TrimSpace(alt.Content) == "" {
			continue
		}
		out = append(out, stt.Fragment{
			Text:          alt.Content,
			Speaker:       alt.Speaker,
			Language:      alt.Language,
			Confidence:    alt.Confidence,
			IsPunctuation: r.Type == "punctuation",
		})
	}
	return out
}
