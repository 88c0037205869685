// Package audio implements the per-connection gateway that routes caller
// audio chunks and stop commands to transcription sessions and relays the
// resulting segments back to the caller.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/models"
	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/observability/metrics"
	"ai-scribe-gateway/internal/service/credential"
	"ai-scribe-gateway/internal/service/segment"
	"ai-scribe-gateway/internal/service/session"
	"ai-scribe-gateway/internal/service/stt"
)

// Emitter delivers outbound messages to the caller. Implementations must be
// safe for concurrent use; segments of one session arrive in order.
type Emitter interface {
	EmitSegment(sessionID string, seg segment.Segment)
	EmitError(sessionID string, err error)
}

// Publisher forwards segments to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev models.TranscriptEvent) error
}

// Config holds gateway behaviour shared by all sessions of a connection.
type Config struct {
	DefaultSessionID string
	ConnectTimeout   time.Duration
	StopTimeout      time.Duration
	CredentialTTL    time.Duration
	QueueSize        int

	// Provider labels metrics and logs.
	Provider string
	// STT is the base upstream configuration. SpeakerHints is filled per
	// session from the doctor speaker identifier.
	STT         stt.Config
	DoctorLabel string
}

// Deps are the collaborators shared across connections.
type Deps struct {
	Issuer    credential.Issuer
	Adapters  stt.Factory
	Segments  *segment.Generator
	Publisher Publisher // optional
	Metrics   *metrics.Metrics
}

// Handler is the gateway for one caller connection. Chunks for the same
// session are processed one at a time in arrival order on that session's
// worker; sessions never wait on each other.
type Handler struct {
	connID   string
	cfg      Config
	deps     Deps
	out      Emitter
	registry *session.Registry
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler creates the gateway for connection connID.
func NewHandler(connID string, cfg Config, deps Deps, out Emitter) *Handler {
	if cfg.DefaultSessionID == "" {
		cfg.DefaultSessionID = "default"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = credential.DefaultTTL
	}
	if deps.Segments == nil {
		deps.Segments = segment.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		connID: connID,
		cfg:    cfg,
		deps:   deps,
		out:    out,
		registry: session.NewRegistry(session.Options{
			ConnectionID: connID,
			Adapters:     deps.Adapters,
			Segments:     deps.Segments,
			QueueSize:    cfg.QueueSize,
			StopTimeout:  cfg.StopTimeout,
			Metrics:      deps.Metrics,
		}),
		logger: logging.WithConnection(connID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry exposes the connection's sessions.
func (h *Handler) Registry() *session.Registry { return h.registry }

func (h *Handler) sessionID(id string) string {
	if id == "" {
		return h.cfg.DefaultSessionID
	}
	return id
}

// HandleAudio routes one data-URL encoded chunk to its session, creating the
// session on first use. It never blocks on the upstream.
func (h *Handler) HandleAudio(sessionID, dataURL, doctorSpeaker string) {
	id := h.sessionID(sessionID)
	h.deps.Metrics.RecordAudioReceived()

	sess, _ := h.registry.GetOrCreate(id, doctorSpeaker)
	accepted, full := sess.Enqueue(func() { h.process(sess, dataURL) })
	switch {
	case accepted:
	case full:
		h.deps.Metrics.RecordChunkDropped("queue_full")
		sess.Logger().Warn().Msg("Session queue full, dropping audio chunk")
	default:
		h.deps.Metrics.RecordChunkDropped("inactive")
		sess.Logger().Debug().Msg("Session no longer accepting audio, dropping chunk")
	}
}

// process runs on the session worker.
func (h *Handler) process(sess *session.Session, dataURL string) {
	if !sess.Accepting() {
		return
	}

	lc := sess.Lifecycle()
	wait := h.cfg.ConnectTimeout
	if lc.BeginConnect() {
		// Credential, dial and recognition start share one deadline.
		deadline := time.Now().Add(h.cfg.ConnectTimeout)
		if err := h.connect(sess, deadline); err != nil {
			h.fail(sess, err)
			return
		}
		wait = time.Until(deadline)
	}

	if err := lc.WaitConnected(h.ctx, wait); err != nil {
		if errors.Is(err, session.ErrConnectionTimeout) {
			h.fail(sess, fmt.Errorf("%w: upstream did not start within %s", err, h.cfg.ConnectTimeout))
			return
		}
		// Destroyed or disconnected while waiting.
		h.deps.Metrics.RecordChunkDropped("closed")
		return
	}

	pcm, err := DecodeDataURL(dataURL)
	if err != nil {
		h.deps.Metrics.RecordChunkDropped("decode")
		sess.Logger().Warn().Err(err).Msg("Dropping undecodable audio chunk")
		h.out.EmitError(sess.ID(), err)
		return
	}

	if err := sess.Adapter().SendAudio(h.ctx, pcm); err != nil {
		if errors.Is(err, stt.ErrTransport) {
			h.fail(sess, err)
			return
		}
		h.deps.Metrics.RecordChunkDropped("not_connected")
		sess.Logger().Debug().Err(err).Msg("Upstream not ready, dropping chunk")
		return
	}
	h.deps.Metrics.RecordAudioForwarded(len(pcm))
}

// connect issues a credential and opens the upstream stream before deadline.
// It runs at most once per session, on the worker that won BeginConnect. The
// session counts as created only once the credential is issued.
func (h *Handler) connect(sess *session.Session, deadline time.Time) error {
	started := time.Now()
	ctx, cancel := context.WithDeadline(h.ctx, deadline)
	defer cancel()

	token, err := h.deps.Issuer.Issue(ctx, h.cfg.CredentialTTL)
	h.deps.Metrics.RecordCredential(err)
	if err != nil {
		return err
	}
	if !h.registry.Commit(sess) {
		return fmt.Errorf("%w: session destroyed during credential issuance", session.ErrSessionClosed)
	}

	cfg := h.cfg.STT
	if doctor := sess.DoctorSpeaker(); doctor != "" {
		cfg.SpeakerHints = map[string][]string{h.cfg.DoctorLabel: {doctor}}
	}

	adapter := sess.Adapter()
	adapter.OnEvent(h.onEvent(sess, started))

	if err := adapter.Connect(ctx, token, cfg); err != nil {
		return err
	}

	upLog := logging.WithUpstream(h.connID, sess.ID(), h.cfg.Provider)
	upLog.Debug().
		Str("language", cfg.Language).
		Interface("speakerHints", cfg.SpeakerHints).
		Msg("Upstream connect sent")
	return nil
}

// onEvent returns the handler for one session's upstream events. It runs on
// the adapter's delivery goroutine, in upstream order.
func (h *Handler) onEvent(sess *session.Session, started time.Time) stt.EventHandler {
	return func(ev stt.Event) {
		switch ev.Kind {
		case stt.EventSessionStarted:
			if err := sess.Lifecycle().MarkConnected(); err != nil {
				return
			}
			latency := time.Since(started)
			h.deps.Metrics.RecordUpstreamConnected(h.cfg.Provider, latency.Seconds())
			upLog := logging.WithUpstream(h.connID, sess.ID(), h.cfg.Provider)
			upLog.Info().
				Dur("latency", latency).
				Msg("Upstream session started")

		case stt.EventPartial, stt.EventFinal:
			sess.Apply(ev, func(seg segment.Segment) { h.emit(sess, seg) })

		case stt.EventError:
			err := ev.Err
			if err == nil {
				err = fmt.Errorf("%w: %s", stt.ErrTransport, ev.Message)
			}
			h.fail(sess, err)

		case stt.EventEnded:
			if sess.Lifecycle().IsClosed() {
				return
			}
			sess.Deactivate()
			sess.Flush(func(seg segment.Segment) { h.emit(sess, seg) })
			h.registry.Remove(sess, session.ReasonEnded)
		}
	}
}

// fail destroys sess, then reports err to the caller. Errors for a session
// that was already destroyed are logged only.
func (h *Handler) fail(sess *session.Session, err error) {
	kind := ErrorKind(err)
	removed := h.registry.Remove(sess, session.ReasonError)
	h.deps.Metrics.RecordUpstreamError(h.cfg.Provider, kind)

	if !removed {
		sess.Logger().Debug().Err(err).Str("kind", kind).Msg("Error for destroyed session ignored")
		return
	}
	sess.Logger().Warn().Err(err).Str("kind", kind).Msg("Session failed")
	h.out.EmitError(sess.ID(), err)
}

func (h *Handler) emit(sess *session.Session, seg segment.Segment) {
	h.deps.Metrics.RecordSegment(seg.IsPartial)
	h.out.EmitSegment(sess.ID(), seg)

	if h.deps.Publisher == nil {
		return
	}
	ev := models.NewTranscriptEvent(h.connID, sess.ID(), seg, time.Now())
	if err := h.deps.Publisher.Publish(h.ctx, ev); err != nil {
		sess.Logger().Debug().Err(err).Str("segmentId", seg.ID).Msg("Downstream publish failed")
	}
}

// HandleStop flushes the open turn of a session and destroys it. Unknown
// sessions are ignored.
func (h *Handler) HandleStop(sessionID string) {
	id := h.sessionID(sessionID)
	sess, ok := h.registry.Get(id)
	if !ok {
		h.logger.Debug().Str("sessionId", id).Msg("Stop for unknown session ignored")
		return
	}

	sess.Deactivate()
	sess.Flush(func(seg segment.Segment) { h.emit(sess, seg) })
	h.registry.Remove(sess, session.ReasonStop)
}

// Disconnect flushes and destroys every session of the connection. The
// handler must not be used afterwards.
func (h *Handler) Disconnect() {
	for _, sess := range h.registry.Sessions() {
		sess.Deactivate()
		sess.Flush(func(seg segment.Segment) { h.emit(sess, seg) })
	}
	n := h.registry.DestroyAll(session.ReasonDisconnect)
	h.cancel()
	h.logger.Info().Int("sessions", n).Msg("Connection sessions destroyed")
}
