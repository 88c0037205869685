package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/models"
	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/observability/metrics"
	"ai-scribe-gateway/internal/schema"
	"ai-scribe-gateway/internal/service/audio"
	"ai-scribe-gateway/internal/service/segment"
)

const (
	readLimit    = 4 << 20
	outboxSize   = 256
	writeTimeout = 5 * time.Second
)

// Gateway is the per-connection session orchestrator.
type Gateway interface {
	HandleAudio(sessionID, dataURL, doctorSpeaker string)
	HandleStop(sessionID string)
	Disconnect()
}

// GatewayFactory creates the gateway for a new caller connection.
type GatewayFactory func(connID string, out audio.Emitter) Gateway

// TranscribeHandler upgrades callers to a websocket and feeds their messages
// to a Gateway. Outbound messages go through a single writer per connection.
type TranscribeHandler struct {
	newGateway     GatewayFactory
	validator      *schema.Validator
	metrics        *metrics.Metrics
	originPatterns []string
}

// NewTranscribeHandler creates the websocket handler. originPatterns lists
// additional allowed origins; same-origin requests are always accepted.
func NewTranscribeHandler(newGateway GatewayFactory, m *metrics.Metrics, originPatterns []string) *TranscribeHandler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &TranscribeHandler{
		newGateway:     newGateway,
		validator:      schema.New(),
		metrics:        m,
		originPatterns: originPatterns,
	}
}

func (h *TranscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	connID := uuid.NewString()
	logger := logging.WithConnection(connID)
	h.metrics.RecordConnectionOpen()
	defer h.metrics.RecordConnectionClosed()
	logger.Info().Str("remoteAddr", r.RemoteAddr).Msg("Caller connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newOutbox(ctx, conn, logger)
	go out.run()

	gw := h.newGateway(connID, out)
	err = h.readLoop(ctx, conn, gw, out)

	gw.Disconnect()
	out.close()
	<-out.done

	status := websocket.CloseStatus(err)
	logger.Info().Int("closeStatus", int(status)).Msg("Caller disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *TranscribeHandler) readLoop(ctx context.Context, conn *websocket.Conn, gw Gateway, out *outbox) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			out.send(models.NewErrorMessage("", "binary frames are not supported"))
			continue
		}

		var msg models.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			out.send(models.NewErrorMessage("", "malformed JSON message"))
			continue
		}
		if err := h.validator.Validate(msg); err != nil {
			out.send(models.NewErrorMessage(msg.SessionID, err.Error()))
			continue
		}

		switch msg.Type {
		case models.TypeAudioData:
			gw.HandleAudio(msg.SessionID, msg.Audio, msg.DoctorSpeakerIdentifier)
		case models.TypeStopRecording:
			gw.HandleStop(msg.SessionID)
		}
	}
}

// outbox serialises outbound messages onto the connection. It implements
// audio.Emitter. Partials are dropped when the queue is full; finals and
// errors wait for room until the connection context ends.
type outbox struct {
	ctx    context.Context
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan any
	done   chan struct{}

	lost atomic.Int64 // finals and errors that never reached the caller
}

func newOutbox(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) *outbox {
	return &outbox{
		ctx:    ctx,
		conn:   conn,
		logger: logger,
		queue:  make(chan any, outboxSize),
		done:   make(chan struct{}),
	}
}

func (o *outbox) EmitSegment(sessionID string, seg segment.Segment) {
	msg := models.NewTranscription(sessionID, seg)
	if seg.IsPartial {
		o.offer(msg)
		return
	}
	o.send(msg)
}

func (o *outbox) EmitError(sessionID string, err error) {
	o.send(models.NewErrorMessage(sessionID, audio.ErrorMessage(err)))
}

// offer queues msg if there is room.
func (o *outbox) offer(msg any) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- msg:
	default:
		o.logger.Debug().Msg("Caller outbox full, dropping partial")
	}
}

// send queues msg, waiting for room. Senders hold the read lock while
// waiting so close cannot race a pending final.
func (o *outbox) send(msg any) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.lost.Add(1)
		return
	}
	select {
	case o.queue <- msg:
	case <-o.ctx.Done():
		o.lost.Add(1)
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
}

// run writes queued messages until the queue is closed. After the first
// write failure the connection is closed and the rest are counted as lost.
func (o *outbox) run() {
	defer close(o.done)
	broken := false
	for msg := range o.queue {
		if broken {
			if !isPartial(msg) {
				o.lost.Add(1)
			}
			continue
		}
		wctx, cancel := context.WithTimeout(o.ctx, writeTimeout)
		err := wsjson.Write(wctx, o.conn, msg)
		cancel()
		if err != nil {
			broken = true
			if !isPartial(msg) {
				o.lost.Add(1)
			}
			if !errors.Is(err, context.Canceled) {
				o.logger.Warn().Err(err).Msg("Caller write failed, closing connection")
			}
			o.conn.Close(websocket.StatusPolicyViolation, "outbound delivery failed")
		}
	}
	if n := o.lost.Load(); n > 0 {
		o.logger.Warn().Int64("lost", n).Msg("Final messages not delivered to caller")
	}
}

func isPartial(msg any) bool {
	t, ok := msg.(models.Transcription)
	return ok && t.IsPartial
}
