package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/service/segment"
	"ai-scribe-gateway/internal/service/stt"
)

const (
	phasePending int32 = iota
	phaseCommitted
	phaseReleased
)

// Job is a unit of work run on a session's worker, in enqueue order.
type Job func()

// Session is one transcription stream. It exclusively owns its adapter and
// segmenter. Jobs for the same session run one at a time in arrival order;
// different sessions never share a worker.
type Session struct {
	id            string
	connectionID  string
	doctorSpeaker string
	createdAt     time.Time

	adapter   stt.Adapter
	lifecycle *Lifecycle
	logger    zerolog.Logger

	mu        sync.Mutex // guards segmenter
	segmenter *segment.Segmenter

	accepting   atomic.Bool
	phase       atomic.Int32 // phasePending, phaseCommitted or phaseReleased
	queue       chan Job
	stopTimeout time.Duration
	releaseOnce sync.Once
}

func newSession(id, connectionID, doctorSpeaker string, adapter stt.Adapter, seg *segment.Segmenter, queueSize int, stopTimeout time.Duration) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Session{
		id:            id,
		connectionID:  connectionID,
		doctorSpeaker: doctorSpeaker,
		createdAt:     time.Now(),
		adapter:       adapter,
		lifecycle:     NewLifecycle(),
		logger:        logging.WithSession(connectionID, id),
		segmenter:     seg,
		queue:         make(chan Job, queueSize),
		stopTimeout:   stopTimeout,
	}
	s.accepting.Store(true)
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

// DoctorSpeaker is the recognizer speaker id supplied when the session was created.
func (s *Session) DoctorSpeaker() string { return s.doctorSpeaker }

func (s *Session) Adapter() stt.Adapter { return s.adapter }

func (s *Session) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Session) Logger() *zerolog.Logger { return &s.logger }

// Accepting reports whether the session still takes audio.
func (s *Session) Accepting() bool { return s.accepting.Load() }

// Deactivate stops the session from accepting further jobs. Jobs already
// queued are discarded once the session is released.
func (s *Session) Deactivate() { s.accepting.Store(false) }

// Enqueue schedules job on the session worker. It returns false when the
// session no longer accepts work or the queue is full.
func (s *Session) Enqueue(job Job) (accepted bool, full bool) {
	if !s.Accepting() {
		return false, false
	}
	select {
	case s.queue <- job:
		return true, false
	default:
		return false, true
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.lifecycle.Done():
			return
		case job := <-s.queue:
			if s.lifecycle.IsClosed() {
				return
			}
			job()
		}
	}
}

// Apply feeds a recognition event to the segmenter and hands each resulting
// segment to emit while the session lock is held, so segments of a session
// reach emit in the order they were built. Events arriving after the session
// was deactivated are dropped.
func (s *Session) Apply(ev stt.Event, emit func(segment.Segment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Accepting() {
		return
	}
	for _, seg := range s.segmenter.Handle(ev) {
		emit(seg)
	}
}

// Flush closes the open turn, if any, and hands it to emit under the session
// lock. It reports whether a segment was emitted.
func (s *Session) Flush(emit func(segment.Segment)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segmenter.Flush()
	if ok {
		emit(seg)
	}
	return ok
}

// release deactivates the session, closes its lifecycle and stops the adapter
// in the background. Stop errors and timeouts are logged and dropped.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.Deactivate()
		s.lifecycle.Close()

		adapter, timeout, logger := s.adapter, s.stopTimeout, s.logger
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := adapter.Stop(ctx); err != nil {
				logger.Debug().Err(err).Msg("Upstream stop failed, ignoring")
			}
		}()
	})
}
