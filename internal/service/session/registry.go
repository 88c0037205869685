package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/observability/metrics"
	"ai-scribe-gateway/internal/service/segment"
	"ai-scribe-gateway/internal/service/stt"
)

// Destroy reasons, used as metric labels.
const (
	ReasonStop       = "stop"
	ReasonDisconnect = "disconnect"
	ReasonError      = "error"
	ReasonEnded      = "ended"
)

// Options configures a Registry.
type Options struct {
	ConnectionID string
	Adapters     stt.Factory
	Segments     *segment.Generator
	QueueSize    int
	StopTimeout  time.Duration
	Metrics      *metrics.Metrics
}

// Registry maps session ids to live sessions for one caller connection.
// Safe for concurrent use.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Segments == nil {
		opts.Segments = segment.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	return &Registry{
		opts:     opts,
		logger:   logging.WithConnection(opts.ConnectionID),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for id, registering it when absent.
// The doctor speaker hint only applies to a newly registered session. A new
// session is pending until Commit; a pending session that is torn down was
// never created as far as metrics are concerned.
func (r *Registry) GetOrCreate(id, doctorSpeaker string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}

	m := r.opts.Metrics
	seg := segment.NewSegmenter(id, r.opts.Segments, segment.WithSuppressedHook(m.RecordPartialSuppressed))
	s = newSession(id, r.opts.ConnectionID, doctorSpeaker, r.opts.Adapters(), seg, r.opts.QueueSize, r.opts.StopTimeout)
	r.sessions[id] = s

	r.logger.Debug().
		Str("sessionId", id).
		Str("doctorSpeaker", doctorSpeaker).
		Int("sessions", len(r.sessions)).
		Msg("Session registered")
	return s, true
}

// Commit marks s as created once its upstream credential has been obtained.
// It returns false if s was already committed or torn down.
func (r *Registry) Commit(s *Session) bool {
	if !s.phase.CompareAndSwap(phasePending, phaseCommitted) {
		return false
	}
	r.opts.Metrics.RecordSessionCreated()
	r.logger.Info().
		Str("sessionId", s.id).
		Str("doctorSpeaker", s.doctorSpeaker).
		Msg("Session created")
	return true
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy stops and removes the session for id. Unknown ids are a no-op.
// Returns true if a session was removed.
func (r *Registry) Destroy(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.teardown(s, reason)
	return true
}

// Remove destroys s only if it is still the session registered under its id.
// A late teardown of an old session never removes a newer one with the same id.
func (r *Registry) Remove(s *Session, reason string) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	if ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	if !ok || cur != s {
		s.release()
		return false
	}
	r.teardown(s, reason)
	return true
}

// DestroyAll destroys every registered session.
func (r *Registry) DestroyAll(reason string) int {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.teardown(s, reason)
	}
	return len(all)
}

// Sessions returns a snapshot of live sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) teardown(s *Session, reason string) {
	s.release()
	lifetime := time.Since(s.createdAt)
	if s.phase.Swap(phaseReleased) != phaseCommitted {
		r.logger.Debug().
			Str("sessionId", s.id).
			Str("reason", reason).
			Msg("Pending session discarded")
		return
	}
	r.opts.Metrics.RecordSessionDestroyed(reason, lifetime.Seconds())
	r.logger.Info().
		Str("sessionId", s.id).
		Str("reason", reason).
		Dur("lifetime", lifetime).
		Msg("Session destroyed")
}
