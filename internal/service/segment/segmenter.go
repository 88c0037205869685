package segment

import (
	"strings"
	"time"

	"ai-scribe-gateway/internal/service/stt"
)

// DefaultSpeaker is used when the first fragment of an event has no speaker.
const DefaultSpeaker = "S1"

// TimestampLayout is the time-of-day format stamped on every segment.
const TimestampLayout = "15:04:05"

// Segment is one display unit. A partial is a preview of the open turn and may
// be replaced; a final is never revised.
type Segment struct {
	ID        string
	Speaker   string
	Text      string
	Timestamp string
	IsPartial bool
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// WithSuppressedHook registers fn to be called for every suppressed partial.
func WithSuppressedHook(fn func()) Option {
	return func(s *Segmenter) { s.onSuppressed = fn }
}

// Segmenter is the speaker-turn state machine of one session. It holds at most
// one open turn. It is not safe for concurrent use; the owning session
// serializes access.
type Segmenter struct {
	sessionID string
	ids       *Generator
	now       func() time.Time

	onSuppressed func()

	speaker string // "" means no open turn
	text    string
	turnID  string
}

// NewSegmenter creates the segmenter for sessionID. Segment ids come from ids.
func NewSegmenter(sessionID string, ids *Generator, opts ...Option) *Segmenter {
	s := &Segmenter{
		sessionID: sessionID,
		ids:       ids,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle applies a transcript event and returns the segments to emit, in order.
// Non-transcript events and events with no text produce nothing.
func (s *Segmenter) Handle(ev stt.Event) []Segment {
	text := Normalize(ev.Text())
	if text == "" {
		return nil
	}
	speaker := ev.Speaker()
	if speaker == "" {
		speaker = DefaultSpeaker
	}

	switch ev.Kind {
	case stt.EventPartial:
		if seg, ok := s.Partial(speaker, text); ok {
			return []Segment{seg}
		}
		return nil
	case stt.EventFinal:
		return s.Final(speaker, text)
	default:
		return nil
	}
}

// Partial builds a preview of the open turn extended by text. Previews for a
// speaker other than the one holding the floor are suppressed. State is not
// modified apart from reserving the open turn's id.
func (s *Segmenter) Partial(speaker, text string) (Segment, bool) {
	if text == "" {
		return Segment{}, false
	}
	if s.speaker != "" && s.speaker != speaker {
		if s.onSuppressed != nil {
			s.onSuppressed()
		}
		return Segment{}, false
	}
	return s.segment(speaker, join(s.text, text), true), true
}

// Final applies settled text for speaker. A speaker change closes the open
// turn; terminal punctuation closes the resulting one.
func (s *Segmenter) Final(speaker, text string) []Segment {
	if text == "" {
		return nil
	}

	var out []Segment
	if speaker != s.speaker && s.text != "" {
		out = append(out, s.closeTurn())
		s.speaker = speaker
		s.text = text
	} else {
		s.text = join(s.text, text)
		s.speaker = speaker
	}

	if n := len(s.text); n > 0 && isTerminal(s.text[n-1]) {
		out = append(out, s.closeTurn())
	}
	return out
}

// Flush closes the open turn, if it has text.
func (s *Segmenter) Flush() (Segment, bool) {
	if strings.TrimSpace(s.text) == "" {
		s.reset()
		return Segment{}, false
	}
	return s.closeTurn(), true
}

// Open reports the open turn's speaker and text.
func (s *Segmenter) Open() (speaker, text string) {
	return s.speaker, s.text
}

func (s *Segmenter) closeTurn() Segment {
	seg := s.segment(s.speaker, strings.TrimSpace(s.text), false)
	s.reset()
	return seg
}

func (s *Segmenter) reset() {
	s.speaker = ""
	s.text = ""
	s.turnID = ""
}

func (s *Segmenter) segment(speaker, text string, partial bool) Segment {
	if s.turnID == "" {
		s.turnID = s.ids.Next(s.sessionID)
	}
	return Segment{
		ID:        s.turnID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.now().Format(TimestampLayout),
		IsPartial: partial,
	}
}
