package segment

import (
	"testing"
	"time"

	"ai-scribe-gateway/internal/service/stt"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 14, 5, 9, 0, time.Local)
}

func newTestSegmenter(opts ...Option) *Segmenter {
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	return NewSegmenter("sess", New(), opts...)
}

func final(speaker string, words ...string) stt.Event {
	return transcript(stt.EventFinal, speaker, words...)
}

func partial(speaker string, words ...string) stt.Event {
	return transcript(stt.EventPartial, speaker, words...)
}

func transcript(kind stt.EventKind, speaker string, words ...string) stt.Event {
	ev := stt.Event{Kind: kind}
	for _, w := range words {
		ev.Fragments = append(ev.Fragments, stt.Fragment{Text: w, Speaker: speaker})
	}
	return ev
}

func TestSegmenter_AutoCloseOnTerminalPunctuation(t *testing.T) {
	s := newTestSegmenter()

	if out := s.Handle(final("S1", "Hello")); len(out) != 0 {
		t.Fatalf("expected no output for open turn, got %+v", out)
	}
	out := s.Handle(final("S1", "there."))
	if len(out) != 1 {
		t.Fatalf("expected exactly one final segment, got %d", len(out))
	}
	if out[0].Speaker != "S1" || out[0].Text != "Hello there." || out[0].IsPartial {
		t.Errorf("unexpected segment %+v", out[0])
	}
	if out[0].Timestamp != "14:05:09" {
		t.Errorf("expected timestamp 14:05:09, got %s", out[0].Timestamp)
	}
	if spk, text := s.Open(); spk != "" || text != "" {
		t.Errorf("expected turn closed, got %q/%q", spk, text)
	}
}

func TestSegmenter_SpeakerChangeClosesTurn(t *testing.T) {
	s := newTestSegmenter()

	s.Handle(final("S1", "I feel fine"))
	out := s.Handle(final("S2", "Good to hear"))

	if len(out) != 1 {
		t.Fatalf("expected one final segment, got %d", len(out))
	}
	if out[0].Speaker != "S1" || out[0].Text != "I feel fine" || out[0].IsPartial {
		t.Errorf("unexpected segment %+v", out[0])
	}
	if spk, text := s.Open(); spk != "S2" || text != "Good to hear" {
		t.Errorf("expected open turn S2/'Good to hear', got %q/%q", spk, text)
	}
}

func TestSegmenter_SpeakerChangeThenTerminal(t *testing.T) {
	s := newTestSegmenter()

	s.Handle(final("S1", "I feel fine"))
	out := s.Handle(final("S2", "Good", "to", "hear", "."))

	if len(out) != 2 {
		t.Fatalf("expected two finals, got %d", len(out))
	}
	if out[0].Speaker != "S1" || out[0].Text != "I feel fine" {
		t.Errorf("unexpected first segment %+v", out[0])
	}
	if out[1].Speaker != "S2" || out[1].Text != "Good to hear." {
		t.Errorf("unexpected second segment %+v", out[1])
	}
	if out[0].ID == out[1].ID {
		t.Errorf("expected distinct ids for distinct turns, got %s twice", out[0].ID)
	}
}

func TestSegmenter_PartialFromOtherSpeakerSuppressed(t *testing.T) {
	suppressed := 0
	s := newTestSegmenter(WithSuppressedHook(func() { suppressed++ }))

	s.Handle(final("S1", "I was saying"))
	out := s.Handle(partial("S2", "but"))

	if len(out) != 0 {
		t.Errorf("expected partial to be suppressed, got %+v", out)
	}
	if suppressed != 1 {
		t.Errorf("expected suppressed hook once, got %d", suppressed)
	}
	if spk, text := s.Open(); spk != "S1" || text != "I was saying" {
		t.Errorf("suppressed partial changed state: %q/%q", spk, text)
	}
}

func TestSegmenter_PartialPreviewDoesNotMutate(t *testing.T) {
	s := newTestSegmenter()

	s.Handle(final("S1", "The pain started"))
	out := s.Handle(partial("S1", "last"))
	if len(out) != 1 || !out[0].IsPartial || out[0].Text != "The pain started last" {
		t.Fatalf("unexpected preview %+v", out)
	}
	out = s.Handle(partial("S1", "last", "week"))
	if len(out) != 1 || out[0].Text != "The pain started last week" {
		t.Fatalf("preview not recomputed from open turn: %+v", out)
	}
	if _, text := s.Open(); text != "The pain started" {
		t.Errorf("preview mutated open turn: %q", text)
	}
}

func TestSegmenter_PartialWithNoOpenTurn(t *testing.T) {
	s := newTestSegmenter()

	out := s.Handle(partial("S2", "Hi"))
	if len(out) != 1 || out[0].Speaker != "S2" || out[0].Text != "Hi" || !out[0].IsPartial {
		t.Fatalf("unexpected preview %+v", out)
	}
	if spk, _ := s.Open(); spk != "" {
		t.Errorf("preview opened a turn for %q", spk)
	}
}

func TestSegmenter_PreviewSharesIDWithFinal(t *testing.T) {
	s := newTestSegmenter()

	preview := s.Handle(partial("S1", "Hello"))
	fin := s.Handle(final("S1", "Hello."))

	if len(preview) != 1 || len(fin) != 1 {
		t.Fatalf("expected one preview and one final, got %d/%d", len(preview), len(fin))
	}
	if preview[0].ID != fin[0].ID {
		t.Errorf("expected preview id %s to match final id %s", preview[0].ID, fin[0].ID)
	}

	next := s.Handle(partial("S1", "Next"))
	if next[0].ID == fin[0].ID {
		t.Errorf("expected a new id after the turn closed")
	}
}

func TestSegmenter_PunctuationJoinsWithoutSpace(t *testing.T) {
	s := newTestSegmenter()

	s.Handle(final("S1", "Hello"))
	out := s.Handle(final("S1", ", doctor"))
	if len(out) != 0 {
		t.Fatalf("unexpected output %+v", out)
	}
	if _, text := s.Open(); text != "Hello, doctor" {
		t.Errorf("expected 'Hello, doctor', got %q", text)
	}
}

func TestSegmenter_AccumulatesUntilBoundary(t *testing.T) {
	s := newTestSegmenter()

	for _, w := range []string{"one", "two", "three", "four"} {
		if out := s.Handle(final("S1", w)); len(out) != 0 {
			t.Fatalf("unexpected emission on %q: %+v", w, out)
		}
	}
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("expected flush to emit the open turn")
	}
	if seg.Text != "one two three four" || seg.IsPartial {
		t.Errorf("unexpected flushed segment %+v", seg)
	}
}

func TestSegmenter_FlushEmpty(t *testing.T) {
	s := newTestSegmenter()

	if _, ok := s.Flush(); ok {
		t.Error("expected no segment when no turn is open")
	}

	s.Handle(final("S1", "Done."))
	if _, ok := s.Flush(); ok {
		t.Error("expected no segment after auto-close")
	}
}

func TestSegmenter_DefaultSpeaker(t *testing.T) {
	s := newTestSegmenter()

	out := s.Handle(final("", "Unlabelled."))
	if len(out) != 1 || out[0].Speaker != DefaultSpeaker {
		t.Errorf("expected default speaker %s, got %+v", DefaultSpeaker, out)
	}
}

func TestSegmenter_EmptyTextIgnored(t *testing.T) {
	s := newTestSegmenter()

	s.Handle(final("S1", "Keep"))
	if out := s.Handle(final("S2", "   ")); len(out) != 0 {
		t.Errorf("expected no output for empty text, got %+v", out)
	}
	if out := s.Handle(partial("S1")); len(out) != 0 {
		t.Errorf("expected no output for empty partial, got %+v", out)
	}
	if spk, text := s.Open(); spk != "S1" || text != "Keep" {
		t.Errorf("empty event changed state: %q/%q", spk, text)
	}
}

func TestSegmenter_IgnoresNonTranscriptEvents(t *testing.T) {
	s := newTestSegmenter()

	for _, kind := range []stt.EventKind{stt.EventSessionStarted, stt.EventError, stt.EventEnded} {
		if out := s.Handle(transcript(kind, "S1", "text")); len(out) != 0 {
			t.Errorf("%v: expected no output, got %+v", kind, out)
		}
	}
}

func TestSegmenter_SentenceBoundaryVariants(t *testing.T) {
	for _, mark := range []string{".", "!", "?"} {
		s := newTestSegmenter()
		s.Handle(final("S1", "Are you sure"))
		out := s.Handle(final("S1", mark))
		if len(out) != 1 || out[0].Text != "Are you sure"+mark {
			t.Errorf("mark %q: unexpected output %+v", mark, out)
		}
	}
}
