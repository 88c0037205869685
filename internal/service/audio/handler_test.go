package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ai-scribe-gateway/internal/models"
	"ai-scribe-gateway/internal/observability/metrics"
	"ai-scribe-gateway/internal/service/credential"
	"ai-scribe-gateway/internal/service/segment"
	"ai-scribe-gateway/internal/service/stt"
)

// fakeAdapter records calls and lets tests push upstream events.
type fakeAdapter struct {
	mu         sync.Mutex
	handler    stt.EventHandler
	state      stt.ConnState
	token      string
	cfg        stt.Config
	connects   int
	audio      [][]byte
	connectErr error
	sendErr    error
	autoStart  bool
	stopped    bool
}

func (a *fakeAdapter) OnEvent(h stt.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *fakeAdapter) Connect(ctx context.Context, token string, cfg stt.Config) error {
	a.mu.Lock()
	a.connects++
	a.token, a.cfg = token, cfg
	if a.connectErr != nil {
		a.state = stt.StateClosed
		a.mu.Unlock()
		return a.connectErr
	}
	a.state = stt.StateConnecting
	autoStart := a.autoStart
	a.mu.Unlock()

	if autoStart {
		go func() {
			a.mu.Lock()
			a.state = stt.StateConnected
			a.mu.Unlock()
			a.push(stt.Event{Kind: stt.EventSessionStarted})
		}()
	}
	return nil
}

func (a *fakeAdapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.audio = append(a.audio, append([]byte(nil), audio...))
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.state = stt.StateClosed
	return nil
}

func (a *fakeAdapter) State() stt.ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAdapter) push(ev stt.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (a *fakeAdapter) final(speaker, text string) {
	a.push(stt.Event{Kind: stt.EventFinal, Fragments: []stt.Fragment{{Text: text, Speaker: speaker}}})
}

func (a *fakeAdapter) snapshot() (connects int, audio [][]byte, stopped bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, append([][]byte(nil), a.audio...), a.stopped
}

type fakeFactory struct {
	mu        sync.Mutex
	made      []*fakeAdapter
	configure func(*fakeAdapter)
}

func (f *fakeFactory) New() stt.Adapter {
	a := &fakeAdapter{autoStart: true}
	if f.configure != nil {
		f.configure(a)
	}
	f.mu.Lock()
	f.made = append(f.made, a)
	f.mu.Unlock()
	return a
}

func (f *fakeFactory) get(t *testing.T, i int) *fakeAdapter {
	t.Helper()
	var a *fakeAdapter
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.made) > i {
			a = f.made[i]
			return true
		}
		return false
	})
	return a
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
	delay time.Duration
}

func (f *fakeIssuer) Issue(ctx context.Context, ttl time.Duration) (string, error) {
	f.mu.Lock()
	f.calls++
	block, delay := f.block, f.delay
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", credential.ErrCredential, ctx.Err())
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "temp-key", nil
}

type emitted struct {
	sessionID string
	seg       segment.Segment
}

type emittedErr struct {
	sessionID    string
	err          error
	sessionsLeft int
}

type recordingEmitter struct {
	mu       sync.Mutex
	segments []emitted
	errs     []emittedErr
	sessions func() int
}

func (e *recordingEmitter) EmitSegment(sessionID string, seg segment.Segment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = append(e.segments, emitted{sessionID, seg})
}

func (e *recordingEmitter) EmitError(sessionID string, err error) {
	left := -1
	if e.sessions != nil {
		left = e.sessions()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, emittedErr{sessionID, err, left})
}

func (e *recordingEmitter) finals(sessionID string) []segment.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []segment.Segment
	for _, s := range e.segments {
		if s.sessionID == sessionID && !s.seg.IsPartial {
			out = append(out, s.seg)
		}
	}
	return out
}

func (e *recordingEmitter) errors() []emittedErr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emittedErr(nil), e.errs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.TranscriptEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.TranscriptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	h         *Handler
	factory   *fakeFactory
	issuer    *fakeIssuer
	out       *recordingEmitter
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		ConnectTimeout: time.Second,
		StopTimeout:    100 * time.Millisecond,
		QueueSize:      16,
		Provider:       "fake",
		STT:            stt.Config{Language: "en", Diarization: "speaker", EnablePartials: true},
		DoctorLabel:    "Doctor",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hs := &harness{
		factory:   &fakeFactory{},
		issuer:    &fakeIssuer{},
		out:       &recordingEmitter{},
		publisher: &recordingPublisher{},
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	hs.h = NewHandler("conn-1", cfg, Deps{
		Issuer:    hs.issuer,
		Adapters:  hs.factory.New,
		Segments:  segment.New(),
		Publisher: hs.publisher,
		Metrics:   hs.metrics,
	}, hs.out)
	hs.out.sessions = hs.h.Registry().Len
	t.Cleanup(hs.h.Disconnect)
	return hs
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func chunk(payload string) string {
	return "data:audio/webm;codecs=opus;base64," + base64.StdEncoding.EncodeToString([]byte(payload))
}

func waitForwarded(t *testing.T, a *fakeAdapter, n int) {
	t.Helper()
	eventually(t, func() bool {
		_, audio, _ := a.snapshot()
		return len(audio) >= n
	})
}

func TestHandler_ForwardsDecodedAudio(t *testing.T) {
	hs := newHarness(t, nil)

	hs.h.HandleAudio("visit-1", chunk("pcm-1"), "S2")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	_, audio, _ := a.snapshot()
	if string(audio[0]) != "pcm-1" {
		t.Errorf("expected decoded payload, got %q", audio[0])
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "temp-key" {
		t.Errorf("expected issued token, got %q", a.token)
	}
	if hints := a.cfg.SpeakerHints["Doctor"]; len(hints) != 1 || hints[0] != "S2" {
		t.Errorf("expected Doctor speaker hint S2, got %v", a.cfg.SpeakerHints)
	}
	if a.cfg.Language != "en" || a.cfg.Diarization != "speaker" {
		t.Errorf("expected base config forwarded, got %+v", a.cfg)
	}
}

func TestHandler_NoSpeakerHintWithoutDoctor(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("visit-1", chunk("x"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.SpeakerHints != nil {
		t.Errorf("expected no speaker hints, got %v", a.cfg.SpeakerHints)
	}
}

func TestHandler_DefaultSessionID(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.DefaultSessionID = "single" })
	hs.h.HandleAudio("", chunk("x"), "")
	waitForwarded(t, hs.factory.get(t, 0), 1)

	if _, ok := hs.h.Registry().Get("single"); !ok {
		t.Error("expected session under default id")
	}
}

func TestHandler_ConnectsAtMostOnce(t *testing.T) {
	hs := newHarness(t, nil)
	hs.factory.configure = func(a *fakeAdapter) { a.autoStart = false }

	for i := 0; i < 5; i++ {
		hs.h.HandleAudio("a", chunk(string(rune('0'+i))), "")
	}
	a := hs.factory.get(t, 0)
	eventually(t, func() bool {
		c, _, _ := a.snapshot()
		return c == 1
	})
	a.push(stt.Event{Kind: stt.EventSessionStarted})
	waitForwarded(t, a, 5)

	connects, audio, _ := a.snapshot()
	if connects != 1 {
		t.Errorf("expected exactly one connect, got %d", connects)
	}
	for i, b := range audio {
		if string(b) != string(rune('0'+i)) {
			t.Fatalf("chunks forwarded out of order: %q", audio)
		}
	}
	hs.issuer.mu.Lock()
	defer hs.issuer.mu.Unlock()
	if hs.issuer.calls != 1 {
		t.Errorf("expected one credential, got %d", hs.issuer.calls)
	}
}

func TestHandler_StopFlushesOpenTurn(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", chunk("x"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	a.final("S1", "still")
	a.final("S1", "talking ")
	hs.h.HandleStop("a")

	finals := hs.out.finals("a")
	if len(finals) != 1 || finals[0].Text != "still talking" || finals[0].Speaker != "S1" {
		t.Fatalf("expected one flushed final, got %+v", finals)
	}
	if hs.h.Registry().Len() != 0 {
		t.Error("expected session removed after stop")
	}
	eventually(t, func() bool {
		_, _, stopped := a.snapshot()
		return stopped
	})

	// Late upstream output is discarded.
	a.final("S1", "after stop.")
	if got := hs.out.finals("a"); len(got) != 1 {
		t.Errorf("expected no segments after stop, got %+v", got)
	}
}

func TestHandler_StopUnknownSession(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleStop("nope")
	hs.h.HandleStop("nope")
	if len(hs.out.errors()) != 0 || len(hs.out.segments) != 0 {
		t.Error("expected stop of unknown session to be silent")
	}
}

func TestHandler_SessionIsolation(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", chunk("a1"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)
	hs.h.HandleAudio("b", chunk("b1"), "")
	b := hs.factory.get(t, 1)
	waitForwarded(t, b, 1)

	a.final("S1", "Hello")
	b.final("S2", "Unrelated words")
	hs.h.HandleAudio("b", chunk("b2"), "")
	a.final("S1", "there.")
	b.final("S1", "more.")

	finals := hs.out.finals("a")
	if len(finals) != 1 || finals[0].Text != "Hello there." || finals[0].Speaker != "S1" {
		t.Errorf("session a affected by b: %+v", finals)
	}
	bf := hs.out.finals("b")
	if len(bf) != 2 || bf[0].Text != "Unrelated words" || bf[1].Text != "more." {
		t.Errorf("unexpected session b output: %+v", bf)
	}
	if _, audio, _ := a.snapshot(); len(audio) != 1 {
		t.Errorf("session a received b's audio: %d chunks", len(audio))
	}
}

func TestHandler_ConnectionTimeout(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.ConnectTimeout = 50 * time.Millisecond })
	hs.factory.configure = func(a *fakeAdapter) { a.autoStart = false }

	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })

	e := hs.out.errors()[0]
	if ErrorKind(e.err) != "ConnectionTimeout" || e.sessionID != "a" {
		t.Errorf("expected ConnectionTimeout for a, got %s %v", e.sessionID, e.err)
	}
	if e.sessionsLeft != 0 {
		t.Error("expected session destroyed before the error was surfaced")
	}
}

func TestHandler_CredentialError(t *testing.T) {
	hs := newHarness(t, nil)
	hs.issuer.err = errors.Join(credential.ErrCredential, errors.New("missing secret"))

	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })

	e := hs.out.errors()[0]
	if ErrorKind(e.err) != "CredentialError" {
		t.Errorf("expected CredentialError, got %v", e.err)
	}
	if e.sessionsLeft != 0 {
		t.Error("expected no session left after credential failure")
	}
	if c, _, _ := hs.factory.get(t, 0).snapshot(); c != 0 {
		t.Error("expected no upstream connect without credential")
	}
	if got := testutil.ToFloat64(hs.metrics.SessionsCreated); got != 0 {
		t.Errorf("expected no session counted as created, got %v", got)
	}
	if got := testutil.ToFloat64(hs.metrics.SessionsActive); got != 0 {
		t.Errorf("expected no active sessions, got %v", got)
	}

	// A retry under the same id starts a fresh session.
	hs.issuer.mu.Lock()
	hs.issuer.err = nil
	hs.issuer.mu.Unlock()
	hs.h.HandleAudio("a", chunk("y"), "")
	waitForwarded(t, hs.factory.get(t, 1), 1)
	if got := testutil.ToFloat64(hs.metrics.SessionsCreated); got != 1 {
		t.Errorf("expected the retried session counted once, got %v", got)
	}
}

func TestHandler_ConnectBudgetIncludesCredential(t *testing.T) {
	const budget = 200 * time.Millisecond
	hs := newHarness(t, func(c *Config) { c.ConnectTimeout = budget })
	hs.factory.configure = func(a *fakeAdapter) { a.autoStart = false }
	hs.issuer.delay = 150 * time.Millisecond

	start := time.Now()
	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })
	elapsed := time.Since(start)

	if kind := ErrorKind(hs.out.errors()[0].err); kind != "ConnectionTimeout" {
		t.Errorf("expected ConnectionTimeout, got %s", kind)
	}
	// Issuance (150ms) plus a fresh wait would take 350ms.
	if elapsed >= budget+100*time.Millisecond {
		t.Errorf("connect took %s, expected one %s budget", elapsed, budget)
	}
}

func TestHandler_SlowCredentialTimesOut(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.ConnectTimeout = 50 * time.Millisecond })
	hs.issuer.delay = time.Second

	start := time.Now()
	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })

	if time.Since(start) > 500*time.Millisecond {
		t.Error("credential issuance was not bounded by the connect timeout")
	}
	if c, _, _ := hs.factory.get(t, 0).snapshot(); c != 0 {
		t.Error("expected no upstream connect without credential")
	}
}

func TestHandler_ConnectError(t *testing.T) {
	hs := newHarness(t, nil)
	hs.factory.configure = func(a *fakeAdapter) {
		a.connectErr = errors.Join(stt.ErrConnection, errors.New("handshake rejected"))
	}

	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })
	if e := hs.out.errors()[0]; ErrorKind(e.err) != "ConnectionError" || e.sessionsLeft != 0 {
		t.Errorf("unexpected error %+v", e)
	}
}

func TestHandler_DecodeErrorKeepsSession(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", "data:audio/webm;base64,@@not-base64@@", "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })

	if e := hs.out.errors()[0]; ErrorKind(e.err) != "DecodeError" {
		t.Errorf("expected DecodeError, got %v", e.err)
	}
	if hs.h.Registry().Len() != 1 {
		t.Error("expected session to survive a decode error")
	}

	hs.h.HandleAudio("a", chunk("ok"), "")
	waitForwarded(t, hs.factory.get(t, 0), 1)
	if v := testutil.ToFloat64(hs.metrics.AudioChunksDropped.WithLabelValues("decode")); v != 1 {
		t.Errorf("expected 1 decode drop, got %v", v)
	}
}

func TestHandler_UpstreamErrorDestroysBeforeNotify(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", chunk("x"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	a.final("S1", "open turn")
	a.push(stt.Event{Kind: stt.EventError, Err: errors.Join(stt.ErrTransport, errors.New("socket closed"))})

	errs := hs.out.errors()
	if len(errs) != 1 || ErrorKind(errs[0].err) != "TransportError" {
		t.Fatalf("expected one TransportError, got %+v", errs)
	}
	if errs[0].sessionsLeft != 0 {
		t.Error("expected session destroyed before notify")
	}
	if len(hs.out.finals("a")) != 0 {
		t.Error("expected open turn discarded on fatal error")
	}

	// A duplicate error for the gone session is not surfaced again.
	a.push(stt.Event{Kind: stt.EventError, Message: "again"})
	if len(hs.out.errors()) != 1 {
		t.Error("expected duplicate error suppressed")
	}
}

func TestHandler_SendTransportError(t *testing.T) {
	hs := newHarness(t, nil)
	hs.factory.configure = func(a *fakeAdapter) {
		a.sendErr = errors.Join(stt.ErrTransport, errors.New("broken pipe"))
	}

	hs.h.HandleAudio("a", chunk("x"), "")
	eventually(t, func() bool { return len(hs.out.errors()) == 1 })
	if e := hs.out.errors()[0]; ErrorKind(e.err) != "TransportError" || e.sessionsLeft != 0 {
		t.Errorf("unexpected error %+v", e)
	}
}

func TestHandler_EndedFlushesAndRemoves(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", chunk("x"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	a.final("S2", "I feel fine")
	a.push(stt.Event{Kind: stt.EventEnded})

	finals := hs.out.finals("a")
	if len(finals) != 1 || finals[0].Text != "I feel fine" {
		t.Errorf("expected flushed final on Ended, got %+v", finals)
	}
	if hs.h.Registry().Len() != 0 {
		t.Error("expected session removed on Ended")
	}
}

func TestHandler_QueueFullDropsChunk(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.QueueSize = 1 })
	hs.issuer.block = make(chan struct{})

	hs.h.HandleAudio("a", chunk("1"), "")
	eventually(t, func() bool {
		hs.issuer.mu.Lock()
		defer hs.issuer.mu.Unlock()
		return hs.issuer.calls == 1
	})
	hs.h.HandleAudio("a", chunk("2"), "")
	hs.h.HandleAudio("a", chunk("3"), "")

	if v := testutil.ToFloat64(hs.metrics.AudioChunksDropped.WithLabelValues("queue_full")); v != 1 {
		t.Errorf("expected 1 queue_full drop, got %v", v)
	}

	close(hs.issuer.block)
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 2)
	if _, audio, _ := a.snapshot(); string(audio[0]) != "1" || string(audio[1]) != "2" {
		t.Errorf("unexpected forwarded chunks %q", audio)
	}
}

func TestHandler_DisconnectFlushesAll(t *testing.T) {
	hs := newHarness(t, nil)
	for i, id := range []string{"a", "b"} {
		hs.h.HandleAudio(id, chunk("x"), "")
		waitForwarded(t, hs.factory.get(t, i), 1)
	}
	hs.factory.get(t, 0).final("S1", "first open")
	hs.factory.get(t, 1).final("S2", "second open")

	hs.h.Disconnect()

	if f := hs.out.finals("a"); len(f) != 1 || f[0].Text != "first open" {
		t.Errorf("session a not flushed: %+v", f)
	}
	if f := hs.out.finals("b"); len(f) != 1 || f[0].Text != "second open" {
		t.Errorf("session b not flushed: %+v", f)
	}
	if hs.h.Registry().Len() != 0 {
		t.Error("expected all sessions destroyed")
	}
}

func TestHandler_PublishesSegments(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.HandleAudio("a", chunk("x"), "")
	a := hs.factory.get(t, 0)
	waitForwarded(t, a, 1)

	a.push(stt.Event{Kind: stt.EventPartial, Fragments: []stt.Fragment{{Text: "Hel", Speaker: "S1"}}})
	a.final("S1", "Hello.")

	hs.publisher.mu.Lock()
	defer hs.publisher.mu.Unlock()
	if len(hs.publisher.events) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(hs.publisher.events))
	}
	p, f := hs.publisher.events[0], hs.publisher.events[1]
	if p.EventType != "partial" || f.EventType != "final" || f.ConnectionID != "conn-1" {
		t.Errorf("unexpected events %+v %+v", p, f)
	}
	if p.SegmentID != f.SegmentID {
		t.Errorf("expected preview and final to share id, got %s and %s", p.SegmentID, f.SegmentID)
	}
}

func TestErrorMessage_Prefix(t *testing.T) {
	err := errors.Join(ErrDecode, errors.New("bad"))
	if msg := ErrorMessage(err); !strings.HasPrefix(msg, "DecodeError: ") {
		t.Errorf("unexpected message %q", msg)
	}
	if ErrorKind(errors.New("other")) != "InternalError" {
		t.Error("expected InternalError for unknown errors")
	}
}
