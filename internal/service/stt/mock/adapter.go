// Package mock provides an offline STT adapter for local development without
// cloud credentials. It replays a scripted two-speaker consultation: every
// audio chunk advances the script by one partial or final transcript.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ai-scribe-gateway/internal/service/stt"
)

// Line is one scripted utterance with its progressive partials.
type Line struct {
	Speaker    string
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultScript is a short doctor (S1) / patient (S2) exchange.
var DefaultScript = []Line{
	{
		Speaker:    "S1",
		Partials:   []string{"Good", "Good morning", "Good morning what brings"},
		Final:      "Good morning, what brings you in today?",
		Confidence: 0.96,
	},
	{
		Speaker:    "S2",
		Partials:   []string{"I've had", "I've had a headache"},
		Final:      "I've had a headache for three days",
		Confidence: 0.92,
	},
	{
		Speaker:    "S2",
		Partials:   []string{"and it gets", "and it gets worse at night"},
		Final:      "and it gets worse at night.",
		Confidence: 0.9,
	},
	{
		Speaker:    "S1",
		Partials:   []string{"Any", "Any nausea or"},
		Final:      "Any nausea or sensitivity to light?",
		Confidence: 0.95,
	},
	{
		Speaker:    "S2",
		Partials:   []string{"A little", "A little nausea"},
		Final:      "A little nausea in the mornings",
		Confidence: 0.88,
	},
}

// Options tunes the simulated timing.
type Options struct {
	Script     []Line
	StartDelay time.Duration // delay before SessionStarted
	EventDelay time.Duration // delay before each transcript event
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	opts Options

	mu       sync.Mutex
	state    stt.ConnState
	handler  stt.EventHandler
	labels   map[string]string // recognizer speaker → hint label
	line     int
	step     int
	stopping bool
	events   chan stt.Event

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a mock adapter.
func New(opts Options) *Adapter {
	if len(opts.Script) == 0 {
		opts.Script = DefaultScript
	}
	return &Adapter{
		opts:   opts,
		state:  stt.StateUnconnected,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
}

// Factory returns an stt.Factory producing mock adapters.
func Factory(opts Options) stt.Factory {
	return func() stt.Adapter { return New(opts) }
}

func (a *Adapter) OnEvent(h stt.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) State() stt.ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect starts the simulated session. SessionStarted follows after StartDelay.
func (a *Adapter) Connect(ctx context.Context, token string, cfg stt.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stt.StateUnconnected {
		return fmt.Errorf("%w: adapter already used (state %s)", stt.ErrConnection, a.state)
	}
	a.state = stt.StateConnecting
	a.labels = make(map[string]string)
	for label, ids := range cfg.SpeakerHints {
		for _, id := range ids {
			a.labels[id] = label
		}
	}
	go a.deliver()
	return nil
}

// SendAudio advances the script by one step.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == stt.StateClosed || a.stopping:
		return fmt.Errorf("%w: stream closed", stt.ErrTransport)
	case a.state != stt.StateConnected:
		return fmt.Errorf("%w: state %s", stt.ErrNotConnected, a.state)
	}

	script := a.opts.Script
	if a.line >= len(script) {
		return nil
	}
	cur := script[a.line]
	if a.step < len(cur.Partials) {
		a.queue(stt.EventPartial, cur.Speaker, cur.Partials[a.step], 0)
		a.step++
		return nil
	}
	a.queue(stt.EventFinal, cur.Speaker, cur.Final, cur.Confidence)
	a.line++
	a.step = 0
	return nil
}

// queue must be called with a.mu held.
func (a *Adapter) queue(kind stt.EventKind, speaker, text string, confidence float64) {
	if label, ok := a.labels[speaker]; ok {
		speaker = label
	}
	words := strings.Fields(text)
	frags := make([]stt.Fragment, 0, len(words))
	for _, w := range words {
		frags = append(frags, stt.Fragment{Text: w, Speaker: speaker, Confidence: confidence})
	}
	select {
	case a.events <- stt.Event{Kind: kind, Fragments: frags}:
	default:
		// Consumer is far behind; drop like a lossy recognizer would.
	}
}

// Stop ends the session. Ended is delivered after any queued events.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		started := a.state != stt.StateUnconnected
		a.stopping = true
		close(a.events)
		if !started {
			a.state = stt.StateClosed
		}
		a.mu.Unlock()

		if !started {
			return
		}
		select {
		case <-a.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (a *Adapter) deliver() {
	defer close(a.done)

	timer := time.NewTimer(a.opts.StartDelay)
	<-timer.C

	a.mu.Lock()
	started := !a.stopping
	if started {
		a.state = stt.StateConnected
	}
	a.mu.Unlock()
	if started {
		a.emit(stt.Event{Kind: stt.EventSessionStarted})
	}

	for ev := range a.events {
		if a.opts.EventDelay > 0 {
			time.Sleep(a.opts.EventDelay)
		}
		a.emit(ev)
	}

	a.mu.Lock()
	a.state = stt.StateClosed
	a.mu.Unlock()
	a.emit(stt.Event{Kind: stt.EventEnded})
}

func (a *Adapter) emit(ev stt.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
