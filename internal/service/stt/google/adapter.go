// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/service/stt"
)

// Config holds provider defaults not covered by stt.Config.
type Config struct {
	LanguageCode    string
	SampleRateHz    int32
	AudioEncoding   string // LINEAR16, MULAW, FLAC, WEBM_OPUS, ...
	MinSpeakerCount int32
	MaxSpeakerCount int32
}

// DefaultConfig returns sensible defaults for browser audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:    "en-US",
		SampleRateHz:    16000,
		AudioEncoding:   "LINEAR16",
		MinSpeakerCount: 2,
		MaxSpeakerCount: 4,
	}
}

// recognizeStream is the subset of the streaming client the adapter uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type streamOpener func(ctx context.Context) (recognizeStream, error)

// Adapter implements stt.Adapter using Google streaming recognition with
// speaker diarization. Google has no explicit session acknowledgment, so the
// session counts as started once the streaming config has been accepted.
type Adapter struct {
	open   streamOpener
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	state    stt.ConnState
	handler  stt.EventHandler
	stream   recognizeStream
	cancel   context.CancelFunc
	stopping bool

	sendMu   sync.Mutex
	finished chan struct{}
	stopOnce sync.Once
}

// NewClient creates the shared Speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
func NewClient(ctx context.Context) (*speech.Client, error) {
	return speech.NewClient(ctx)
}

// Factory returns an stt.Factory whose adapters share client.
func Factory(client *speech.Client, cfg Config) stt.Factory {
	open := func(ctx context.Context) (recognizeStream, error) {
		return client.StreamingRecognize(ctx)
	}
	return func() stt.Adapter { return newAdapter(open, cfg) }
}

func newAdapter(open streamOpener, cfg Config) *Adapter {
	return &Adapter{
		open:     open,
		cfg:      cfg,
		logger:   logging.WithComponent("stt.google"),
		state:    stt.StateUnconnected,
		finished: make(chan struct{}),
	}
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

// Connect opens the stream and sends the streaming config. The token is
// unused; credentials come from the environment.
func (a *Adapter) Connect(ctx context.Context, token string, cfg stt.Config) error {
	a.mu.Lock()
	if a.state != stt.StateUnconnected {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter already used (state %s)", stt.ErrConnection, a.state)
	}
	a.state = stt.StateConnecting
	a.mu.Unlock()

	// The stream outlives the connect call, so it gets its own context.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := a.open(streamCtx)
	if err != nil {
		cancel()
		a.fail()
		return fmt.Errorf("%w: open stream: %v", stt.ErrConnection, err)
	}

	if err := stream.Send(a.configRequest(cfg)); err != nil {
		cancel()
		a.fail()
		return fmt.Errorf("%w: send streaming config: %v", stt.ErrConnection, err)
	}

	a.mu.Lock()
	if a.state == stt.StateClosed {
		a.mu.Unlock()
		cancel()
		close(a.finished)
		return fmt.Errorf("%w: stopped during connect", stt.ErrConnection)
	}
	a.stream = stream
	a.cancel = cancel
	a.state = stt.StateConnected
	a.mu.Unlock()

	go a.listen(stream)
	a.emit(stt.Event{Kind: stt.EventSessionStarted})
	return nil
}

func (a *Adapter) fail() {
	a.setState(stt.StateClosed)
	close(a.finished)
}

func (a *Adapter) configRequest(cfg stt.Config) *speechpb.StreamingRecognizeRequest {
	lang := cfg.Language
	if lang == "" {
		lang = a.cfg.LanguageCode
	}
	encoding := a.cfg.AudioEncoding
	if cfg.AudioFormat.Encoding != "" {
		encoding = cfg.AudioFormat.Encoding
	}
	rate := a.cfg.SampleRateHz
	if cfg.AudioFormat.SampleRate > 0 {
		rate = int32(cfg.AudioFormat.SampleRate)
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(encoding),
		SampleRateHertz:            rate,
		LanguageCode:               lang,
		EnableAutomaticPunctuation: true,
	}
	if cfg.Diarization == "speaker" {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          a.cfg.MinSpeakerCount,
			MaxSpeakerCount:          a.cfg.MaxSpeakerCount,
		}
	}

	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: cfg.EnablePartials,
			},
		},
	}
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.RLock()
	state, stream, stopping := a.state, a.stream, a.stopping
	a.mu.RUnlock()

	switch {
	case state == stt.StateClosed || stopping:
		return fmt.Errorf("%w: stream closed", stt.ErrTransport)
	case state != stt.StateConnected:
		return fmt.Errorf("%w: state %s", stt.ErrNotConnected, state)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", stt.ErrTransport, err)
	}
	return nil
}

// Stop half-closes the stream and waits for the remaining results until ctx
// is done.
func (a *Adapter) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.stop(ctx)
	})
	return err
}

func (a *Adapter) stop(ctx context.Context) error {
	a.mu.Lock()
	stream, cancel := a.stream, a.cancel
	a.stopping = true
	if stream == nil {
		a.state = stt.StateClosed
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var result error
	a.sendMu.Lock()
	err := stream.CloseSend()
	a.sendMu.Unlock()
	if err != nil {
		result = err
	} else {
		select {
		case <-a.finished:
		case <-ctx.Done():
			result = ctx.Err()
		}
	}

	cancel()
	a.setState(stt.StateClosed)
	return result
}

// listen receives responses and converts them to events until the stream ends.
func (a *Adapter) listen(stream recognizeStream) {
	defer close(a.finished)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			a.setState(stt.StateClosed)
			a.emit(stt.Event{Kind: stt.EventEnded})
			return
		}
		if err != nil {
			a.mu.Lock()
			stopping := a.stopping
			a.state = stt.StateClosed
			a.mu.Unlock()
			if !stopping {
				a.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("%w: %v", stt.ErrTransport, err)})
			}
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			kind := stt.EventPartial
			if r.IsFinal {
				kind = stt.EventFinal
			}
			a.emit(stt.Event{Kind: kind, Fragments: fragments(r.Alternatives[0])})
		}
	}
}

func (a *Adapter) emit(ev stt.Event) {
	a.mu.RLock()
	h := a.handler
	a.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// fragments converts an alternative to fragments. Diarized words carry a
// speaker tag which maps to "S<tag>".
func fragments(alt *speechpb.SpeechRecognitionAlternative) []stt.Fragment {
	if len(alt.Words) == 0 {
		if alt.Transcript == "" {
			return nil
		}
		return []stt.Fragment{{Text: alt.Transcript, Confidence: float64(alt.Confidence)}}
	}

	out := make([]stt.Fragment, 0, len(alt.Words))
	for _, w := range alt.Words {
		f := stt.Fragment{Text: w.Word, Confidence: float64(w.Confidence)}
		if w.SpeakerTag > 0 {
			f.Speaker = fmt.Sprintf("S%d", w.SpeakerTag)
		}
		out = append(out, f)
	}
	return out
}

// parseAudioEncoding converts string to Google's AudioEncoding enum.
// Unknown values fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
