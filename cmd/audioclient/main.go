// Command audioclient streams an audio file to the gateway as data-URL chunks
// and prints the transcriptions it receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ai-scribe-gateway/internal/models"
)

type options struct {
	server    string
	sessionID string
	doctor    string
	mimeType  string
	chunkSize int
	interval  time.Duration
	linger    time.Duration
	verbose   bool
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "audioclient [audio file]",
		Short: "Stream an audio file to the scribe gateway",
		Long: `Reads the audio file in fixed-size chunks and sends each one as an audioData
message over the gateway websocket, paced to simulate a live recording. A
stopRecording message is sent at end of file and the client keeps printing
transcriptions until the linger period elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "ws://localhost:8080/v1/transcribe", "gateway websocket URL")
	f.StringVar(&opts.sessionID, "session", "visit-"+time.Now().Format("150405"), "session id")
	f.StringVar(&opts.doctor, "doctor", "", "recognizer speaker id of the doctor, e.g. S1")
	f.StringVar(&opts.mimeType, "mime", "", "MIME type of the file (detected from the extension when empty)")
	f.IntVar(&opts.chunkSize, "chunk-size", 3200, "bytes per chunk")
	f.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between chunks")
	f.DurationVar(&opts.linger, "linger", 5*time.Second, "how long to wait for transcriptions after stopping")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print partial transcriptions")
	return cmd
}

func run(ctx context.Context, path string, opts options) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	mimeType := opts.mimeType
	if mimeType == "" {
		mimeType = mimeFor(filepath.Ext(path))
	}
	if mimeType == "audio/wav" {
		if info, err := readWAVInfo(file); err == nil {
			log.Info().
				Uint16("format", info.Format).
				Uint16("channels", info.Channels).
				Uint32("sampleRate", info.SampleRate).
				Uint16("bitsPerSample", info.BitsPerSample).
				Msg("WAV file")
		} else {
			log.Warn().Err(err).Msg("Could not read WAV header")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, opts.server, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.server, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	log.Info().Str("server", opts.server).Str("sessionId", opts.sessionID).Msg("Connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		printTranscriptions(ctx, conn, opts.verbose)
	}()

	start := time.Now()
	var chunks, total int
	err = streamChunks(ctx, file, opts.chunkSize, opts.interval, func(chunk []byte) error {
		chunks++
		total += len(chunk)
		msg := models.Inbound{
			Type:                    models.TypeAudioData,
			SessionID:               opts.sessionID,
			Audio:                   dataURL(mimeType, chunk),
			DoctorSpeakerIdentifier: opts.doctor,
		}
		if chunks%50 == 0 {
			log.Debug().Int("chunks", chunks).Int("bytes", total).Msg("Streaming")
		}
		return wsjson.Write(ctx, conn, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream audio: %w", err)
	}
	log.Info().Int("chunks", chunks).Int("bytes", total).Dur("elapsed", time.Since(start)).Msg("Finished streaming")

	if err := wsjson.Write(context.Background(), conn, models.Inbound{Type: models.TypeStopRecording, SessionID: opts.sessionID}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	select {
	case <-readDone:
	case <-time.After(opts.linger):
	case <-ctx.Done():
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func printTranscriptions(ctx context.Context, conn *websocket.Conn, verbose bool) {
	for {
		var msg struct {
			Type      string                `json:"type"`
			Segment   models.DisplaySegment `json:"segment"`
			IsPartial bool                  `json:"isPartial"`
			SessionID string                `json:"sessionId"`
			Message   string                `json:"message"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		switch msg.Type {
		case models.TypeTranscription:
			if msg.IsPartial {
				if verbose {
					fmt.Printf("  … [%s] %s: %s\n", msg.Segment.Timestamp, msg.Segment.Speaker, msg.Segment.Text)
				}
				continue
			}
			fmt.Printf("[%s] %s: %s\n", msg.Segment.Timestamp, msg.Segment.Speaker, msg.Segment.Text)
		case models.TypeError:
			log.Error().Str("sessionId", msg.SessionID).Msg(msg.Message)
		}
	}
}
