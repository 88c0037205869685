// Transcript Viewer consumes the gateway's transcript topics from Kafka and
// streams them to browsers over websocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

// TranscriptEvent is the downstream event published by the gateway.
type TranscriptEvent struct {
	EventType    string `json:"eventType"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	SegmentID    string `json:"segmentId"`
	Speaker      string `json:"speaker"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"`
}

// client is one browser. A session filter of "" receives every session.
type client struct {
	conn    *websocket.Conn
	session string
	send    chan TranscriptEvent
}

// Hub fans events out to connected browsers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Str("session", c.session).Msg("Client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Msg("Client disconnected")
}

// broadcast queues ev for every matching client; slow clients miss events.
func (h *Hub) broadcast(ev TranscriptEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.session != "" && c.session != ev.SessionID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			log.Warn().Str("session", ev.SessionID).Msg("Client too slow, dropping event")
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local dev tool
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("WebSocket upgrade error")
			return
		}
		c := &client{conn: conn, session: r.URL.Query().Get("session"), send: make(chan TranscriptEvent, 64)}
		hub.add(c)

		go func() {
			defer conn.Close()
			for ev := range c.send {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					log.Debug().Err(err).Msg("Write error")
					return
				}
			}
		}()

		go func() {
			defer hub.remove(c)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, hub *Hub, brokers []string, group, topic string) {
	// Each viewer instance uses its own group so every instance sees every partition.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	defer reader.Close()

	log.Info().Str("topic", topic).Str("group", group).Msg("Consuming from Kafka")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("topic", topic).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		var ev TranscriptEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Skipping malformed event")
			continue
		}

		log.Debug().
			Str("eventType", ev.EventType).
			Str("session", ev.SessionID).
			Str("speaker", ev.Speaker).
			Str("segmentId", ev.SegmentID).
			Msg("Received transcript")
		hub.broadcast(ev)
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", "scribe.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "scribe.transcript.final", "Final transcript topic")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	group := "transcript-viewer-" + time.Now().Format("20060102150405")
	brokerList := strings.Split(*brokers, ",")
	go consumeKafka(ctx, hub, brokerList, group, *topicPartial)
	go consumeKafka(ctx, hub, brokerList, group, *topicFinal)

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", wsHandler(hub))

	server := &http.Server{Addr: ":" + *port, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("url", "http://localhost:"+*port).
		Strs("brokers", brokerList).
		Str("topicPartial", *topicPartial).
		Str("topicFinal", *topicFinal).
		Msg("Transcript viewer starting")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
