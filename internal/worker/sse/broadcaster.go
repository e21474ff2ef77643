// Package sse provides Server-Sent Events delivery for buildcopy: a
// broadcaster for workbench-wide notifications and a per-request stream
// for turn events.
package sse

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Client represents one connected SSE subscriber.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster fans workbench events out to every connected client.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a subscriber on w.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a subscriber.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	if _, exists := b.clients[client.ID]; exists {
		delete(b.clients, client.ID)
		close(client.Done)
	}
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("SSE client disconnected")
}

// Broadcast sends data as one SSE frame to every client. Clients whose
// connection is gone are dropped.
func (b *Broadcaster) Broadcast(data any) {
	frame, err := Frame(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE frame")
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
			if _, err := c.Writer.Write(frame); err != nil {
				log.Debug().Str("clientId", c.ID).Err(err).Msg("Dropping dead SSE client")
				b.RemoveClient(c)
				continue
			}
			c.Flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE subscribes the request to the broadcast stream until the
// client disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	SetHeaders(w)

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", client.ID)
	client.Flusher.Flush()

	<-r.Context().Done()
}

// SetHeaders writes the standard SSE response headers.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// Frame encodes data as one "data: {json}\n\n" SSE frame.
func Frame(data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// StreamWriter writes an ordered sequence of SSE frames to one response.
// It is used for per-turn event delivery where ordering matters.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamWriter prepares w for SSE output. Returns nil when the
// connection cannot stream.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	SetHeaders(w)
	return &StreamWriter{w: w, flusher: flusher}
}

// Send writes one frame and flushes it immediately.
func (s *StreamWriter) Send(data any) {
	frame, err := Frame(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE frame")
		return
	}
	if _, err := s.w.Write(frame); err != nil {
		log.Debug().Err(err).Msg("SSE stream write failed")
		return
	}
	s.flusher.Flush()
}
