// Package sse fans out handshake and results events to attached browsers
// over Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/notify"
)

const (
	// WriteTimeout bounds a single write so a stale client cannot block a broadcast.
	WriteTimeout = 2 * time.Second

	// KeepAlive is the interval between comment pings on idle streams.
	KeepAlive = 15 * time.Second
)

// Event types sent to clients.
const (
	TypeHello      = "hello"
	TypeToast      = "toast"
	TypePopupOpen  = "popup.open"
	TypePopupClose = "popup.close"
)

// Envelope is the JSON body of every data frame.
type Envelope struct {
	Data any    `json:"data,omitempty"`
	Type string `json:"type"`
}

// Client is one attached event stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string

	writeMu sync.Mutex
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.Writer.Write(frame); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// Broadcaster tracks attached clients and writes every event to all of them.
// It implements notify.Notifier.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient attaches a streaming response writer.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("browser-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("Event stream attached")
	return client, nil
}

// RemoveClient detaches a client. Safe to call more than once.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, attached := b.clients[client.ID]
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	client.close()
	if attached {
		log.Debug().Str("client_id", client.ID).Int("clients", total).Msg("Event stream detached")
	}
}

// ClientCount returns the number of attached clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send broadcasts one typed event and returns how many clients received it.
func (b *Broadcaster) Send(eventType string, data any) int {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event")
		return 0
	}
	frame := []byte("data: " + string(payload) + "\n\n")

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		deadMu    sync.Mutex
		dead      []*Client
		delivered int
	)
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			ok := b.writeWithTimeout(c, frame)
			deadMu.Lock()
			defer deadMu.Unlock()
			if ok {
				delivered++
			} else {
				dead = append(dead, c)
			}
		}(c)
	}
	wg.Wait()

	for _, c := range dead {
		b.RemoveClient(c)
	}
	return delivered
}

func (b *Broadcaster) writeWithTimeout(c *Client, frame []byte) bool {
	errCh := make(chan error, 1)
	go func() { errCh <- c.write(frame) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Debug().Err(err).Str("client_id", c.ID).Msg("Event write failed, dropping client")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("client_id", c.ID).Dur("timeout", WriteTimeout).Msg("Event write timed out, dropping client")
		return false
	case <-c.Done:
		return false
	}
}

// Notify broadcasts a toast.
func (b *Broadcaster) Notify(n notify.Notice) {
	b.Send(TypeToast, n)
}

// Emit broadcasts a connection lifecycle event under its own name.
func (b *Broadcaster) Emit(e notify.Event) {
	b.Send(e.Name, e)
}

// HandleSSE streams events to one browser until the request ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(Envelope{Type: TypeHello, Data: map[string]string{"clientId": client.ID}})
	if err := client.write([]byte("data: " + string(hello) + "\n\n")); err != nil {
		return
	}

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			if err := client.write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}
