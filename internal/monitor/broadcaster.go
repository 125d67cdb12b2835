// Package monitor implements the read-only monitoring-server thread: it
// reads Context only through CopyOut's coarse lock and serves it to
// websocket clients, and may enqueue control commands whose effect the
// scheduler thread applies at its next safe point. It never runs strategy
// code and carries no dashboard UI — transport only.
package monitor

import (
	"log"
	"sync"
)

// Client is a connected websocket client.
type Client struct {
	ID string
	Send chan any
}

// Message is the envelope for everything sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Broadcaster fans a stream of run-state snapshots out to every connected
// client, dropping messages to a client whose send buffer is full rather
// than blocking the whole run.
type Broadcaster struct {
	clients map[*Client]bool
	broadcast chan any
	register chan *Client
	unregister chan *Client
	mu sync.RWMutex
	logger *log.Logger
	shutdown chan struct{}
}

// NewBroadcaster creates a Broadcaster. Call Run in its own goroutine.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Broadcaster{
		clients: make(map[*Client]bool),
		broadcast: make(chan any, 256),
		register: make(chan *Client),
		unregister: make(chan *Client),
		logger: logger,
		shutdown: make(chan struct{}),
	}
}

// Register adds client to the broadcast set.
func (b *Broadcaster) Register(client *Client) { b.register <- client }

// Unregister removes client from the broadcast set.
func (b *Broadcaster) Unregister(client *Client) { b.unregister <- client }

// Broadcast enqueues message for every connected client.
func (b *Broadcaster) Broadcast(message any) {
	select {
	case b.broadcast <- message:
	case <-b.shutdown:
	}
}

// Run is the broadcaster's event loop.
func (b *Broadcaster) Run() {
	defer func() {
		b.logger.Println("[monitor] broadcaster shutting down")
		close(b.shutdown)
	}()

	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()
			b.logger.Printf("[monitor] client registered (total: %d)", len(b.clients))

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.Send)
			}
			b.mu.Unlock()
			b.logger.Printf("[monitor] client unregistered (total: %d)", len(b.clients))

		case message := <-b.broadcast:
			b.mu.RLock()
			clients := make([]*Client, 0, len(b.clients))
			for c := range b.clients {
				clients = append(clients, c)
			}
			b.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.Send <- message:
				default:
					b.logger.Printf("[monitor] client %s send buffer full, skipping", c.ID)
				}
			}

		case <-b.shutdown:
			return
		}
	}
}

// Shutdown closes every registered client's Send channel and empties the
// client set. It does not stop the Run loop; later Broadcast calls still
// enqueue, and reach only clients registered after Shutdown.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		close(c.Send)
	}
	b.clients = make(map[*Client]bool)
}

// ClientCount returns the number of currently connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
