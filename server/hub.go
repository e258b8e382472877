package server

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/pipeline"
	"github.com/teranos/leakhunter/scheduler"
)

var (
	_ pipeline.Observer     = (*Hub)(nil)
	_ scheduler.Broadcaster = (*Hub)(nil)
)

// Hub fans admitted findings and run transitions out to websocket clients.
// A client that cannot keep up loses messages rather than slowing admission.
type Hub struct {
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool

	dropped atomic.Int64
}

// NewHub starts a hub; Stop ends it and disconnects every client
func NewHub(log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		log:        logger.Or(log).Named("hub"),
		ctx:        ctx,
		cancel:     cancel,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("Client connected", "client_id", c.id, "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("Client disconnected", "client_id", c.id, "clients", n)
		}
	}
}

// Stop disconnects clients and ends the hub loop
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages lost to full client buffers
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// join registers c unless the hub has stopped
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// leave unregisters c unless the hub has stopped
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) FindingAdmitted(_ context.Context, f finding.Finding) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.filter.match(f) {
			h.offer(c, c.findingMessage(f))
		}
	}
}

func (h *Hub) RunStarted(r scheduler.Run)  { h.broadcastRun("started", r) }
func (h *Hub) RunFinished(r scheduler.Run) { h.broadcastRun("finished", r) }

func (h *Hub) broadcastRun(phase string, r scheduler.Run) {
	msg := streamMessage{Type: "run", Phase: phase, Run: r}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.offer(c, msg)
	}
}

// offer must be called with mu held so c.send cannot be closed underneath it
func (h *Hub) offer(c *Client, msg streamMessage) {
	select {
	case c.send <- msg:
	default:
		h.dropped.Add(1)
		h.log.Debugw("Client buffer full, message dropped", "client_id", c.id)
	}
}
