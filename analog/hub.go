package analog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	// ErrUnhandled is generated when a message arrives that no handler is
	// registered for
	ErrUnhandled = errors.New("no handler registered for message type")

	// ErrHubClosed is generated when Submit or Do is called on a closed hub
	ErrHubClosed = errors.New("hub is closed")
)

const peerQueueLength = 64

// envelope is a unit of work queued for the Pump goroutine.  Exactly one of
// msg or fn is used.
type envelope struct {
	msg   Message
	fn    func()
	reply chan error
}

// Hub dispatches inbound messages to registered handlers and delivers reports
// to connected peers.  Hubs must be created with NewHub.
type Hub struct {
	inbound chan envelope
	done    chan struct{}

	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	guards   []Handler
	peers    map[*peer]struct{}
	last     Report
	hasLast  bool
	closed   bool

	upgrader websocket.Upgrader
}

// NewHub returns a hub with room for queueLen inbound messages
func NewHub(queueLen int) *Hub {
	return &Hub{
		inbound:  make(chan envelope, queueLen),
		done:     make(chan struct{}),
		handlers: make(map[MessageType][]Handler),
		peers:    make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }}}
}

// Register adds a handler for a message type.  Handlers run on the goroutine
// that calls Pump.
func (h *Hub) Register(t MessageType, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[t] = append(h.handlers[t], fn)
}

// Use adds a guard that sees every inbound message before its handlers.  A
// guard error is returned to the sender and no handler runs.
func (h *Hub) Use(guard Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guards = append(h.guards, guard)
}

// Deliver sends a report to every connected peer without blocking and
// remembers it as the latest value
func (h *Hub) Deliver(r Report) error {
	vals := make([]float64, len(r.Values))
	copy(vals, r.Values)
	r.Values = vals
	b, err := json.Marshal(reportFrame(r))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.last = r
	h.hasLast = true
	var slow []*peer
	for p := range h.peers {
		select {
		case p.send <- b:
		default:
			if r.Class == Reliable {
				slow = append(slow, p)
			}
		}
	}
	h.mu.Unlock()

	for _, p := range slow {
		log.Printf("[analog] dropping peer %s, send queue full", p.addr)
		h.removePeer(p)
	}
	return nil
}

// Last returns the most recently delivered report
func (h *Hub) Last() (Report, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, h.hasLast
}

// Submit queues a message for dispatch and waits for its handlers to run.
// The error returned is the first handler error.
func (h *Hub) Submit(ctx context.Context, msg Message) error {
	return h.enqueue(ctx, envelope{msg: msg, reply: make(chan error, 1)})
}

// Do runs fn on the Pump goroutine and waits for it to return
func (h *Hub) Do(ctx context.Context, fn func()) error {
	return h.enqueue(ctx, envelope{fn: fn, reply: make(chan error, 1)})
}

func (h *Hub) enqueue(ctx context.Context, env envelope) error {
	select {
	case h.inbound <- env:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump dispatches every queued message without blocking and returns how many
// were processed
func (h *Hub) Pump() int {
	n := 0
	for {
		select {
		case env := <-h.inbound:
			if env.fn != nil {
				env.fn()
				env.reply <- nil
			} else {
				env.reply <- h.dispatch(env.msg)
			}
			n++
		default:
			return n
		}
	}
}

func (h *Hub) dispatch(msg Message) error {
	h.mu.RLock()
	guards := h.guards
	fns := h.handlers[msg.Type]
	h.mu.RUnlock()
	for _, g := range guards {
		if err := g(msg); err != nil {
			return err
		}
	}
	if len(fns) == 0 {
		return ErrUnhandled
	}
	var first error
	for _, fn := range fns {
		if err := fn(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Peers returns the number of connected peers
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close disconnects all peers and fails any pending or future Submit calls
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.removePeer(p)
	}
	return nil
}
