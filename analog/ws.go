package analog

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// peer is one websocket connection.  All writes go through send so that the
// connection has a single writer.
type peer struct {
	conn *websocket.Conn
	send chan []byte
	addr string
}

func (p *peer) writeLoop() {
	defer p.conn.Close()
	for msg := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// reply queues a frame for one peer only, dropping it if the peer is behind
// or already gone
func (h *Hub) reply(p *peer, f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.peers[p]; !ok {
		return
	}
	select {
	case p.send <- b:
	default:
	}
}

func (h *Hub) addPeer(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	return true
}

// removePeer forgets a peer and stops its writer; safe to call more than once
func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if ok {
		close(p.send)
	}
}

// ServeHTTP upgrades the request to a websocket and serves the peer until it
// disconnects.  On connect a MsgConnect is dispatched so the device can send
// its current state; if it cannot, the peer gets the last delivered report.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[analog] upgrade error: %v", err)
		return
	}
	p := &peer{conn: conn, send: make(chan []byte, peerQueueLength), addr: r.RemoteAddr}
	if !h.addPeer(p) {
		conn.Close()
		return
	}
	go p.writeLoop()
	defer h.removePeer(p)
	log.Printf("[analog] peer %s connected (%d total)", p.addr, h.Peers())

	ctx := r.Context()
	if err := h.Submit(ctx, Message{Type: MsgConnect}); err != nil {
		if err != ErrUnhandled {
			log.Printf("[analog] connect from %s not dispatched: %v", p.addr, err)
		}
		// nobody answered the connect, send the peer the latest report we have
		if last, ok := h.Last(); ok {
			h.reply(p, reportFrame(last))
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[analog] peer %s read error: %v", p.addr, err)
			}
			return
		}
		switch msg.Type {
		case MsgRequest, MsgRequestChannels:
		default:
			h.reply(p, errorFrame(fmt.Errorf("unknown message type %q", msg.Type)))
			continue
		}
		if err := h.Submit(ctx, msg); err != nil {
			h.reply(p, errorFrame(err))
		}
	}
}
