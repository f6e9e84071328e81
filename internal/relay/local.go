package relay

import (
	"context"
	"sync"

	"github.com/crewdesk/call-signaling/internal/signal"
)

// LocalTransport gives an in-process call agent a relay capability backed
// directly by a Hub. Used by agents running inside the signaling server
// and by tests.
type LocalTransport struct {
	hub    *Hub
	userID string

	mu   sync.Mutex
	subs map[string]*localEndpoint
}

func NewLocalTransport(hub *Hub, userID string) *LocalTransport {
	return &LocalTransport{
		hub:    hub,
		userID: userID,
		subs:   make(map[string]*localEndpoint),
	}
}

// Subscribe attaches to roomID and returns the inbound message stream.
// The cancel func detaches and closes the stream.
func (t *LocalTransport) Subscribe(roomID string) (<-chan signal.Message, func(), error) {
	ep := &localEndpoint{ch: make(chan signal.Message, 64)}

	t.mu.Lock()
	t.subs[roomID] = ep
	t.mu.Unlock()

	t.hub.Join(roomID, t.userID, ep)

	cancel := func() {
		t.hub.Leave(roomID, t.userID)
		t.mu.Lock()
		if t.subs[roomID] == ep {
			delete(t.subs, roomID)
		}
		t.mu.Unlock()
		ep.close()
	}
	return ep.ch, cancel, nil
}

func (t *LocalTransport) SendToUser(_ context.Context, roomID, userID string, msg signal.Message) error {
	return t.hub.SendToUser(roomID, userID, msg)
}

func (t *LocalTransport) SendToRoom(_ context.Context, roomID string, msg signal.Message, exclude ...string) error {
	return t.hub.SendToRoom(roomID, msg, exclude...)
}

// localEndpoint delivers into a buffered channel. A full buffer drops the
// message rather than blocking the hub; dropped signaling is recovered by
// the negotiation deadline and retry path.
type localEndpoint struct {
	mu     sync.Mutex
	ch     chan signal.Message
	closed bool
}

func (e *localEndpoint) deliver(msg signal.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportUnavailable
	}
	select {
	case e.ch <- msg:
		return nil
	default:
		return ErrTransportUnavailable
	}
}

func (e *localEndpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
