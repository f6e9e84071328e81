// Package relay carries signaling messages between call participants.
// Rooms are addressable by conversation id; members by user id. Payloads
// are opaque and never persisted; at-most-once delivery is acceptable
// because the negotiation layer guards against loss and duplication.
package relay

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/crewdesk/call-signaling/internal/signal"
)

var ErrTransportUnavailable = errors.New("relay: transport unavailable")

// endpoint is one attached member: a WebSocket client or an in-process
// subscriber.
type endpoint interface {
	deliver(msg signal.Message) error
}

// Hub routes messages between room members. A global user index lets
// invites reach users who are connected but not yet in the call room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	users map[string][]endpoint
}

type room struct {
	id      string
	mu      sync.RWMutex
	members map[string]endpoint
	order   []string
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		users: make(map[string][]endpoint),
	}
}

// Join attaches ep as userID in roomID. The new member receives a join
// confirmation carrying the ids of everyone already present; the rest of
// the room is told who arrived.
func (h *Hub) Join(roomID, userID string, ep endpoint) {
	r := h.getOrCreateRoom(roomID)

	r.mu.Lock()
	existing := make([]string, len(r.order))
	copy(existing, r.order)
	if _, ok := r.members[userID]; !ok {
		r.order = append(r.order, userID)
	}
	r.members[userID] = ep
	r.mu.Unlock()

	h.mu.Lock()
	h.users[userID] = append(h.users[userID], ep)
	h.mu.Unlock()

	payload, _ := json.Marshal(signal.JoinPayload{Members: existing})
	if err := ep.deliver(signal.Message{
		Type:    signal.TypeJoin,
		To:      userID,
		RoomID:  roomID,
		Payload: payload,
	}); err != nil {
		log.Printf("RELAY: join confirmation to %s failed: %v", userID, err)
	}

	r.broadcast(signal.Message{Type: signal.TypeJoin, From: userID, RoomID: roomID}, userID)
	log.Printf("RELAY: %s joined room %s (%d members)", userID, roomID, len(existing)+1)
}

// Leave detaches userID from roomID and notifies the remaining members.
// Empty rooms are removed.
func (h *Hub) Leave(roomID, userID string) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	ep, present := r.members[userID]
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if !present {
		return
	}

	h.mu.Lock()
	eps := h.users[userID]
	for i, e := range eps {
		if e == ep {
			h.users[userID] = append(eps[:i], eps[i+1:]...)
			break
		}
	}
	if len(h.users[userID]) == 0 {
		delete(h.users, userID)
	}
	h.mu.Unlock()
	if empty {
		h.mu.Lock()
		delete(h.rooms, roomID)
		h.mu.Unlock()
		log.Printf("RELAY: removed empty room %s", roomID)
		return
	}
	r.broadcast(signal.Message{Type: signal.TypeLeave, From: userID, RoomID: roomID}, userID)
	log.Printf("RELAY: %s left room %s", userID, roomID)
}

// SendToUser delivers msg to userID: to their endpoint in roomID when they
// are a member, otherwise to any endpoint they have attached (the invite
// path: the target has not joined the call room yet).
func (h *Hub) SendToUser(roomID, userID string, msg signal.Message) error {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()

	if r != nil {
		r.mu.RLock()
		ep := r.members[userID]
		r.mu.RUnlock()
		if ep != nil {
			return ep.deliver(msg)
		}
	}

	h.mu.RLock()
	eps := make([]endpoint, len(h.users[userID]))
	copy(eps, h.users[userID])
	h.mu.RUnlock()
	if len(eps) == 0 {
		return ErrTransportUnavailable
	}
	var lastErr error
	delivered := false
	for _, ep := range eps {
		if err := ep.deliver(msg); err != nil {
			lastErr = err
		} else {
			delivered = true
		}
	}
	if !delivered {
		return lastErr
	}
	return nil
}

// SendToRoom delivers msg to every member except those excluded.
func (h *Hub) SendToRoom(roomID string, msg signal.Message, exclude ...string) error {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return ErrTransportUnavailable
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ep := range r.members {
		if skip[id] {
			continue
		}
		if err := ep.deliver(msg); err != nil {
			log.Printf("RELAY: delivery to %s in %s failed: %v", id, roomID, err)
		}
	}
	return nil
}

// Members returns the current member ids of roomID in join order.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (h *Hub) getOrCreateRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]endpoint)}
		h.rooms[roomID] = r
		log.Printf("RELAY: created room %s", roomID)
	}
	return r
}

func (r *room) broadcast(msg signal.Message, excludeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ep := range r.members {
		if id == excludeID {
			continue
		}
		if err := ep.deliver(msg); err != nil {
			log.Printf("RELAY: delivery to %s in %s failed: %v", id, r.id, err)
		}
	}
}
