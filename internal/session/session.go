// Package session holds the in-memory authoritative state for active calls:
// which rooms have a live call, who is a member, and each member's media
// state. The registry is the only writer of membership; other components
// read snapshots and never mutate them.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/crewdesk/call-signaling/internal/signal"
)

var (
	ErrAlreadyActive = errors.New("session: call already active for room")
	ErrNoSuchSession = errors.New("session: no session for room")
	ErrSessionEnded  = errors.New("session: session has ended")
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Role distinguishes the call initiator from everyone else. Used for UI
// and nothing else; negotiation tie-breaks use user ids, not roles.
type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// Participant is one member of a call session. Owned exclusively by the
// session it belongs to; removed from the member set on leave.
type Participant struct {
	UserID      string
	DisplayName string
	Role        Role
	MediaState  signal.MediaState
	JoinedAt    time.Time
}

// CallSession is the state of one room's live call. Member order is the
// order this agent learned about each member, so two agents in the same
// call may see different orders; mesh construction uses the relay's join
// confirmation, not this list.
type CallSession struct {
	RoomID    string
	CallID    string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time

	members map[string]*Participant
	order   []string
}

func (s *CallSession) memberCount() int { return len(s.order) }

// Registry tracks every active session. Mutations for a room are serialized
// by the controller's per-room loop; the internal lock only guards the
// cross-room map and allows concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Create starts a new session for roomID with the initiator as host.
// Fails with ErrAlreadyActive if a non-ended session exists for the room.
func (r *Registry) Create(roomID, callID string, initiator Participant) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[roomID]; ok && s.Status != StatusEnded {
		return nil, ErrAlreadyActive
	}

	if initiator.Role == "" {
		initiator.Role = RoleHost
	}
	if initiator.JoinedAt.IsZero() {
		initiator.JoinedAt = time.Now()
	}
	s := &CallSession{
		RoomID:    roomID,
		CallID:    callID,
		Status:    StatusConnecting,
		StartedAt: time.Now(),
		members:   map[string]*Participant{initiator.UserID: &initiator},
		order:     []string{initiator.UserID},
	}
	r.sessions[roomID] = s
	return s, nil
}

// Join adds a participant to an existing session. The second return value
// reports whether this join raised membership above one for the first
// time, i.e. the session just became active.
func (r *Registry) Join(roomID string, p Participant) (*CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[roomID]
	if !ok {
		return nil, false, ErrNoSuchSession
	}
	if s.Status == StatusEnded {
		return nil, false, ErrSessionEnded
	}

	if p.Role == "" {
		p.Role = RoleMember
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if _, exists := s.members[p.UserID]; !exists {
		s.members[p.UserID] = &p
		s.order = append(s.order, p.UserID)
	}

	becameActive := false
	if s.Status == StatusConnecting && s.memberCount() > 1 {
		s.Status = StatusActive
		becameActive = true
	}
	return s, becameActive, nil
}

// Leave removes a participant. When the last member leaves the session
// transitions to ended; the second return value reports that.
func (r *Registry) Leave(roomID, userID string) (*CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[roomID]
	if !ok {
		return nil, false, ErrNoSuchSession
	}
	if _, exists := s.members[userID]; exists {
		delete(s.members, userID)
		for i, id := range s.order {
			if id == userID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}

	ended := false
	if s.memberCount() == 0 && s.Status != StatusEnded {
		s.Status = StatusEnded
		s.EndedAt = time.Now()
		ended = true
	}
	return s, ended, nil
}

// Members returns a snapshot of the session's participants, in the order
// this agent learned of them.
// Callers must re-query after any mutation; the snapshot does not track
// later joins or leaves.
func (r *Registry) Members(roomID string) ([]Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[roomID]
	if !ok {
		return nil, ErrNoSuchSession
	}
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.members[id])
	}
	return out, nil
}

// SetMediaState updates the stored media flags for a participant.
func (r *Registry) SetMediaState(roomID, userID string, ms signal.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[roomID]; ok {
		if p, ok := s.members[userID]; ok {
			p.MediaState = ms
		}
	}
}

// Get returns the session for roomID, if any.
func (r *Registry) Get(roomID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[roomID]
	return s, ok
}

// Remove drops an ended session from the registry.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	delete(r.sessions, roomID)
	r.mu.Unlock()
}
