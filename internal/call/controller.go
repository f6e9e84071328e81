// Package call is the public face of the call subsystem: start, join and
// leave calls, mute, screen share. It reconciles the session registry with
// the negotiation engine and the media manager, and reports lifecycle
// events to the presentation layer.
//
// All state for one room is mutated by that room's single loop goroutine;
// different rooms run fully independently.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/negotiation"
	"github.com/crewdesk/call-signaling/internal/session"
)

var ErrNoActiveCall = errors.New("call: no active call for room")

// Kind selects the media for a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Options wires a Controller to its collaborators. Transport and Source
// are required; Directory may be nil when no shared store is available.
type Options struct {
	SelfID      string
	DisplayName string
	Transport   Transport
	Directory   Directory
	Source      media.DeviceSource
	// PeerFactory builds the negotiation factory for one call, given the
	// call's media manager (so new peer connections carry its tracks).
	PeerFactory func(mgr *media.Manager) (negotiation.Factory, error)
	LinkTimeout time.Duration
}

// Controller is one user's call agent. A single controller can be in
// several calls at once, one per room.
type Controller struct {
	selfID      string
	displayName string
	transport   Transport
	directory   Directory
	source      media.DeviceSource
	peerFactory func(mgr *media.Manager) (negotiation.Factory, error)
	linkTimeout time.Duration

	// registry is the single authority for every call this agent is in.
	registry *session.Registry

	mu      sync.Mutex
	rooms   map[string]*callRoom
	handler func(Event)
}

func NewController(opts Options) *Controller {
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = negotiation.DefaultLinkTimeout
	}
	return &Controller{
		selfID:      opts.SelfID,
		displayName: opts.DisplayName,
		transport:   opts.Transport,
		directory:   opts.Directory,
		source:      opts.Source,
		peerFactory: opts.PeerFactory,
		linkTimeout: opts.LinkTimeout,
		registry:    session.NewRegistry(),
		rooms:       make(map[string]*callRoom),
	}
}

// OnEvent registers the lifecycle event handler. Events are delivered from
// room loops; the handler must not call back into the controller for the
// same room synchronously.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// StartCall creates a call in roomID with the caller as host, acquires
// local media and rings each invitee. It returns once the call is set up
// locally; connection establishment is reported through events.
func (c *Controller) StartCall(ctx context.Context, roomID string, kind Kind, invitees []string) error {
	c.mu.Lock()
	if _, exists := c.rooms[roomID]; exists {
		c.mu.Unlock()
		return session.ErrAlreadyActive
	}
	c.mu.Unlock()

	if c.directory != nil {
		if _, _, ok, err := c.directory.ActiveCall(ctx, roomID); err != nil {
			return fmt.Errorf("check active call: %w", err)
		} else if ok {
			return session.ErrAlreadyActive
		}
	}

	callID := uuid.New().String()
	if _, err := c.registry.Create(roomID, callID, session.Participant{
		UserID:      c.selfID,
		DisplayName: c.displayName,
		Role:        session.RoleHost,
	}); err != nil {
		return err
	}

	r, err := c.openRoom(roomID, kind)
	if err != nil {
		c.abandonSession(roomID)
		return err
	}

	if c.directory != nil {
		if err := c.directory.MarkActive(ctx, roomID, callID, c.selfID, kind); err != nil {
			r.post(func() { r.leave(context.Background()) })
			return fmt.Errorf("mark call active: %w", err)
		}
	}

	for _, invitee := range invitees {
		r.ring(ctx, invitee, kind)
	}
	return nil
}

// JoinCall joins the live call in roomID. Fails with ErrNoActiveCall when
// there is none. The joiner initiates negotiation toward every existing
// member, which sidesteps glare for this path entirely.
func (c *Controller) JoinCall(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if _, exists := c.rooms[roomID]; exists {
		c.mu.Unlock()
		return session.ErrAlreadyActive
	}
	c.mu.Unlock()

	callID := ""
	kind := KindVideo
	if c.directory != nil {
		id, k, ok, err := c.directory.ActiveCall(ctx, roomID)
		if err != nil {
			return fmt.Errorf("check active call: %w", err)
		}
		if !ok {
			return ErrNoActiveCall
		}
		callID, kind = id, k
	}

	if _, err := c.registry.Create(roomID, callID, session.Participant{
		UserID:      c.selfID,
		DisplayName: c.displayName,
		Role:        session.RoleMember,
	}); err != nil {
		return err
	}

	if _, err := c.openRoom(roomID, kind); err != nil {
		c.abandonSession(roomID)
		return err
	}
	return nil
}

// abandonSession unwinds a session created during a start/join that failed
// before its room loop existed.
func (c *Controller) abandonSession(roomID string) {
	_, _, _ = c.registry.Leave(roomID, c.selfID)
	c.registry.Remove(roomID)
}

// LeaveCall hangs up: every peer link is closed with a bye, local media is
// released and the local session entry removed. In-flight negotiations are
// abandoned, not completed.
func (c *Controller) LeaveCall(ctx context.Context, roomID string) error {
	r := c.room(roomID)
	if r == nil {
		return ErrNoActiveCall
	}
	r.post(func() { r.leave(ctx) })
	return nil
}

// SetMute toggles a local track's active flag and broadcasts the new media
// state to the room. No renegotiation happens.
func (c *Controller) SetMute(roomID string, kind media.Kind, muted bool) error {
	r := c.room(roomID)
	if r == nil {
		return ErrNoActiveCall
	}
	r.post(func() { r.setEnabled(kind, !muted) })
	return nil
}

// ToggleScreenShare starts or stops screen sharing, swapping the outgoing
// video track in place on every connected link where the stack allows it.
func (c *Controller) ToggleScreenShare(roomID string) error {
	r := c.room(roomID)
	if r == nil {
		return ErrNoActiveCall
	}
	r.post(func() { r.toggleScreenShare() })
	return nil
}

// Members returns the participant snapshot for roomID, ordered by local
// discovery.
func (c *Controller) Members(roomID string) ([]session.Participant, error) {
	return c.registry.Members(roomID)
}

// LinkState reports the negotiation state toward peerID in roomID.
func (c *Controller) LinkState(roomID, peerID string) negotiation.LinkState {
	r := c.room(roomID)
	if r == nil {
		return negotiation.StateIdle
	}
	res := make(chan negotiation.LinkState, 1)
	r.post(func() { res <- r.engine.LinkState(peerID) })
	select {
	case s := <-res:
		return s
	case <-r.done:
		return negotiation.StateClosed
	}
}

// Close hangs up every active call.
func (c *Controller) Close() {
	c.mu.Lock()
	rooms := make([]*callRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	for _, r := range rooms {
		r.post(func() { r.leave(context.Background()) })
		<-r.done
	}
}

func (c *Controller) room(roomID string) *callRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// openRoom acquires media, subscribes to the relay and starts the room
// loop. Any failure releases everything acquired so far.
func (c *Controller) openRoom(roomID string, kind Kind) (*callRoom, error) {
	mgr := media.NewManager(c.source)
	if err := mgr.Acquire(true, kind == KindVideo); err != nil {
		return nil, err
	}

	factory, err := c.peerFactory(mgr)
	if err != nil {
		mgr.ReleaseAll()
		return nil, fmt.Errorf("peer factory: %w", err)
	}

	msgs, cancelSub, err := c.transport.Subscribe(roomID)
	if err != nil {
		mgr.ReleaseAll()
		return nil, fmt.Errorf("subscribe to room: %w", err)
	}

	r := newCallRoom(c, roomID, kind, c.registry, mgr, factory, cancelSub)

	c.mu.Lock()
	c.rooms[roomID] = r
	c.mu.Unlock()

	go r.run(msgs)
	return r, nil
}

func (c *Controller) dropRoom(roomID string, r *callRoom) {
	c.mu.Lock()
	if c.rooms[roomID] == r {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
}
