package call

import (
	"context"
	"encoding/json"
	"log"

	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/negotiation"
	"github.com/crewdesk/call-signaling/internal/session"
	"github.com/crewdesk/call-signaling/internal/signal"
)

// callRoom is the serialized processing context for one room's call. Every
// mutation (inbound signaling, controller operations, timer expiries)
// runs on the loop goroutine; nothing here needs a lock.
type callRoom struct {
	ctrl      *Controller
	roomID    string
	kind      Kind
	registry  *session.Registry
	mediaMgr  *media.Manager
	engine    *negotiation.Engine
	cancelSub func()

	ops  chan func()
	done chan struct{}

	// retries counts restart attempts per peer: one automatic retry, then
	// the peer is surfaced as lost and the call continues without them.
	retries map[string]int
	closed  bool
}

func newCallRoom(c *Controller, roomID string, kind Kind, registry *session.Registry,
	mgr *media.Manager, factory negotiation.Factory, cancelSub func()) *callRoom {

	r := &callRoom{
		ctrl:      c,
		roomID:    roomID,
		kind:      kind,
		registry:  registry,
		mediaMgr:  mgr,
		cancelSub: cancelSub,
		ops:       make(chan func(), 32),
		done:      make(chan struct{}),
		retries:   make(map[string]int),
	}

	r.engine = negotiation.NewEngine(negotiation.Config{
		LocalID: c.selfID,
		RoomID:  roomID,
		Factory: factory,
		Send: func(msg signal.Message) {
			if err := c.transport.SendToUser(context.Background(), roomID, msg.To, msg); err != nil {
				log.Printf("CALL [%s]: sending %s to %s: %v", roomID, msg.Type, msg.To, err)
			}
		},
		OnStateChange: r.onLinkState,
		Schedule:      r.post,
		Timeout:       c.linkTimeout,
	})

	mgr.OnScreenShareEnded(func() {
		r.post(func() {
			if r.mediaMgr.State().ScreenSharing {
				r.stopScreenShare()
			}
		})
	})
	return r
}

func (r *callRoom) run(msgs <-chan signal.Message) {
	for {
		select {
		case <-r.done:
			return
		case op := <-r.ops:
			op()
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			r.handleMessage(msg)
		}
	}
}

// post schedules op on the loop. Ops posted after shutdown are discarded.
func (r *callRoom) post(op func()) {
	select {
	case r.ops <- op:
	case <-r.done:
	}
}

func (r *callRoom) handleMessage(msg signal.Message) {
	switch msg.Type {
	case signal.TypeJoin:
		if msg.To == r.ctrl.selfID {
			r.handleJoinConfirmation(msg)
			return
		}
		r.handlePeerJoined(msg.From)

	case signal.TypeLeave:
		r.handlePeerLeft(msg.From)

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate, signal.TypeBye:
		if err := r.engine.HandleMessage(context.Background(), msg); err != nil {
			// Protocol violations already failed the link; the retry
			// policy runs from the state-change callback.
			log.Printf("CALL [%s]: %s from %s: %v", r.roomID, msg.Type, msg.From, err)
		}

	case signal.TypeMediaState:
		var ms signal.MediaState
		if err := json.Unmarshal(msg.Payload, &ms); err != nil {
			log.Printf("CALL [%s]: bad media-state from %s: %v", r.roomID, msg.From, err)
			return
		}
		r.registry.SetMediaState(r.roomID, msg.From, ms)
		r.emit(Event{Type: EventMediaStateChanged, RoomID: r.roomID, PeerID: msg.From, MediaState: ms})

	case signal.TypeInvite:
		// Invites for rooms we have not joined are routed through whatever
		// subscription the user has, so the event must carry the invite's
		// room, not ours.
		var inv signal.InvitePayload
		_ = json.Unmarshal(msg.Payload, &inv)
		r.emit(Event{Type: EventIncomingCall, RoomID: msg.RoomID, PeerID: msg.From, CallType: Kind(inv.CallType)})

	default:
		log.Printf("CALL [%s]: ignoring %s from %s", r.roomID, msg.Type, msg.From)
	}
}

// handleJoinConfirmation processes the relay's member list on our own
// join: record everyone present and initiate negotiation toward each.
// Existing members never offer to a brand-new id, so no glare here.
func (r *callRoom) handleJoinConfirmation(msg signal.Message) {
	var jp signal.JoinPayload
	if err := json.Unmarshal(msg.Payload, &jp); err != nil {
		log.Printf("CALL [%s]: bad join confirmation: %v", r.roomID, err)
		return
	}
	for _, id := range jp.Members {
		if id == r.ctrl.selfID {
			continue
		}
		r.addParticipant(id)
		if err := r.engine.StartNegotiation(context.Background(), id); err != nil {
			log.Printf("CALL [%s]: negotiating with %s: %v", r.roomID, id, err)
		}
	}
	// Announce our media state so late joiners render indicators right.
	r.broadcastMediaState()
}

func (r *callRoom) handlePeerJoined(userID string) {
	if userID == r.ctrl.selfID {
		return
	}
	r.addParticipant(userID)
	// The joiner initiates; we will see their offer.
}

func (r *callRoom) addParticipant(userID string) {
	_, becameActive, err := r.registry.Join(r.roomID, session.Participant{UserID: userID, DisplayName: userID})
	if err != nil {
		log.Printf("CALL [%s]: registering %s: %v", r.roomID, userID, err)
		return
	}
	r.emit(Event{Type: EventParticipantJoined, RoomID: r.roomID, PeerID: userID})
	if becameActive {
		r.emit(Event{Type: EventSessionActive, RoomID: r.roomID})
	}
}

func (r *callRoom) handlePeerLeft(userID string) {
	r.engine.CloseLink(userID, false)
	delete(r.retries, userID)
	if _, _, err := r.registry.Leave(r.roomID, userID); err != nil {
		log.Printf("CALL [%s]: removing %s: %v", r.roomID, userID, err)
	}
	r.emit(Event{Type: EventParticipantLeft, RoomID: r.roomID, PeerID: userID})
}

// onLinkState applies the failure policy: one automatic restart per peer,
// then surface the peer as lost while the call continues for the rest.
func (r *callRoom) onLinkState(peerID string, s negotiation.LinkState) {
	r.emit(Event{Type: EventLinkStateChanged, RoomID: r.roomID, PeerID: peerID, LinkState: s})

	switch s {
	case negotiation.StateConnected:
		r.retries[peerID] = 0
	case negotiation.StateFailed:
		if r.retries[peerID] == 0 {
			r.retries[peerID] = 1
			log.Printf("CALL [%s]: retrying negotiation with %s", r.roomID, peerID)
			if err := r.engine.RestartNegotiation(context.Background(), peerID); err != nil {
				log.Printf("CALL [%s]: restart with %s: %v", r.roomID, peerID, err)
				r.peerLost(peerID)
			}
			return
		}
		r.peerLost(peerID)
	}
}

func (r *callRoom) peerLost(peerID string) {
	r.engine.CloseLink(peerID, false)
	r.emit(Event{Type: EventPeerLost, RoomID: r.roomID, PeerID: peerID,
		Reason: "connection lost with " + peerID})
}

func (r *callRoom) ring(ctx context.Context, invitee string, kind Kind) {
	payload, _ := json.Marshal(signal.InvitePayload{
		CallType:    string(kind),
		DisplayName: r.ctrl.displayName,
	})
	msg := signal.Message{
		Type:    signal.TypeInvite,
		From:    r.ctrl.selfID,
		To:      invitee,
		RoomID:  r.roomID,
		Payload: payload,
	}
	if err := r.ctrl.transport.SendToUser(ctx, r.roomID, invitee, msg); err != nil {
		log.Printf("CALL [%s]: ringing %s: %v", r.roomID, invitee, err)
	}
}

func (r *callRoom) setEnabled(kind media.Kind, enabled bool) {
	r.mediaMgr.SetEnabled(kind, enabled)
	r.broadcastMediaState()
}

func (r *callRoom) toggleScreenShare() {
	if r.mediaMgr.State().ScreenSharing {
		r.stopScreenShare()
		return
	}

	track, err := r.mediaMgr.StartScreenShare()
	if err != nil {
		log.Printf("CALL [%s]: starting screen share: %v", r.roomID, err)
		return
	}
	r.replaceVideo(track)
	r.broadcastMediaState()
}

func (r *callRoom) stopScreenShare() {
	camera := r.mediaMgr.StopScreenShare()
	if camera != nil {
		r.replaceVideo(camera)
	}
	r.broadcastMediaState()
}

// replaceVideo swaps the outgoing video track on every connected link;
// links whose stack cannot replace in place get a full renegotiation.
func (r *callRoom) replaceVideo(track media.Track) {
	for _, peerID := range r.engine.ReplaceOutgoingVideo(track) {
		log.Printf("CALL [%s]: in-place replacement unsupported for %s, renegotiating", r.roomID, peerID)
		if err := r.engine.RestartNegotiation(context.Background(), peerID); err != nil {
			log.Printf("CALL [%s]: renegotiating with %s: %v", r.roomID, peerID, err)
		}
	}
}

func (r *callRoom) broadcastMediaState() {
	state := r.mediaMgr.State()
	r.registry.SetMediaState(r.roomID, r.ctrl.selfID, state)
	r.emit(Event{Type: EventMediaStateChanged, RoomID: r.roomID, PeerID: r.ctrl.selfID, MediaState: state})

	payload, _ := json.Marshal(state)
	msg := signal.Message{
		Type:    signal.TypeMediaState,
		From:    r.ctrl.selfID,
		RoomID:  r.roomID,
		Payload: payload,
	}
	if err := r.ctrl.transport.SendToRoom(context.Background(), r.roomID, msg, r.ctrl.selfID); err != nil {
		log.Printf("CALL [%s]: broadcasting media state: %v", r.roomID, err)
	}
}

// leave is the hangup path, run on the loop.
func (r *callRoom) leave(ctx context.Context) {
	if r.closed {
		return
	}

	r.engine.CloseAll(true)
	r.mediaMgr.ReleaseAll()

	_, ended, err := r.registry.Leave(r.roomID, r.ctrl.selfID)
	if err != nil {
		log.Printf("CALL [%s]: leaving: %v", r.roomID, err)
	}
	if ended && r.ctrl.directory != nil {
		if err := r.ctrl.directory.ClearActive(ctx, r.roomID); err != nil {
			log.Printf("CALL [%s]: clearing active call: %v", r.roomID, err)
		}
	}
	r.registry.Remove(r.roomID)
	r.shutdown("hangup")
}

// shutdown detaches from the relay and stops the loop. Reason feeds the
// callEnded event.
func (r *callRoom) shutdown(reason string) {
	if r.closed {
		return
	}
	r.closed = true
	r.cancelSub()
	r.ctrl.dropRoom(r.roomID, r)
	r.emit(Event{Type: EventCallEnded, RoomID: r.roomID, Reason: reason})
	close(r.done)
}

func (r *callRoom) emit(ev Event) {
	r.ctrl.emit(ev)
}
