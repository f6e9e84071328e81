package call

import (
	"github.com/crewdesk/call-signaling/internal/negotiation"
	"github.com/crewdesk/call-signaling/internal/signal"
)

// EventType names a lifecycle event surfaced to the presentation layer.
type EventType string

const (
	EventSessionActive     EventType = "sessionBecameActive"
	EventParticipantJoined EventType = "participantJoined"
	EventParticipantLeft   EventType = "participantLeft"
	EventLinkStateChanged  EventType = "linkStateChanged"
	EventMediaStateChanged EventType = "mediaStateChanged"
	EventCallEnded         EventType = "callEnded"
	// EventPeerLost: a peer's link failed twice; the call continues for
	// everyone else.
	EventPeerLost EventType = "peerLost"
	// EventIncomingCall: another user rang us for a room we have not
	// joined yet.
	EventIncomingCall EventType = "incomingCall"
)

// Event is one lifecycle notification. Only the fields relevant to the
// event type are set.
type Event struct {
	Type       EventType
	RoomID     string
	PeerID     string
	LinkState  negotiation.LinkState
	MediaState signal.MediaState
	CallType   Kind
	Reason     string
}
