package signal

import "encoding/json"

// Type identifies a signaling message on the wire.
type Type string

const (
	// Negotiation messages, unicast between a pair of participants.
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeBye       Type = "bye"

	// Presence messages, emitted by the relay when membership changes.
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"

	// Invite rings a user who is not yet in the call.
	TypeInvite Type = "invite"

	// MediaState broadcasts mute/camera/screen-share indicators.
	TypeMediaState Type = "media-state"

	TypeError Type = "error"
)

// Message is the wire unit exchanged over the relay. Payload is opaque to
// the relay and must round-trip byte for byte; only the negotiation engines
// on both ends interpret it.
type Message struct {
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId"`
	Epoch   uint64          `json:"epoch,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// MediaState mirrors a participant's local track flags. Carried as the
// payload of a media-state broadcast and kept on the session registry.
type MediaState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// InvitePayload is the payload of an invite message.
type InvitePayload struct {
	CallType    string `json:"callType"` // "audio" or "video"
	DisplayName string `json:"displayName,omitempty"`
}

// JoinPayload is attached to the join confirmation the relay sends a new
// member: the ids of everyone already in the room, in join order. The new
// member initiates negotiation toward each of them.
type JoinPayload struct {
	Members []string `json:"members"`
}
