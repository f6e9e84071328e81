// Package negotiation drives the offer/answer/candidate exchange for every
// peer pair in a call and keeps each pairwise link inside an explicit state
// machine. It owns no transport and no devices: signaling goes out through
// a send callback and SDP work is delegated to an injected PeerConn.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crewdesk/call-signaling/internal/media"
)

var (
	ErrLinkBusy          = errors.New("negotiation: link busy")
	ErrProtocolViolation = errors.New("negotiation: protocol violation")
	ErrNoLink            = errors.New("negotiation: no link for peer")

	// ErrReplaceUnsupported is returned by PeerConn.ReplaceVideo when the
	// underlying stack cannot swap a sender track in place; the caller
	// falls back to a full renegotiation.
	ErrReplaceUnsupported = errors.New("negotiation: in-place track replacement unsupported")
)

// LinkState is the negotiation state of one peer link.
type LinkState int

const (
	StateIdle LinkState = iota
	// StateOffering: local description sent, awaiting the remote answer.
	StateOffering
	// StateOffered: remote description received, producing an answer.
	StateOffered
	// StateConnected: both descriptions applied; candidates may continue.
	StateConnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateOffered:
		return "offered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnState reports the underlying transport connectivity of a PeerConn.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

// PeerConn is the slice of a WebRTC peer connection the engine drives.
// Payloads are opaque blobs that round-trip byte for byte through the
// relay; only the two PeerConn implementations interpret them.
type PeerConn interface {
	// CreateOffer produces and applies the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// AcceptOffer applies the remote description and returns the answer,
	// already applied locally.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer applies the remote description on the offering side.
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	// ReplaceVideo swaps the outgoing video sender track without a new
	// offer/answer round. Returns ErrReplaceUnsupported when it cannot.
	ReplaceVideo(t media.Track) error
	OnCandidate(fn func(candidate json.RawMessage))
	OnConnectionChange(fn func(ConnState))
	Close() error
}

// Factory builds a PeerConn toward the given remote participant.
type Factory func(remoteID string) (PeerConn, error)

// link is one mesh edge from the local participant to remoteID.
type link struct {
	remoteID string
	state    LinkState
	epoch    uint64
	pc       PeerConn

	// pending holds candidates that arrived before the remote description;
	// they flush in arrival order the moment the description is applied.
	pending       []json.RawMessage
	remoteDescSet bool

	deadline *time.Timer
}

func (l *link) stopDeadline() {
	if l.deadline != nil {
		l.deadline.Stop()
		l.deadline = nil
	}
}
