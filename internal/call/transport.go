package call

import (
	"context"

	"github.com/crewdesk/call-signaling/internal/signal"
)

// Transport is the relay capability the controller consumes. It is always
// injected, never a package-level singleton, so tests run against an
// in-memory relay and production against the WebSocket hub.
type Transport interface {
	// Subscribe attaches to a room's signaling channel. The stream closes
	// when cancel is invoked or the transport goes away. Presence arrives
	// on the stream as join/leave messages.
	Subscribe(roomID string) (<-chan signal.Message, func(), error)
	// SendToUser delivers a message to one user, wherever they are
	// attached.
	SendToUser(ctx context.Context, roomID, userID string, msg signal.Message) error
	// SendToRoom fans a message out to every room member except those
	// excluded.
	SendToRoom(ctx context.Context, roomID string, msg signal.Message, exclude ...string) error
}

// Directory records which conversations have a live call. Backed by the
// conversation store in production so JoinCall can fail NoActiveCall and
// chat UIs can show a call-in-progress badge.
type Directory interface {
	MarkActive(ctx context.Context, roomID, callID, initiator string, kind Kind) error
	ClearActive(ctx context.Context, roomID string) error
	// ActiveCall reports the live call for roomID; ok is false when there
	// is none.
	ActiveCall(ctx context.Context, roomID string) (callID string, kind Kind, ok bool, err error)
}
