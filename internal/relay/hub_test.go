package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/call-signaling/internal/signal"
)

func recv(t *testing.T, ch <-chan signal.Message) signal.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return signal.Message{}
	}
}

func TestJoinConfirmationCarriesExistingMembers(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")
	bob := NewLocalTransport(hub, "bob")

	aliceCh, cancelA, err := alice.Subscribe("room-1")
	require.NoError(t, err)
	defer cancelA()

	msg := recv(t, aliceCh)
	assert.Equal(t, signal.TypeJoin, msg.Type)
	assert.Equal(t, "alice", msg.To)
	var jp signal.JoinPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &jp))
	assert.Empty(t, jp.Members, "first member sees an empty room")

	bobCh, cancelB, err := bob.Subscribe("room-1")
	require.NoError(t, err)
	defer cancelB()

	msg = recv(t, bobCh)
	require.NoError(t, json.Unmarshal(msg.Payload, &jp))
	assert.Equal(t, []string{"alice"}, jp.Members)

	// Alice hears about bob's arrival.
	msg = recv(t, aliceCh)
	assert.Equal(t, signal.TypeJoin, msg.Type)
	assert.Equal(t, "bob", msg.From)

	assert.Equal(t, []string{"alice", "bob"}, hub.Members("room-1"))
}

func TestSendToUserWithinRoom(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")
	bob := NewLocalTransport(hub, "bob")

	aliceCh, cancelA, _ := alice.Subscribe("room-1")
	defer cancelA()
	bobCh, cancelB, _ := bob.Subscribe("room-1")
	defer cancelB()
	recv(t, aliceCh) // own join confirmation
	recv(t, bobCh)
	recv(t, aliceCh) // bob's arrival

	err := alice.SendToUser(context.Background(), "room-1", "bob", signal.Message{
		Type: signal.TypeOffer, From: "alice", To: "bob", RoomID: "room-1", Epoch: 1,
	})
	require.NoError(t, err)

	msg := recv(t, bobCh)
	assert.Equal(t, signal.TypeOffer, msg.Type)
	assert.Equal(t, "alice", msg.From)
}

func TestSendToUserFallsBackToGlobalIndex(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")
	carol := NewLocalTransport(hub, "carol")

	aliceCh, cancelA, _ := alice.Subscribe("room-1")
	defer cancelA()
	recv(t, aliceCh)

	// Carol is connected elsewhere but not in room-1; invites still reach
	// her.
	carolCh, cancelC, _ := carol.Subscribe("room-2")
	defer cancelC()
	recv(t, carolCh)

	err := hub.SendToUser("room-1", "carol", signal.Message{
		Type: signal.TypeInvite, From: "alice", To: "carol", RoomID: "room-1",
	})
	require.NoError(t, err)

	msg := recv(t, carolCh)
	assert.Equal(t, signal.TypeInvite, msg.Type)
	assert.Equal(t, "room-1", msg.RoomID)
}

func TestSendToUnknownUserFails(t *testing.T) {
	hub := NewHub()
	err := hub.SendToUser("room-1", "ghost", signal.Message{Type: signal.TypeOffer})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestSendToRoomExcludesSender(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")
	bob := NewLocalTransport(hub, "bob")
	carol := NewLocalTransport(hub, "carol")

	aliceCh, cancelA, _ := alice.Subscribe("room-1")
	defer cancelA()
	bobCh, cancelB, _ := bob.Subscribe("room-1")
	defer cancelB()
	carolCh, cancelC, _ := carol.Subscribe("room-1")
	defer cancelC()
	recv(t, aliceCh)
	recv(t, bobCh)
	recv(t, carolCh)
	recv(t, aliceCh) // bob joined
	recv(t, aliceCh) // carol joined
	recv(t, bobCh)   // carol joined

	err := alice.SendToRoom(context.Background(), "room-1", signal.Message{
		Type: signal.TypeMediaState, From: "alice", RoomID: "room-1",
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, signal.TypeMediaState, recv(t, bobCh).Type)
	assert.Equal(t, signal.TypeMediaState, recv(t, carolCh).Type)
	select {
	case msg := <-aliceCh:
		t.Fatalf("sender received its own broadcast: %v", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveNotifiesAndRemovesEmptyRoom(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")
	bob := NewLocalTransport(hub, "bob")

	aliceCh, cancelA, _ := alice.Subscribe("room-1")
	bobCh, cancelB, _ := bob.Subscribe("room-1")
	recv(t, aliceCh)
	recv(t, bobCh)
	recv(t, aliceCh)

	cancelB()
	msg := recv(t, aliceCh)
	assert.Equal(t, signal.TypeLeave, msg.Type)
	assert.Equal(t, "bob", msg.From)

	cancelA()
	assert.Nil(t, hub.Members("room-1"), "empty room is removed")

	// Detached endpoints no longer receive anything.
	err := hub.SendToUser("room-1", "alice", signal.Message{Type: signal.TypeOffer})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestSubscribeCancelClosesStream(t *testing.T) {
	hub := NewHub()
	alice := NewLocalTransport(hub, "alice")

	ch, cancel, err := alice.Subscribe("room-1")
	require.NoError(t, err)
	recv(t, ch)
	cancel()

	_, open := <-ch
	assert.False(t, open)
}
