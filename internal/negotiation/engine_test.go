package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/signal"
)

type fakePC struct {
	remoteID string
	closed   bool

	added      []string
	replaced   []media.Track
	replaceErr error
	offerErr   error

	onCandidate func(json.RawMessage)
	onConn      func(ConnState)
}

func (p *fakePC) CreateOffer(context.Context) (json.RawMessage, error) {
	if p.offerErr != nil {
		return nil, p.offerErr
	}
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (p *fakePC) AcceptOffer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (p *fakePC) AcceptAnswer(context.Context, json.RawMessage) error { return nil }

func (p *fakePC) AddCandidate(candidate json.RawMessage) error {
	p.added = append(p.added, string(candidate))
	return nil
}

func (p *fakePC) ReplaceVideo(t media.Track) error {
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.replaced = append(p.replaced, t)
	return nil
}

func (p *fakePC) OnCandidate(fn func(json.RawMessage)) { p.onCandidate = fn }
func (p *fakePC) OnConnectionChange(fn func(ConnState)) { p.onConn = fn }
func (p *fakePC) Close() error                          { p.closed = true; return nil }

type harness struct {
	engine *Engine
	sent   []signal.Message
	states []string
	pcs    map[string][]*fakePC
	sched  chan func()
}

func newHarness(t *testing.T, localID string, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		pcs:   make(map[string][]*fakePC),
		sched: make(chan func(), 32),
	}
	h.engine = NewEngine(Config{
		LocalID: localID,
		RoomID:  "room-1",
		Factory: func(remoteID string) (PeerConn, error) {
			pc := &fakePC{remoteID: remoteID}
			h.pcs[remoteID] = append(h.pcs[remoteID], pc)
			return pc, nil
		},
		Send:          func(msg signal.Message) { h.sent = append(h.sent, msg) },
		OnStateChange: func(remoteID string, s LinkState) { h.states = append(h.states, remoteID+":"+s.String()) },
		Schedule:      func(fn func()) { h.sched <- fn },
		Timeout:       timeout,
	})
	return h
}

// drainOne runs the next scheduled continuation, waiting for timers.
func (h *harness) drainOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.sched:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no scheduled continuation arrived")
	}
}

func (h *harness) pc(remoteID string) *fakePC {
	pcs := h.pcs[remoteID]
	return pcs[len(pcs)-1]
}

func (h *harness) lastSent() signal.Message {
	return h.sent[len(h.sent)-1]
}

func candidate(s string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":%q}`, s))
}

func TestStartNegotiationSendsOffer(t *testing.T) {
	h := newHarness(t, "alice", 0)

	require.NoError(t, h.engine.StartNegotiation(context.Background(), "bob"))

	assert.Equal(t, StateOffering, h.engine.LinkState("bob"))
	require.Len(t, h.sent, 1)
	assert.Equal(t, signal.TypeOffer, h.sent[0].Type)
	assert.Equal(t, "alice", h.sent[0].From)
	assert.Equal(t, "bob", h.sent[0].To)
	assert.Equal(t, uint64(1), h.sent[0].Epoch)

	// A second start while offering is rejected.
	err := h.engine.StartNegotiation(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrLinkBusy)
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	h := newHarness(t, "alice", 0)
	require.NoError(t, h.engine.StartNegotiation(context.Background(), "bob"))

	err := h.engine.HandleMessage(context.Background(), signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"answer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, h.engine.LinkState("bob"))
}

func TestInboundOfferIsAnswered(t *testing.T) {
	h := newHarness(t, "alice", 0)

	err := h.engine.HandleMessage(context.Background(), signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, StateConnected, h.engine.LinkState("bob"))
	require.Len(t, h.sent, 1)
	assert.Equal(t, signal.TypeAnswer, h.sent[0].Type)
	assert.Equal(t, uint64(1), h.sent[0].Epoch)
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()

	// Candidates race ahead of the offer.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeCandidate, From: "bob", Epoch: 1, Payload: candidate("c1"),
	}))
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeCandidate, From: "bob", Epoch: 1, Payload: candidate("c2"),
	}))

	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	// One more after the description is applied goes straight through.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeCandidate, From: "bob", Epoch: 1, Payload: candidate("c3"),
	}))

	pc := h.pc("bob")
	require.Len(t, pc.added, 3)
	assert.Contains(t, pc.added[0], "c1")
	assert.Contains(t, pc.added[1], "c2")
	assert.Contains(t, pc.added[2], "c3")
}

func TestGlareSmallerIDKeepsOffer(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))

	// alice < bob: alice proceeds as offerer and ignores bob's offer.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	assert.Equal(t, StateOffering, h.engine.LinkState("bob"))
	require.Len(t, h.sent, 1, "no answer goes out from the winning side")
	assert.Equal(t, signal.TypeOffer, h.sent[0].Type)
}

func TestGlareLargerIDYields(t *testing.T) {
	h := newHarness(t, "zed", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))
	ownPC := h.pc("bob")

	// zed > bob: zed abandons its own offer and answers bob's.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	assert.True(t, ownPC.closed, "yielding side tears down its own attempt")
	assert.Equal(t, StateConnected, h.engine.LinkState("bob"))
	assert.Equal(t, signal.TypeAnswer, h.lastSent().Type)
}

func TestGlareYieldKeepsBufferedCandidates(t *testing.T) {
	h := newHarness(t, "zed", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))

	// bob's candidate trickles in before his offer, while zed is still
	// offering.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeCandidate, From: "bob", Epoch: 1, Payload: candidate("early"),
	}))

	// Glare: zed yields, and the buffered candidate must flush onto the
	// replacement link once bob's description is applied.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	require.Equal(t, StateConnected, h.engine.LinkState("bob"))
	pc := h.pc("bob")
	require.Len(t, pc.added, 1)
	assert.Contains(t, pc.added[0], "early")
}

func TestStaleEpochMessagesDropped(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))
	require.NoError(t, h.engine.RestartNegotiation(ctx, "bob"))
	require.Equal(t, uint64(2), h.engine.Epoch("bob"))

	sentBefore := len(h.sent)
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"answer"}`),
	}))

	assert.Equal(t, StateOffering, h.engine.LinkState("bob"), "stale answer must not complete the new epoch")
	assert.Len(t, h.sent, sentBefore)
}

func TestRemoteRestartAdoptsNewEpoch(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))
	firstPC := h.pc("bob")
	require.Equal(t, StateConnected, h.engine.LinkState("bob"))

	// Remote bumps the epoch with a fresh offer; we follow.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 2,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	assert.True(t, firstPC.closed)
	assert.Equal(t, StateConnected, h.engine.LinkState("bob"))
	assert.Equal(t, uint64(2), h.engine.Epoch("bob"))
}

func TestAnswerAheadOfEpochFailsLink(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))

	err := h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 5,
		Payload: json.RawMessage(`{"type":"answer"}`),
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateFailed, h.engine.LinkState("bob"))
}

func TestUnsolicitedAnswerIsViolation(t *testing.T) {
	h := newHarness(t, "alice", 0)

	err := h.engine.HandleMessage(context.Background(), signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"answer"}`),
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestOfferOnConnectedLinkWithoutEpochBumpFails(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	err := h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateFailed, h.engine.LinkState("bob"))
}

func TestRestartDiscardsBufferedCandidates(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))

	// Buffer a candidate on the offering link, then restart.
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeCandidate, From: "bob", Epoch: 1, Payload: candidate("old"),
	}))
	require.NoError(t, h.engine.RestartNegotiation(ctx, "bob"))

	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 2,
		Payload: json.RawMessage(`{"type":"answer"}`),
	}))

	assert.Empty(t, h.pc("bob").added, "candidates from the old epoch must not carry over")
}

func TestNegotiationTimeoutFailsLink(t *testing.T) {
	h := newHarness(t, "alice", 20*time.Millisecond)
	require.NoError(t, h.engine.StartNegotiation(context.Background(), "bob"))

	h.drainOne(t)
	assert.Equal(t, StateFailed, h.engine.LinkState("bob"))
	assert.True(t, h.pc("bob").closed)
}

func TestTimeoutAfterRestartIsIgnoredForOldEpoch(t *testing.T) {
	h := newHarness(t, "alice", 20*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))
	require.NoError(t, h.engine.RestartNegotiation(ctx, "bob"))
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeAnswer, From: "bob", Epoch: 2,
		Payload: json.RawMessage(`{"type":"answer"}`),
	}))

	// Drain whatever the old deadline scheduled; the connected epoch-2
	// link must survive it.
	for done := false; !done; {
		select {
		case fn := <-h.sched:
			fn()
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	assert.Equal(t, StateConnected, h.engine.LinkState("bob"))
}

func TestByeClosesLink(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.StartNegotiation(ctx, "bob"))
	pc := h.pc("bob")

	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeBye, From: "bob", Epoch: 1,
	}))

	assert.True(t, pc.closed)
	assert.Empty(t, h.engine.Peers())
}

func TestCloseLinkSendsBye(t *testing.T) {
	h := newHarness(t, "alice", 0)
	require.NoError(t, h.engine.StartNegotiation(context.Background(), "bob"))

	h.engine.CloseLink("bob", true)

	assert.Equal(t, signal.TypeBye, h.lastSent().Type)
	assert.Equal(t, StateIdle, h.engine.LinkState("bob"), "closed links are forgotten")
}

func TestConnectionLossFailsLink(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()
	require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
		Type: signal.TypeOffer, From: "bob", Epoch: 1,
		Payload: json.RawMessage(`{"type":"offer"}`),
	}))

	h.pc("bob").onConn(ConnFailed)
	h.drainOne(t)

	assert.Equal(t, StateFailed, h.engine.LinkState("bob"))
}

func TestLocalCandidatesForwardedWhileLinkLive(t *testing.T) {
	h := newHarness(t, "alice", 0)
	require.NoError(t, h.engine.StartNegotiation(context.Background(), "bob"))

	h.pc("bob").onCandidate(candidate("local"))
	h.drainOne(t)

	msg := h.lastSent()
	assert.Equal(t, signal.TypeCandidate, msg.Type)
	assert.Equal(t, "bob", msg.To)
	assert.Equal(t, uint64(1), msg.Epoch)
}

func TestReplaceOutgoingVideoReportsRestarts(t *testing.T) {
	h := newHarness(t, "alice", 0)
	ctx := context.Background()

	for _, peer := range []string{"bob", "carol"} {
		require.NoError(t, h.engine.HandleMessage(ctx, signal.Message{
			Type: signal.TypeOffer, From: peer, Epoch: 1,
			Payload: json.RawMessage(`{"type":"offer"}`),
		}))
	}
	h.pc("carol").replaceErr = ErrReplaceUnsupported

	needRestart := h.engine.ReplaceOutgoingVideo(nil)

	assert.Equal(t, []string{"carol"}, needRestart)
	assert.Len(t, h.pc("bob").replaced, 1)
}
