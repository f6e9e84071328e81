package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crewdesk/call-signaling/internal/media"
	"github.com/crewdesk/call-signaling/internal/signal"
)

// DefaultLinkTimeout bounds how long a link may sit in offering/offered
// before it is declared failed.
const DefaultLinkTimeout = 30 * time.Second

// Engine runs the negotiation state machines for one local participant in
// one room. It is not safe for concurrent use: the call controller invokes
// every method from the room's serialized loop, and timer or PeerConn
// callbacks re-enter through the schedule hook.
type Engine struct {
	localID string
	roomID  string
	factory Factory

	send     func(signal.Message)
	onState  func(remoteID string, s LinkState)
	schedule func(func())
	timeout  time.Duration

	links map[string]*link
}

// Config wires an Engine into its room loop.
type Config struct {
	LocalID string
	RoomID  string
	Factory Factory
	// Send delivers an outbound signaling message; the engine fills in
	// from/to/epoch/payload.
	Send func(signal.Message)
	// OnStateChange fires on every link transition, inside the room loop.
	OnStateChange func(remoteID string, s LinkState)
	// Schedule posts a continuation into the room loop. Timers and
	// PeerConn callbacks must not touch engine state directly.
	Schedule func(func())
	Timeout  time.Duration
}

func NewEngine(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLinkTimeout
	}
	return &Engine{
		localID:  cfg.LocalID,
		roomID:   cfg.RoomID,
		factory:  cfg.Factory,
		send:     cfg.Send,
		onState:  cfg.OnStateChange,
		schedule: cfg.Schedule,
		timeout:  cfg.Timeout,
		links:    make(map[string]*link),
	}
}

// StartNegotiation opens (or reopens) the link to remoteID and sends an
// offer. Fails with ErrLinkBusy unless the link is idle or closed.
func (e *Engine) StartNegotiation(ctx context.Context, remoteID string) error {
	l := e.links[remoteID]
	if l != nil && l.state != StateIdle && l.state != StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrLinkBusy, remoteID, l.state)
	}

	epoch := uint64(1)
	var pending []json.RawMessage
	if l != nil {
		if l.epoch > epoch {
			epoch = l.epoch
		}
		pending = l.pending // candidates that raced ahead of this offer
	}

	nl, err := e.newLink(remoteID, epoch)
	if err != nil {
		return err
	}
	nl.pending = pending
	e.links[remoteID] = nl
	return e.sendOffer(ctx, nl)
}

// RestartNegotiation supersedes the current attempt toward remoteID: the
// epoch is bumped, buffered candidates are discarded and a fresh offer
// goes out. Used after a failed link or a network-affecting media change.
func (e *Engine) RestartNegotiation(ctx context.Context, remoteID string) error {
	l := e.links[remoteID]
	if l == nil {
		return ErrNoLink
	}
	l.stopDeadline()
	if l.pc != nil {
		_ = l.pc.Close()
	}

	nl, err := e.newLink(remoteID, l.epoch+1)
	if err != nil {
		return err
	}
	e.links[remoteID] = nl
	return e.sendOffer(ctx, nl)
}

// HandleMessage routes one inbound signaling message to its link.
func (e *Engine) HandleMessage(ctx context.Context, msg signal.Message) error {
	l := e.links[msg.From]

	if l != nil && msg.Epoch < l.epoch {
		log.Printf("NEG [%s]: dropping stale %s from %s (epoch %d < %d)",
			e.roomID, msg.Type, msg.From, msg.Epoch, l.epoch)
		return nil
	}
	if l != nil && msg.Epoch > l.epoch {
		switch msg.Type {
		case signal.TypeOffer:
			// The remote restarted negotiation; abandon our attempt and
			// follow its new epoch.
			l.stopDeadline()
			if l.pc != nil {
				_ = l.pc.Close()
			}
			delete(e.links, msg.From)
			l = nil
		case signal.TypeAnswer:
			e.failLink(l, fmt.Errorf("%w: answer for epoch %d ahead of %d", ErrProtocolViolation, msg.Epoch, l.epoch))
			return fmt.Errorf("%w: unexpected answer epoch from %s", ErrProtocolViolation, msg.From)
		default:
			log.Printf("NEG [%s]: dropping %s from %s ahead of current epoch", e.roomID, msg.Type, msg.From)
			return nil
		}
	}

	switch msg.Type {
	case signal.TypeOffer:
		return e.handleOffer(ctx, l, msg)
	case signal.TypeAnswer:
		return e.handleAnswer(ctx, l, msg)
	case signal.TypeCandidate:
		return e.handleCandidate(l, msg)
	case signal.TypeBye:
		if l != nil {
			e.closeLink(l)
		}
		return nil
	default:
		log.Printf("NEG [%s]: ignoring %s from %s", e.roomID, msg.Type, msg.From)
		return nil
	}
}

func (e *Engine) handleOffer(ctx context.Context, l *link, msg signal.Message) error {
	switch {
	case l == nil, l.state == StateIdle:
		// Fresh inbound negotiation; a nil-pc placeholder may already hold
		// buffered candidates.
		var pending []json.RawMessage
		epoch := msg.Epoch
		if epoch == 0 {
			epoch = 1
		}
		if l != nil {
			pending = l.pending
		}
		nl, err := e.newLink(msg.From, epoch)
		if err != nil {
			return err
		}
		nl.pending = pending
		e.links[msg.From] = nl
		return e.answerOffer(ctx, nl, msg.Payload)

	case l.state == StateOffering:
		// Glare: both sides offered at once. The lexicographically smaller
		// user id proceeds as offerer; the other discards its own offer
		// and answers as if it had been idle.
		if e.localID < msg.From {
			log.Printf("NEG [%s]: glare with %s, keeping our offer", e.roomID, msg.From)
			return nil
		}
		log.Printf("NEG [%s]: glare with %s, yielding to their offer", e.roomID, msg.From)
		l.stopDeadline()
		_ = l.pc.Close()
		epoch := l.epoch
		if msg.Epoch > epoch {
			epoch = msg.Epoch
		}
		nl, err := e.newLink(msg.From, epoch)
		if err != nil {
			return err
		}
		nl.pending = l.pending // their candidates may have raced ahead of the offer
		e.links[msg.From] = nl
		return e.answerOffer(ctx, nl, msg.Payload)

	case l.state == StateOffered:
		// Duplicate delivery; signaling messages are safe to drop on
		// duplicates given the epoch guard.
		log.Printf("NEG [%s]: duplicate offer from %s", e.roomID, msg.From)
		return nil

	case l.state == StateConnected:
		err := fmt.Errorf("%w: offer from %s on connected link without epoch bump", ErrProtocolViolation, msg.From)
		e.failLink(l, err)
		return err

	default: // failed
		log.Printf("NEG [%s]: offer from %s on %s link dropped", e.roomID, msg.From, l.state)
		return nil
	}
}

func (e *Engine) handleAnswer(ctx context.Context, l *link, msg signal.Message) error {
	if l == nil || l.state != StateOffering {
		err := fmt.Errorf("%w: answer from %s while %s", ErrProtocolViolation, msg.From, e.stateOf(l))
		if l != nil {
			e.failLink(l, err)
		}
		return err
	}

	if err := l.pc.AcceptAnswer(ctx, msg.Payload); err != nil {
		err = fmt.Errorf("apply answer from %s: %w", msg.From, err)
		e.failLink(l, err)
		return err
	}
	l.remoteDescSet = true
	e.flushPending(l)
	l.stopDeadline()
	e.setState(l, StateConnected)
	return nil
}

func (e *Engine) handleCandidate(l *link, msg signal.Message) error {
	if l == nil {
		// Candidate raced ahead of its offer; hold it on a placeholder
		// link until the description arrives.
		epoch := msg.Epoch
		if epoch == 0 {
			epoch = 1
		}
		e.links[msg.From] = &link{
			remoteID: msg.From,
			state:    StateIdle,
			epoch:    epoch,
			pending:  []json.RawMessage{msg.Payload},
		}
		return nil
	}
	if !l.remoteDescSet {
		l.pending = append(l.pending, msg.Payload)
		return nil
	}
	if err := l.pc.AddCandidate(msg.Payload); err != nil {
		// Individual candidates may be unusable; connectivity checks
		// decide the link's fate, not a single bad candidate.
		log.Printf("NEG [%s]: candidate from %s rejected: %v", e.roomID, msg.From, err)
	}
	return nil
}

// answerOffer runs the answering side: apply remote description, flush any
// buffered candidates, send the answer back.
func (e *Engine) answerOffer(ctx context.Context, l *link, offer json.RawMessage) error {
	e.setState(l, StateOffered)
	answer, err := l.pc.AcceptOffer(ctx, offer)
	if err != nil {
		err = fmt.Errorf("apply offer from %s: %w", l.remoteID, err)
		e.failLink(l, err)
		return err
	}
	l.remoteDescSet = true
	e.flushPending(l)
	e.sendTo(l, signal.TypeAnswer, answer)
	e.setState(l, StateConnected)
	return nil
}

func (e *Engine) sendOffer(ctx context.Context, l *link) error {
	offer, err := l.pc.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("create offer for %s: %w", l.remoteID, err)
		e.failLink(l, err)
		return err
	}
	e.setState(l, StateOffering)
	e.sendTo(l, signal.TypeOffer, offer)
	e.armDeadline(l)
	return nil
}

// CloseLink tears down the link to remoteID. When sendBye is set the
// remote is told to do the same.
func (e *Engine) CloseLink(remoteID string, sendBye bool) {
	l := e.links[remoteID]
	if l == nil {
		return
	}
	if sendBye {
		e.sendTo(l, signal.TypeBye, nil)
	}
	e.closeLink(l)
}

// CloseAll tears down every link, e.g. on hangup.
func (e *Engine) CloseAll(sendBye bool) {
	for id := range e.links {
		e.CloseLink(id, sendBye)
	}
}

// ReplaceOutgoingVideo swaps the video track on every connected link in
// place. Peers whose connection cannot replace tracks are returned so the
// caller can fall back to RestartNegotiation for them.
func (e *Engine) ReplaceOutgoingVideo(t media.Track) []string {
	var needRestart []string
	for id, l := range e.links {
		if l.state != StateConnected {
			continue
		}
		switch err := l.pc.ReplaceVideo(t); {
		case err == nil:
		case errors.Is(err, ErrReplaceUnsupported):
			needRestart = append(needRestart, id)
		default:
			log.Printf("NEG [%s]: replace video for %s: %v", e.roomID, id, err)
		}
	}
	return needRestart
}

// LinkState reports the state of the link to remoteID; idle when none.
func (e *Engine) LinkState(remoteID string) LinkState {
	if l := e.links[remoteID]; l != nil {
		return l.state
	}
	return StateIdle
}

// Epoch reports the link's current negotiation epoch, zero when none.
func (e *Engine) Epoch(remoteID string) uint64 {
	if l := e.links[remoteID]; l != nil {
		return l.epoch
	}
	return 0
}

// Peers lists every peer with a live (non-terminal) link.
func (e *Engine) Peers() []string {
	out := make([]string, 0, len(e.links))
	for id, l := range e.links {
		if l.state != StateFailed && l.state != StateClosed {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) newLink(remoteID string, epoch uint64) (*link, error) {
	pc, err := e.factory(remoteID)
	if err != nil {
		return nil, fmt.Errorf("peer connection for %s: %w", remoteID, err)
	}
	l := &link{remoteID: remoteID, state: StateIdle, epoch: epoch, pc: pc}

	pc.OnCandidate(func(candidate json.RawMessage) {
		e.schedule(func() {
			if cur := e.links[remoteID]; cur == l && l.state != StateFailed && l.state != StateClosed {
				e.sendTo(l, signal.TypeCandidate, candidate)
			}
		})
	})
	pc.OnConnectionChange(func(s ConnState) {
		e.schedule(func() {
			if cur := e.links[remoteID]; cur != l {
				return
			}
			if s == ConnFailed || s == ConnDisconnected {
				e.failLink(l, fmt.Errorf("connectivity lost with %s", remoteID))
			}
		})
	})
	return l, nil
}

func (e *Engine) armDeadline(l *link) {
	epoch := l.epoch
	remoteID := l.remoteID
	l.deadline = time.AfterFunc(e.timeout, func() {
		e.schedule(func() {
			cur := e.links[remoteID]
			if cur == nil || cur.epoch != epoch {
				return
			}
			if cur.state == StateOffering || cur.state == StateOffered {
				e.failLink(cur, fmt.Errorf("negotiation with %s timed out", remoteID))
			}
		})
	})
}

func (e *Engine) flushPending(l *link) {
	for _, c := range l.pending {
		if err := l.pc.AddCandidate(c); err != nil {
			log.Printf("NEG [%s]: buffered candidate for %s rejected: %v", e.roomID, l.remoteID, err)
		}
	}
	l.pending = nil
}

func (e *Engine) failLink(l *link, reason error) {
	if l.state == StateFailed || l.state == StateClosed {
		return
	}
	log.Printf("NEG [%s]: link to %s failed: %v", e.roomID, l.remoteID, reason)
	l.stopDeadline()
	l.pending = nil
	if l.pc != nil {
		_ = l.pc.Close()
	}
	e.setState(l, StateFailed)
}

func (e *Engine) closeLink(l *link) {
	if l.state == StateClosed {
		return
	}
	l.stopDeadline()
	l.pending = nil
	if l.pc != nil {
		_ = l.pc.Close()
	}
	e.setState(l, StateClosed)
	delete(e.links, l.remoteID)
}

func (e *Engine) setState(l *link, s LinkState) {
	l.state = s
	if e.onState != nil {
		e.onState(l.remoteID, s)
	}
}

func (e *Engine) sendTo(l *link, t signal.Type, payload json.RawMessage) {
	e.send(signal.Message{
		Type:    t,
		From:    e.localID,
		To:      l.remoteID,
		RoomID:  e.roomID,
		Epoch:   l.epoch,
		Payload: payload,
	})
}

func (e *Engine) stateOf(l *link) LinkState {
	if l == nil {
		return StateIdle
	}
	return l.state
}
