// Package store keeps conversation metadata, call-room presence and the
// active-call directory in Redis. The call subsystem never writes chat
// messages; conversations exist here only to validate rooms and gate who
// may be invited.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crewdesk/call-signaling/config"
	"github.com/crewdesk/call-signaling/internal/call"
)

const (
	conversationTTL = 24 * time.Hour
	presenceTTL     = 24 * time.Hour
)

var ErrNotFound = errors.New("store: not found")

// Conversation is the chat room a call can run in.
type Conversation struct {
	ID         string    `json:"id"`
	CreatorID  string    `json:"creatorId"`
	CreatedAt  time.Time `json:"createdAt"`
	MemberIDs  []string  `json:"memberIds"`
	MaxMembers int       `json:"maxMembers"`
}

// ActiveCall is the directory record for a conversation's live call.
type ActiveCall struct {
	CallID    string    `json:"callId"`
	Initiator string    `json:"initiator"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
}

// Connect opens and verifies the Redis connection.
func Connect(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Store is the Redis-backed conversation store. It also implements the
// call controller's Directory.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// CreateConversation registers a new conversation owned by creatorID.
func (s *Store) CreateConversation(ctx context.Context, creatorID string, memberIDs []string, maxMembers int) (Conversation, error) {
	if maxMembers == 0 {
		maxMembers = 8
	}
	conv := Conversation{
		ID:         uuid.New().String(),
		CreatorID:  creatorID,
		CreatedAt:  time.Now(),
		MemberIDs:  memberIDs,
		MaxMembers: maxMembers,
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.rdb.Set(ctx, convKey(conv.ID), data, conversationTTL).Err(); err != nil {
		return Conversation{}, fmt.Errorf("store conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	data, err := s.rdb.Get(ctx, convKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return Conversation{}, fmt.Errorf("parse conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes the conversation and everything hanging off
// it.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, convKey(id), peersKey(id), callKey(id)).Err()
}

// Validate checks that a conversation exists and has room for another
// call participant.
func (s *Store) Validate(ctx context.Context, id string) (Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	count, err := s.PeerCount(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if int(count) >= conv.MaxMembers {
		return Conversation{}, fmt.Errorf("conversation %s is full", id)
	}
	return conv, nil
}

// AddPeer records userID as present in the conversation's call room.
func (s *Store) AddPeer(ctx context.Context, convID, userID string) error {
	if err := s.rdb.SAdd(ctx, peersKey(convID), userID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, peersKey(convID), presenceTTL).Err()
}

// RemovePeer clears userID's presence.
func (s *Store) RemovePeer(ctx context.Context, convID, userID string) error {
	return s.rdb.SRem(ctx, peersKey(convID), userID).Err()
}

// PeerCount reports how many users are present in the call room.
func (s *Store) PeerCount(ctx context.Context, convID string) (int64, error) {
	return s.rdb.SCard(ctx, peersKey(convID)).Result()
}

// MarkActive publishes the live call for a conversation.
func (s *Store) MarkActive(ctx context.Context, roomID, callID, initiator string, kind call.Kind) error {
	data, err := json.Marshal(ActiveCall{
		CallID:    callID,
		Initiator: initiator,
		Kind:      string(kind),
		StartedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, callKey(roomID), data, conversationTTL).Err()
}

// ClearActive removes the live-call record.
func (s *Store) ClearActive(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, callKey(roomID)).Err()
}

// ActiveCall reports the live call for roomID, if any.
func (s *Store) ActiveCall(ctx context.Context, roomID string) (string, call.Kind, bool, error) {
	data, err := s.rdb.Get(ctx, callKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("load active call: %w", err)
	}
	var ac ActiveCall
	if err := json.Unmarshal([]byte(data), &ac); err != nil {
		return "", "", false, fmt.Errorf("parse active call: %w", err)
	}
	return ac.CallID, call.Kind(ac.Kind), true, nil
}

func convKey(id string) string  { return "conv:" + id }
func peersKey(id string) string { return "conv:" + id + ":peers" }
func callKey(id string) string  { return "conv:" + id + ":call" }
