package presence

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bridge notifies an external participant-presence store of online/offline
// transitions. Both calls are best-effort: failures are logged by the
// caller and never propagate back into signaling. participantID is the
// optional backing-store identifier supplied at join; empty when the
// client did not send one.
type Bridge interface {
	MarkOnline(ctx context.Context, meetingCode, peerID, participantID string) error
	MarkOffline(ctx context.Context, meetingCode, peerID string) error
}

const presenceTTL = 24 * time.Hour

// RedisBridge tracks presence as a Redis set per meeting, keyed the same
// way the meetings API reads participant counts.
type RedisBridge struct {
	client *redis.Client
}

// NewRedisBridge creates a presence bridge over the given Redis client.
func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client}
}

func peersKey(meetingCode string) string {
	return "meeting:" + meetingCode + ":peers"
}

func participantsKey(meetingCode string) string {
	return "meeting:" + meetingCode + ":participants"
}

func (b *RedisBridge) MarkOnline(ctx context.Context, meetingCode, peerID, participantID string) error {
	if err := b.client.SAdd(ctx, peersKey(meetingCode), peerID).Err(); err != nil {
		return err
	}
	if participantID != "" {
		if err := b.client.HSet(ctx, participantsKey(meetingCode), peerID, participantID).Err(); err != nil {
			return err
		}
	}
	if err := b.client.Expire(ctx, peersKey(meetingCode), presenceTTL).Err(); err != nil {
		return err
	}
	return b.client.Expire(ctx, participantsKey(meetingCode), presenceTTL).Err()
}

func (b *RedisBridge) MarkOffline(ctx context.Context, meetingCode, peerID string) error {
	if err := b.client.HDel(ctx, participantsKey(meetingCode), peerID).Err(); err != nil {
		return err
	}
	return b.client.SRem(ctx, peersKey(meetingCode), peerID).Err()
}

// Nop discards presence transitions. Used when no presence store is
// configured and in tests.
type Nop struct{}

func (Nop) MarkOnline(ctx context.Context, meetingCode, peerID, participantID string) error {
	return nil
}

func (Nop) MarkOffline(ctx context.Context, meetingCode, peerID string) error {
	return nil
}

// notifyTimeout bounds one presence call so a stalled store cannot leak
// goroutines indefinitely.
const notifyTimeout = 5 * time.Second

// Notify runs fn against the bridge on its own goroutine with a bounded
// context. It must be called without holding any registry lock.
func Notify(b Bridge, what string, fn func(ctx context.Context, b Bridge) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx, b); err != nil {
			log.Printf("Presence %s notification failed: %v", what, err)
		}
	}()
}
