// Package realtime provides per-room feed subscriptions, typing expiry,
// presence tracking, and WebSocket fanout for chat rooms.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Feed identifies one of the four per-room realtime feeds.
type Feed string

const (
	FeedMessages  Feed = "messages"
	FeedTyping    Feed = "typing"
	FeedPresence  Feed = "presence"
	FeedReactions Feed = "reactions"
)

// MessageEvent is the wire event for the message feed. The payload carries
// only the row identity; subscribers re-fetch the full joined row.
type MessageEvent struct {
	Action    string `json:"action"` // "insert" or "update"
	MessageID uint   `json:"message_id"`
	RoomID    uint   `json:"room_id"`
}

// TypingEvent is the wire event for the typing feed.
type TypingEvent struct {
	UserID   uint   `json:"user_id"`
	UserName string `json:"user_name"`
	RoomID   uint   `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceEvent is the wire event for the presence feed.
type PresenceEvent struct {
	UserID     uint   `json:"user_id"`
	UserName   string `json:"user_name"`
	FlatNumber string `json:"flat_number"`
	RoomID     uint   `json:"room_id"`
	Status     string `json:"status"` // "online" or "offline"
}

// ReactionEvent is the wire event for the reaction feed.
type ReactionEvent struct {
	Action    string `json:"action"` // "add" or "remove"
	MessageID uint   `json:"message_id"`
	UserID    uint   `json:"user_id"`
	Reaction  string `json:"reaction"`
	RoomID    uint   `json:"room_id"`
}

// Notifier provides helpers to publish room feed events into Redis channels
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// FeedChannel derives the Redis channel name for a room's feed.
func FeedChannel(feed Feed, roomID uint) string {
	id := strconv.FormatUint(uint64(roomID), 10)
	switch feed {
	case FeedMessages:
		return "chat:room:" + id
	case FeedTyping:
		return "typing:room:" + id
	case FeedPresence:
		return "presence:room:" + id
	case FeedReactions:
		return "reactions:room:" + id
	}
	return string(feed) + ":room:" + id
}

func (n *Notifier) publish(ctx context.Context, channel string, v any) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return n.rdb.Publish(ctx, channel, string(payload)).Err()
}

// PublishMessageEvent publishes a message row change to the room's message feed.
func (n *Notifier) PublishMessageEvent(ctx context.Context, ev MessageEvent) error {
	return n.publish(ctx, FeedChannel(FeedMessages, ev.RoomID), ev)
}

// PublishTyping publishes a typing indicator to the room's typing feed.
func (n *Notifier) PublishTyping(ctx context.Context, ev TypingEvent) error {
	return n.publish(ctx, FeedChannel(FeedTyping, ev.RoomID), ev)
}

// PublishPresence publishes a presence transition to the room's presence feed.
func (n *Notifier) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	return n.publish(ctx, FeedChannel(FeedPresence, ev.RoomID), ev)
}

// PublishReaction publishes a reaction change to the room's reaction feed.
func (n *Notifier) PublishReaction(ctx context.Context, ev ReactionEvent) error {
	return n.publish(ctx, FeedChannel(FeedReactions, ev.RoomID), ev)
}

// Subscribe subscribes to a single room feed channel and calls onMessage for
// each payload until ctx is canceled.
func (n *Notifier) Subscribe(ctx context.Context, feed Feed, roomID uint, onMessage func(payload string)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, FeedChannel(feed, roomID))
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in %s feed subscriber: %v\n%s", feed, r, debug.Stack())
						}
					}()
					onMessage(msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// StartRoomSubscriber subscribes to all room feed patterns and calls onMessage
// for each incoming message. Used by the WebSocket hub to fan events out.
func (n *Notifier) StartRoomSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:room:*", "typing:room:*", "presence:room:*", "reactions:room:*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in RoomSubscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// ParseFeedChannel extracts the feed and room ID from a Redis channel name.
func ParseFeedChannel(channel string) (Feed, uint, bool) {
	var roomID uint
	for _, feed := range []Feed{FeedMessages, FeedTyping, FeedPresence, FeedReactions} {
		prefix := FeedChannel(feed, 0)
		prefix = prefix[:len(prefix)-1]
		if _, err := fmt.Sscanf(channel, prefix+"%d", &roomID); err == nil {
			return feed, roomID, true
		}
	}
	return "", 0, false
}
