package models

import "time"

// Reaction kind constants.
const (
	ReactionLike       = "like"
	ReactionLove       = "love"
	ReactionLaugh      = "laugh"
	ReactionAngry      = "angry"
	ReactionSad        = "sad"
	ReactionThumbsUp   = "thumbs_up"
	ReactionThumbsDown = "thumbs_down"
)

// ValidReaction reports whether kind is a recognized reaction kind.
func ValidReaction(kind string) bool {
	switch kind {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionAngry,
		ReactionSad, ReactionThumbsUp, ReactionThumbsDown:
		return true
	}
	return false
}

// MessageReaction is one (message, user, kind) reaction row.
// Reactions are inserted and deleted, never updated; counts are aggregated
// by the caller into ChatMessage.ReactionsCount.
type MessageReaction struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_msg_user_kind" json:"message_id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_msg_user_kind" json:"user_id"`
	Reaction  string    `gorm:"not null;uniqueIndex:idx_msg_user_kind" json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}

// AggregateReactions folds reaction rows into a kind -> count map.
// Kinds with zero count are omitted.
func AggregateReactions(rows []MessageReaction) map[string]int {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.Reaction]++
	}
	return counts
}

// ApplyReactionDelta adjusts a kind -> count map by delta (+1 add, -1 remove),
// dropping the key when the count reaches zero. A nil map is allocated on add.
func ApplyReactionDelta(counts map[string]int, kind string, delta int) map[string]int {
	if counts == nil {
		counts = make(map[string]int)
	}
	counts[kind] += delta
	if counts[kind] <= 0 {
		delete(counts, kind)
	}
	return counts
}
