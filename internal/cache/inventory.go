package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix        = "user:%d"
	RoomKeyPrefix        = "room:%d"
	RoomListPrefix       = "apartment:%d:rooms:user:%d"
	MessageHistoryPrefix = "room:%d:messages"
	MemberListPrefix     = "room:%d:members"
)

const (
	UserTTL           = 5 * time.Minute
	RoomTTL           = 10 * time.Minute
	RoomListTTL       = 2 * time.Minute
	MessageHistoryTTL = 2 * time.Minute
	MemberListTTL     = 5 * time.Minute
)

func UserKey(userID uint) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

func RoomKey(roomID uint) string {
	return fmt.Sprintf(RoomKeyPrefix, roomID)
}

// RoomListKey is viewer-scoped: the cached list carries per-viewer unread
// counts, so it can never be shared across users.
func RoomListKey(apartmentID, userID uint) string {
	return fmt.Sprintf(RoomListPrefix, apartmentID, userID)
}

func MessageHistoryKey(roomID uint) string {
	return fmt.Sprintf(MessageHistoryPrefix, roomID)
}

func MemberListKey(roomID uint) string {
	return fmt.Sprintf(MemberListPrefix, roomID)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

// InvalidatePattern deletes every key matching the pattern. Best-effort,
// used for viewer-scoped key families.
func InvalidatePattern(ctx context.Context, pattern string) {
	if client == nil {
		return
	}
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		client.Del(ctx, iter.Val())
	}
}

func InvalidateUser(ctx context.Context, userID uint) {
	Invalidate(ctx, UserKey(userID))
}

func InvalidateRoom(ctx context.Context, roomID uint) {
	Invalidate(ctx, RoomKey(roomID))
	Invalidate(ctx, MessageHistoryKey(roomID))
	Invalidate(ctx, MemberListKey(roomID))
}

// InvalidateRoomList drops every viewer's cached room list for the apartment.
func InvalidateRoomList(ctx context.Context, apartmentID uint) {
	InvalidatePattern(ctx, fmt.Sprintf("apartment:%d:rooms:user:*", apartmentID))
}

// InvalidateUserRoomList drops one viewer's cached room list.
func InvalidateUserRoomList(ctx context.Context, apartmentID, userID uint) {
	Invalidate(ctx, RoomListKey(apartmentID, userID))
}
