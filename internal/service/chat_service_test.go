package service

import (
	"context"
	"testing"

	"habitat/internal/cache"
	"habitat/internal/models"
	"habitat/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// withCache points the cache package at a throwaway miniredis for one test.
func withCache(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.SetClient(nil) })
	return mr
}

func setupService(t *testing.T) (*ChatService, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.ChatRoom{},
		&models.ChatMember{},
		&models.ChatMessage{},
		&models.MessageReaction{},
		&models.UserPresence{},
	))

	svc := NewChatService(
		repository.NewChatRepository(db),
		repository.NewUserRepository(db),
		nil, // events are a no-op without Redis
	)
	return svc, db
}

func createUsers(t *testing.T, db *gorm.DB) (*models.User, *models.User) {
	u1 := &models.User{ApartmentID: 1, FullName: "Asha Rao", Email: "asha@e.com", Password: "x", FlatNumber: "A-101"}
	u2 := &models.User{ApartmentID: 1, FullName: "Ben Ortiz", Email: "ben@e.com", Password: "x", FlatNumber: "B-204"}
	require.NoError(t, db.Create(u1).Error)
	require.NoError(t, db.Create(u2).Error)
	return u1, u2
}

func TestChatService_CreateRoom(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, _ := createUsers(t, db)

	t.Run("CreatorBecomesAdmin", func(t *testing.T) {
		room, err := svc.CreateRoom(ctx, CreateRoomInput{
			UserID:      u1.ID,
			ApartmentID: 1,
			Name:        "General",
			Type:        models.RoomTypeGeneral,
		})
		require.NoError(t, err)
		require.Len(t, room.Members, 1)
		assert.Equal(t, models.RoleAdmin, room.Members[0].Role)
		assert.Equal(t, 1, room.MemberCount)
	})

	t.Run("RejectsEmptyName", func(t *testing.T) {
		_, err := svc.CreateRoom(ctx, CreateRoomInput{UserID: u1.ID, ApartmentID: 1})
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	})

	t.Run("RejectsUnknownType", func(t *testing.T) {
		_, err := svc.CreateRoom(ctx, CreateRoomInput{
			UserID: u1.ID, ApartmentID: 1, Name: "x", Type: "karaoke",
		})
		assert.Error(t, err)
	})
}

func TestChatService_PrivateRoomDedupe(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	first, err := svc.CreatePrivateRoom(ctx, u1.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomTypePrivate, first.Type)
	assert.True(t, first.IsPrivate)
	assert.Len(t, first.Members, 2)

	// Creating again, from either side, yields the same room.
	again, err := svc.CreatePrivateRoom(ctx, u1.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	reversed, err := svc.CreatePrivateRoom(ctx, u2.ID, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, reversed.ID)

	t.Run("RejectsSelf", func(t *testing.T) {
		_, err := svc.CreatePrivateRoom(ctx, u1.ID, u1.ID)
		assert.Error(t, err)
	})

	t.Run("RejectsOtherApartment", func(t *testing.T) {
		outsider := &models.User{ApartmentID: 2, FullName: "Dana Wu", Email: "dana@e.com", Password: "x"}
		require.NoError(t, db.Create(outsider).Error)
		_, err := svc.CreatePrivateRoom(ctx, u1.ID, outsider.ID)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "FORBIDDEN", appErr.Code)
	})
}

func TestChatService_JoinAndLeave(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "Events", Type: models.RoomTypeEvents,
	})
	require.NoError(t, err)

	joined, err := svc.JoinRoom(ctx, room.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, joined.MemberCount)

	t.Run("PrivateRoomsCannotBeJoined", func(t *testing.T) {
		private, err := svc.CreatePrivateRoom(ctx, u1.ID, u2.ID)
		require.NoError(t, err)
		outsider := &models.User{ApartmentID: 1, FullName: "Cleo Park", Email: "cleo@e.com", Password: "x"}
		require.NoError(t, db.Create(outsider).Error)

		_, err = svc.JoinRoom(ctx, private.ID, outsider.ID)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "FORBIDDEN", appErr.Code)
	})

	require.NoError(t, svc.LeaveRoom(ctx, room.ID, u2.ID))
	err = svc.LeaveRoom(ctx, room.ID, u2.ID)
	assert.Error(t, err)
}

func TestChatService_SendMessage(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)

	t.Run("HappyPathHydratesSender", func(t *testing.T) {
		msg, err := svc.SendMessage(ctx, SendMessageInput{
			UserID: u1.ID, RoomID: room.ID, Message: "hello",
		})
		require.NoError(t, err)
		assert.Equal(t, models.MessageTypeText, msg.MessageType)
		if assert.NotNil(t, msg.Sender) {
			assert.Equal(t, "Asha Rao", msg.Sender.FullName)
		}
	})

	t.Run("NonMemberForbidden", func(t *testing.T) {
		_, err := svc.SendMessage(ctx, SendMessageInput{
			UserID: u2.ID, RoomID: room.ID, Message: "hi",
		})
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "FORBIDDEN", appErr.Code)
	})

	t.Run("MutedMemberForbidden", func(t *testing.T) {
		_, err := svc.JoinRoom(ctx, room.ID, u2.ID)
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.ChatMember{}).
			Where("chat_room_id = ? AND user_id = ?", room.ID, u2.ID).
			Update("is_muted", true).Error)

		_, err = svc.SendMessage(ctx, SendMessageInput{
			UserID: u2.ID, RoomID: room.ID, Message: "hi",
		})
		assert.Error(t, err)
	})

	t.Run("ReplyMustTargetSameRoom", func(t *testing.T) {
		other, err := svc.CreateRoom(ctx, CreateRoomInput{
			UserID: u1.ID, ApartmentID: 1, Name: "Other", Type: models.RoomTypeGeneral,
		})
		require.NoError(t, err)
		foreign, err := svc.SendMessage(ctx, SendMessageInput{
			UserID: u1.ID, RoomID: other.ID, Message: "elsewhere",
		})
		require.NoError(t, err)

		_, err = svc.SendMessage(ctx, SendMessageInput{
			UserID: u1.ID, RoomID: room.ID, Message: "reply", ReplyToID: &foreign.ID,
		})
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyBody", func(t *testing.T) {
		_, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID})
		assert.Error(t, err)
	})
}

func TestChatService_EditAndDelete(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, u2.ID)
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, SendMessageInput{UserID: u2.ID, RoomID: room.ID, Message: "typo"})
	require.NoError(t, err)

	t.Run("OnlySenderEdits", func(t *testing.T) {
		_, err := svc.EditMessage(ctx, msg.ID, u1.ID, "hijacked")
		assert.Error(t, err)

		edited, err := svc.EditMessage(ctx, msg.ID, u2.ID, "fixed")
		require.NoError(t, err)
		assert.Equal(t, "fixed", edited.Message)
		assert.True(t, edited.IsEdited)
	})

	t.Run("AdminDeletesOthersMessages", func(t *testing.T) {
		err := svc.DeleteMessage(ctx, msg.ID, u1.ID)
		assert.NoError(t, err)

		// Deleted messages cannot be edited.
		_, err = svc.EditMessage(ctx, msg.ID, u2.ID, "too late")
		assert.Error(t, err)
	})

	t.Run("PlainMemberCannotDeleteOthersMessages", func(t *testing.T) {
		own, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID, Message: "mine"})
		require.NoError(t, err)

		err = svc.DeleteMessage(ctx, own.ID, u2.ID)
		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "FORBIDDEN", appErr.Code)
	})
}

func TestChatService_Reactions(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, u2.ID)
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID, Message: "react"})
	require.NoError(t, err)

	t.Run("AddRemoveAggregates", func(t *testing.T) {
		require.NoError(t, svc.AddReaction(ctx, msg.ID, u2.ID, models.ReactionLike))
		require.NoError(t, svc.AddReaction(ctx, msg.ID, u2.ID, models.ReactionLove))
		require.NoError(t, svc.RemoveReaction(ctx, msg.ID, u2.ID, models.ReactionLike))

		msgs, err := svc.GetMessages(ctx, room.ID, u1.ID, 10, 0)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)
		last := msgs[len(msgs)-1]
		assert.Equal(t, map[string]int{models.ReactionLove: 1}, last.ReactionsCount)
	})

	t.Run("UnknownKindRejected", func(t *testing.T) {
		err := svc.AddReaction(ctx, msg.ID, u2.ID, "sparkles")
		assert.Error(t, err)
	})

	t.Run("NonMemberForbidden", func(t *testing.T) {
		outsider := &models.User{ApartmentID: 1, FullName: "Cleo Park", Email: "cleo2@e.com", Password: "x"}
		require.NoError(t, db.Create(outsider).Error)
		err := svc.AddReaction(ctx, msg.ID, outsider.ID, models.ReactionLike)
		assert.Error(t, err)
	})
}

func TestChatService_UnreadLifecycle(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	u1, u2 := createUsers(t, db)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, u2.ID)
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		_, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID, Message: body})
		require.NoError(t, err)
	}

	count, err := svc.UnreadCount(ctx, room.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The sender's own messages never count against them.
	count, err = svc.UnreadCount(ctx, room.ID, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, svc.MarkRoomRead(ctx, room.ID, u2.ID))
	count, err = svc.UnreadCount(ctx, room.ID, u2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	rooms, err := svc.GetRooms(ctx, 1, u2.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rooms)
	assert.Equal(t, int64(0), rooms[0].UnreadCount)
}

func TestChatService_RoomListCache(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	mr := withCache(t)

	u1, u2 := createUsers(t, db)
	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, u2.ID)
	require.NoError(t, err)

	rooms, err := svc.GetRooms(ctx, 1, u2.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(0), rooms[0].UnreadCount)
	assert.True(t, mr.Exists(cache.RoomListKey(1, u2.ID)))

	t.Run("ServedFromCacheUntilInvalidated", func(t *testing.T) {
		// A write that sidesteps the service stays invisible until a key
		// drop or expiry.
		require.NoError(t, db.Create(&models.ChatMessage{
			ChatRoomID: room.ID, SenderID: u1.ID, Message: "backdoor", MessageType: models.MessageTypeText,
		}).Error)

		rooms, err := svc.GetRooms(ctx, 1, u2.ID)
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		assert.Equal(t, int64(0), rooms[0].UnreadCount)
	})

	t.Run("SendingInvalidatesEveryViewer", func(t *testing.T) {
		_, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID, Message: "fresh"})
		require.NoError(t, err)

		rooms, err := svc.GetRooms(ctx, 1, u2.ID)
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		assert.Equal(t, int64(2), rooms[0].UnreadCount)
	})

	t.Run("MarkingReadInvalidatesOnlyTheReader", func(t *testing.T) {
		senderRooms, err := svc.GetRooms(ctx, 1, u1.ID)
		require.NoError(t, err)
		require.Len(t, senderRooms, 1)
		assert.True(t, mr.Exists(cache.RoomListKey(1, u1.ID)))

		require.NoError(t, svc.MarkRoomRead(ctx, room.ID, u2.ID))
		assert.False(t, mr.Exists(cache.RoomListKey(1, u2.ID)))
		assert.True(t, mr.Exists(cache.RoomListKey(1, u1.ID)))

		rooms, err := svc.GetRooms(ctx, 1, u2.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), rooms[0].UnreadCount)
	})
}

func TestChatService_MessageHistoryCache(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	mr := withCache(t)

	u1, _ := createUsers(t, db)
	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		UserID: u1.ID, ApartmentID: 1, Name: "General", Type: models.RoomTypeGeneral,
	})
	require.NoError(t, err)

	msg, err := svc.SendMessage(ctx, SendMessageInput{UserID: u1.ID, RoomID: room.ID, Message: "one"})
	require.NoError(t, err)

	msgs, err := svc.GetMessages(ctx, room.ID, u1.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, mr.Exists(cache.MessageHistoryKey(room.ID)))

	// A row inserted behind the service's back: the cached default page
	// keeps serving, while non-default pages hit the database.
	require.NoError(t, db.Create(&models.ChatMessage{
		ChatRoomID: room.ID, SenderID: u1.ID, Message: "backdoor", MessageType: models.MessageTypeText,
	}).Error)

	msgs, err = svc.GetMessages(ctx, room.ID, u1.ID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	fresh, err := svc.GetMessages(ctx, room.ID, u1.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	t.Run("ReactionsInvalidateThePage", func(t *testing.T) {
		require.NoError(t, svc.AddReaction(ctx, msg.ID, u1.ID, models.ReactionLove))
		assert.False(t, mr.Exists(cache.MessageHistoryKey(room.ID)))

		msgs, err := svc.GetMessages(ctx, room.ID, u1.ID, 50, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, map[string]int{models.ReactionLove: 1}, msgs[0].ReactionsCount)
	})
}
