package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"habitat/internal/config"
	"habitat/internal/database"
	"habitat/internal/models"
	"habitat/internal/repository"
	"habitat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newHandlerServer builds a Server on an in-memory sqlite database with the
// realtime plumbing disabled. Feed publishing is a no-op without Redis.
func newHandlerServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)

	s := &Server{
		config:   &config.Config{JWTSecret: "handler-test-secret-key-0123456789"},
		db:       db,
		userRepo: userRepo,
		chatRepo: chatRepo,
	}
	s.chatService = service.NewChatService(chatRepo, userRepo, nil)
	return s, db
}

// newHandlerApp registers routes on a bare app with the given user injected
// into locals, standing in for the auth middleware.
func newHandlerApp(s *Server, userID uint) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", userID)
		return c.Next()
	})

	app.Get("/rooms", s.GetRooms)
	app.Post("/rooms", s.CreateRoom)
	app.Post("/rooms/private", s.CreatePrivateRoom)
	app.Post("/rooms/:id/join", s.JoinRoom)
	app.Post("/rooms/:id/leave", s.LeaveRoom)
	app.Get("/rooms/:id/members", s.GetMembers)
	app.Get("/rooms/:id/messages", s.GetMessages)
	app.Post("/rooms/:id/messages", s.SendMessage)
	app.Post("/rooms/:id/read", s.MarkRoomRead)
	app.Get("/rooms/:id/unread", s.GetUnreadCount)
	app.Get("/rooms/:id", s.GetRoom)
	app.Put("/messages/:id", s.EditMessage)
	app.Delete("/messages/:id", s.DeleteMessage)
	app.Post("/messages/:id/reactions", s.AddReaction)
	app.Delete("/messages/:id/reactions/:kind", s.RemoveReaction)
	return app
}

func seedHandlerUsers(t *testing.T, db *gorm.DB) (*models.User, *models.User) {
	t.Helper()
	u1 := &models.User{ApartmentID: 1, FullName: "Asha Rao", Email: "asha@example.com", Password: "x", FlatNumber: "A-101"}
	u2 := &models.User{ApartmentID: 1, FullName: "Ben Ortiz", Email: "ben@example.com", Password: "x", FlatNumber: "B-204"}
	require.NoError(t, db.Create(u1).Error)
	require.NoError(t, db.Create(u2).Error)
	return u1, u2
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateRoomHandler(t *testing.T) {
	s, db := newHandlerServer(t)
	u1, _ := seedHandlerUsers(t, db)
	app := newHandlerApp(s, u1.ID)

	t.Run("Success", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/rooms", fiber.Map{
			"name": "Tower A General",
			"type": models.RoomTypeGeneral,
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		room := decodeBody[models.ChatRoom](t, resp)
		assert.Equal(t, "Tower A General", room.Name)
		assert.Equal(t, u1.ApartmentID, room.ApartmentID)
	})

	t.Run("EmptyNameRejected", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/rooms", fiber.Map{
			"name": "", "type": models.RoomTypeGeneral,
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownTypeRejected", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/rooms", fiber.Map{
			"name": "Karaoke Night", "type": "karaoke",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRoomMembershipHandlers(t *testing.T) {
	s, db := newHandlerServer(t)
	u1, u2 := seedHandlerUsers(t, db)
	creatorApp := newHandlerApp(s, u1.ID)
	joinerApp := newHandlerApp(s, u2.ID)

	resp := doJSON(t, creatorApp, http.MethodPost, "/rooms", fiber.Map{
		"name": "Events", "type": models.RoomTypeEvents,
	})
	room := decodeBody[models.ChatRoom](t, resp)

	t.Run("JoinAndList", func(t *testing.T) {
		resp := doJSON(t, joinerApp, http.MethodPost, "/rooms/"+itoa(room.ID)+"/join", nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		memResp := doJSON(t, joinerApp, http.MethodGet, "/rooms/"+itoa(room.ID)+"/members", nil)
		members := decodeBody[[]models.ChatMember](t, memResp)
		assert.Len(t, members, 2)
	})

	t.Run("NonMemberCannotReadRoom", func(t *testing.T) {
		leaveResp := doJSON(t, joinerApp, http.MethodPost, "/rooms/"+itoa(room.ID)+"/leave", nil)
		defer func() { _ = leaveResp.Body.Close() }()
		require.Equal(t, http.StatusOK, leaveResp.StatusCode)

		resp := doJSON(t, joinerApp, http.MethodGet, "/rooms/"+itoa(room.ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("InvalidRoomID", func(t *testing.T) {
		resp := doJSON(t, creatorApp, http.MethodGet, "/rooms/abc", nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMessageHandlers(t *testing.T) {
	s, db := newHandlerServer(t)
	u1, u2 := seedHandlerUsers(t, db)
	senderApp := newHandlerApp(s, u1.ID)
	outsiderApp := newHandlerApp(s, u2.ID)

	resp := doJSON(t, senderApp, http.MethodPost, "/rooms", fiber.Map{
		"name": "Maintenance", "type": models.RoomTypeMaintenance,
	})
	room := decodeBody[models.ChatRoom](t, resp)
	roomPath := "/rooms/" + itoa(room.ID)

	var msg models.ChatMessage

	t.Run("SendAndFetch", func(t *testing.T) {
		sendResp := doJSON(t, senderApp, http.MethodPost, roomPath+"/messages", fiber.Map{
			"message": "Lift in tower B is down again",
		})
		assert.Equal(t, http.StatusCreated, sendResp.StatusCode)
		msg = decodeBody[models.ChatMessage](t, sendResp)
		assert.Equal(t, u1.ID, msg.SenderID)

		listResp := doJSON(t, senderApp, http.MethodGet, roomPath+"/messages", nil)
		messages := decodeBody[[]models.ChatMessage](t, listResp)
		assert.Len(t, messages, 1)
	})

	t.Run("NonMemberCannotSend", func(t *testing.T) {
		resp := doJSON(t, outsiderApp, http.MethodPost, roomPath+"/messages", fiber.Map{
			"message": "hello",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("EditAndDelete", func(t *testing.T) {
		editResp := doJSON(t, senderApp, http.MethodPut, "/messages/"+itoa(msg.ID), fiber.Map{
			"message": "Lift in tower B is fixed",
		})
		assert.Equal(t, http.StatusOK, editResp.StatusCode)
		edited := decodeBody[models.ChatMessage](t, editResp)
		assert.True(t, edited.IsEdited)

		delResp := doJSON(t, senderApp, http.MethodDelete, "/messages/"+itoa(msg.ID), nil)
		defer func() { _ = delResp.Body.Close() }()
		assert.Equal(t, http.StatusOK, delResp.StatusCode)

		listResp := doJSON(t, senderApp, http.MethodGet, roomPath+"/messages", nil)
		messages := decodeBody[[]models.ChatMessage](t, listResp)
		assert.Empty(t, messages)
	})
}

func TestReactionAndReadHandlers(t *testing.T) {
	s, db := newHandlerServer(t)
	u1, u2 := seedHandlerUsers(t, db)
	senderApp := newHandlerApp(s, u1.ID)
	readerApp := newHandlerApp(s, u2.ID)

	resp := doJSON(t, senderApp, http.MethodPost, "/rooms", fiber.Map{
		"name": "General", "type": models.RoomTypeGeneral,
	})
	room := decodeBody[models.ChatRoom](t, resp)
	roomPath := "/rooms/" + itoa(room.ID)

	joinResp := doJSON(t, readerApp, http.MethodPost, roomPath+"/join", nil)
	defer func() { _ = joinResp.Body.Close() }()
	require.Equal(t, http.StatusOK, joinResp.StatusCode)

	sendResp := doJSON(t, senderApp, http.MethodPost, roomPath+"/messages", fiber.Map{
		"message": "Pool party on Saturday",
	})
	msg := decodeBody[models.ChatMessage](t, sendResp)

	t.Run("Reactions", func(t *testing.T) {
		addResp := doJSON(t, readerApp, http.MethodPost, "/messages/"+itoa(msg.ID)+"/reactions", fiber.Map{
			"kind": "love",
		})
		defer func() { _ = addResp.Body.Close() }()
		assert.Equal(t, http.StatusCreated, addResp.StatusCode)

		badResp := doJSON(t, readerApp, http.MethodPost, "/messages/"+itoa(msg.ID)+"/reactions", fiber.Map{
			"kind": "banana",
		})
		defer func() { _ = badResp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)

		rmResp := doJSON(t, readerApp, http.MethodDelete, "/messages/"+itoa(msg.ID)+"/reactions/love", nil)
		defer func() { _ = rmResp.Body.Close() }()
		assert.Equal(t, http.StatusOK, rmResp.StatusCode)
	})

	t.Run("UnreadAndMarkRead", func(t *testing.T) {
		unreadResp := doJSON(t, readerApp, http.MethodGet, roomPath+"/unread", nil)
		unread := decodeBody[map[string]any](t, unreadResp)
		assert.Equal(t, float64(1), unread["unread_count"])

		readResp := doJSON(t, readerApp, http.MethodPost, roomPath+"/read", nil)
		defer func() { _ = readResp.Body.Close() }()
		assert.Equal(t, http.StatusOK, readResp.StatusCode)

		unreadResp = doJSON(t, readerApp, http.MethodGet, roomPath+"/unread", nil)
		unread = decodeBody[map[string]any](t, unreadResp)
		assert.Equal(t, float64(0), unread["unread_count"])
	})
}

func TestPrivateRoomHandler(t *testing.T) {
	s, db := newHandlerServer(t)
	u1, u2 := seedHandlerUsers(t, db)
	app := newHandlerApp(s, u1.ID)

	resp := doJSON(t, app, http.MethodPost, "/rooms/private", fiber.Map{"user_id": u2.ID})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	room := decodeBody[models.ChatRoom](t, resp)
	assert.Equal(t, models.RoomTypePrivate, room.Type)

	// Creating it again returns the same room.
	again := doJSON(t, app, http.MethodPost, "/rooms/private", fiber.Map{"user_id": u2.ID})
	assert.Equal(t, http.StatusCreated, again.StatusCode)
	sameRoom := decodeBody[models.ChatRoom](t, again)
	assert.Equal(t, room.ID, sameRoom.ID)

	selfResp := doJSON(t, app, http.MethodPost, "/rooms/private", fiber.Map{"user_id": u1.ID})
	defer func() { _ = selfResp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, selfResp.StatusCode)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
