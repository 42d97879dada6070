package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"habitat/internal/models"
	"habitat/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChatRepo implements just the repository surface the manager touches.
// GetMessage can be gated to simulate a slow hydration fetch.
type stubChatRepo struct {
	repository.ChatRepository

	mu       sync.Mutex
	messages map[uint]*models.ChatMessage
	presence []models.UserPresence
	gate     chan struct{}
}

func newStubChatRepo() *stubChatRepo {
	return &stubChatRepo{messages: make(map[uint]*models.ChatMessage)}
}

func (s *stubChatRepo) put(msg *models.ChatMessage) {
	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()
}

func (s *stubChatRepo) GetMessage(_ context.Context, id uint) (*models.ChatMessage, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, assert.AnError
	}
	copied := *msg
	return &copied, nil
}

func (s *stubChatRepo) UpsertPresence(_ context.Context, p *models.UserPresence) error {
	s.mu.Lock()
	s.presence = append(s.presence, *p)
	s.mu.Unlock()
	return nil
}

func setupManager(t *testing.T) (*RoomManager, *Notifier, *stubChatRepo, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	notifier := NewNotifier(rdb)
	repo := newStubChatRepo()
	presence := NewPresenceTracker(rdb, PresenceTrackerConfig{
		OfflineGracePeriod: 20 * time.Millisecond,
		ReaperInterval:     time.Hour,
	})
	t.Cleanup(presence.Stop)

	m := NewRoomManager(notifier, repo, presence)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, notifier, repo, mr
}

func TestRoomManager_MessageInsertIsHydrated(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()

	repo.put(&models.ChatMessage{
		ID:         10,
		ChatRoomID: 1,
		SenderID:   2,
		Message:    "hello",
		Sender:     &models.User{ID: 2, FullName: "Asha Rao"},
	})

	var got atomic.Pointer[models.ChatMessage]
	var updates, deletes int32
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnInsert: func(msg *models.ChatMessage) { got.Store(msg) },
		OnUpdate: func(*models.ChatMessage) { atomic.AddInt32(&updates, 1) },
		OnDelete: func(*models.ChatMessage) { atomic.AddInt32(&deletes, 1) },
	}))

	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "insert", MessageID: 10, RoomID: 1}))

	assert.Eventually(t, func() bool { return got.Load() != nil }, time.Second, 10*time.Millisecond)
	msg := got.Load()
	assert.Equal(t, "hello", msg.Message)
	if assert.NotNil(t, msg.Sender) {
		assert.Equal(t, "Asha Rao", msg.Sender.FullName)
	}
	assert.Zero(t, atomic.LoadInt32(&updates))
	assert.Zero(t, atomic.LoadInt32(&deletes))
}

func TestRoomManager_SoftDeleteUpdateRoutesToDelete(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()

	repo.put(&models.ChatMessage{ID: 11, ChatRoomID: 1, SenderID: 2, IsDeleted: true})

	var updates, deletes int32
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnUpdate: func(*models.ChatMessage) { atomic.AddInt32(&updates, 1) },
		OnDelete: func(*models.ChatMessage) { atomic.AddInt32(&deletes, 1) },
	}))

	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "update", MessageID: 11, RoomID: 1}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&deletes) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&updates))
}

func TestRoomManager_EditUpdateRoutesToUpdate(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()

	repo.put(&models.ChatMessage{ID: 12, ChatRoomID: 1, SenderID: 2, Message: "edited", IsEdited: true})

	var updates, deletes int32
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnUpdate: func(*models.ChatMessage) { atomic.AddInt32(&updates, 1) },
		OnDelete: func(*models.ChatMessage) { atomic.AddInt32(&deletes, 1) },
	}))

	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "update", MessageID: 12, RoomID: 1}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&updates) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&deletes))
}

func TestRoomManager_ResubscribeReplacesSubscription(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()

	repo.put(&models.ChatMessage{ID: 13, ChatRoomID: 1, SenderID: 2, Message: "once"})

	var first, second int32
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnInsert: func(*models.ChatMessage) { atomic.AddInt32(&first, 1) },
	}))
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnInsert: func(*models.ChatMessage) { atomic.AddInt32(&second, 1) },
	}))

	assert.Equal(t, []Feed{FeedMessages}, m.SubscribedFeeds(1))

	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "insert", MessageID: 13, RoomID: 1}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, time.Second, 10*time.Millisecond)

	// The replaced subscription must not fire.
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&first) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRoomManager_StaleHydrationIsDiscarded(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()

	repo.put(&models.ChatMessage{ID: 14, ChatRoomID: 1, SenderID: 2, Message: "late"})

	gate := make(chan struct{})
	repo.mu.Lock()
	repo.gate = gate
	repo.mu.Unlock()

	var inserts int32
	require.NoError(t, m.SubscribeToMessages(ctx, 1, MessageHandlers{
		OnInsert: func(*models.ChatMessage) { atomic.AddInt32(&inserts, 1) },
	}))

	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "insert", MessageID: 14, RoomID: 1}))

	// Let the subscriber pick the event up and park inside the fetch,
	// then tear the room down before the fetch completes.
	time.Sleep(50 * time.Millisecond)
	m.UnsubscribeFromRoom(ctx, 1)
	close(gate)

	assert.Never(t, func() bool {
		return atomic.LoadInt32(&inserts) > 0
	}, 300*time.Millisecond, 10*time.Millisecond)
}

func TestRoomManager_TypingAutoStop(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()
	m.SetTypingExpiry(60 * time.Millisecond)

	var mu sync.Mutex
	var events []TypingEvent
	require.NoError(t, m.SubscribeToTyping(ctx, 1, func(ev TypingEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	require.NoError(t, m.SendTypingIndicator(ctx, 1, 7, "Asha Rao"))
	assert.Equal(t, []uint{7}, m.ActiveTypingUsers(1))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2 && events[0].IsTyping && !events[1].IsTyping
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, m.ActiveTypingUsers(1))
}

func TestRoomManager_TypingRearmFiresSingleStop(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()
	m.SetTypingExpiry(80 * time.Millisecond)

	var starts, stops int32
	require.NoError(t, m.SubscribeToTyping(ctx, 1, func(ev TypingEvent) {
		if ev.IsTyping {
			atomic.AddInt32(&starts, 1)
		} else {
			atomic.AddInt32(&stops, 1)
		}
	}))

	require.NoError(t, m.SendTypingIndicator(ctx, 1, 7, "Asha Rao"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.SendTypingIndicator(ctx, 1, 7, "Asha Rao"))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&stops) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&starts))

	// The re-armed timer fired once; nothing else is pending.
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&stops) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRoomManager_StopTypingCancelsTimer(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()
	m.SetTypingExpiry(50 * time.Millisecond)

	var stops int32
	require.NoError(t, m.SubscribeToTyping(ctx, 1, func(ev TypingEvent) {
		if !ev.IsTyping {
			atomic.AddInt32(&stops, 1)
		}
	}))

	require.NoError(t, m.SendTypingIndicator(ctx, 1, 7, "Asha Rao"))
	require.NoError(t, m.StopTyping(ctx, 1, 7, "Asha Rao"))
	assert.Empty(t, m.ActiveTypingUsers(1))

	// Only the explicit stop arrives; the canceled timer stays silent.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&stops) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&stops) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRoomManager_ReactionsFeed(t *testing.T) {
	m, notifier, _, _ := setupManager(t)
	ctx := context.Background()

	events := make(chan ReactionEvent, 2)
	require.NoError(t, m.SubscribeToReactions(ctx, 1, func(ev ReactionEvent) {
		events <- ev
	}))

	require.NoError(t, notifier.PublishReaction(ctx, ReactionEvent{
		Action: "add", MessageID: 5, UserID: 7, Reaction: models.ReactionLove, RoomID: 1,
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "add", ev.Action)
		assert.Equal(t, models.ReactionLove, ev.Reaction)
	case <-time.After(time.Second):
		t.Fatal("reaction event not delivered")
	}
}

func TestRoomManager_PresenceSubscribeTracksSelf(t *testing.T) {
	m, _, repo, _ := setupManager(t)
	ctx := context.Background()

	self := models.PresenceMember{UserID: 7, UserName: "Asha Rao", FlatNumber: "A-101"}

	var mu sync.Mutex
	var syncs [][]models.PresenceMember
	require.NoError(t, m.SubscribeToPresence(ctx, 1, self, PresenceHandlers{
		OnSync: func(members []models.PresenceMember) {
			mu.Lock()
			syncs = append(syncs, members)
			mu.Unlock()
		},
	}))

	mu.Lock()
	require.NotEmpty(t, syncs)
	initial := syncs[0]
	mu.Unlock()

	require.Len(t, initial, 1)
	assert.Equal(t, uint(7), initial[0].UserID)
	assert.True(t, initial[0].IsOnline)

	// The database mirror is written on explicit presence updates.
	require.NoError(t, m.UpdatePresence(ctx, 1, self, true))
	repo.mu.Lock()
	mirrored := len(repo.presence)
	repo.mu.Unlock()
	assert.Equal(t, 1, mirrored)
}

func TestRoomManager_UnsubscribeFromRoomTearsDownEverything(t *testing.T) {
	m, notifier, repo, _ := setupManager(t)
	ctx := context.Background()
	m.SetTypingExpiry(60 * time.Millisecond)

	repo.put(&models.ChatMessage{ID: 20, ChatRoomID: 2, SenderID: 3, Message: "x"})

	var inserts, typings int32
	require.NoError(t, m.SubscribeToMessages(ctx, 2, MessageHandlers{
		OnInsert: func(*models.ChatMessage) { atomic.AddInt32(&inserts, 1) },
	}))
	require.NoError(t, m.SubscribeToTyping(ctx, 2, func(TypingEvent) { atomic.AddInt32(&typings, 1) }))
	require.NoError(t, m.SubscribeToPresence(ctx, 2, models.PresenceMember{UserID: 3, UserName: "Ben"}, PresenceHandlers{}))
	require.NoError(t, m.SubscribeToReactions(ctx, 2, func(ReactionEvent) {}))
	require.NoError(t, m.SendTypingIndicator(ctx, 2, 3, "Ben"))

	assert.Len(t, m.SubscribedFeeds(2), 4)

	m.UnsubscribeFromRoom(ctx, 2)

	assert.Empty(t, m.SubscribedFeeds(2))
	assert.Empty(t, m.ActiveTypingUsers(2))

	// Events published after teardown never reach the old handlers.
	require.NoError(t, notifier.PublishMessageEvent(ctx, MessageEvent{Action: "insert", MessageID: 20, RoomID: 2}))
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&inserts) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestRoomManager_CloseTearsDownAllRooms(t *testing.T) {
	m, _, _, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.SubscribeToTyping(ctx, 1, func(TypingEvent) {}))
	require.NoError(t, m.SubscribeToTyping(ctx, 2, func(TypingEvent) {}))
	require.NoError(t, m.SendTypingIndicator(ctx, 1, 5, "Asha"))

	m.Close(ctx)

	assert.Empty(t, m.SubscribedFeeds(1))
	assert.Empty(t, m.SubscribedFeeds(2))
	assert.Empty(t, m.ActiveTypingUsers(1))
}
