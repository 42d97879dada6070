package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"habitat/internal/models"
	"habitat/internal/observability"
	"habitat/internal/repository"
)

// typingExpiry is how long a typing indicator stays alive without a refresh
// before the auto-stop fires.
const typingExpiry = 3 * time.Second

// MessageHandlers receives hydrated message feed events. A soft-deleted
// update is routed to OnDelete, never OnUpdate.
type MessageHandlers struct {
	OnInsert func(msg *models.ChatMessage)
	OnUpdate func(msg *models.ChatMessage)
	OnDelete func(msg *models.ChatMessage)
}

// PresenceHandlers receives presence feed events. OnSync receives the full
// flattened room state after every transition.
type PresenceHandlers struct {
	OnSync  func(members []models.PresenceMember)
	OnJoin  func(member models.PresenceMember)
	OnLeave func(member models.PresenceMember)
}

type subKey struct {
	RoomID uint
	Feed   Feed
}

type typingKey struct {
	RoomID uint
	UserID uint
}

// subscription is one live feed subscription. The generation is compared
// after async work (message hydration) so results that complete after a
// replace or teardown are discarded instead of delivered.
type subscription struct {
	cancel     context.CancelFunc
	generation uint64
}

// RoomManager owns the four realtime feeds of each chat room: messages,
// typing, presence, and reactions. Subscribing to a feed the room already
// has replaces the previous subscription.
type RoomManager struct {
	notifier *Notifier
	repo     repository.ChatRepository
	presence *PresenceTracker
	logger   *observability.RealtimeLogger

	mu           sync.Mutex
	subs         map[subKey]*subscription
	typingTimers map[typingKey]*time.Timer
	tracked      map[uint]models.PresenceMember
	generation   uint64
	typingExpiry time.Duration
}

// NewRoomManager creates a RoomManager wired to the given notifier,
// repository, and presence tracker.
func NewRoomManager(notifier *Notifier, repo repository.ChatRepository, presence *PresenceTracker) *RoomManager {
	return &RoomManager{
		notifier:     notifier,
		repo:         repo,
		presence:     presence,
		logger:       observability.NewRealtimeLogger("room_manager"),
		subs:         make(map[subKey]*subscription),
		typingTimers: make(map[typingKey]*time.Timer),
		tracked:      make(map[uint]models.PresenceMember),
		typingExpiry: typingExpiry,
	}
}

// SetTypingExpiry overrides the typing auto-stop window (test hook).
func (m *RoomManager) SetTypingExpiry(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.typingExpiry = d
	m.mu.Unlock()
}

// register replaces any existing subscription for the key and returns the
// new subscription's context and generation.
func (m *RoomManager) register(ctx context.Context, key subKey) (context.Context, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.subs[key]; ok {
		old.cancel()
		m.logger.LogUnsubscribe(ctx, key.RoomID, string(key.Feed))
	}

	subCtx, cancel := context.WithCancel(context.Background())
	m.generation++
	gen := m.generation
	m.subs[key] = &subscription{cancel: cancel, generation: gen}
	m.logger.LogSubscribe(ctx, key.RoomID, string(key.Feed))
	return subCtx, gen
}

// current reports whether gen is still the live subscription for key.
func (m *RoomManager) current(key subKey, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	return ok && sub.generation == gen
}

// SubscribeToMessages subscribes to the room's message feed. Inserts are
// re-fetched with their sender and reply joins before delivery; updates
// whose row is soft-deleted are delivered as deletes.
func (m *RoomManager) SubscribeToMessages(ctx context.Context, roomID uint, handlers MessageHandlers) error {
	key := subKey{RoomID: roomID, Feed: FeedMessages}
	subCtx, gen := m.register(ctx, key)

	return m.notifier.Subscribe(subCtx, FeedMessages, roomID, func(payload string) {
		var ev MessageEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			m.logger.LogError(subCtx, roomID, string(FeedMessages), err)
			return
		}

		msg, err := m.repo.GetMessage(subCtx, ev.MessageID)
		if err != nil {
			observability.HydrationDrops.WithLabelValues("fetch_failed").Inc()
			m.logger.LogDroppedEvent(subCtx, roomID, string(FeedMessages), "fetch_failed")
			return
		}

		// The fetch may have raced a replace or teardown of this
		// subscription. Deliver only if this generation is still live.
		if !m.current(key, gen) {
			observability.HydrationDrops.WithLabelValues("stale_subscription").Inc()
			m.logger.LogDroppedEvent(subCtx, roomID, string(FeedMessages), "stale_subscription")
			return
		}

		switch {
		case ev.Action == "insert":
			observability.RealtimeEventsTotal.WithLabelValues(string(FeedMessages), "insert").Inc()
			if handlers.OnInsert != nil {
				handlers.OnInsert(msg)
			}
		case msg.IsDeleted:
			observability.RealtimeEventsTotal.WithLabelValues(string(FeedMessages), "delete").Inc()
			if handlers.OnDelete != nil {
				handlers.OnDelete(msg)
			}
		default:
			observability.RealtimeEventsTotal.WithLabelValues(string(FeedMessages), "update").Inc()
			if handlers.OnUpdate != nil {
				handlers.OnUpdate(msg)
			}
		}
	})
}

// SubscribeToTyping subscribes to the room's typing feed.
func (m *RoomManager) SubscribeToTyping(ctx context.Context, roomID uint, handler func(ev TypingEvent)) error {
	key := subKey{RoomID: roomID, Feed: FeedTyping}
	subCtx, _ := m.register(ctx, key)

	return m.notifier.Subscribe(subCtx, FeedTyping, roomID, func(payload string) {
		var ev TypingEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			m.logger.LogError(subCtx, roomID, string(FeedTyping), err)
			return
		}
		observability.RealtimeEventsTotal.WithLabelValues(string(FeedTyping), "typing").Inc()
		if handler != nil {
			handler(ev)
		}
	})
}

// SubscribeToPresence subscribes to the room's presence feed and tracks self
// as present. The initial flattened state is delivered to OnSync immediately;
// every later transition delivers OnJoin/OnLeave plus a fresh OnSync.
func (m *RoomManager) SubscribeToPresence(ctx context.Context, roomID uint, self models.PresenceMember, handlers PresenceHandlers) error {
	key := subKey{RoomID: roomID, Feed: FeedPresence}
	subCtx, _ := m.register(ctx, key)

	err := m.notifier.Subscribe(subCtx, FeedPresence, roomID, func(payload string) {
		var ev PresenceEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			m.logger.LogError(subCtx, roomID, string(FeedPresence), err)
			return
		}

		member := models.PresenceMember{
			UserID:     ev.UserID,
			UserName:   ev.UserName,
			FlatNumber: ev.FlatNumber,
			IsOnline:   ev.Status == "online",
			LastSeenAt: time.Now(),
		}

		observability.RealtimeEventsTotal.WithLabelValues(string(FeedPresence), ev.Status).Inc()
		if ev.Status == "online" {
			if handlers.OnJoin != nil {
				handlers.OnJoin(member)
			}
		} else if handlers.OnLeave != nil {
			handlers.OnLeave(member)
		}
		if handlers.OnSync != nil {
			handlers.OnSync(m.presence.RoomMembers(subCtx, roomID))
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tracked[roomID] = self
	m.mu.Unlock()

	m.presence.Track(ctx, roomID, self)
	_ = m.notifier.PublishPresence(ctx, PresenceEvent{
		UserID:     self.UserID,
		UserName:   self.UserName,
		FlatNumber: self.FlatNumber,
		RoomID:     roomID,
		Status:     "online",
	})

	if handlers.OnSync != nil {
		handlers.OnSync(m.presence.RoomMembers(ctx, roomID))
	}
	return nil
}

// SubscribeToReactions subscribes to the room's reaction feed.
func (m *RoomManager) SubscribeToReactions(ctx context.Context, roomID uint, handler func(ev ReactionEvent)) error {
	key := subKey{RoomID: roomID, Feed: FeedReactions}
	subCtx, _ := m.register(ctx, key)

	return m.notifier.Subscribe(subCtx, FeedReactions, roomID, func(payload string) {
		var ev ReactionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			m.logger.LogError(subCtx, roomID, string(FeedReactions), err)
			return
		}
		observability.RealtimeEventsTotal.WithLabelValues(string(FeedReactions), ev.Action).Inc()
		if handler != nil {
			handler(ev)
		}
	})
}

// SendTypingIndicator broadcasts that the user is typing and arms the
// auto-stop timer. Repeated calls re-arm the timer, so exactly one stop
// fires after the user's last keystroke.
func (m *RoomManager) SendTypingIndicator(ctx context.Context, roomID, userID uint, userName string) error {
	err := m.notifier.PublishTyping(ctx, TypingEvent{
		UserID:   userID,
		UserName: userName,
		RoomID:   roomID,
		IsTyping: true,
	})
	if err != nil {
		return err
	}

	key := typingKey{RoomID: roomID, UserID: userID}
	m.mu.Lock()
	if timer, ok := m.typingTimers[key]; ok {
		timer.Stop()
	}
	m.typingTimers[key] = time.AfterFunc(m.typingExpiry, func() {
		m.mu.Lock()
		delete(m.typingTimers, key)
		m.mu.Unlock()

		observability.TypingAutoStops.Inc()
		if err := m.notifier.PublishTyping(context.Background(), TypingEvent{
			UserID:   userID,
			UserName: userName,
			RoomID:   roomID,
			IsTyping: false,
		}); err != nil {
			m.logger.LogError(context.Background(), roomID, string(FeedTyping), err)
		}
	})
	m.mu.Unlock()
	return nil
}

// StopTyping cancels the user's pending auto-stop and broadcasts an explicit
// stop.
func (m *RoomManager) StopTyping(ctx context.Context, roomID, userID uint, userName string) error {
	key := typingKey{RoomID: roomID, UserID: userID}
	m.mu.Lock()
	if timer, ok := m.typingTimers[key]; ok {
		timer.Stop()
		delete(m.typingTimers, key)
	}
	m.mu.Unlock()

	return m.notifier.PublishTyping(ctx, TypingEvent{
		UserID:   userID,
		UserName: userName,
		RoomID:   roomID,
		IsTyping: false,
	})
}

// UpdatePresence tracks or untracks the member in the room, broadcasts the
// transition, and mirrors the state to the database best-effort.
func (m *RoomManager) UpdatePresence(ctx context.Context, roomID uint, member models.PresenceMember, online bool) error {
	status := "offline"
	if online {
		m.presence.Track(ctx, roomID, member)
		status = "online"
	} else {
		m.presence.Untrack(ctx, roomID, member.UserID)
	}

	err := m.notifier.PublishPresence(ctx, PresenceEvent{
		UserID:     member.UserID,
		UserName:   member.UserName,
		FlatNumber: member.FlatNumber,
		RoomID:     roomID,
		Status:     status,
	})
	if err != nil {
		return err
	}

	if dbErr := m.repo.UpsertPresence(ctx, &models.UserPresence{
		UserID:     member.UserID,
		IsOnline:   online,
		LastSeenAt: time.Now(),
	}); dbErr != nil {
		// The transport already has the truth; the mirror is best-effort.
		m.logger.LogError(ctx, roomID, string(FeedPresence), dbErr)
	}
	return nil
}

// UnsubscribeFromRoom tears down all four feeds of the room, cancels the
// room's typing timers, and untracks self presence.
func (m *RoomManager) UnsubscribeFromRoom(ctx context.Context, roomID uint) {
	m.mu.Lock()
	for _, feed := range []Feed{FeedMessages, FeedTyping, FeedPresence, FeedReactions} {
		key := subKey{RoomID: roomID, Feed: feed}
		if sub, ok := m.subs[key]; ok {
			sub.cancel()
			delete(m.subs, key)
			m.logger.LogUnsubscribe(ctx, roomID, string(feed))
		}
	}
	for key, timer := range m.typingTimers {
		if key.RoomID == roomID {
			timer.Stop()
			delete(m.typingTimers, key)
		}
	}
	self, tracked := m.tracked[roomID]
	delete(m.tracked, roomID)
	m.mu.Unlock()

	if tracked {
		m.presence.Untrack(ctx, roomID, self.UserID)
		_ = m.notifier.PublishPresence(ctx, PresenceEvent{
			UserID:     self.UserID,
			UserName:   self.UserName,
			FlatNumber: self.FlatNumber,
			RoomID:     roomID,
			Status:     "offline",
		})
	}
}

// Close tears down every room subscription and timer.
func (m *RoomManager) Close(ctx context.Context) {
	m.mu.Lock()
	rooms := make(map[uint]struct{})
	for key := range m.subs {
		rooms[key.RoomID] = struct{}{}
	}
	for key := range m.typingTimers {
		rooms[key.RoomID] = struct{}{}
	}
	for roomID := range m.tracked {
		rooms[roomID] = struct{}{}
	}
	m.mu.Unlock()

	for roomID := range rooms {
		m.UnsubscribeFromRoom(ctx, roomID)
	}
}

// SubscribedFeeds returns the feeds currently subscribed for a room (test hook).
func (m *RoomManager) SubscribedFeeds(roomID uint) []Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	feeds := make([]Feed, 0, 4)
	for _, feed := range []Feed{FeedMessages, FeedTyping, FeedPresence, FeedReactions} {
		if _, ok := m.subs[subKey{RoomID: roomID, Feed: feed}]; ok {
			feeds = append(feeds, feed)
		}
	}
	return feeds
}

// ActiveTypingUsers returns the users with a live typing timer in the room
// (test hook).
func (m *RoomManager) ActiveTypingUsers(roomID uint) []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]uint, 0)
	for key := range m.typingTimers {
		if key.RoomID == roomID {
			users = append(users, key.UserID)
		}
	}
	return users
}
