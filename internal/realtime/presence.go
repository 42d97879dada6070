package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"habitat/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceRoomSetKey    = "presence:rooms"
	defaultPresenceMembersKeyNS  = "presence:room:"
	defaultPresenceLastSeenKeyNS = "presence:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultOfflineGrace          = 5 * time.Second
	defaultReaperInterval        = 60 * time.Second
)

type presenceKey struct {
	RoomID uint
	UserID uint
}

// PresenceTrackerConfig controls Redis presence and cleanup behavior.
type PresenceTrackerConfig struct {
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	OnJoin             func(roomID uint, member models.PresenceMember)
	OnLeave            func(roomID uint, member models.PresenceMember)
}

// PresenceTracker tracks which users are present in which rooms, mirrors the
// state in Redis, and emits join/leave transitions with an offline grace
// window so brief reconnects do not flap.
type PresenceTracker struct {
	rdb *redis.Client

	mu            sync.RWMutex
	localTracked  map[presenceKey]models.PresenceMember
	offlineTimers map[presenceKey]*time.Timer

	lastSeenTTL    time.Duration
	offlineGrace   time.Duration
	reaperInterval time.Duration

	onJoin  func(roomID uint, member models.PresenceMember)
	onLeave func(roomID uint, member models.PresenceMember)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresenceTracker creates a tracker and starts a Redis reaper when Redis is available.
func NewPresenceTracker(rdb *redis.Client, cfg PresenceTrackerConfig) *PresenceTracker {
	t := &PresenceTracker{
		rdb:            rdb,
		localTracked:   make(map[presenceKey]models.PresenceMember),
		offlineTimers:  make(map[presenceKey]*time.Timer),
		lastSeenTTL:    defaultPresenceTTL,
		offlineGrace:   defaultOfflineGrace,
		reaperInterval: defaultReaperInterval,
		onJoin:         cfg.OnJoin,
		onLeave:        cfg.OnLeave,
		stopCh:         make(chan struct{}),
	}

	if cfg.LastSeenTTL > 0 {
		t.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		t.offlineGrace = cfg.OfflineGracePeriod
	}
	if cfg.ReaperInterval > 0 {
		t.reaperInterval = cfg.ReaperInterval
	}

	if t.rdb != nil && t.reaperInterval > 0 {
		go t.reaperLoop()
	}

	return t
}

// SetCallbacks replaces the join/leave transition callbacks.
func (t *PresenceTracker) SetCallbacks(onJoin, onLeave func(roomID uint, member models.PresenceMember)) {
	t.mu.Lock()
	t.onJoin = onJoin
	t.onLeave = onLeave
	t.mu.Unlock()
}

// SetOfflineGracePeriod overrides the grace window (test hook).
func (t *PresenceTracker) SetOfflineGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.offlineGrace = d
	t.mu.Unlock()
}

// Stop halts the reaper and cancels pending offline timers.
func (t *PresenceTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		for key, timer := range t.offlineTimers {
			if timer != nil {
				timer.Stop()
			}
			delete(t.offlineTimers, key)
		}
		t.mu.Unlock()
	})
}

// Track marks a user present in a room and emits a join transition when the
// user was not already present.
func (t *PresenceTracker) Track(ctx context.Context, roomID uint, member models.PresenceMember) {
	key := presenceKey{RoomID: roomID, UserID: member.UserID}
	wasOnline := t.IsPresent(ctx, roomID, member.UserID)

	member.IsOnline = true
	member.LastSeenAt = time.Now()

	t.mu.Lock()
	if timer, ok := t.offlineTimers[key]; ok {
		timer.Stop()
		delete(t.offlineTimers, key)
	}
	t.localTracked[key] = member
	onJoin := t.onJoin
	t.mu.Unlock()

	t.writeRedisState(ctx, roomID, member)
	if !wasOnline && onJoin != nil {
		onJoin(roomID, member)
	}
}

// Touch refreshes a user's last-seen TTL without emitting transitions.
func (t *PresenceTracker) Touch(ctx context.Context, roomID, userID uint) {
	if t.rdb == nil {
		return
	}
	if err := t.rdb.SetEx(ctx, t.lastSeenKey(roomID, userID),
		strconv.FormatInt(time.Now().Unix(), 10), t.lastSeenTTL).Err(); err != nil {
		log.Printf("presence touch SETEX failed for user %d in room %d: %v", userID, roomID, err)
	}
}

func (t *PresenceTracker) writeRedisState(ctx context.Context, roomID uint, member models.PresenceMember) {
	if t.rdb == nil {
		return
	}
	raw, err := json.Marshal(member)
	if err != nil {
		return
	}
	uid := strconv.FormatUint(uint64(member.UserID), 10)
	if err := t.rdb.SAdd(ctx, defaultPresenceRoomSetKey, strconv.FormatUint(uint64(roomID), 10)).Err(); err != nil {
		log.Printf("presence SADD failed for room %d: %v", roomID, err)
	}
	if err := t.rdb.HSet(ctx, t.membersKey(roomID), uid, raw).Err(); err != nil {
		log.Printf("presence HSET failed for user %d in room %d: %v", member.UserID, roomID, err)
	}
	t.Touch(ctx, roomID, member.UserID)
}

// Untrack schedules the user's removal from the room after the grace window.
// A Track within the window cancels the pending leave.
func (t *PresenceTracker) Untrack(ctx context.Context, roomID, userID uint) {
	key := presenceKey{RoomID: roomID, UserID: userID}

	t.mu.Lock()
	if timer, ok := t.offlineTimers[key]; ok {
		timer.Stop()
	}
	t.offlineTimers[key] = time.AfterFunc(t.offlineGrace, func() {
		t.finalizeLeave(context.Background(), key)
	})
	t.mu.Unlock()

	// Expire the last-seen key early so other nodes converge too.
	if t.rdb != nil {
		_ = t.rdb.Expire(ctx, t.lastSeenKey(roomID, userID), t.offlineGrace).Err()
	}
}

func (t *PresenceTracker) finalizeLeave(ctx context.Context, key presenceKey) {
	t.mu.Lock()
	member, tracked := t.localTracked[key]
	delete(t.localTracked, key)
	delete(t.offlineTimers, key)
	onLeave := t.onLeave
	t.mu.Unlock()

	if t.rdb != nil {
		exists, err := t.rdb.Exists(ctx, t.lastSeenKey(key.RoomID, key.UserID)).Result()
		if err == nil && exists > 0 {
			// Another node refreshed presence. Keep the user present.
			return
		}
		uid := strconv.FormatUint(uint64(key.UserID), 10)
		_ = t.rdb.HDel(ctx, t.membersKey(key.RoomID), uid).Err()
	}

	if !tracked {
		member = models.PresenceMember{UserID: key.UserID}
	}
	member.IsOnline = false
	member.LastSeenAt = time.Now()

	if onLeave != nil {
		onLeave(key.RoomID, member)
	}
}

// IsPresent reports whether the user is present in the room, checking local
// state first and falling back to Redis.
func (t *PresenceTracker) IsPresent(ctx context.Context, roomID, userID uint) bool {
	key := presenceKey{RoomID: roomID, UserID: userID}
	t.mu.RLock()
	_, local := t.localTracked[key]
	t.mu.RUnlock()
	if local {
		return true
	}

	if t.rdb == nil {
		return false
	}
	exists, err := t.rdb.Exists(ctx, t.lastSeenKey(roomID, userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// RoomMembers returns the room's flattened presence state from Redis (with
// stale filtering), unioned with locally tracked members as a safety net.
func (t *PresenceTracker) RoomMembers(ctx context.Context, roomID uint) []models.PresenceMember {
	local := t.localRoomMembers(roomID)
	if t.rdb == nil {
		return local
	}

	entries, err := t.rdb.HGetAll(ctx, t.membersKey(roomID)).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(entries)+len(local))
	result := make([]models.PresenceMember, 0, len(entries)+len(local))

	for uid, raw := range entries {
		id64, parseErr := strconv.ParseUint(uid, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		exists, existsErr := t.rdb.Exists(ctx, t.lastSeenKey(roomID, userID)).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			_ = t.rdb.HDel(ctx, t.membersKey(roomID), uid).Err()
			continue
		}
		var member models.PresenceMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		member.IsOnline = true
		result = append(result, member)
	}

	for _, member := range local {
		if _, ok := seen[member.UserID]; ok {
			continue
		}
		seen[member.UserID] = struct{}{}
		result = append(result, member)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result
}

// reapOnce is test-visible and performs one cleanup pass over all rooms.
func (t *PresenceTracker) reapOnce(ctx context.Context) {
	if t.rdb == nil {
		return
	}

	rooms, err := t.rdb.SMembers(ctx, defaultPresenceRoomSetKey).Result()
	if err != nil {
		return
	}

	for _, rawRoom := range rooms {
		room64, parseErr := strconv.ParseUint(rawRoom, 10, 32)
		if parseErr != nil {
			continue
		}
		roomID := uint(room64)

		entries, err := t.rdb.HGetAll(ctx, t.membersKey(roomID)).Result()
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = t.rdb.SRem(ctx, defaultPresenceRoomSetKey, rawRoom).Err()
			continue
		}

		for uid, raw := range entries {
			id64, parseErr := strconv.ParseUint(uid, 10, 32)
			if parseErr != nil {
				continue
			}
			userID := uint(id64)
			exists, existsErr := t.rdb.Exists(ctx, t.lastSeenKey(roomID, userID)).Result()
			if existsErr != nil || exists > 0 {
				continue
			}

			_ = t.rdb.HDel(ctx, t.membersKey(roomID), uid).Err()

			key := presenceKey{RoomID: roomID, UserID: userID}
			t.mu.RLock()
			_, hasLocal := t.localTracked[key]
			onLeave := t.onLeave
			t.mu.RUnlock()
			if hasLocal {
				continue
			}

			var member models.PresenceMember
			if err := json.Unmarshal([]byte(raw), &member); err != nil {
				member = models.PresenceMember{UserID: userID}
			}
			member.IsOnline = false
			if onLeave != nil {
				onLeave(roomID, member)
			}
		}
	}
}

func (t *PresenceTracker) reaperLoop() {
	ticker := time.NewTicker(t.reaperInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reapOnce(ctx)
		}
	}
}

func (t *PresenceTracker) localRoomMembers(roomID uint) []models.PresenceMember {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := make([]models.PresenceMember, 0)
	for key, member := range t.localTracked {
		if key.RoomID == roomID {
			members = append(members, member)
		}
	}
	return members
}

func (t *PresenceTracker) membersKey(roomID uint) string {
	return defaultPresenceMembersKeyNS + strconv.FormatUint(uint64(roomID), 10) + ":members"
}

func (t *PresenceTracker) lastSeenKey(roomID, userID uint) string {
	return defaultPresenceLastSeenKeyNS +
		strconv.FormatUint(uint64(roomID), 10) + ":" +
		strconv.FormatUint(uint64(userID), 10)
}
