package seed

import (
	"fmt"
	"math/rand"
	"time"

	"habitat/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Factory builds domain entities and persists them to the database.
// It is a thin helper used by the seeder and tests.
type Factory struct {
	db *gorm.DB
	r  *rand.Rand
}

// NewFactory creates a new Factory bound to the provided Gorm DB.
func NewFactory(db *gorm.DB) *Factory {
	gofakeit.Seed(time.Now().UnixNano())
	return &Factory{
		db: db,
		r:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// communityRooms is the standard room set every apartment complex gets.
var communityRooms = []struct {
	Name        string
	Type        string
	Description string
}{
	{"General", models.RoomTypeGeneral, "Open chat for all residents"},
	{"Announcements", models.RoomTypeAnnouncements, "Official notices from the management"},
	{"Maintenance", models.RoomTypeMaintenance, "Report and track maintenance issues"},
	{"Events", models.RoomTypeEvents, "Community events and meetups"},
	{"Marketplace", models.RoomTypeMarketplace, "Buy, sell and give away"},
}

var reactionKinds = []string{
	models.ReactionLike, models.ReactionLove, models.ReactionLaugh,
	models.ReactionThumbsUp,
}

var oneArgTemplates = []string{
	"Has anyone seen the notice about %s?",
	"Selling a barely used %s, DM me!",
	"Anyone up for %s this weekend?",
	"Reminder: %s is scheduled for tomorrow.",
	"Lost a %s near the lobby, please return if found.",
}

// CreateResidents creates n residents in the apartment, flats spread across
// towers A-D.
func (f *Factory) CreateResidents(apartmentID uint, n int) ([]*models.User, error) {
	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		tower := string(rune('A' + f.r.Intn(4)))
		user := &models.User{
			ApartmentID: apartmentID,
			FullName:    gofakeit.Name(),
			Email:       fmt.Sprintf("apt%d.user%d.%s", apartmentID, i, gofakeit.Email()),
			Password:    hashedDefaultPassword,
			FlatNumber:  fmt.Sprintf("%s-%d", tower, 100+f.r.Intn(400)),
			IsOwner:     f.r.Intn(3) == 0,
			AvatarURL:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", gofakeit.UUID()),
		}
		if err := f.db.Create(user).Error; err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	// First resident doubles as the community admin.
	if len(users) > 0 {
		users[0].IsAdmin = true
		if err := f.db.Save(users[0]).Error; err != nil {
			return nil, err
		}
	}
	return users, nil
}

// CreateCommunityRooms creates the standard room set for the apartment with
// the given creator as admin member.
func (f *Factory) CreateCommunityRooms(apartmentID uint, creator *models.User) ([]*models.ChatRoom, error) {
	rooms := make([]*models.ChatRoom, 0, len(communityRooms))
	for _, def := range communityRooms {
		room := &models.ChatRoom{
			ApartmentID: apartmentID,
			Name:        def.Name,
			Description: def.Description,
			Type:        def.Type,
			CreatedBy:   creator.ID,
			IsActive:    true,
		}
		if err := f.db.Create(room).Error; err != nil {
			return nil, err
		}
		if err := f.db.Create(&models.ChatMember{
			ChatRoomID: room.ID,
			UserID:     creator.ID,
			Role:       models.RoleAdmin,
			LastReadAt: time.Now(),
		}).Error; err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// JoinResidents adds every resident except the creator as a plain member.
func (f *Factory) JoinResidents(room *models.ChatRoom, users []*models.User) error {
	for _, user := range users {
		if user.ID == room.CreatedBy {
			continue
		}
		member := &models.ChatMember{
			ChatRoomID: room.ID,
			UserID:     user.ID,
			Role:       models.RoleMember,
			LastReadAt: randomPastTime(f.r, 7),
		}
		if err := f.db.Create(member).Error; err != nil {
			return err
		}
	}
	return f.db.Model(room).Update("member_count", len(users)).Error
}

// CreateMessageHistory writes n messages spread over the last 30 days and
// bumps the room's last-message cursor.
func (f *Factory) CreateMessageHistory(room *models.ChatRoom, users []*models.User, n int) ([]*models.ChatMessage, error) {
	msgs := make([]*models.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		sender := users[f.r.Intn(len(users))]

		var body string
		switch f.r.Intn(3) {
		case 0:
			body = fmt.Sprintf("The %s near block %s needs attention.",
				gofakeit.HackerNoun(), string(rune('A'+f.r.Intn(4))))
		case 1:
			body = fmt.Sprintf(oneArgTemplates[f.r.Intn(len(oneArgTemplates))], gofakeit.HackerNoun())
		default:
			body = gofakeit.Sentence(4 + f.r.Intn(10))
		}

		msg := &models.ChatMessage{
			ChatRoomID:  room.ID,
			SenderID:    sender.ID,
			Message:     body,
			MessageType: models.MessageTypeText,
			CreatedAt:   randomPastTime(f.r, 30),
		}
		// An occasional reply to an earlier message.
		if len(msgs) > 0 && f.r.Intn(5) == 0 {
			msg.ReplyToID = &msgs[f.r.Intn(len(msgs))].ID
		}
		if err := f.db.Create(msg).Error; err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := f.db.Model(room).Updates(map[string]any{
			"last_message_id": last.ID,
			"last_message_at": last.CreatedAt,
		}).Error; err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// SprinkleReactions adds a random reaction to roughly a third of messages.
func (f *Factory) SprinkleReactions(msgs []*models.ChatMessage, users []*models.User) error {
	for _, msg := range msgs {
		if f.r.Intn(3) != 0 {
			continue
		}
		reactor := users[f.r.Intn(len(users))]
		reaction := &models.MessageReaction{
			MessageID: msg.ID,
			UserID:    reactor.ID,
			Reaction:  reactionKinds[f.r.Intn(len(reactionKinds))],
		}
		if err := f.db.Create(reaction).Error; err != nil {
			return err
		}
	}
	return nil
}
