// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"habitat/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options configures the seeder.
type Options struct {
	NumApartments int
	UsersPerApt   int
	MessagesPer   int
	ShouldClean   bool
}

// DefaultPassword is the password every seeded user gets.
const DefaultPassword = "password123"

// Seed populates the database with demo data: apartments with residents,
// the standard community rooms per apartment, memberships, a message
// history, and scattered reactions.
func Seed(db *gorm.DB, opts Options) error {
	if opts.NumApartments <= 0 {
		opts.NumApartments = 2
	}
	if opts.UsersPerApt <= 0 {
		opts.UsersPerApt = 20
	}
	if opts.MessagesPer <= 0 {
		opts.MessagesPer = 40
	}

	log.Printf("Seeding %d apartments, %d residents each...", opts.NumApartments, opts.UsersPerApt)

	if opts.ShouldClean {
		if err := clearData(db); err != nil {
			log.Println("Warning: could not clear all existing data, continuing anyway...")
		}
	}

	f := NewFactory(db)

	for apt := 1; apt <= opts.NumApartments; apt++ {
		users, err := f.CreateResidents(uint(apt), opts.UsersPerApt)
		if err != nil {
			return fmt.Errorf("create residents for apartment %d: %w", apt, err)
		}

		rooms, err := f.CreateCommunityRooms(uint(apt), users[0])
		if err != nil {
			return fmt.Errorf("create rooms for apartment %d: %w", apt, err)
		}

		for _, room := range rooms {
			if err := f.JoinResidents(room, users); err != nil {
				return fmt.Errorf("join residents to room %d: %w", room.ID, err)
			}
			msgs, err := f.CreateMessageHistory(room, users, opts.MessagesPer)
			if err != nil {
				return fmt.Errorf("message history for room %d: %w", room.ID, err)
			}
			if err := f.SprinkleReactions(msgs, users); err != nil {
				return fmt.Errorf("reactions for room %d: %w", room.ID, err)
			}
		}

		log.Printf("Apartment %d: %d residents, %d rooms", apt, len(users), len(rooms))
	}

	log.Printf("All seeded users have the password: %s", DefaultPassword)
	return nil
}

func clearData(db *gorm.DB) error {
	// Children first to keep FK-enforcing databases happy.
	for _, model := range []any{
		&models.MessageReaction{},
		&models.ChatMessage{},
		&models.ChatMember{},
		&models.ChatRoom{},
		&models.UserPresence{},
		&models.User{},
	} {
		if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Unscoped().Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// hashedDefaultPassword is computed once; bcrypt at default cost is slow
// enough to dominate seeding time otherwise.
var hashedDefaultPassword = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

func randomPastTime(r *rand.Rand, maxDays int) time.Time {
	daysBack := r.Intn(maxDays)
	hoursBack := r.Intn(24)
	minsBack := r.Intn(60)
	return time.Now().Add(-time.Duration(daysBack)*24*time.Hour -
		time.Duration(hoursBack)*time.Hour -
		time.Duration(minsBack)*time.Minute)
}
