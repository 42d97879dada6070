// Command seed populates the database with demo data.
package main

import (
	"flag"
	"log"

	"habitat/internal/config"
	"habitat/internal/database"
	"habitat/internal/seed"
)

func main() {
	numApartments := flag.Int("apartments", 2, "Number of apartment complexes to create")
	usersPerApt := flag.Int("residents", 20, "Residents per apartment")
	messagesPer := flag.Int("messages", 40, "Messages per room")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := seed.Seed(db, seed.Options{
		NumApartments: *numApartments,
		UsersPerApt:   *usersPerApt,
		MessagesPer:   *messagesPer,
		ShouldClean:   *shouldClean,
	}); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Println("Done. Your database is populated with demo data.")
}
