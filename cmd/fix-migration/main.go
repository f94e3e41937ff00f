// Package main is a repair tool for dirty migration state in the QMS database.
// Dirty state occurs when golang-migrate marks a version as in progress but the
// migration was interrupted before it completed. This tool clears the flag so
// the server can retry the migration on its next start instead of refusing to
// boot with a "Dirty database version" error.
package main

import (
	"log"
	"os"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database successfully")

	version, cleared, err := db.ClearDirty(database.DB)
	if err != nil {
		log.Fatalf("Failed to fix migration state: %v", err)
	}
	if cleared {
		log.Printf("Cleared dirty flag on migration version %d", version)
	} else {
		log.Printf("Migration state is already clean (version %d)", version)
	}
}
