package db

import (
	"log"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"
)

// Migrate runs database migrations
func Migrate() {
	err := AppDb.AutoMigrate(
		&domain.User{},
		&domain.Document{},
		&domain.Permission{},
		&domain.Version{},
		&domain.Comment{},
	)

	if err != nil {
		log.Fatal(err)
	}

	log.Println("Database schema migrated successfully")
}
