package db

import (
	"fmt"

	"github.com/schemaforge/schemaforge/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates all tables. Order matters: parents before the
// rows that reference them, so the generated foreign keys resolve.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.User{},
		&models.DynamicModel{},
		&models.DynamicField{},
		&models.DynamicFieldChoice{},
		&models.DynamicModelInstance{},
		&models.FileAttachment{},
	)
}
