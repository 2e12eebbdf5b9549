package models

import "time"

// User is an account that owns dynamic models and the instances created
// under them. The core only ever records the user ID as an opaque owner
// reference; authentication lives in the HTTP glue.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Email    string `gorm:"type:text;not null;uniqueIndex"` // Login email.
	Name     string `gorm:"type:text;not null"`             // Display name.
	Password string `gorm:"type:text;not null"`             // Bcrypt password hash.

	Disabled bool `gorm:"not null;default:false"` // Blocks login when set.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
