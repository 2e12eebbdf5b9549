package models

import (
	"time"

	"gorm.io/datatypes"
)

// DynamicModelInstance is one record conforming to a DynamicModel. The
// document column holds the coerced field values keyed by internal field
// name; file-typed fields appear only as {file_name, file_extension}
// metadata, with the blob tracked by a FileAttachment row.
type DynamicModelInstance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DynamicModelID uint64        `gorm:"not null;index"`            // Parent schema ID.
	DynamicModel   *DynamicModel `gorm:"foreignKey:DynamicModelID"` // Parent schema record.

	CreatedByID uint64 `gorm:"not null;index"` // Owning user ID.

	Document datatypes.JSON `gorm:"type:jsonb;not null"` // Coerced field values.

	Files []FileAttachment `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE"` // Bound uploads.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
