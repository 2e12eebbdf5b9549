package models

import "time"

// FileAttachment binds one uploaded blob to exactly one (instance, field)
// pair. The attachment exclusively owns its blob key: replacing or deleting
// the attachment is what releases the stored bytes, never the instance row.
type FileAttachment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	InstanceID uint64                `gorm:"not null;index;uniqueIndex:idx_attachment_instance_field"` // Owning instance ID.
	Instance   *DynamicModelInstance `gorm:"foreignKey:InstanceID"`                                    // Owning instance record.

	DynamicFieldID uint64        `gorm:"not null;uniqueIndex:idx_attachment_instance_field"` // File-typed field ID.
	DynamicField   *DynamicField `gorm:"foreignKey:DynamicFieldID"`                          // File-typed field record.

	BlobKey       string `gorm:"type:text;not null"` // Key of the stored blob.
	FileName      string `gorm:"type:text;not null"` // Base name without extension.
	FileExtension string `gorm:"type:text;not null"` // Lowercase extension including dot.

	UploadedAt time.Time `gorm:"not null;autoCreateTime"` // Upload timestamp.
}
