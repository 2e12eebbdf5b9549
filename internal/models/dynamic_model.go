package models

import "time"

// DynamicModel is a user-authored record schema. Its shape is the ordered
// set of DynamicField rows pointing at it.
type DynamicModel struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:text;not null;uniqueIndex"` // Schema name, unique store-wide.

	CreatedByID uint64 `gorm:"not null;index"`          // Owning user ID.
	CreatedBy   *User  `gorm:"foreignKey:CreatedByID"`  // Owning user record.

	Fields []DynamicField `gorm:"foreignKey:DynamicModelID;constraint:OnDelete:CASCADE"` // Schema fields.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// DynamicField is one typed attribute of a DynamicModel. The type tag is one
// of the fieldtype package's registered tags; RelatedModelID is required for
// foreign-key and many-to-many fields and meaningless otherwise. RelatedModel
// is stored as an ID reference, never an owning pointer, because a field may
// point back at its own schema.
type DynamicField struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DynamicModelID uint64        `gorm:"not null;index;uniqueIndex:idx_model_field_name"` // Parent schema ID.
	DynamicModel   *DynamicModel `gorm:"foreignKey:DynamicModelID"`                       // Parent schema record.

	Name        string `gorm:"type:text;not null;uniqueIndex:idx_model_field_name"` // Internal field name, unique per schema.
	DisplayName string `gorm:"type:text;not null"`                                  // User-facing name.
	FieldType   string `gorm:"type:text;not null"`                                  // Registered type tag.

	IsRequired bool `gorm:"not null;default:false"` // Value must be present on write.
	IsUnique   bool `gorm:"not null;default:false"` // Value must be unique across sibling instances.
	IsReadonly bool `gorm:"not null;default:false"` // Value is not editable after create.

	DisplayOrder int `gorm:"not null;default:0"` // Presentation and validation iteration order.

	DefaultValue *string `gorm:"type:text"` // Optional raw default value.

	RelatedModelID *uint64 `gorm:"index"` // Relation target schema ID for fk/m2m fields.

	Choices []DynamicFieldChoice `gorm:"foreignKey:DynamicFieldID;constraint:OnDelete:CASCADE"` // Allowed values for choice fields.

	CreatedByID uint64 `gorm:"not null"` // Creating user ID.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// DynamicFieldChoice is one allowed value for a choice-typed field. Value
// uniqueness within a field is deliberately not enforced here; the schema
// editor is the place to deduplicate.
type DynamicFieldChoice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DynamicFieldID uint64        `gorm:"not null;index"`            // Parent field ID.
	DynamicField   *DynamicField `gorm:"foreignKey:DynamicFieldID"` // Parent field record.

	Value       string `gorm:"type:text;not null"` // Stored value.
	DisplayName string `gorm:"type:text;not null"` // User-facing label.
	Order       int    `gorm:"not null;default:0"` // Display order.
}
