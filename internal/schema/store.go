// Package schema persists dynamic model definitions and enforces their
// write-time invariants: store-wide name uniqueness, per-schema field name
// uniqueness, the file/unique exclusion, and relation target presence for
// relational field types. All checks reject the write on first violation;
// nothing partial is ever committed.
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/schemaforge/schemaforge/internal/db"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Schema write errors. These indicate a bad schema definition, not bad user
// data; handlers surface them as 4xx without a per-field error map.
var (
	// ErrNotFound indicates a missing schema, field, or choice.
	ErrNotFound = errors.New("schema: not found")
	// ErrNameTaken indicates a duplicate schema name.
	ErrNameTaken = errors.New("schema: a dynamic model with this name already exists")
	// ErrFieldNameTaken indicates a duplicate field name within a schema.
	ErrFieldNameTaken = errors.New("schema: a field with this name already exists on this model")
	// ErrFileFieldUnique indicates a file field flagged unique. File identity
	// is not comparable, so the combination is rejected.
	ErrFileFieldUnique = errors.New("schema: file fields cannot be marked as unique")
	// ErrRelationTargetMissing indicates a fk/m2m field without a target.
	ErrRelationTargetMissing = errors.New("schema: relational fields require a related model")
	// ErrTypeChangeUnsupported indicates a type change on a populated field.
	ErrTypeChangeUnsupported = errors.New("schema: cannot change the type of a field with existing values")
	// ErrInvalidDefinition indicates a malformed model, field, or choice
	// definition outside the named invariants.
	ErrInvalidDefinition = errors.New("schema: invalid definition")
)

// fieldNamePattern constrains internal field names. They become JSON object
// keys and are interpolated into json_extract expressions, so only
// identifier characters are allowed.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Releaser is the slice of the attachment manager the schema store needs for
// delete cascades.
type Releaser interface {
	ReleaseAllForModel(ctx context.Context, modelID uint64) error
	ReleaseAllForField(ctx context.Context, fieldID uint64) error
}

// Store provides CRUD over dynamic models, fields, and choices.
type Store struct {
	db          *gorm.DB
	attachments Releaser
}

// NewStore constructs a schema store.
func NewStore(conn *gorm.DB, attachments Releaser) *Store {
	return &Store{db: conn, attachments: attachments}
}

// CreateModel inserts a new dynamic model owned by ownerID.
func (s *Store) CreateModel(ctx context.Context, name string, ownerID uint64) (*models.DynamicModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidDefinition)
	}

	switch _, errExisting := s.GetModelByName(ctx, name); {
	case errExisting == nil:
		return nil, ErrNameTaken
	case !errors.Is(errExisting, ErrNotFound):
		return nil, errExisting
	}

	row := models.DynamicModel{Name: name, CreatedByID: ownerID}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("schema: create model: %w", errCreate)
	}
	return &row, nil
}

// GetModel fetches a dynamic model by ID.
func (s *Store) GetModel(ctx context.Context, id uint64) (*models.DynamicModel, error) {
	var row models.DynamicModel
	if errFind := s.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schema: get model: %w", errFind)
	}
	return &row, nil
}

// GetModelByName fetches a dynamic model by its unique name.
func (s *Store) GetModelByName(ctx context.Context, name string) (*models.DynamicModel, error) {
	var row models.DynamicModel
	if errFind := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name)).First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schema: get model by name: %w", errFind)
	}
	return &row, nil
}

// ListModels returns the models owned by ownerID, newest first.
func (s *Store) ListModels(ctx context.Context, ownerID uint64) ([]models.DynamicModel, error) {
	var rows []models.DynamicModel
	if errFind := s.db.WithContext(ctx).
		Where("created_by_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("schema: list models: %w", errFind)
	}
	return rows, nil
}

// DeleteModel removes a schema and cascades: fields, choices, instances,
// attachments, and their blobs. Attachment blobs are released first while
// their keys are still known; the remaining rows go in one transaction.
func (s *Store) DeleteModel(ctx context.Context, id uint64) error {
	if _, errGet := s.GetModel(ctx, id); errGet != nil {
		return errGet
	}

	if s.attachments != nil {
		if errRelease := s.attachments.ReleaseAllForModel(ctx, id); errRelease != nil {
			return errRelease
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errInstances := tx.Where("dynamic_model_id = ?", id).
			Delete(&models.DynamicModelInstance{}).Error; errInstances != nil {
			return fmt.Errorf("schema: delete instances: %w", errInstances)
		}
		var fieldIDs []uint64
		if errIDs := tx.Model(&models.DynamicField{}).
			Where("dynamic_model_id = ?", id).
			Pluck("id", &fieldIDs).Error; errIDs != nil {
			return fmt.Errorf("schema: collect fields: %w", errIDs)
		}
		if len(fieldIDs) > 0 {
			if errChoices := tx.Where("dynamic_field_id IN ?", fieldIDs).
				Delete(&models.DynamicFieldChoice{}).Error; errChoices != nil {
				return fmt.Errorf("schema: delete choices: %w", errChoices)
			}
			if errFields := tx.Delete(&models.DynamicField{}, fieldIDs).Error; errFields != nil {
				return fmt.Errorf("schema: delete fields: %w", errFields)
			}
		}
		if errModel := tx.Delete(&models.DynamicModel{}, id).Error; errModel != nil {
			return fmt.Errorf("schema: delete model: %w", errModel)
		}
		return nil
	})
}

// FieldParams carries the writable attributes of a dynamic field.
type FieldParams struct {
	Name           string
	DisplayName    string
	FieldType      string
	IsRequired     bool
	IsUnique       bool
	IsReadonly     bool
	DisplayOrder   int
	DefaultValue   *string
	RelatedModelID *uint64
}

// CreateField adds a field to a schema after checking every invariant.
func (s *Store) CreateField(ctx context.Context, modelID, ownerID uint64, params FieldParams) (*models.DynamicField, error) {
	if _, errGet := s.GetModel(ctx, modelID); errGet != nil {
		return nil, errGet
	}
	if errCheck := s.checkFieldParams(ctx, &params); errCheck != nil {
		return nil, errCheck
	}

	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.DynamicField{}).
		Where("dynamic_model_id = ? AND name = ?", modelID, params.Name).
		Count(&count).Error; errCount != nil {
		return nil, fmt.Errorf("schema: check field name: %w", errCount)
	}
	if count > 0 {
		return nil, ErrFieldNameTaken
	}

	row := models.DynamicField{
		DynamicModelID: modelID,
		Name:           params.Name,
		DisplayName:    params.DisplayName,
		FieldType:      params.FieldType,
		IsRequired:     params.IsRequired,
		IsUnique:       params.IsUnique,
		IsReadonly:     params.IsReadonly,
		DisplayOrder:   params.DisplayOrder,
		DefaultValue:   params.DefaultValue,
		RelatedModelID: params.RelatedModelID,
		CreatedByID:    ownerID,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("schema: create field: %w", errCreate)
	}
	return &row, nil
}

// GetField fetches a field by ID with its choices loaded.
func (s *Store) GetField(ctx context.Context, id uint64) (*models.DynamicField, error) {
	var row models.DynamicField
	errFind := s.db.WithContext(ctx).
		Preload("Choices", func(q *gorm.DB) *gorm.DB { return q.Order("\"order\" ASC, id ASC") }).
		First(&row, id).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schema: get field: %w", errFind)
	}
	return &row, nil
}

// UpdateField applies new attributes to a field, re-checking every invariant.
// Changing the type of a field that already has stored values is rejected.
func (s *Store) UpdateField(ctx context.Context, id uint64, params FieldParams) (*models.DynamicField, error) {
	existing, errGet := s.GetField(ctx, id)
	if errGet != nil {
		return nil, errGet
	}
	if errCheck := s.checkFieldParams(ctx, &params); errCheck != nil {
		return nil, errCheck
	}

	if params.Name != existing.Name {
		var count int64
		if errCount := s.db.WithContext(ctx).Model(&models.DynamicField{}).
			Where("dynamic_model_id = ? AND name = ? AND id <> ?", existing.DynamicModelID, params.Name, id).
			Count(&count).Error; errCount != nil {
			return nil, fmt.Errorf("schema: check field name: %w", errCount)
		}
		if count > 0 {
			return nil, ErrFieldNameTaken
		}
	}

	if params.FieldType != existing.FieldType {
		populated, errPopulated := s.fieldPopulated(ctx, existing)
		if errPopulated != nil {
			return nil, errPopulated
		}
		if populated {
			return nil, ErrTypeChangeUnsupported
		}
	}

	updates := map[string]any{
		"name":             params.Name,
		"display_name":     params.DisplayName,
		"field_type":       params.FieldType,
		"is_required":      params.IsRequired,
		"is_unique":        params.IsUnique,
		"is_readonly":      params.IsReadonly,
		"display_order":    params.DisplayOrder,
		"default_value":    params.DefaultValue,
		"related_model_id": params.RelatedModelID,
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.DynamicField{}).
		Where("id = ?", id).Updates(updates).Error; errUpdate != nil {
		return nil, fmt.Errorf("schema: update field: %w", errUpdate)
	}
	return s.GetField(ctx, id)
}

// DeleteField removes a field definition. Existing instance documents keep
// any orphaned keys untouched; historical data is never rewritten. For file
// fields the bound attachments and blobs are released, since nothing could
// reference them afterwards.
func (s *Store) DeleteField(ctx context.Context, id uint64) error {
	existing, errGet := s.GetField(ctx, id)
	if errGet != nil {
		return errGet
	}

	if existing.FieldType == fieldtype.File && s.attachments != nil {
		if errRelease := s.attachments.ReleaseAllForField(ctx, id); errRelease != nil {
			return errRelease
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errChoices := tx.Where("dynamic_field_id = ?", id).
			Delete(&models.DynamicFieldChoice{}).Error; errChoices != nil {
			return fmt.Errorf("schema: delete choices: %w", errChoices)
		}
		if errField := tx.Delete(&models.DynamicField{}, id).Error; errField != nil {
			return fmt.Errorf("schema: delete field: %w", errField)
		}
		return nil
	})
}

// Fields returns a schema's fields in validation order: display_order
// ascending with insertion order as the stable tiebreak. Choices come
// preloaded in their display order.
func (s *Store) Fields(ctx context.Context, modelID uint64) ([]models.DynamicField, error) {
	var rows []models.DynamicField
	errFind := s.db.WithContext(ctx).
		Preload("Choices", func(q *gorm.DB) *gorm.DB { return q.Order("\"order\" ASC, id ASC") }).
		Where("dynamic_model_id = ?", modelID).
		Order("display_order ASC, id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("schema: list fields: %w", errFind)
	}
	return rows, nil
}

// AddChoice appends an allowed value to a choice field. Duplicate values are
// permitted here; deduplication belongs to the schema editor.
func (s *Store) AddChoice(ctx context.Context, fieldID uint64, value, displayName string, order int) (*models.DynamicFieldChoice, error) {
	field, errGet := s.GetField(ctx, fieldID)
	if errGet != nil {
		return nil, errGet
	}
	if field.FieldType != fieldtype.Choice {
		return nil, fmt.Errorf("%w: choices are only valid on choice fields", ErrInvalidDefinition)
	}

	row := models.DynamicFieldChoice{
		DynamicFieldID: fieldID,
		Value:          value,
		DisplayName:    displayName,
		Order:          order,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("schema: create choice: %w", errCreate)
	}
	return &row, nil
}

// checkFieldParams validates the parts of FieldParams that do not depend on
// the parent schema: type registration, file/unique exclusion, and relation
// target presence and existence.
func (s *Store) checkFieldParams(ctx context.Context, params *FieldParams) error {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return fmt.Errorf("%w: field name is required", ErrInvalidDefinition)
	}
	if !fieldNamePattern.MatchString(params.Name) {
		return fmt.Errorf("%w: field name must contain only letters, digits, and underscores", ErrInvalidDefinition)
	}
	if strings.TrimSpace(params.DisplayName) == "" {
		params.DisplayName = params.Name
	}

	if !fieldtype.Valid(params.FieldType) {
		return fmt.Errorf("%w: %s", fieldtype.ErrUnknownFieldType, params.FieldType)
	}
	if params.FieldType == fieldtype.File && params.IsUnique {
		return ErrFileFieldUnique
	}
	if fieldtype.IsRelation(params.FieldType) {
		if params.RelatedModelID == nil {
			return ErrRelationTargetMissing
		}
		if _, errGet := s.GetModel(ctx, *params.RelatedModelID); errGet != nil {
			if errors.Is(errGet, ErrNotFound) {
				return ErrRelationTargetMissing
			}
			return errGet
		}
	} else {
		params.RelatedModelID = nil
	}
	return nil
}

// fieldPopulated reports whether any instance document holds a non-null
// value under the field's key.
func (s *Store) fieldPopulated(ctx context.Context, field *models.DynamicField) (bool, error) {
	conn := s.db.WithContext(ctx)
	extract := db.JSONExtractTextExpr(conn, "document", field.Name)

	var count int64
	errCount := conn.Model(&models.DynamicModelInstance{}).
		Where("dynamic_model_id = ?", field.DynamicModelID).
		Where(extract + " IS NOT NULL").
		Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("schema: check populated: %w", errCount)
	}
	if count > 0 {
		log.Debugf("schema: field %s has %d populated documents", field.Name, count)
	}
	return count > 0, nil
}
