// Package instance persists validated documents as JSON alongside their
// relational metadata. Every mutating operation routes through the document
// validator; the repository never accepts an unvalidated document.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/db"
	"github.com/schemaforge/schemaforge/internal/document"
	"github.com/schemaforge/schemaforge/internal/models"
	"github.com/schemaforge/schemaforge/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrPartialCommit indicates the compensating rollback after a failed
// attachment commit itself failed. The instance may hold a subset of its
// attachments; operator intervention is required rather than silent data
// loss.
var ErrPartialCommit = errors.New("instance: partial commit, manual cleanup required")

// Repository provides instance create/update/list/search/delete over one
// generic document store.
type Repository struct {
	db            *gorm.DB
	schemas       *schema.Store
	validator     *document.Validator
	attachments   *attachment.Manager
	caseSensitive bool
}

// NewRepository constructs an instance repository. caseSensitive selects the
// substring search mode.
func NewRepository(conn *gorm.DB, schemas *schema.Store, validator *document.Validator, attachments *attachment.Manager, caseSensitive bool) *Repository {
	return &Repository{
		db:            conn,
		schemas:       schemas,
		validator:     validator,
		attachments:   attachments,
		caseSensitive: caseSensitive,
	}
}

// Create validates the raw document against the schema and persists a new
// instance. The document row is written first, then each pending upload is
// committed as an attachment; if an attachment commit fails partway, the
// already-committed attachments are released and the instance deleted,
// keeping the operation all-or-nothing at instance granularity.
func (r *Repository) Create(ctx context.Context, modelID, ownerID uint64, rawDoc map[string]any, uploads map[string]attachment.Upload) (*models.DynamicModelInstance, document.Errors, error) {
	model, fields, errLoad := r.loadSchema(ctx, modelID)
	if errLoad != nil {
		return nil, nil, errLoad
	}

	result, fieldErrors, errValidate := r.validator.Validate(ctx, document.Input{
		Model:    model,
		Fields:   fields,
		Document: rawDoc,
		Uploads:  uploads,
	})
	if errValidate != nil {
		return nil, nil, errValidate
	}
	if !fieldErrors.Empty() {
		return nil, fieldErrors, nil
	}

	docJSON, errMarshal := json.Marshal(result.Document)
	if errMarshal != nil {
		return nil, nil, fmt.Errorf("instance: marshal document: %w", errMarshal)
	}

	row := models.DynamicModelInstance{
		DynamicModelID: model.ID,
		CreatedByID:    ownerID,
		Document:       datatypes.JSON(docJSON),
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, nil, fmt.Errorf("instance: create: %w", errCreate)
	}

	if errCommit := r.commitPending(ctx, &row, model, result.Pending); errCommit != nil {
		return nil, nil, errCommit
	}
	return &row, nil, nil
}

// Update re-validates the raw document against the schema, excluding the
// instance itself from uniqueness checks, and replaces the stored document.
// New uploads replace the pair's existing attachments.
func (r *Repository) Update(ctx context.Context, instanceID uint64, rawDoc map[string]any, uploads map[string]attachment.Upload) (*models.DynamicModelInstance, document.Errors, error) {
	row, errGet := r.Get(ctx, instanceID)
	if errGet != nil {
		return nil, nil, errGet
	}
	model, fields, errLoad := r.loadSchema(ctx, row.DynamicModelID)
	if errLoad != nil {
		return nil, nil, errLoad
	}

	var existingDoc map[string]any
	if errUnmarshal := json.Unmarshal(row.Document, &existingDoc); errUnmarshal != nil {
		return nil, nil, fmt.Errorf("instance: unmarshal stored document: %w", errUnmarshal)
	}

	result, fieldErrors, errValidate := r.validator.Validate(ctx, document.Input{
		Model:            model,
		Fields:           fields,
		Document:         rawDoc,
		Uploads:          uploads,
		InstanceID:       &row.ID,
		ExistingDocument: existingDoc,
	})
	if errValidate != nil {
		return nil, nil, errValidate
	}
	if !fieldErrors.Empty() {
		return nil, fieldErrors, nil
	}

	docJSON, errMarshal := json.Marshal(result.Document)
	if errMarshal != nil {
		return nil, nil, fmt.Errorf("instance: marshal document: %w", errMarshal)
	}

	if errUpdate := r.db.WithContext(ctx).Model(&models.DynamicModelInstance{}).
		Where("id = ?", row.ID).
		Update("document", datatypes.JSON(docJSON)).Error; errUpdate != nil {
		return nil, nil, fmt.Errorf("instance: update: %w", errUpdate)
	}
	row.Document = datatypes.JSON(docJSON)

	// Replaced attachments release their prior blobs inside Attach; a
	// failure partway here cannot restore those, so it surfaces as a
	// partial commit instead of pretending to roll back.
	for _, pendingFile := range result.Pending {
		field := pendingFile.Field
		if _, errAttach := r.attachments.Attach(ctx, row, &field, model.Name, pendingFile.Upload); errAttach != nil {
			return nil, nil, fmt.Errorf("%w: attach %s: %v", ErrPartialCommit, field.Name, errAttach)
		}
	}
	return row, nil, nil
}

// Get fetches an instance by ID.
func (r *Repository) Get(ctx context.Context, id uint64) (*models.DynamicModelInstance, error) {
	var row models.DynamicModelInstance
	if errFind := r.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, schema.ErrNotFound
		}
		return nil, fmt.Errorf("instance: get: %w", errFind)
	}
	return &row, nil
}

// List returns a schema's instances in creation order.
func (r *Repository) List(ctx context.Context, modelID uint64) ([]models.DynamicModelInstance, error) {
	var rows []models.DynamicModelInstance
	errFind := r.db.WithContext(ctx).
		Where("dynamic_model_id = ?", modelID).
		Order("id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("instance: list: %w", errFind)
	}
	return rows, nil
}

// Search returns instances whose serialized document contains the query as a
// substring, across all schemas, with the schema reference loaded. Matching
// is a full scan over the document column; case sensitivity follows the
// repository configuration.
func (r *Repository) Search(ctx context.Context, query string) ([]models.DynamicModelInstance, error) {
	conn := r.db.WithContext(ctx)
	docText := db.JSONTextExpr(conn, "document")
	pattern := "%" + escapeLike(query) + "%"

	q := conn.Preload("DynamicModel")
	if r.caseSensitive {
		q = q.Where(docText+` LIKE ? ESCAPE '\'`, pattern)
	} else {
		q = q.Where(db.CaseInsensitiveLikeExpr(conn, docText)+` ESCAPE '\'`, db.NormalizeLikePattern(conn, pattern))
	}

	var rows []models.DynamicModelInstance
	if errFind := q.Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("instance: search: %w", errFind)
	}
	return rows, nil
}

// Delete removes an instance, cascading to its attachments and their blobs.
func (r *Repository) Delete(ctx context.Context, id uint64) error {
	row, errGet := r.Get(ctx, id)
	if errGet != nil {
		return errGet
	}
	if errRelease := r.attachments.ReleaseAllForInstance(ctx, row.ID); errRelease != nil {
		return errRelease
	}
	if errDelete := r.db.WithContext(ctx).Delete(&models.DynamicModelInstance{}, row.ID).Error; errDelete != nil {
		return fmt.Errorf("instance: delete: %w", errDelete)
	}
	return nil
}

// loadSchema fetches a model and its ordered fields.
func (r *Repository) loadSchema(ctx context.Context, modelID uint64) (*models.DynamicModel, []models.DynamicField, error) {
	model, errGet := r.schemas.GetModel(ctx, modelID)
	if errGet != nil {
		return nil, nil, errGet
	}
	fields, errFields := r.schemas.Fields(ctx, modelID)
	if errFields != nil {
		return nil, nil, errFields
	}
	return model, fields, nil
}

// commitPending attaches each validated upload to a freshly created
// instance. On failure the batch is rolled back: committed attachments are
// released and the instance deleted. A rollback failure surfaces as
// ErrPartialCommit.
func (r *Repository) commitPending(ctx context.Context, row *models.DynamicModelInstance, model *models.DynamicModel, pending []document.PendingFile) error {
	committed := make([]*models.FileAttachment, 0, len(pending))
	for _, pendingFile := range pending {
		field := pendingFile.Field
		att, errAttach := r.attachments.Attach(ctx, row, &field, model.Name, pendingFile.Upload)
		if errAttach == nil {
			committed = append(committed, att)
			continue
		}

		log.WithError(errAttach).Errorf("instance: attachment commit failed for field %s, rolling back", field.Name)
		var rollbackFailed bool
		for _, done := range committed {
			if errRelease := r.attachments.Release(ctx, done); errRelease != nil {
				log.WithError(errRelease).Errorf("instance: rollback release failed for attachment %d", done.ID)
				rollbackFailed = true
			}
		}
		if errDelete := r.db.WithContext(ctx).Delete(&models.DynamicModelInstance{}, row.ID).Error; errDelete != nil {
			log.WithError(errDelete).Errorf("instance: rollback delete failed for instance %d", row.ID)
			rollbackFailed = true
		}
		if rollbackFailed {
			return fmt.Errorf("%w: after failed attach of %s: %v", ErrPartialCommit, field.Name, errAttach)
		}
		return fmt.Errorf("instance: attach %s: %w", field.Name, errAttach)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters in a user query so the search is a
// literal substring containment test.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
