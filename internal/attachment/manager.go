// Package attachment binds uploaded blobs to (instance, field) pairs and
// enforces the file extension policy. An attachment exclusively owns its
// blob key: replace and release are the only paths that touch stored bytes.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/schemaforge/schemaforge/internal/blob"
	"github.com/schemaforge/schemaforge/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// allowedExtensions is the fixed extension allow-list, matched
// case-insensitively against the uploaded filename.
var allowedExtensions = []string{".docx", ".csv", ".pdf"}

// ErrUnsupportedExtension indicates an upload outside the allow-list.
var ErrUnsupportedExtension = fmt.Errorf("unsupported file type, allowed types are: %s", strings.Join(allowedExtensions, ", "))

// Upload is a raw uploaded file handle entering the validation pipeline.
type Upload struct {
	Filename string    // Original filename as submitted.
	Content  io.Reader // Blob content.
}

// SplitName derives the stored base name and lowercase extension from an
// uploaded filename, rejecting extensions outside the allow-list.
func SplitName(filename string) (base, ext string, err error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	ext = strings.ToLower(path.Ext(name))
	base = strings.TrimSuffix(name, path.Ext(name))
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return base, ext, nil
		}
	}
	return "", "", ErrUnsupportedExtension
}

// Manager persists attachment records and moves blobs through the store.
type Manager struct {
	db    *gorm.DB
	blobs blob.Store
}

// NewManager constructs an attachment manager.
func NewManager(db *gorm.DB, blobs blob.Store) *Manager {
	return &Manager{db: db, blobs: blobs}
}

// Attach stores the upload and binds it to the (instance, field) pair. When
// the pair already has an attachment the new blob is stored first and the
// prior blob released only after the record points at the new key, so a
// partial failure never loses the existing file. Returns the attachment row.
func (m *Manager) Attach(ctx context.Context, instance *models.DynamicModelInstance, field *models.DynamicField, schemaName string, upload Upload) (*models.FileAttachment, error) {
	base, ext, errSplit := SplitName(upload.Filename)
	if errSplit != nil {
		return nil, errSplit
	}

	key := path.Join(schemaName, field.Name, base+ext)
	storedKey, errPut := m.blobs.Put(ctx, key, upload.Content)
	if errPut != nil {
		return nil, fmt.Errorf("attachment: store blob: %w", errPut)
	}

	var existing models.FileAttachment
	errFind := m.db.WithContext(ctx).
		Where("instance_id = ? AND dynamic_field_id = ?", instance.ID, field.ID).
		First(&existing).Error

	switch {
	case errFind == nil:
		oldKey := existing.BlobKey
		updates := map[string]any{
			"blob_key":       storedKey,
			"file_name":      base,
			"file_extension": ext,
		}
		if errUpdate := m.db.WithContext(ctx).Model(&models.FileAttachment{}).
			Where("id = ?", existing.ID).Updates(updates).Error; errUpdate != nil {
			_ = m.blobs.Delete(ctx, storedKey)
			return nil, fmt.Errorf("attachment: update record: %w", errUpdate)
		}
		if oldKey != "" && oldKey != storedKey {
			if errDelete := m.blobs.Delete(ctx, oldKey); errDelete != nil {
				log.WithError(errDelete).Warnf("attachment: release replaced blob %s", oldKey)
			}
		}
		existing.BlobKey = storedKey
		existing.FileName = base
		existing.FileExtension = ext
		return &existing, nil

	case errors.Is(errFind, gorm.ErrRecordNotFound):
		row := models.FileAttachment{
			InstanceID:     instance.ID,
			DynamicFieldID: field.ID,
			BlobKey:        storedKey,
			FileName:       base,
			FileExtension:  ext,
		}
		if errCreate := m.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
			_ = m.blobs.Delete(ctx, storedKey)
			return nil, fmt.Errorf("attachment: create record: %w", errCreate)
		}
		return &row, nil

	default:
		_ = m.blobs.Delete(ctx, storedKey)
		return nil, fmt.Errorf("attachment: lookup: %w", errFind)
	}
}

// Release deletes the attachment record and its blob.
func (m *Manager) Release(ctx context.Context, att *models.FileAttachment) error {
	if errDelete := m.db.WithContext(ctx).Delete(&models.FileAttachment{}, att.ID).Error; errDelete != nil {
		return fmt.Errorf("attachment: delete record: %w", errDelete)
	}
	if errBlob := m.blobs.Delete(ctx, att.BlobKey); errBlob != nil {
		return fmt.Errorf("attachment: delete blob %s: %w", att.BlobKey, errBlob)
	}
	return nil
}

// ForInstance returns the attachments bound to an instance.
func (m *Manager) ForInstance(ctx context.Context, instanceID uint64) ([]models.FileAttachment, error) {
	var rows []models.FileAttachment
	errFind := m.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("dynamic_field_id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("attachment: list: %w", errFind)
	}
	return rows, nil
}

// Exists reports whether the (instance, field) pair has a committed
// attachment. Required file fields are satisfied by this, not by a document
// key.
func (m *Manager) Exists(ctx context.Context, instanceID, fieldID uint64) (bool, error) {
	var count int64
	errCount := m.db.WithContext(ctx).Model(&models.FileAttachment{}).
		Where("instance_id = ? AND dynamic_field_id = ?", instanceID, fieldID).
		Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("attachment: count: %w", errCount)
	}
	return count > 0, nil
}

// ReleaseAllForInstance removes every attachment of an instance, rows first
// and then blobs. Blob deletion failures after the rows are gone are logged
// rather than propagated; the records no longer reference the keys.
func (m *Manager) ReleaseAllForInstance(ctx context.Context, instanceID uint64) error {
	rows, errList := m.ForInstance(ctx, instanceID)
	if errList != nil {
		return errList
	}
	return m.releaseRows(ctx, rows)
}

// ReleaseAllForField removes every attachment bound to a field across all
// instances. Used when a file-typed field is deleted from a schema.
func (m *Manager) ReleaseAllForField(ctx context.Context, fieldID uint64) error {
	var rows []models.FileAttachment
	if errFind := m.db.WithContext(ctx).
		Where("dynamic_field_id = ?", fieldID).
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("attachment: list for field: %w", errFind)
	}
	return m.releaseRows(ctx, rows)
}

// ReleaseAllForModel removes every attachment under a schema, across all of
// its instances. Used by the schema delete cascade.
func (m *Manager) ReleaseAllForModel(ctx context.Context, modelID uint64) error {
	var rows []models.FileAttachment
	if errFind := m.db.WithContext(ctx).
		Joins("JOIN dynamic_model_instances ON dynamic_model_instances.id = file_attachments.instance_id").
		Where("dynamic_model_instances.dynamic_model_id = ?", modelID).
		Find(&rows).Error; errFind != nil {
		return fmt.Errorf("attachment: list for model: %w", errFind)
	}
	return m.releaseRows(ctx, rows)
}

// releaseRows deletes attachment records, then their blobs best-effort.
func (m *Manager) releaseRows(ctx context.Context, rows []models.FileAttachment) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if errDelete := m.db.WithContext(ctx).Delete(&models.FileAttachment{}, ids).Error; errDelete != nil {
		return fmt.Errorf("attachment: delete records: %w", errDelete)
	}
	for _, row := range rows {
		if errBlob := m.blobs.Delete(ctx, row.BlobKey); errBlob != nil {
			log.WithError(errBlob).Warnf("attachment: release blob %s", row.BlobKey)
		}
	}
	return nil
}
