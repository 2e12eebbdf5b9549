// Package document validates candidate documents against a dynamic model's
// field set. It is the single write-path policy engine: every instance
// create or update runs through Validate, which checks presence, type,
// choice membership, and uniqueness for each field in display order and
// accumulates every violation instead of stopping at the first.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/db"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/models"
	"gorm.io/gorm"
)

// User-facing validation messages.
const (
	msgRequired  = "This field is required."
	msgNotUnique = "This value must be unique."
)

// PendingFile is an upload that passed validation and awaits commit through
// the attachment manager once the owning instance row exists.
type PendingFile struct {
	Field  models.DynamicField
	Upload attachment.Upload
}

// Input carries one validation request.
type Input struct {
	Model  *models.DynamicModel  // Schema being validated against.
	Fields []models.DynamicField // Schema fields in display order, choices preloaded.

	Document map[string]any               // Raw candidate values keyed by field name.
	Uploads  map[string]attachment.Upload // Raw uploaded files keyed by field name.

	InstanceID       *uint64        // Instance being updated; nil on create.
	ExistingDocument map[string]any // Stored document on update; nil on create.
}

// Result is a validated, coerced document plus the uploads pending commit.
type Result struct {
	Document map[string]any
	Pending  []PendingFile
}

// Validator checks candidate documents against schema field sets.
type Validator struct {
	db *gorm.DB
}

// NewValidator constructs a document validator.
func NewValidator(conn *gorm.DB) *Validator {
	return &Validator{db: conn}
}

// Validate runs every per-field check and returns either a coerced document
// with its pending uploads, or the accumulated per-field error map. The
// returned error is reserved for defects and storage failures: an unknown
// field type in the schema, or a database error during the uniqueness probe.
func (v *Validator) Validate(ctx context.Context, in Input) (*Result, Errors, error) {
	fieldErrors := Errors{}
	coerced := make(map[string]any, len(in.Fields))
	var pending []PendingFile

	for i := range in.Fields {
		field := in.Fields[i]

		if field.FieldType == fieldtype.File {
			v.validateFile(ctx, &field, in, coerced, fieldErrors, &pending)
			continue
		}

		raw, present := presentValue(in.Document, field.Name)

		// Read-only fields keep their stored value on update regardless of
		// what was submitted.
		if field.IsReadonly && in.InstanceID != nil {
			if existing, ok := in.ExistingDocument[field.Name]; ok {
				coerced[field.Name] = existing
			}
			continue
		}

		if !present && field.DefaultValue != nil {
			raw = *field.DefaultValue
			present = true
		}

		// An unchecked checkbox posts nothing at all; absence means false.
		if !present && field.FieldType == fieldtype.Boolean {
			raw = false
			present = true
		}

		if !present {
			if field.IsRequired {
				fieldErrors.add(field.Name, msgRequired)
			}
			continue
		}

		value, errCoerce := fieldtype.Coerce(field.FieldType, raw)
		if errCoerce != nil {
			if isUnknownType(errCoerce) {
				return nil, nil, errCoerce
			}
			fieldErrors.add(field.Name, capitalize(errCoerce.Error())+".")
			continue
		}

		if field.FieldType == fieldtype.Choice {
			if !choiceAllowed(&field, value.Str) {
				fieldErrors.add(field.Name, invalidChoiceMessage(&field, value.Str))
				continue
			}
		}

		if field.IsUnique && isScalarKind(value.Kind) {
			taken, errProbe := v.valueTaken(ctx, in.Model.ID, &field, value, in.InstanceID)
			if errProbe != nil {
				return nil, nil, errProbe
			}
			if taken {
				fieldErrors.add(field.Name, msgNotUnique)
				continue
			}
		}

		coerced[field.Name] = value.Wire()
	}

	if !fieldErrors.Empty() {
		return nil, fieldErrors, nil
	}
	return &Result{Document: coerced, Pending: pending}, nil, nil
}

// validateFile handles file-typed fields: a fresh upload is
// extension-checked and queued for commit, with derived metadata written
// into the document; without an upload, required-ness is satisfied by an
// already-committed attachment, never by a document key.
func (v *Validator) validateFile(ctx context.Context, field *models.DynamicField, in Input, coerced map[string]any, fieldErrors Errors, pending *[]PendingFile) {
	upload, hasUpload := in.Uploads[field.Name]
	if hasUpload {
		base, ext, errSplit := attachment.SplitName(upload.Filename)
		if errSplit != nil {
			fieldErrors.add(field.Name, capitalize(errSplit.Error())+".")
			return
		}
		coerced[field.Name] = fieldtype.Value{
			Kind: fieldtype.KindFile,
			File: fieldtype.FileRef{Name: base, Extension: ext},
		}.Wire()
		*pending = append(*pending, PendingFile{Field: *field, Upload: upload})
		return
	}

	// No new upload: carry existing metadata forward on update.
	if in.ExistingDocument != nil {
		if existing, ok := in.ExistingDocument[field.Name]; ok {
			coerced[field.Name] = existing
		}
	}

	if !field.IsRequired {
		return
	}
	if in.InstanceID != nil {
		var count int64
		errCount := v.db.WithContext(ctx).Model(&models.FileAttachment{}).
			Where("instance_id = ? AND dynamic_field_id = ?", *in.InstanceID, field.ID).
			Count(&count).Error
		if errCount == nil && count > 0 {
			return
		}
	}
	fieldErrors.add(field.Name, msgRequired)
}

// valueTaken scans sibling instances of the same schema for an equal stored
// value under the field's key, excluding the instance being updated. This is
// a read-then-check; SQLite serializes writers, and racing creates on other
// backends are accepted as-is (see DESIGN.md).
func (v *Validator) valueTaken(ctx context.Context, modelID uint64, field *models.DynamicField, value fieldtype.Value, excludeID *uint64) (bool, error) {
	conn := v.db.WithContext(ctx)
	extract := db.JSONExtractTextExpr(conn, "document", field.Name)

	q := conn.Model(&models.DynamicModelInstance{}).
		Where("dynamic_model_id = ?", modelID).
		Where(extract+" = ?", uniqueParam(conn, value))
	if excludeID != nil {
		q = q.Where("id <> ?", *excludeID)
	}

	var count int64
	if errCount := q.Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("%w: uniqueness probe: %v", ErrStorageFailure, errCount)
	}
	return count > 0, nil
}

// uniqueParam renders a coerced value as a comparison parameter for the
// uniqueness probe. Postgres ->> always yields text, so everything is bound
// as a string there; SQLite json_extract preserves JSON types, so native
// bindings compare correctly.
func uniqueParam(conn *gorm.DB, value fieldtype.Value) any {
	wire := value.Wire()
	if db.IsSQLite(conn) {
		return wire
	}
	return fmt.Sprint(wire)
}

// presentValue fetches a raw value and reports whether it is usable: the key
// exists and the value is neither nil nor a blank string.
func presentValue(doc map[string]any, name string) (any, bool) {
	raw, ok := doc[name]
	if !ok || raw == nil {
		return nil, false
	}
	if s, isString := raw.(string); isString && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return raw, true
}

// isScalarKind reports whether a kind has a comparable scalar identity for
// uniqueness checks. File metadata and id lists do not.
func isScalarKind(kind fieldtype.Kind) bool {
	switch kind {
	case fieldtype.KindString, fieldtype.KindInt, fieldtype.KindDecimal,
		fieldtype.KindBool, fieldtype.KindDate, fieldtype.KindDateTime:
		return true
	default:
		return false
	}
}

// choiceAllowed reports whether value exactly matches one of the field's
// defined choice values.
func choiceAllowed(field *models.DynamicField, value string) bool {
	for _, choice := range field.Choices {
		if choice.Value == value {
			return true
		}
	}
	return false
}

// invalidChoiceMessage names the valid set, matching the store's editor
// wording.
func invalidChoiceMessage(field *models.DynamicField, value string) string {
	values := make([]string, 0, len(field.Choices))
	for _, choice := range field.Choices {
		values = append(values, choice.Value)
	}
	return fmt.Sprintf("Invalid choice: %s. Valid choices are: %s.", value, strings.Join(values, ", "))
}

// isUnknownType reports whether a coercion failure is the fatal
// unknown-field-type defect rather than a user data error.
func isUnknownType(err error) bool {
	return errors.Is(err, fieldtype.ErrUnknownFieldType)
}

// capitalize upper-cases the first byte of an ASCII message.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
