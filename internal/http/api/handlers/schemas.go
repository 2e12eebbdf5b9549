package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/models"
	"github.com/schemaforge/schemaforge/internal/schema"
	"gorm.io/gorm"
)

// SchemaHandler manages dynamic model, field, and choice endpoints.
type SchemaHandler struct {
	db      *gorm.DB
	schemas *schema.Store
}

// NewSchemaHandler constructs a schema handler.
func NewSchemaHandler(db *gorm.DB, schemas *schema.Store) *SchemaHandler {
	return &SchemaHandler{db: db, schemas: schemas}
}

// List returns the caller's dynamic models.
func (h *SchemaHandler) List(c *gin.Context) {
	rows, errList := h.schemas.ListModels(c.Request.Context(), getUserID(c))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list models failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, formatModel(&row))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// createModelRequest captures the payload for schema creation.
type createModelRequest struct {
	Name string `json:"name"` // Unique schema name.
}

// Create inserts a new dynamic model owned by the caller.
func (h *SchemaHandler) Create(c *gin.Context) {
	var body createModelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	row, errCreate := h.schemas.CreateModel(c.Request.Context(), body.Name, getUserID(c))
	if errCreate != nil {
		status := schemaErrorStatus(errCreate)
		c.JSON(status, gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, formatModel(row))
}

// Get returns one model with its ordered field list.
func (h *SchemaHandler) Get(c *gin.Context) {
	model, ok := h.ownedModel(c, c.Param("id"))
	if !ok {
		return
	}
	fields, errFields := h.schemas.Fields(c.Request.Context(), model.ID)
	if errFields != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list fields failed"})
		return
	}
	out := make([]gin.H, 0, len(fields))
	for _, field := range fields {
		out = append(out, formatField(&field))
	}
	resp := formatModel(model)
	resp["fields"] = out
	c.JSON(http.StatusOK, resp)
}

// Delete removes a model and everything under it: fields, choices,
// instances, attachments, and blobs.
func (h *SchemaHandler) Delete(c *gin.Context) {
	model, ok := h.ownedModel(c, c.Param("id"))
	if !ok {
		return
	}
	if errDelete := h.schemas.DeleteModel(c.Request.Context(), model.ID); errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete model failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// fieldRequest captures the writable attributes of a field.
type fieldRequest struct {
	Name           string  `json:"name"`             // Internal field name.
	DisplayName    string  `json:"display_name"`     // User-facing name.
	FieldType      string  `json:"field_type"`       // Registered type tag.
	IsRequired     bool    `json:"is_required"`      // Required flag.
	IsUnique       bool    `json:"is_unique"`        // Unique flag.
	IsReadonly     bool    `json:"is_readonly"`      // Read-only flag.
	DisplayOrder   int     `json:"display_order"`    // Presentation order.
	DefaultValue   *string `json:"default_value"`    // Optional raw default.
	RelatedModelID *uint64 `json:"related_model_id"` // Relation target for fk/m2m.
}

// CreateField adds a field to the caller's model.
func (h *SchemaHandler) CreateField(c *gin.Context) {
	model, ok := h.ownedModel(c, c.Param("id"))
	if !ok {
		return
	}
	var body fieldRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	row, errCreate := h.schemas.CreateField(c.Request.Context(), model.ID, getUserID(c), schema.FieldParams{
		Name:           body.Name,
		DisplayName:    body.DisplayName,
		FieldType:      body.FieldType,
		IsRequired:     body.IsRequired,
		IsUnique:       body.IsUnique,
		IsReadonly:     body.IsReadonly,
		DisplayOrder:   body.DisplayOrder,
		DefaultValue:   body.DefaultValue,
		RelatedModelID: body.RelatedModelID,
	})
	if errCreate != nil {
		c.JSON(schemaErrorStatus(errCreate), gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, formatField(row))
}

// UpdateField applies new attributes to a field on the caller's model.
func (h *SchemaHandler) UpdateField(c *gin.Context) {
	field, ok := h.ownedField(c, c.Param("id"))
	if !ok {
		return
	}
	var body fieldRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	row, errUpdate := h.schemas.UpdateField(c.Request.Context(), field.ID, schema.FieldParams{
		Name:           body.Name,
		DisplayName:    body.DisplayName,
		FieldType:      body.FieldType,
		IsRequired:     body.IsRequired,
		IsUnique:       body.IsUnique,
		IsReadonly:     body.IsReadonly,
		DisplayOrder:   body.DisplayOrder,
		DefaultValue:   body.DefaultValue,
		RelatedModelID: body.RelatedModelID,
	})
	if errUpdate != nil {
		c.JSON(schemaErrorStatus(errUpdate), gin.H{"error": errUpdate.Error()})
		return
	}
	c.JSON(http.StatusOK, formatField(row))
}

// DeleteField removes a field definition. Existing documents keep orphaned
// keys; they are ignored from then on.
func (h *SchemaHandler) DeleteField(c *gin.Context) {
	field, ok := h.ownedField(c, c.Param("id"))
	if !ok {
		return
	}
	if errDelete := h.schemas.DeleteField(c.Request.Context(), field.ID); errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete field failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// choiceRequest captures one allowed value for a choice field.
type choiceRequest struct {
	Value       string `json:"value"`        // Stored value.
	DisplayName string `json:"display_name"` // User-facing label.
	Order       int    `json:"order"`        // Display order.
}

// AddChoice appends an allowed value to a choice field.
func (h *SchemaHandler) AddChoice(c *gin.Context) {
	field, ok := h.ownedField(c, c.Param("id"))
	if !ok {
		return
	}
	var body choiceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Value) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	if strings.TrimSpace(body.DisplayName) == "" {
		body.DisplayName = body.Value
	}

	row, errCreate := h.schemas.AddChoice(c.Request.Context(), field.ID, body.Value, body.DisplayName, body.Order)
	if errCreate != nil {
		c.JSON(schemaErrorStatus(errCreate), gin.H{"error": errCreate.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":           row.ID,
		"value":        row.Value,
		"display_name": row.DisplayName,
		"order":        row.Order,
	})
}

// ListChoices returns a field's choices in display order.
func (h *SchemaHandler) ListChoices(c *gin.Context) {
	field, ok := h.ownedField(c, c.Param("id"))
	if !ok {
		return
	}
	out := make([]gin.H, 0, len(field.Choices))
	for _, choice := range field.Choices {
		out = append(out, gin.H{
			"id":           choice.ID,
			"value":        choice.Value,
			"display_name": choice.DisplayName,
			"order":        choice.Order,
		})
	}
	c.JSON(http.StatusOK, gin.H{"choices": out})
}

// ownedModel parses the id parameter and loads the model when it belongs to
// the caller; missing and foreign models are indistinguishable.
func (h *SchemaHandler) ownedModel(c *gin.Context, rawID string) (*models.DynamicModel, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	model, errGet := h.schemas.GetModel(c.Request.Context(), id)
	if errGet != nil || model.CreatedByID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return model, true
}

// ownedField loads a field when its parent model belongs to the caller.
func (h *SchemaHandler) ownedField(c *gin.Context, rawID string) (*models.DynamicField, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	field, errGet := h.schemas.GetField(c.Request.Context(), id)
	if errGet != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	model, errModel := h.schemas.GetModel(c.Request.Context(), field.DynamicModelID)
	if errModel != nil || model.CreatedByID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return field, true
}

// schemaErrorStatus maps schema store errors to HTTP statuses.
func schemaErrorStatus(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrNameTaken),
		errors.Is(err, schema.ErrFieldNameTaken),
		errors.Is(err, schema.ErrFileFieldUnique),
		errors.Is(err, schema.ErrRelationTargetMissing),
		errors.Is(err, schema.ErrTypeChangeUnsupported),
		errors.Is(err, schema.ErrInvalidDefinition),
		errors.Is(err, fieldtype.ErrUnknownFieldType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// formatModel converts a model into a response payload.
func formatModel(model *models.DynamicModel) gin.H {
	return gin.H{
		"id":         model.ID,
		"name":       model.Name,
		"created_at": model.CreatedAt,
		"updated_at": model.UpdatedAt,
	}
}

// formatField converts a field into a response payload.
func formatField(field *models.DynamicField) gin.H {
	return gin.H{
		"id":               field.ID,
		"model_id":         field.DynamicModelID,
		"name":             field.Name,
		"display_name":     field.DisplayName,
		"field_type":       field.FieldType,
		"is_required":      field.IsRequired,
		"is_unique":        field.IsUnique,
		"is_readonly":      field.IsReadonly,
		"display_order":    field.DisplayOrder,
		"default_value":    field.DefaultValue,
		"related_model_id": field.RelatedModelID,
	}
}
