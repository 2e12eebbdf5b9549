package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/instance"
	"github.com/schemaforge/schemaforge/internal/models"
	"github.com/schemaforge/schemaforge/internal/schema"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InstanceHandler manages instance create/update/list/search/delete
// endpoints. All writes route through the instance repository and therefore
// the document validator.
type InstanceHandler struct {
	db          *gorm.DB
	schemas     *schema.Store
	repo        *instance.Repository
	attachments *attachment.Manager
}

// NewInstanceHandler constructs an instance handler.
func NewInstanceHandler(db *gorm.DB, schemas *schema.Store, repo *instance.Repository, attachments *attachment.Manager) *InstanceHandler {
	return &InstanceHandler{db: db, schemas: schemas, repo: repo, attachments: attachments}
}

// List returns a model's instances with their documents and attachments.
func (h *InstanceHandler) List(c *gin.Context) {
	model, ok := h.ownedModel(c, c.Param("id"))
	if !ok {
		return
	}
	rows, errList := h.repo.List(c.Request.Context(), model.ID)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list instances failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.formatInstance(c, &rows[i], model.Name))
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// Create validates a submitted document and persists a new instance.
// Accepts a JSON object body, or multipart form data when the schema has
// file fields: scalar values as form values, uploads as file parts keyed by
// field name.
func (h *InstanceHandler) Create(c *gin.Context) {
	model, ok := h.ownedModel(c, c.Param("id"))
	if !ok {
		return
	}
	fields, errFields := h.schemas.Fields(c.Request.Context(), model.ID)
	if errFields != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list fields failed"})
		return
	}

	doc, uploads, closeUploads, errParse := parseSubmission(c, fields)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errParse.Error()})
		return
	}
	defer closeUploads()

	row, fieldErrors, errCreate := h.repo.Create(c.Request.Context(), model.ID, getUserID(c), doc, uploads)
	if errCreate != nil {
		h.writeFatal(c, errCreate)
		return
	}
	if !fieldErrors.Empty() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": fieldErrors})
		return
	}
	c.JSON(http.StatusCreated, h.formatInstance(c, row, model.Name))
}

// Update re-validates a submitted document and replaces the stored one.
func (h *InstanceHandler) Update(c *gin.Context) {
	row, model, ok := h.ownedInstance(c, c.Param("id"))
	if !ok {
		return
	}
	fields, errFields := h.schemas.Fields(c.Request.Context(), model.ID)
	if errFields != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list fields failed"})
		return
	}

	doc, uploads, closeUploads, errParse := parseSubmission(c, fields)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errParse.Error()})
		return
	}
	defer closeUploads()

	updated, fieldErrors, errUpdate := h.repo.Update(c.Request.Context(), row.ID, doc, uploads)
	if errUpdate != nil {
		h.writeFatal(c, errUpdate)
		return
	}
	if !fieldErrors.Empty() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": fieldErrors})
		return
	}
	c.JSON(http.StatusOK, h.formatInstance(c, updated, model.Name))
}

// Delete removes an instance, cascading to attachments and blobs.
func (h *InstanceHandler) Delete(c *gin.Context) {
	row, _, ok := h.ownedInstance(c, c.Param("id"))
	if !ok {
		return
	}
	if errDelete := h.repo.Delete(c.Request.Context(), row.ID); errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete instance failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Search returns instances whose serialized document contains the query.
func (h *InstanceHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"query": query, "results": []gin.H{}})
		return
	}

	rows, errSearch := h.repo.Search(c.Request.Context(), query)
	if errSearch != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		modelName := ""
		if rows[i].DynamicModel != nil {
			modelName = rows[i].DynamicModel.Name
		}
		out = append(out, h.formatInstance(c, &rows[i], modelName))
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": out})
}

// ownedModel parses the id parameter and loads the caller's model.
func (h *InstanceHandler) ownedModel(c *gin.Context, rawID string) (*models.DynamicModel, bool) {
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

// ownedInstance loads an instance when its schema belongs to the caller.
func (h *InstanceHandler) ownedInstance(c *gin.Context, rawID string) (*models.DynamicModelInstance, *models.DynamicModel, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, nil, false
	}
	row, errGet := h.repo.Get(c.Request.Context(), id)
	if errGet != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, nil, false
	}
	model, errModel := h.schemas.GetModel(c.Request.Context(), row.DynamicModelID)
	if errModel != nil || model.CreatedByID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, nil, false
	}
	return row, model, true
}

// writeFatal maps repository failures that are not per-field validation
// errors onto responses. Partial commits get their own status so operators
// can tell them apart from plain failures.
func (h *InstanceHandler) writeFatal(c *gin.Context, err error) {
	if errors.Is(err, instance.ErrPartialCommit) {
		log.WithError(err).Error("instance: partial commit")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partial commit, contact the operator"})
		return
	}
	if errors.Is(err, schema.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if errors.Is(err, fieldtype.ErrUnknownFieldType) {
		log.WithError(err).Error("instance: corrupt schema")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt schema"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
}

// formatInstance converts an instance into a response payload, including its
// committed attachments.
func (h *InstanceHandler) formatInstance(c *gin.Context, row *models.DynamicModelInstance, modelName string) gin.H {
	var doc map[string]any
	if errUnmarshal := json.Unmarshal(row.Document, &doc); errUnmarshal != nil {
		doc = map[string]any{}
	}

	files := make([]gin.H, 0)
	if atts, errFiles := h.attachments.ForInstance(c.Request.Context(), row.ID); errFiles == nil {
		for _, att := range atts {
			files = append(files, gin.H{
				"id":             att.ID,
				"field_id":       att.DynamicFieldID,
				"file_name":      att.FileName,
				"file_extension": att.FileExtension,
				"uploaded_at":    att.UploadedAt,
			})
		}
	}

	return gin.H{
		"id":         row.ID,
		"model_id":   row.DynamicModelID,
		"model_name": modelName,
		"document":   doc,
		"files":      files,
		"created_at": row.CreatedAt,
		"updated_at": row.UpdatedAt,
	}
}

// parseSubmission extracts the raw document and uploads from a request. The
// returned closer releases any opened multipart files once the write
// finishes.
func parseSubmission(c *gin.Context, fields []models.DynamicField) (map[string]any, map[string]attachment.Upload, func(), error) {
	noop := func() {}
	contentType := c.GetHeader("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var doc map[string]any
		if errBind := c.ShouldBindJSON(&doc); errBind != nil {
			return nil, nil, noop, errors.New("invalid json document")
		}
		return doc, nil, noop, nil
	}

	form, errForm := c.MultipartForm()
	if errForm != nil {
		return nil, nil, noop, errors.New("invalid multipart form")
	}

	doc := make(map[string]any)
	uploads := make(map[string]attachment.Upload)
	var closers []func()
	closeAll := func() {
		for _, closeFile := range closers {
			closeFile()
		}
	}

	for i := range fields {
		field := fields[i]
		if field.FieldType == fieldtype.File {
			headers := form.File[field.Name]
			if len(headers) == 0 {
				continue
			}
			f, errOpen := headers[0].Open()
			if errOpen != nil {
				closeAll()
				return nil, nil, noop, errors.New("cannot read uploaded file")
			}
			closers = append(closers, func() { _ = f.Close() })
			uploads[field.Name] = attachment.Upload{Filename: headers[0].Filename, Content: f}
			continue
		}

		values := form.Value[field.Name]
		if len(values) == 0 {
			continue
		}
		if field.FieldType == fieldtype.ManyToMany {
			doc[field.Name] = values
			continue
		}
		doc[field.Name] = values[0]
	}
	return doc, uploads, closeAll, nil
}
