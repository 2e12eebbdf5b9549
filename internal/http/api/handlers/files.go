package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemaforge/schemaforge/internal/blob"
	"github.com/schemaforge/schemaforge/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FileHandler streams attachment blobs back to their owners.
type FileHandler struct {
	db    *gorm.DB
	blobs blob.Store
}

// NewFileHandler constructs a file handler.
func NewFileHandler(db *gorm.DB, blobs blob.Store) *FileHandler {
	return &FileHandler{db: db, blobs: blobs}
}

// Download streams an attachment's blob with its original filename. The
// attachment is served only to the user owning the schema it hangs off.
func (h *FileHandler) Download(c *gin.Context) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var att models.FileAttachment
	if errFind := h.db.WithContext(c.Request.Context()).First(&att, id).Error; errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	var row models.DynamicModelInstance
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, att.InstanceID).Error; errFind != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var model models.DynamicModel
	errFind := h.db.WithContext(c.Request.Context()).First(&model, row.DynamicModelID).Error
	if errFind != nil || model.CreatedByID != getUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	reader, errOpen := h.blobs.Open(c.Request.Context(), att.BlobKey)
	if errOpen != nil {
		log.WithError(errOpen).Errorf("files: blob missing for attachment %d", att.ID)
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
		return
	}
	defer func() { _ = reader.Close() }()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.FileName))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, errCopy := io.Copy(c.Writer, reader); errCopy != nil && !errors.Is(errCopy, io.ErrClosedPipe) {
		log.WithError(errCopy).Warnf("files: stream interrupted for attachment %d", att.ID)
	}
}
