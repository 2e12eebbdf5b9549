// Package api registers the HTTP surface over the schema store, instance
// repository, and attachment manager. It is thin glue: all policy lives in
// the packages it calls.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/blob"
	"github.com/schemaforge/schemaforge/internal/config"
	"github.com/schemaforge/schemaforge/internal/http/api/handlers"
	"github.com/schemaforge/schemaforge/internal/instance"
	"github.com/schemaforge/schemaforge/internal/models"
	"github.com/schemaforge/schemaforge/internal/schema"
	"github.com/schemaforge/schemaforge/internal/security"
	"gorm.io/gorm"
)

// RegisterRoutes registers public auth routes and the authenticated schema
// and instance API under /v0.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, schemas *schema.Store, repo *instance.Repository, attachments *attachment.Manager, blobs blob.Store) {
	if r == nil || db == nil {
		return
	}

	v0 := r.Group("/v0")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	v0.POST("/register", authHandler.Register)
	v0.POST("/login", authHandler.Login)

	authed := v0.Group("")
	authed.Use(userAuthMiddleware(db, jwtCfg))

	schemaHandler := handlers.NewSchemaHandler(db, schemas)
	authed.GET("/models", schemaHandler.List)
	authed.POST("/models", schemaHandler.Create)
	authed.GET("/models/:id", schemaHandler.Get)
	authed.DELETE("/models/:id", schemaHandler.Delete)
	authed.POST("/models/:id/fields", schemaHandler.CreateField)
	authed.PUT("/fields/:id", schemaHandler.UpdateField)
	authed.DELETE("/fields/:id", schemaHandler.DeleteField)
	authed.GET("/fields/:id/choices", schemaHandler.ListChoices)
	authed.POST("/fields/:id/choices", schemaHandler.AddChoice)

	instanceHandler := handlers.NewInstanceHandler(db, schemas, repo, attachments)
	authed.GET("/models/:id/instances", instanceHandler.List)
	authed.POST("/models/:id/instances", instanceHandler.Create)
	authed.PUT("/instances/:id", instanceHandler.Update)
	authed.DELETE("/instances/:id", instanceHandler.Delete)
	authed.GET("/search", instanceHandler.Search)

	fileHandler := handlers.NewFileHandler(db, blobs)
	authed.GET("/attachments/:id/download", fileHandler.Download)
}

// userAuthMiddleware validates user JWTs and loads the user into context.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user models.User
		if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
			return
		}

		c.Set("userID", user.ID)
		c.Next()
	}
}
