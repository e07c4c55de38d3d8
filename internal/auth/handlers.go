package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/validation"
)

// Handler provides HTTP endpoints for API key management.
type Handler struct {
	mgr *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes sets up key management routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stores/me/keys", h.ListKeys)
	r.POST("/stores/me/keys", h.CreateKey)
	r.DELETE("/stores/me/keys/:keyId", h.RevokeKey)
}

// ListKeys handles GET /v1/stores/me/keys
func (h *Handler) ListKeys(c *gin.Context) {
	ident := MustIdentity(c)

	keys, err := h.mgr.ListKeys(c.Request.Context(), ident.Tenant.ID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKey handles POST /v1/stores/me/keys
func (h *Handler) CreateKey(c *gin.Context) {
	ident := MustIdentity(c)

	var req struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req) // name is optional
	if req.Name == "" {
		req.Name = "API key"
	}
	req.Name = validation.SanitizeString(req.Name, 100)

	rawKey, key, err := h.mgr.GenerateKey(c.Request.Context(), ident.Tenant.ID, req.Name)
	if err != nil {
		if errors.Is(err, ErrMaxKeys) {
			apierr.Write(c, apierr.BadRequest(apierr.CodeMaxKeysReached,
				"Maximum number of active API keys reached. Revoke one first."))
			return
		}
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// RevokeKey handles DELETE /v1/stores/me/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	ident := MustIdentity(c)
	keyID := c.Param("keyId")

	if err := h.mgr.RevokeKey(c.Request.Context(), ident.Tenant.ID, keyID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			apierr.Write(c, apierr.New(http.StatusNotFound, apierr.CodeNotFound, "key not found", false))
			return
		}
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key deactivated", "keyId": keyID})
}
