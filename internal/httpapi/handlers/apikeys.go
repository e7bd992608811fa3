package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/kb-chat/internal/common"
)

type createAPIKeyReq struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) CreateAPIKey(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createAPIKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	plain, rec, err := h.KeySvc.Create(c.Request.Context(), uid, req.Name, req.ExpiresAt)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to create api key")
		return
	}

	// the plaintext is returned exactly once
	common.OK(c, gin.H{
		"key":        plain,
		"digest":     rec.Digest,
		"name":       rec.Name,
		"hint":       rec.Hint,
		"expires_at": rec.ExpiresAt,
	})
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	keys, err := h.KeySvc.List(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to list api keys")
		return
	}
	common.OK(c, gin.H{"api_keys": keys})
}

func (h *Handler) RevokeAPIKey(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	digest := c.Param("digest")
	revoked, err := h.KeySvc.Revoke(c.Request.Context(), uid, digest)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to revoke api key")
		return
	}
	if !revoked {
		common.Fail(c, http.StatusNotFound, 40403, "api key not found")
		return
	}

	// drop the auth cache entry so revocation takes effect promptly
	_ = h.Redis.DeleteAPIKeyUser(c.Request.Context(), digest)

	common.OK(c, gin.H{"revoked": true})
}
