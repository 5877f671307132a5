package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"presence/internal/auth"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Role         string `json:"role"`
}

// RegisterDevice records a capture device and issues its tokens.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.repo != nil {
		if err := h.repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			h.log.Error().Err(err).Str("device", req.DeviceID).Msg("register device failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register device failed"})
			return
		}
	}
	h.issue(c, http.StatusCreated, req.DeviceID, auth.RoleDevice)
}

// AdminLogin exchanges the configured admin API key for an admin token pair.
func (h *Handler) AdminLogin(c *gin.Context) {
	if h.cfg.AdminAPIKey == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login disabled"})
		return
	}
	key := c.GetHeader("X-Admin-Key")
	if key == "" {
		var req struct {
			APIKey string `json:"api_key"`
		}
		_ = c.ShouldBindJSON(&req)
		key = req.APIKey
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.AdminAPIKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	h.issue(c, http.StatusOK, "admin", auth.RoleAdmin)
}

// Refresh rotates a refresh token. The presented token is revoked.
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := auth.Parse(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer)
	if err != nil || claims.Kind != auth.KindRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	if h.repo != nil {
		ctx := c.Request.Context()
		active, err := h.repo.RefreshTokenActive(ctx, req.RefreshToken)
		if err != nil {
			h.log.Error().Err(err).Msg("refresh token lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
		if !active {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
			return
		}
		if err := h.repo.RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
			h.log.Error().Err(err).Msg("revoke refresh token failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
			return
		}
	}
	h.issue(c, http.StatusOK, claims.Subject, claims.Role)
}

func (h *Handler) issue(c *gin.Context, status int, subject, role string) {
	tokens, err := auth.Issue(subject, role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if h.repo != nil {
		if err := h.repo.SaveRefreshToken(c.Request.Context(), subject, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			h.log.Error().Err(err).Str("subject", subject).Msg("save refresh token failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
	}
	c.JSON(status, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.AccessExp.Unix(),
		Role:         role,
	})
}
