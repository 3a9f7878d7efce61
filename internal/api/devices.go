package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"faceattend/internal/auth"
)

// DeviceStore persists kiosks and their refresh tokens.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
}

// TokenConfig controls token issuing for device registration.
type TokenConfig struct {
	Issuer     string
	SigningKey string
	AdminKey   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// RegisterDevice issues tokens to a kiosk or staff client. Roles above device
// need the X-Admin-Key header. store may be nil.
func RegisterDevice(store DeviceStore, cfg TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role == "" {
			req.Role = auth.RoleDevice
		}
		if !auth.ValidRole(req.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		if req.Role != auth.RoleDevice {
			key := c.GetHeader("X-Admin-Key")
			if cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.AdminKey)) != 1 {
				c.JSON(http.StatusForbidden, gin.H{"error": "admin key required for role " + req.Role})
				return
			}
		}

		ctx := c.Request.Context()
		if store != nil {
			if err := store.UpsertDevice(ctx, req.DeviceID); err != nil {
				log.WithError(err).WithField("device_id", req.DeviceID).Error("device not stored")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "device registration failed"})
				return
			}
		}

		tokens, err := auth.Issue(req.DeviceID, req.Role, cfg.Issuer, cfg.SigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if store != nil {
			if err := store.SaveRefreshToken(ctx, req.DeviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
				log.WithError(err).WithField("device_id", req.DeviceID).Warn("refresh token not stored")
			}
		}

		log.WithFields(log.Fields{"device_id": req.DeviceID, "role": req.Role}).Info("device registered")
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"role":          req.Role,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	}
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) bool

// Health answers 200 when every check passes, 503 otherwise.
func Health(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			ok := check(ctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
