// Package api exposes the presence tracker over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presence/internal/attendance"
	"presence/internal/capture"
	"presence/internal/config"
	"presence/internal/gallery"
	"presence/internal/recognition"
	"presence/internal/store"
)

// Deps are the collaborators of the HTTP layer. Repo, DB, Redis and Sessions
// may be nil; the routes depending on them answer 503.
type Deps struct {
	Config     config.App
	Service    *attendance.Service
	Repo       *attendance.Repository
	Recognizer *recognition.Recognizer
	Sessions   *capture.Manager
	Enroller   gallery.Enroller
	DB         *store.DB
	Redis      *store.Redis
	Log        zerolog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	cfg        config.App
	svc        *attendance.Service
	repo       *attendance.Repository
	recognizer *recognition.Recognizer
	sessions   *capture.Manager
	enroller   gallery.Enroller
	db         *store.DB
	redis      *store.Redis
	log        zerolog.Logger
}

// New creates a handler.
func New(d Deps) *Handler {
	return &Handler{
		cfg:        d.Config,
		svc:        d.Service,
		repo:       d.Repo,
		recognizer: d.Recognizer,
		sessions:   d.Sessions,
		enroller:   d.Enroller,
		db:         d.DB,
		redis:      d.Redis,
		log:        d.Log,
	}
}

// Healthz reports the state of the configured backing services.
func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	body := gin.H{"status": "ok", "tracked": len(h.svc.Snapshot())}

	if h.db != nil {
		ok := h.db.Healthy(ctx)
		body["db"] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if h.redis != nil {
		ok := h.redis.Healthy(ctx)
		body["redis"] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if h.sessions != nil {
		if s, ok := h.sessions.Status(); ok {
			body["capture"] = s.State
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
