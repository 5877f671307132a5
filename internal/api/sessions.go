package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"presence/internal/capture"
)

type startSessionRequest struct {
	Source string `json:"source" binding:"required,oneof=http dir"`
	URL    string `json:"url"`
	Path   string `json:"path"`
	Loop   bool   `json:"loop"`
}

// StartSession opens the single capture session.
func (h *Handler) StartSession(c *gin.Context) {
	if h.sessions == nil {
		unavailable(c, "capture")
		return
	}
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var src capture.Source
	switch req.Source {
	case "http":
		if req.URL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url required for http source"})
			return
		}
		src = capture.NewHTTPSource(req.URL, int64(h.cfg.MaxFrameBytes))
	case "dir":
		dir, err := capture.NewDirSource(req.Path, req.Loop)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		src = dir
	}

	s, err := h.sessions.Start(src)
	if errors.Is(err, capture.ErrSessionRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "session": s})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s)
}

// CurrentSession reports the running or last finished session.
func (h *Handler) CurrentSession(c *gin.Context) {
	if h.sessions == nil {
		unavailable(c, "capture")
		return
	}
	s, ok := h.sessions.Status()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no capture session"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// StopSession stops the running session.
func (h *Handler) StopSession(c *gin.Context) {
	if h.sessions == nil {
		unavailable(c, "capture")
		return
	}
	s, err := h.sessions.Stop()
	if errors.Is(err, capture.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// LatestFrame serves the last frame read by the capture session.
func (h *Handler) LatestFrame(c *gin.Context) {
	if h.sessions == nil {
		unavailable(c, "capture")
		return
	}
	frame, ok := h.sessions.LatestFrame()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame captured"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(frame), frame)
}
