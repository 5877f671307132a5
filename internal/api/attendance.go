package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"presence/internal/attendance"
	"presence/internal/gallery"
	"presence/internal/presence"
)

var errFrameTooLarge = errors.New("frame too large")

// multipart framing on top of the frame bytes
const multipartOverhead = 64 << 10

// SubmitFrame runs recognition on an uploaded frame.
func (h *Handler) SubmitFrame(c *gin.Context) {
	if h.recognizer == nil {
		unavailable(c, "recognition")
		return
	}
	frame, err := h.readFrame(c)
	switch {
	case errors.Is(err, errFrameTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.recognizer.Process(c.Request.Context(), frame, "upload")
	if err != nil {
		h.log.Error().Err(err).Msg("process uploaded frame failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "face recognition failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// readFrame accepts a multipart "frame" field or a raw image body.
func (h *Handler) readFrame(c *gin.Context) ([]byte, error) {
	limit := int64(h.cfg.MaxFrameBytes)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, _, ferr := c.Request.FormFile("frame")
		if ferr != nil {
			var mbe *http.MaxBytesError
			if errors.As(ferr, &mbe) {
				return nil, errFrameTooLarge
			}
			return nil, errors.New("frame field required")
		}
		defer file.Close()
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errFrameTooLarge
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errFrameTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	return data, nil
}

// Snapshot returns every in-memory presence record keyed by identity.
// ?status=present|lapsed narrows the result.
func (h *Handler) Snapshot(c *gin.Context) {
	snap := h.svc.Snapshot()
	if raw := c.Query("status"); raw != "" {
		want, err := parseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for id, rec := range snap {
			if rec.DisciplineStatus != want {
				delete(snap, id)
			}
		}
	}
	c.JSON(http.StatusOK, snap)
}

// GetPresence returns the in-memory record of one identity.
func (h *Handler) GetPresence(c *gin.Context) {
	id := c.Param("identity")
	rec, ok := h.svc.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "record": rec})
}

// ListRecords pages through persisted attendance rows.
func (h *Handler) ListRecords(c *gin.Context) {
	if h.repo == nil {
		unavailable(c, "database")
		return
	}
	f := attendance.RecordFilter{Identity: c.Query("identity")}
	if raw := c.Query("status"); raw != "" {
		st, err := parseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = &st
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}

	records, err := h.repo.ListRecords(c.Request.Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("list records failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list records failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// GetRecord returns the persisted row of one identity.
func (h *Handler) GetRecord(c *gin.Context) {
	if h.repo == nil {
		unavailable(c, "database")
		return
	}
	rec, err := h.repo.GetRecord(c.Request.Context(), c.Param("identity"))
	if err != nil {
		h.log.Error().Err(err).Msg("get record failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get record failed"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Reset clears the tracker. ?purge=true|false overrides whether the
// persisted rows are dropped as well.
func (h *Handler) Reset(c *gin.Context) {
	purge := h.cfg.ResetPurgesStore
	if v := c.Query("purge"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "purge must be a boolean"})
			return
		}
		purge = parsed
	}

	if err := h.svc.Reset(c.Request.Context(), purge); err != nil {
		h.log.Error().Err(err).Msg("purge persisted attendance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tracker reset but store purge failed", "purged": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "purged": purge})
}

// ReloadGallery enrolls every reference photo in the gallery directory again.
func (h *Handler) ReloadGallery(c *gin.Context) {
	if h.enroller == nil {
		unavailable(c, "face service")
		return
	}
	refs, err := gallery.LoadDir(h.cfg.GalleryDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gallery.EnrollAll(c.Request.Context(), h.enroller, refs, h.log))
}

func parseStatus(raw string) (presence.Status, error) {
	switch strings.ToLower(raw) {
	case "present", "1":
		return presence.StatusPresent, nil
	case "lapsed", "0":
		return presence.StatusLapsed, nil
	}
	return 0, fmt.Errorf("unknown status %q", raw)
}
