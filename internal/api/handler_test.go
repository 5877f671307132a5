package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/attendance"
	"presence/internal/capture"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/gallery"
	"presence/internal/presence"
	"presence/internal/recognition"
	"presence/internal/store"
)

const adminKey = "admin-secret"

type fixture struct {
	router   *gin.Engine
	svc      *attendance.Service
	sessions *capture.Manager
	cfg      config.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := store.NewDB(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	repo := attendance.NewRepository(db)
	svc := attendance.NewService(presence.NewTracker(presence.DefaultConfig()), repo)
	face := faceclient.New("", true)
	rec := recognition.New(face, svc)
	sessions := capture.NewManager(capture.Config{
		FrameTimeout:   200 * time.Millisecond,
		FrameInterval:  time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, capture.ProcessorFunc(func(ctx context.Context, frame []byte) error {
		_, err := rec.Process(ctx, frame, "capture")
		return err
	}), zerolog.Nop())
	t.Cleanup(func() { _, _ = sessions.Stop() })

	galleryDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(galleryDir, "alice.jpg"), []byte("alice"), 0o644))

	cfg := config.App{
		JWTIssuer:        "presence-test",
		JWTSigningKey:    "test-key",
		AccessTTL:        time.Minute,
		RefreshTTL:       time.Hour,
		AdminAPIKey:      adminKey,
		MaxFrameBytes:    1024,
		RateLimitPerMin:  1000,
		ResetPurgesStore: true,
		GalleryDir:       galleryDir,
	}
	h := New(Deps{
		Config:     cfg,
		Service:    svc,
		Repo:       repo,
		Recognizer: rec,
		Sessions:   sessions,
		Enroller: gallery.EnrollerFunc(func(ctx context.Context, id string, img []byte, name string) error {
			_, err := face.Enroll(ctx, id, img, name)
			return err
		}),
		DB:  db,
		Log: zerolog.Nop(),
	})
	return &fixture{router: NewRouter(h), svc: svc, sessions: sessions, cfg: cfg}
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if _, ok := body.([]byte); ok {
		req.Header.Set("Content-Type", "image/jpeg")
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *fixture) deviceTokens(t *testing.T) tokenResponse {
	t.Helper()
	w := f.do(http.MethodPost, "/v1/devices/register", "", gin.H{"device_id": "cam-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	return tok
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	w := f.do(http.MethodPost, "/v1/auth/admin", "", gin.H{"api_key": adminKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	return tok.AccessToken
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["db"])
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/attendance", "", nil).Code)

	dev := f.deviceTokens(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/attendance", dev.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/attendance/reset", dev.AccessToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/sessions/current", dev.AccessToken, nil).Code)
}

func TestAdminLogin(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/auth/admin", "", gin.H{"api_key": "wrong"}).Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/admin", nil)
	req.Header.Set("X-Admin-Key", adminKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", decode(t, w)["role"])
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	dev := f.deviceTokens(t)

	w := f.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": dev.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var next tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.NotEqual(t, dev.RefreshToken, next.RefreshToken)
	assert.Equal(t, "device", next.Role)

	w = f.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": dev.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": dev.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitFrameRecordsPresence(t *testing.T) {
	f := newFixture(t)
	dev := f.deviceTokens(t)

	w := f.do(http.MethodPost, "/v1/frames", dev.AccessToken, []byte("jpeg"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res recognition.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Recognized, 1)
	assert.Equal(t, faceclient.MockIdentity, res.Recognized[0].Identity)
	assert.Equal(t, presence.Created, res.Recognized[0].Change)

	// multipart upload of the same identity only refreshes the record
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("frame", "frame.jpg")
	require.NoError(t, err)
	_, _ = part.Write([]byte("jpeg"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/frames", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+dev.AccessToken)
	rw := httptest.NewRecorder()
	f.router.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &res))
	assert.Equal(t, presence.HoursUpdated, res.Recognized[0].Change)

	w = f.do(http.MethodGet, "/v1/attendance", dev.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Len(t, body, 1)
	require.Contains(t, body, faceclient.MockIdentity)
	entry, ok := body[faceclient.MockIdentity].(map[string]any)
	require.True(t, ok, w.Body.String())
	assert.EqualValues(t, presence.StatusPresent, entry["discipline_status"])

	w = f.do(http.MethodGet, "/v1/attendance?status=lapsed", dev.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/attendance?status=gone", dev.AccessToken, nil).Code)

	w = f.do(http.MethodGet, "/v1/attendance/"+faceclient.MockIdentity, dev.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/attendance/NOBODY", dev.AccessToken, nil).Code)

	w = f.do(http.MethodGet, "/v1/records/"+faceclient.MockIdentity, dev.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, presence.StatusPresent, decode(t, w)["discipline_status"])

	w = f.do(http.MethodGet, "/v1/records?status=present", dev.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)
}

func TestSubmitFrameRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	dev := f.deviceTokens(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/frames", dev.AccessToken, []byte{}).Code)
	big := bytes.Repeat([]byte{0xff}, f.cfg.MaxFrameBytes+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(http.MethodPost, "/v1/frames", dev.AccessToken, big).Code)
	assert.Empty(t, f.svc.Snapshot())
}

func TestResetPurgesStore(t *testing.T) {
	f := newFixture(t)
	dev := f.deviceTokens(t)
	admin := f.adminToken(t)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/frames", dev.AccessToken, []byte("jpeg")).Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/attendance/reset?purge=maybe", admin, nil).Code)

	w := f.do(http.MethodPost, "/v1/attendance/reset?purge=false", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["purged"])
	assert.Empty(t, f.svc.Snapshot())
	assert.Len(t, decode(t, f.do(http.MethodGet, "/v1/records", admin, nil))["records"], 1)

	w = f.do(http.MethodPost, "/v1/attendance/reset", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["purged"])
	assert.Empty(t, decode(t, f.do(http.MethodGet, "/v1/records", admin, nil))["records"])
}

func TestCaptureSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sessions/current", admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/sessions/current", admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/sessions", admin, gin.H{"source": "usb"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/sessions", admin, gin.H{"source": "http"}).Code)

	dir := t.TempDir()
	for _, n := range []string{"001.jpg", "002.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("\xff\xd8\xff"+n), 0o644))
	}
	w := f.do(http.MethodPost, "/v1/sessions", admin, gin.H{"source": "dir", "path": dir})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		s, ok := f.sessions.Status()
		return ok && s.State == capture.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	w = f.do(http.MethodGet, "/v1/sessions/current", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "completed", body["state"])
	assert.EqualValues(t, 2, body["frames"])

	w = f.do(http.MethodGet, "/v1/sessions/current/frame", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	_, tracked := f.svc.Get(faceclient.MockIdentity)
	assert.True(t, tracked)
}

func TestCaptureSessionConflict(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.jpg"), []byte("frame"), 0o644))
	req := gin.H{"source": "dir", "path": dir, "loop": true}

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/v1/sessions", admin, req).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/v1/sessions", admin, req).Code)

	w := f.do(http.MethodDelete, "/v1/sessions/current", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["state"])
}

func TestReloadGallery(t *testing.T) {
	f := newFixture(t)
	admin := f.adminToken(t)

	w := f.do(http.MethodPost, "/v1/gallery/reload", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum gallery.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, []string{"ALICE"}, sum.Enrolled)
}
