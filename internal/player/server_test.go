package player

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justchokingaround/vodpull/internal/catalog"
)

type fakeCatalog struct {
	records []catalog.Record
	err     error
}

func (f *fakeCatalog) Successes(context.Context) ([]catalog.Record, error) {
	return f.records, f.err
}

func (f *fakeCatalog) Random(context.Context) (catalog.Record, bool, error) {
	if f.err != nil || len(f.records) == 0 {
		return catalog.Record{}, false, f.err
	}
	return f.records[0], true, nil
}

func newTestServer(t *testing.T, cat Catalog, password string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(cat, Config{
		Password:   password,
		VideoDir:   dir,
		LoginLimit: 3,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, dir
}

func do(t *testing.T, h http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, password string) *http.Cookie {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/login", `{"password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatal("login set no session cookie")
	return nil
}

func TestLogin(t *testing.T) {
	s, _ := newTestServer(t, &fakeCatalog{}, "s3cret")
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/login", `{"password":"nope"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	rec = do(t, h, http.MethodPost, "/api/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c := login(t, h, "s3cret")
	assert.True(t, c.HttpOnly)
	assert.NotContains(t, c.Value, "s3cret")
}

func TestLogin_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, &fakeCatalog{}, "s3cret")
	h := s.Handler()

	for range 3 {
		rec := do(t, h, http.MethodPost, "/api/login", `{"password":"guess"}`)
		require.Equal(t, http.StatusForbidden, rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/login", `{"password":"s3cret"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestVideos(t *testing.T) {
	cat := &fakeCatalog{records: []catalog.Record{
		{ID: "1", Title: "First", Labels: []string{"a", "b"}, FileName: "1.mp4"},
		{ID: "2", Title: "Second", FileName: "my video.mp4"},
	}}
	s, _ := newTestServer(t, cat, "pw")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/videos", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := login(t, h, "pw")
	rec = do(t, h, http.MethodGet, "/api/videos", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var videos []Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &videos))
	assert.Equal(t, []Video{
		{ID: "1", Title: "First", Labels: []string{"a", "b"}, URL: "/videos/1.mp4"},
		{ID: "2", Title: "Second", Labels: []string{}, URL: "/videos/my%20video.mp4"},
	}, videos)

	rec = do(t, h, http.MethodGet, "/api/videos/random", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var v Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "1", v.ID)
}

func TestVideos_Errors(t *testing.T) {
	s, _ := newTestServer(t, &fakeCatalog{}, "")
	rec := do(t, s.Handler(), http.MethodGet, "/api/videos/random", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s, _ = newTestServer(t, &fakeCatalog{err: errors.New("database is locked")}, "")
	rec = do(t, s.Handler(), http.MethodGet, "/api/videos", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestStaticVideos(t *testing.T) {
	s, dir := newTestServer(t, &fakeCatalog{}, "pw")
	h := s.Handler()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.mp4"), []byte("movie"), 0644))

	rec := do(t, h, http.MethodGet, "/videos/1.mp4", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := login(t, h, "pw")
	rec = do(t, h, http.MethodGet, "/videos/1.mp4", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "movie", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/videos/", "", cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetPassword_InvalidatesSessions(t *testing.T) {
	s, _ := newTestServer(t, &fakeCatalog{}, "old")
	h := s.Handler()
	cookie := login(t, h, "old")

	s.SetPassword("new")
	rec := do(t, h, http.MethodGet, "/api/videos", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie = login(t, h, "new")
	rec = do(t, h, http.MethodGet, "/api/videos", "", cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeCatalog{}, "pw")
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	s := NewServer(&fakeCatalog{}, Config{Listen: "127.0.0.1:0", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
