// Package player serves the finished videos of the catalog over HTTP behind
// a shared password.
package player

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/justchokingaround/vodpull/internal/catalog"
)

const (
	// CookieName holds the session token set by /api/login
	CookieName   = "auth"
	cookieMaxAge = 30 * 24 * time.Hour

	shutdownTimeout = 10 * time.Second
)

// Catalog is the read side of the record store
type Catalog interface {
	Successes(ctx context.Context) ([]catalog.Record, error)
	Random(ctx context.Context) (catalog.Record, bool, error)
}

// Config configures the server
type Config struct {
	Listen   string
	Password string
	// VideoDir is served under /videos/
	VideoDir string
	// LoginLimit is the number of login attempts allowed per IP and minute
	LoginLimit int
	Logger     *slog.Logger
}

// Video is one entry of /api/videos
type Video struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
	URL    string   `json:"url"`
}

// Server is the player HTTP surface
type Server struct {
	catalog    Catalog
	listen     string
	videoDir   string
	loginLimit int
	logger     *slog.Logger

	mu       sync.RWMutex
	password string

	router chi.Router
}

// NewServer creates a server over cat
func NewServer(cat Catalog, cfg Config) *Server {
	if cfg.LoginLimit <= 0 {
		cfg.LoginLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		catalog:    cat,
		listen:     cfg.Listen,
		videoDir:   cfg.VideoDir,
		loginLimit: cfg.LoginLimit,
		logger:     cfg.Logger,
		password:   cfg.Password,
	}
	s.router = s.routes()
	return s
}

// SetPassword swaps the password. Sessions issued for the old one stop
// working.
func (s *Server) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

func (s *Server) currentPassword() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.password
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Handle("/metrics", promhttp.Handler())
	r.With(s.loginRateLimit()).Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/videos", s.handleVideos)
		r.Get("/api/videos/random", s.handleRandom)
		r.Handle("/videos/*", http.StripPrefix("/videos/", noDirListing(http.FileServer(http.Dir(s.videoDir)))))
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("player listening", "addr", s.listen, "video_dir", s.videoDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("player shutdown: %w", err)
	}
	return <-errChan
}

// sessionToken derives the cookie value from the password so the password
// itself never travels in a cookie.
func sessionToken(password string) string {
	sum := sha256.Sum256([]byte("vodpull-session:" + password))
	return hex.EncodeToString(sum[:])
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password := s.currentPassword()
		if password == "" {
			next.ServeHTTP(w, r)
			return
		}
		c, err := r.Cookie(CookieName)
		if err != nil || subtle.ConstantTimeCompare([]byte(c.Value), []byte(sessionToken(password))) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	password := s.currentPassword()
	if password != "" && subtle.ConstantTimeCompare([]byte(body.Password), []byte(password)) != 1 {
		s.logger.Warn("failed login", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "wrong password"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionToken(password),
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.Successes(r.Context())
	if err != nil {
		s.logger.Error("list videos", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	videos := make([]Video, 0, len(recs))
	for _, rec := range recs {
		videos = append(videos, toVideo(rec))
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.catalog.Random(r.Context())
	switch {
	case err != nil:
		s.logger.Error("random video", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no videos"})
	default:
		writeJSON(w, http.StatusOK, toVideo(rec))
	}
}

func toVideo(rec catalog.Record) Video {
	labels := rec.Labels
	if labels == nil {
		labels = []string{}
	}
	return Video{
		ID:     rec.ID,
		Title:  rec.Title,
		Labels: labels,
		URL:    "/videos/" + url.PathEscape(rec.FileName),
	}
}

func (s *Server) loginRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.loginLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts"})
		}),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// noDirListing answers 404 for directory paths
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
