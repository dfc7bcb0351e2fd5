// Package httpapi exposes the ingestion and viewer surface over HTTP:
// photo uploads, main image installation, mosaic state, a server-sent event
// stream of placements, and operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"piovee/internal/blob"
	"piovee/internal/engine"
	"piovee/internal/pubsub"
	"piovee/pkg/domain"
)

// maxUploadBytes bounds multipart uploads (photos come straight off phone
// cameras).
const maxUploadBytes = 32 << 20

// Server wires the engine and its collaborators into an http.Handler.
type Server struct {
	eng    *engine.Engine
	store  domain.MetadataStore
	blobs  blob.Store
	bus    pubsub.Bus
	logger *slog.Logger
	router chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer constructs the HTTP surface.
func NewServer(eng *engine.Engine, store domain.MetadataStore, blobs blob.Store, bus pubsub.Bus, opts ...ServerOption) *Server {
	s := &Server{
		eng:    eng,
		store:  store,
		blobs:  blobs,
		bus:    bus,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/photos", s.handleUploadPhoto)
		r.Post("/main-image", s.handleInstallMainImage)
		r.Get("/mosaic", s.handleMosaicState)
		r.Get("/events", s.handleEvents)
		r.Post("/trigger", s.handleTrigger)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/blobs/*", s.handleGetBlob)
	r.Handle("/metrics", promhttp.HandlerFor(eng.Metrics().Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleUploadPhoto ingests a capture: the bytes go to the blob store, the
// record to the metadata store, and a wake event onto the bus. The event
// payload is the photo id, but consumers treat it as a hint only.
func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("photo")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("missing photo field: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	id := uuid.NewString()
	key := blob.PhotoKey(id)
	contentType := header.Header.Get("Content-Type")
	if _, err := s.blobs.Put(r.Context(), key, file, blob.PutOptions{ContentType: contentType}); err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("store photo: %w", err))
		return
	}
	photo := domain.Photo{
		ID:        id,
		BlobRef:   key,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.store.CreatePhoto(r.Context(), photo); err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("record photo: %w", err))
		return
	}
	s.bus.Publish(pubsub.ChannelPhotos, pubsub.EventUploaded, []byte(id))
	s.logger.Info("photo ingested", "photo", id)
	writeJSON(w, http.StatusCreated, photo)
}

// handleInstallMainImage stores the main image and installs a fresh grid,
// resetting the session.
func (s *Server) handleInstallMainImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("missing image field: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	targetTiles, err := formInt(r, "target_tiles")
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	width, err := formInt(r, "width")
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	height, err := formInt(r, "height")
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	key := blob.MainImageKey(uuid.NewString())
	contentType := header.Header.Get("Content-Type")
	if _, err := s.blobs.Put(r.Context(), key, file, blob.PutOptions{ContentType: contentType}); err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("store main image: %w", err))
		return
	}
	grid, err := s.eng.InstallGrid(r.Context(), key, targetTiles, width, height)
	if err != nil {
		var invalid domain.InvalidGridRequestError
		if errors.As(err, &invalid) {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, grid)
}

// handleMosaicState returns the full derived state for a (re)connecting
// viewer.
func (s *Server) handleMosaicState(w http.ResponseWriter, r *http.Request) {
	state, err := s.eng.State()
	if errors.Is(err, domain.ErrGridNotInstalled) {
		httpError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleTrigger is the manual "refresh now" wake source.
func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	started := s.eng.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

// handleStatus reports the user-visible status string and connectivity.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   s.eng.Status(),
		"degraded": s.eng.Degraded(),
	})
}

// handleGetBlob streams stored bytes (photos and main images) to viewers.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	info, rc, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("blob %s: %w", key, err))
		return
	}
	defer func() { _ = rc.Close() }()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("blob stream interrupted", "key", key, "error", err)
	}
}

func formInt(r *http.Request, field string) (int, error) {
	raw := r.FormValue(field)
	if raw == "" {
		return 0, fmt.Errorf("missing %s field", field)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
