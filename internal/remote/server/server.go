// Package server serves the REST contract spoken by remote.HTTP on top of any
// remote.Store that can also read blobs back. It is the development and test
// stand-in for the central store.
//
// Routes:
//
//	POST   /v1/{kind}                  -> 201 {"id": "..."}
//	PUT    /v1/{kind}/{id}             -> 204 (merge)
//	PATCH  /v1/{kind}/{id}             -> 204 (merge)
//	DELETE /v1/{kind}/{id}             -> 204, 404 if absent
//	PUT    /v1/blobs/{bucket}/{name}   -> 200 {"url": "..."}
//	GET    /v1/blobs/{bucket}/{name}   -> payload
//	POST   /v1/enrich/pending          -> 202 {"pending": n}
//	GET    /healthz                    -> 200 {"status": "ok"}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/contavoto/fieldsync/internal/remote"
	"github.com/contavoto/fieldsync/internal/schema"
)

// Backend is what the server needs from a store.
type Backend interface {
	remote.Store
	remote.BlobReader
}

// Config configures the server.
type Config struct {
	// Token, when set, is required as a bearer token on every /v1 route
	Token string
	// PublicURL rewrites blob references to point back at this server
	// (empty = keep the backend's reference)
	PublicURL string
	// MaxBlobBytes caps upload size (default 64 MiB)
	MaxBlobBytes int64
	// Logger for request and error logging (default: stderr with [remote] prefix)
	Logger *log.Logger
}

// Server is the HTTP handler.
type Server struct {
	backend Backend
	config  Config
	logger  *log.Logger
	router  chi.Router

	enrichKicks atomic.Int64
}

// New builds the router.
func New(backend Backend, config Config) *Server {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if config.MaxBlobBytes == 0 {
		config.MaxBlobBytes = 64 << 20
	}

	s := &Server{backend: backend, config: config, logger: config.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)

		r.Put("/blobs/{bucket}/*", s.handleUploadBlob)
		r.Get("/blobs/{bucket}/*", s.handleReadBlob)
		r.Post("/enrich/pending", s.handleEnrich)

		r.Post("/{kind}", s.handleInsert)
		r.Put("/{kind}/{id}", s.handleUpdate)
		r.Patch("/{kind}/{id}", s.handleUpdate)
		r.Delete("/{kind}/{id}", s.handleDelete)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// EnrichKicks returns how many enrichment requests were received.
func (s *Server) EnrichKicks() int64 {
	return s.enrichKicks.Load()
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Remote store listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.config.Token {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func parseKind(w http.ResponseWriter, r *http.Request) (schema.Kind, bool) {
	kind, err := schema.ParseKind(chi.URLParam(r, "kind"))
	if err != nil || kind == schema.KindMediaJob {
		http.Error(w, fmt.Sprintf("unknown kind %q", chi.URLParam(r, "kind")), http.StatusNotFound)
		return "", false
	}
	return kind, true
}

func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	fields := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return fields, true
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}

	id, err := s.backend.Insert(r.Context(), kind, fields)
	if err != nil {
		s.writeError(w, "insert", err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"id": id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}

	if err := s.backend.Update(r.Context(), kind, chi.URLParam(r, "id"), fields); err != nil {
		s.writeError(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	if err := s.backend.Delete(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	bucket, name := chi.URLParam(r, "bucket"), chi.URLParam(r, "*")
	if name == "" {
		http.Error(w, "blob name is required", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBlobBytes))
	if err != nil {
		http.Error(w, "payload too large or unreadable: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	ref, err := s.backend.UploadBlob(r.Context(), bucket, name, payload, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, "upload", err)
		return
	}
	if s.config.PublicURL != "" {
		ref = strings.TrimRight(s.config.PublicURL, "/") + "/v1/blobs/" + bucket + "/" + name
	}
	render.JSON(w, r, map[string]string{"url": ref})
}

func (s *Server) handleReadBlob(w http.ResponseWriter, r *http.Request) {
	payload, contentType, err := s.backend.ReadBlob(r.Context(), chi.URLParam(r, "bucket"), chi.URLParam(r, "*"))
	if err != nil {
		s.writeError(w, "read blob", err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	_, _ = w.Write(payload)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	n := s.enrichKicks.Add(1)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]int64{"pending": n})
}

func (s *Server) writeError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, remote.ErrRejected):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Printf("WARNING: %s failed: %v", what, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}
