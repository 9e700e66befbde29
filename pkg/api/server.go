// Package api exposes the edge node over a local HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/baderanaas/unada/pkg/catalog"
	"github.com/baderanaas/unada/pkg/download"
	"github.com/baderanaas/unada/pkg/edge"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Backend is the node the server reports on. *edge.Edge implements it.
type Backend interface {
	Status() edge.Status
	Neighbors() []wire.PeerInfo
	Catalog(peerID string) ([]wire.ContentRef, error)
	Prediction(ctx context.Context, refresh bool) ([]catalog.Prediction, error)
	Providers(ctx context.Context, contentID int64) []wire.PeerInfo
	StartDownload(contentID int64) error
	Download(contentID int64) (download.Status, bool)
	Downloads() []download.Status
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server serves the node API.
type Server struct {
	backend Backend
	router  *mux.Router
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates the server and its routes.
func NewServer(backend Backend, logger *zap.Logger) *Server {
	s := &Server{
		backend: backend,
		router:  mux.NewRouter(),
		logger:  logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.getStatus).Methods("GET")
	s.router.HandleFunc("/peers", s.listPeers).Methods("GET")
	s.router.HandleFunc("/catalog", s.getCatalog).Methods("GET")
	s.router.HandleFunc("/prediction", s.getPrediction).Methods("GET")
	s.router.HandleFunc("/providers/{id}", s.getProviders).Methods("GET")
	s.router.HandleFunc("/downloads", s.listDownloads).Methods("GET")
	s.router.HandleFunc("/downloads/{id}", s.startDownload).Methods("POST")
	s.router.HandleFunc("/downloads/{id}", s.getDownload).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.backend.Neighbors()))
}

// getCatalog returns the local catalog, or a neighbor's with ?peer=<id>.
func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	contents, err := s.backend.Catalog(r.URL.Query().Get("peer"))
	switch {
	case errors.Is(err, edge.ErrUnknownPeer):
		s.writeError(w, http.StatusNotFound, "No catalog for peer", nil)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "Failed to list catalog", err)
	default:
		s.writeJSON(w, http.StatusOK, nonNil(contents))
	}
}

// getPrediction returns the last prediction. ?refresh=true recomputes it.
func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	predictions, err := s.backend.Prediction(r.Context(), refresh)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to compute prediction", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(predictions))
}

func (s *Server) getProviders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.contentID(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(s.backend.Providers(r.Context(), id)))
}

func (s *Server) listDownloads(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, nonNil(s.backend.Downloads()))
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.contentID(w, r)
	if !ok {
		return
	}
	if err := s.backend.StartDownload(id); err != nil {
		if errors.Is(err, download.ErrSessionActive) {
			s.writeError(w, http.StatusConflict, "Download already active", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to start download", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/downloads/%d", id))
	s.writeJSON(w, http.StatusAccepted, map[string]int64{"content_id": id})
}

func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.contentID(w, r)
	if !ok {
		return
	}
	st, found := s.backend.Download(id)
	if !found {
		s.writeError(w, http.StatusNotFound, "No download for content", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	st := s.backend.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"overlay":   st.Overlay,
		"timestamp": time.Now(),
	})
}

func (s *Server) contentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid content id", err)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
		s.logger.Debug("API error", zap.String("message", errorMsg))
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: errorMsg,
	})
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
