// Package handler is the REST surface: thin CRUD over the store and the
// project, session and settings services.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/vedranjukic/apex/internal/config"
	"github.com/vedranjukic/apex/internal/logger"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/session"
	"github.com/vedranjukic/apex/internal/settings"
	"github.com/vedranjukic/apex/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store    *store.Store
	cfg      *config.Config
	projects *project.Service
	orc      *session.Orchestrator
	settings *settings.Service
	log      *logger.Logger
}

// New creates a Handler over the wired services.
func New(s *store.Store, cfg *config.Config, projects *project.Service, orc *session.Orchestrator, settingsSvc *settings.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		store:    s,
		cfg:      cfg,
		projects: projects,
		orc:      orc,
		settings: settingsSvc,
		log:      log.With("component", "handler"),
	}
}

// JSON writes a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes an error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// requestUserID resolves the acting user. There is no authentication layer;
// the seeded dev user owns everything unless the client names another user.
func requestUserID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("userId"); id != "" {
		return id
	}
	return model.DefaultUserID
}
