package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/provider"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/store"
)

// ListProjects returns the user's live projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context(), requestUserID(r))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	h.JSON(w, http.StatusOK, projects)
}

// CreateProject creates a project and starts provisioning its sandbox.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		GitRepo   string `json:"gitRepo"`
		AgentType string `json:"agentType"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "Name is required")
		return
	}

	p, err := h.projects.Create(r.Context(), requestUserID(r), project.CreateOptions{
		Name:      req.Name,
		GitRepo:   req.GitRepo,
		AgentType: req.AgentType,
	})
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	h.JSON(w, http.StatusCreated, p)
}

// GetProject returns a single project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Get(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "Project not found")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// UpdateProject renames a project.
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.projects.Update(r.Context(), chi.URLParam(r, "projectId"), req.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to update project")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// DeleteProject removes a project and its sandbox, honoring fork families.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	err := h.projects.Remove(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to delete project")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StartProject brings the project's sandbox up.
func (h *Handler) StartProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.EnsureRunning(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to start project")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// StopProject stops the project's sandbox.
func (h *Handler) StopProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Stop(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to stop project")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// ForkProject snapshots the project's sandbox into a new project on a branch.
func (h *Handler) ForkProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchName string `json:"branchName"`
		Name       string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.BranchName == "" {
		h.Error(w, http.StatusBadRequest, "branchName is required")
		return
	}

	fork, err := h.projects.Fork(r.Context(), chi.URLParam(r, "projectId"), req.BranchName, req.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to fork project")
		return
	}
	h.JSON(w, http.StatusCreated, fork)
}

// ListForks returns the live members of the project's fork family.
func (h *Handler) ListForks(w http.ResponseWriter, r *http.Request) {
	family, err := h.projects.ForkFamily(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to list forks")
		return
	}
	h.JSON(w, http.StatusOK, family)
}

// GetVscodeURL returns the provider-minted editor URL for the sandbox.
func (h *Handler) GetVscodeURL(w http.ResponseWriter, r *http.Request) {
	url, err := h.projects.VscodeURL(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to get editor URL")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": url})
}

// CreateSSHAccess mints SSH credentials for the sandbox.
func (h *Handler) CreateSSHAccess(w http.ResponseWriter, r *http.Request) {
	access, err := h.projects.SSHAccess(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.serviceError(w, err, "Failed to create SSH access")
		return
	}
	h.JSON(w, http.StatusOK, access)
}

// serviceError maps service sentinels onto HTTP statuses. Sentinel texts are
// surfaced verbatim so clients can match on them.
func (h *Handler) serviceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, sandbox.ErrManagerUnavailable):
		h.Error(w, http.StatusServiceUnavailable, sandbox.ErrManagerUnavailable.Error())
	case errors.Is(err, provider.ErrNotRunning):
		h.Error(w, http.StatusConflict, "Sandbox is not running")
	case errors.Is(err, provider.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Sandbox not found")
	default:
		h.Error(w, http.StatusInternalServerError, fallback)
	}
}
