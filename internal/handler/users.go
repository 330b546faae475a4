package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vedranjukic/apex/internal/model"
)

// ListUsers returns all users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	h.JSON(w, http.StatusOK, users)
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "User not found")
		return
	}
	h.JSON(w, http.StatusOK, user)
}

// CreateUser creates a user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Name == "" {
		h.Error(w, http.StatusBadRequest, "Email and name are required")
		return
	}

	user := &model.User{Email: req.Email, Name: req.Name}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	h.JSON(w, http.StatusCreated, user)
}

// UpdateUser updates a user's profile fields.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "User not found")
		return
	}

	var req struct {
		Email *string `json:"email"`
		Name  *string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email != nil && *req.Email != "" {
		user.Email = *req.Email
	}
	if req.Name != nil && *req.Name != "" {
		user.Name = *req.Name
	}

	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	h.JSON(w, http.StatusOK, user)
}
