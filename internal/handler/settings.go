package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListSettings returns all settings, masked unless configured otherwise.
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := h.settings.List(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list settings")
		return
	}
	h.JSON(w, http.StatusOK, rows)
}

// UpdateSetting writes one allow-listed setting and applies it to the
// running process.
func (h *Handler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.settings.Update(r.Context(), chi.URLParam(r, "key"), req.Value); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
