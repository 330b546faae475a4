package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/session"
)

// ListChats returns a project's chats.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if _, err := h.projects.Get(r.Context(), projectID); err != nil {
		h.Error(w, http.StatusNotFound, "Project not found")
		return
	}

	chats, err := h.store.ListChatsByProject(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list chats")
		return
	}
	h.JSON(w, http.StatusOK, chats)
}

// CreateChat creates a chat on a project.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if _, err := h.projects.Get(r.Context(), projectID); err != nil {
		h.Error(w, http.StatusNotFound, "Project not found")
		return
	}

	var req struct {
		Title string `json:"title"`
		Mode  string `json:"mode"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}

	chat := &model.Chat{
		ProjectID: projectID,
		Title:     req.Title,
		Status:    model.ChatStatusIdle,
	}
	if req.Mode != "" {
		chat.Mode = &req.Mode
	}
	if err := h.store.CreateChat(r.Context(), chat); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	h.JSON(w, http.StatusCreated, chat)
}

// GetChat returns a single chat.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.store.GetChatByID(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "Chat not found")
		return
	}
	h.JSON(w, http.StatusOK, chat)
}

// UpdateChat updates a chat's title or mode.
func (h *Handler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.store.GetChatByID(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "Chat not found")
		return
	}

	var req struct {
		Title *string `json:"title"`
		Mode  *string `json:"mode"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title != nil && *req.Title != "" {
		chat.Title = *req.Title
	}
	if req.Mode != nil {
		chat.Mode = req.Mode
	}

	if err := h.store.UpdateChat(r.Context(), chat); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to update chat")
		return
	}
	h.JSON(w, http.StatusOK, chat)
}

// DeleteChat deletes a chat and its transcript. A chat with a prompt in
// flight cannot be deleted.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if h.orc.Running(chatID) {
		h.Error(w, http.StatusConflict, session.ErrAlreadyRunning.Error())
		return
	}

	if err := h.store.DeleteChat(r.Context(), chatID); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to delete chat")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListMessages returns the chat transcript in creation order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if _, err := h.store.GetChatByID(r.Context(), chatID); err != nil {
		h.Error(w, http.StatusNotFound, "Chat not found")
		return
	}

	messages, err := h.store.ListMessagesByChat(r.Context(), chatID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	h.JSON(w, http.StatusOK, messages)
}
