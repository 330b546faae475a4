package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Register mounts the REST surface under /api.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{userId}", h.GetUser)
			r.Put("/{userId}", h.UpdateUser)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)

			r.Route("/{projectId}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Put("/", h.UpdateProject)
				r.Delete("/", h.DeleteProject)

				r.Post("/start", h.StartProject)
				r.Post("/stop", h.StopProject)
				r.Post("/fork", h.ForkProject)
				r.Get("/forks", h.ListForks)
				r.Get("/vscode-url", h.GetVscodeURL)
				r.Post("/ssh-access", h.CreateSSHAccess)

				r.Get("/chats", h.ListChats)
				r.Post("/chats", h.CreateChat)
			})
		})

		r.Route("/chats/{chatId}", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Put("/", h.UpdateChat)
			r.Delete("/", h.DeleteChat)
			r.Get("/messages", h.ListMessages)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.ListSettings)
			r.Put("/{key}", h.UpdateSetting)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
