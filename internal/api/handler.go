package api

import (
	"charge-status-backend/internal/queue"
	"charge-status-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store  store.Store
	worker *queue.Worker
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, w *queue.Worker) *Handler {
	return &Handler{
		store:  s,
		worker: w,
	}
}
