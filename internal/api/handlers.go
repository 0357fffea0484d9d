// Package api provides the HTTP handlers for the batch REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mkvarda/batchstream/internal/batch"
	"github.com/mkvarda/batchstream/internal/models"
	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/repository"
)

// Handler holds dependencies for the API handlers.
type Handler struct {
	manager *batch.Manager
	batches repository.BatchRepository
	sender  batch.Sender
	logger  zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(manager *batch.Manager, batches repository.BatchRepository, sender batch.Sender, logger zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		batches: batches,
		sender:  sender,
		logger:  logger,
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Routes returns the API route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batch/create", h.HandleCreate)
	mux.HandleFunc("POST /batch/startProcessing/{id}", h.HandleStartProcessing)
	mux.HandleFunc("GET /batch/{id}", h.HandleGet)
	mux.HandleFunc("GET /health/echo", h.HandleEcho)
	return mux
}

// HandleCreate handles POST /batch/create: it stores the batch and its items
// and kicks the processing pipeline off asynchronously.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var input models.NewBatch
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	created, err := h.manager.CreateBatch(r.Context(), input)
	if err != nil {
		if errors.Is(err, batch.ErrInvalidBatch) {
			h.respondError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to create batch")
		h.respondError(w, http.StatusInternalServerError, "Failed to create batch", "CREATE_ERROR")
		return
	}
	h.respond(w, http.StatusCreated, created)
}

// HandleStartProcessing handles POST /batch/startProcessing/{id}: it
// republishes the start action for an existing batch.
func (h *Handler) HandleStartProcessing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.batches.FindByID(r.Context(), id); err != nil {
		h.respondNotFoundOr(w, err, "Failed to read batch")
		return
	}

	if err := h.sender.SendBatchActionMessage(r.Context(), id, rabbit.StartActionKey); err != nil {
		h.logger.Error().Err(err).Str("batchId", id).Msg("Failed to publish start action")
		h.respondError(w, http.StatusInternalServerError, "Failed to start processing", "START_ERROR")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleGet handles GET /batch/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	found, err := h.batches.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondNotFoundOr(w, err, "Failed to read batch")
		return
	}
	h.respond(w, http.StatusOK, found)
}

// HandleEcho handles GET /health/echo.
func (h *Handler) HandleEcho(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func (h *Handler) respondNotFoundOr(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, repository.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "Batch not found", "NOT_FOUND")
		return
	}
	h.logger.Error().Err(err).Msg(message)
	h.respondError(w, http.StatusInternalServerError, message, "INTERNAL_ERROR")
}
