package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/aakasharya8451/reduce/internal/logctx"
	"github.com/go-chi/chi/v5"
)

// IntakeCoordinator is the subset of the intake coordinator the event
// surface needs.
type IntakeCoordinator interface {
	OnFilenameResolving(ctx context.Context, ev download.FilenameEvent)
	OnCreated(ctx context.Context, ev download.CreatedEvent)
	OnChanged(ctx context.Context, id string, state download.State)
	Cancel(ctx context.Context, id string)
	ForceResume(ctx context.Context, id string)
	DismissAlert(ctx context.Context, id string)
	Snapshot() download.Snapshot
}

// IntakeHandler exposes the webhook surface the download manager
// delivers lifecycle events to, plus the snapshot and user-action
// endpoints rendering surfaces use.
type IntakeHandler struct {
	coordinator IntakeCoordinator
}

func NewIntakeHandler(coordinator IntakeCoordinator) *IntakeHandler {
	return &IntakeHandler{coordinator: coordinator}
}

func (h *IntakeHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/events/filename", h.HandleFilenameResolving)
	r.Post("/events/created", h.HandleCreated)
	r.Post("/events/changed", h.HandleChanged)
	r.Get("/downloads", h.HandleGetDownloads)
	r.Post("/actions", h.HandleAction)

	return r
}

// HandleFilenameResolving records filename detail. Answering 2xx is the
// callback that lets the manager proceed with its default naming; this
// handler must never block the manager on anything slow.
func (h *IntakeHandler) HandleFilenameResolving(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var ev download.FilenameEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		logger.Error("failed to decode filename event", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if ev.ID == "" {
		http.Error(w, "missing download id", http.StatusBadRequest)

		return
	}

	h.coordinator.OnFilenameResolving(r.Context(), ev)

	w.WriteHeader(http.StatusNoContent)
}

// HandleCreated registers a new download and kicks off its pipeline.
func (h *IntakeHandler) HandleCreated(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var ev download.CreatedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		logger.Error("failed to decode created event", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if ev.ID == "" {
		http.Error(w, "missing download id", http.StatusBadRequest)

		return
	}

	h.coordinator.OnCreated(r.Context(), ev)

	w.WriteHeader(http.StatusAccepted)
}

// HandleChanged applies a state-change event.
func (h *IntakeHandler) HandleChanged(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var ev download.ChangedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		logger.Error("failed to decode changed event", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if ev.ID == "" {
		http.Error(w, "missing download id", http.StatusBadRequest)

		return
	}

	if !ev.State.Valid() {
		http.Error(w, "invalid download state", http.StatusBadRequest)

		return
	}

	h.coordinator.OnChanged(r.Context(), ev.ID, ev.State)

	w.WriteHeader(http.StatusAccepted)
}

// HandleGetDownloads returns the current active set and history.
func (h *IntakeHandler) HandleGetDownloads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(h.coordinator.Snapshot()); err != nil {
		logger.Error("failed to encode snapshot", "err", err)
	}
}

type actionRequest struct {
	Action     string `json:"action"`
	DownloadID string `json:"downloadId"`
}

// HandleAction accepts the fire-and-forget user actions surfaces send
// over plain HTTP instead of the websocket.
func (h *IntakeHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode action request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.DownloadID == "" {
		http.Error(w, "missing download id", http.StatusBadRequest)

		return
	}

	switch req.Action {
	case "cancelDownload":
		h.coordinator.Cancel(r.Context(), req.DownloadID)
	case "forceDownload":
		h.coordinator.ForceResume(r.Context(), req.DownloadID)
	case "popupClosed":
		h.coordinator.DismissAlert(r.Context(), req.DownloadID)
	default:
		http.Error(w, "unknown action "+req.Action, http.StatusBadRequest)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}
