package acquisition

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the acquisition lifecycle API over HTTP using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler for the given Service.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the lifecycle endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/acquisitions", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.List)
		r.Route("/{acquisition_id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/cancel", h.Cancel)
			r.Post("/stop", h.StopAndSave)
			r.Post("/retry", h.Retry)
			r.Get("/events", h.Events)
		})
	})
}

// Start handles POST /acquisitions. Body: a detector metadata record
// { "url": "...", "format": "hls-master", "title": "...", ... }.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req DetectedVideo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.Start(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// List handles GET /acquisitions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.List()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /acquisitions/{acquisition_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(ID(chi.URLParam(r, "acquisition_id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Cancel handles POST /acquisitions/{acquisition_id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "acquisition_id"))
	if err := h.svc.Cancel(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("cancellation requested", slog.String("acquisition_id", string(id)))
	w.WriteHeader(http.StatusAccepted)
}

// StopAndSave handles POST /acquisitions/{acquisition_id}/stop: end a live
// recording and keep what was collected.
func (h *Handler) StopAndSave(w http.ResponseWriter, r *http.Request) {
	id := ID(chi.URLParam(r, "acquisition_id"))
	if err := h.svc.StopAndSave(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("stop-and-save requested", slog.String("acquisition_id", string(id)))
	w.WriteHeader(http.StatusAccepted)
}

// Retry handles POST /acquisitions/{acquisition_id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	newID, err := h.svc.Retry(ID(chi.URLParam(r, "acquisition_id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": newID})
}

// Delete handles DELETE /acquisitions/{acquisition_id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(ID(chi.URLParam(r, "acquisition_id"))); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /acquisitions/{acquisition_id}/events: a server-sent
// event stream of progress and stage changes, ending at the terminal stage.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe, err := h.svc.Subscribe(ID(chi.URLParam(r, "acquisition_id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrCancellationRejected),
		errors.Is(err, ErrDuplicateAcquisition),
		errors.Is(err, ErrNotRecording),
		errors.Is(err, ErrNotFailed):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownFormat),
		errors.Is(err, ErrDRMProtected),
		errors.Is(err, ErrUnsupportedKeys),
		errors.Is(err, ErrUnknownManifest),
		errors.Is(err, ErrNoSegments):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error("request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
