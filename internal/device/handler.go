package device

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"loop-vcam/internal/camera"
)

// Handler exposes the device control plane using go-chi.
type Handler struct {
	svc     *Service
	preview http.Handler
	log     *slog.Logger
}

// NewHandler returns a Handler that uses the given Service, preview stream
// and Logger. preview may be nil to disable the MJPEG preview endpoint.
func NewHandler(svc *Service, preview http.Handler, log *slog.Logger) *Handler {
	return &Handler{svc: svc, preview: preview, log: log}
}

// AttachConsumer handles POST /consumers.
// Body (optional): { "name": "obs" }.
func (h *Handler) AttachConsumer(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid attach body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := h.svc.Attach(req.Name)
	if err != nil {
		h.attachFailed(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) attachFailed(w http.ResponseWriter, err error) {
	var oe *camera.OpenError
	if errors.As(err, &oe) {
		h.log.Warn("attach rejected, asset unavailable",
			slog.String("location", oe.Location),
			slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.log.Error("attach failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "attach failed")
}

// ListConsumers handles GET /consumers.
func (h *Handler) ListConsumers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Consumers())
}

// DetachConsumer handles DELETE /consumers/{consumer_id}.
func (h *Handler) DetachConsumer(w http.ResponseWriter, r *http.Request) {
	id := ConsumerID(chi.URLParam(r, "consumer_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.Detach(id); err != nil {
		if errors.Is(err, ErrConsumerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error("detach failed", slog.String("consumer_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDevice handles GET /device.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// CancelDevice handles POST /device/cancel.
func (h *Handler) CancelDevice(w http.ResponseWriter, r *http.Request) {
	n := h.svc.Cancel()
	writeJSON(w, http.StatusOK, map[string]int{"detached": n})
}

// Preview handles GET /preview.mjpeg. The viewer counts as a consumer for
// as long as the response is open.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	if h.preview == nil {
		writeError(w, http.StatusNotFound, "preview disabled")
		return
	}

	c, err := h.svc.AttachEphemeral("preview " + r.RemoteAddr)
	if err != nil {
		h.attachFailed(w, err)
		return
	}
	defer func() {
		// A device cancel may already have detached the viewer.
		if err := h.svc.Detach(c.ID); err != nil && !errors.Is(err, ErrConsumerNotFound) {
			h.log.Warn("preview detach failed", slog.String("error", err.Error()))
		}
	}()
	h.preview.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
