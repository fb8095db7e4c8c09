// Package httpapi serves the doorbell control API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/andresmejia3/doorsight/internal/doorbell"
	"github.com/andresmejia3/doorsight/internal/observability"
	"github.com/andresmejia3/doorsight/internal/registry"
	"github.com/andresmejia3/doorsight/internal/types"
)

type Doorbell interface {
	Analyze(ctx context.Context, offset time.Duration) (*doorbell.Result, error)
	Trigger(ctx context.Context, offset time.Duration) error
	Status() doorbell.Status
}

type Speech interface {
	Enqueue(text string, priority int)
	IsBusy() bool
	Len() int
}

type Frames interface {
	Latest() (types.Frame, bool)
}

type Capturer interface {
	Save(frame types.Frame) (string, error)
}

type Registry interface {
	ActiveRecords(ctx context.Context) ([]registry.Person, error)
	Get(ctx context.Context, id string) (*registry.Person, error)
	Deactivate(ctx context.Context, id string) error
	Stats(ctx context.Context) (registry.Stats, error)
}

// Deps wires the API to the running service. Capturer and Metrics may be nil.
type Deps struct {
	Doorbell Doorbell
	Speech   Speech
	Frames   Frames
	Capturer Capturer
	Registry Registry
	Metrics  *observability.Metrics
}

type Handler struct {
	deps     Deps
	validate *validator.Validate
}

type DoorbellRequest struct {
	// OffsetSeconds selects the frame: negative looks back, positive waits.
	OffsetSeconds float64 `json:"offset_seconds" validate:"gte=-60,lte=60"`
	Wait          bool    `json:"wait"`
}

type SpeakRequest struct {
	Text     string `json:"text" validate:"required,max=1000"`
	Priority int    `json:"priority" validate:"omitempty,min=1,max=9"`
}

type speechStatus struct {
	Busy    bool `json:"busy"`
	Pending int  `json:"pending"`
}

type statusResponse struct {
	doorbell.Status
	Speech speechStatus `json:"speech"`
}

// NewRouter builds the chi router for the API.
func NewRouter(deps Deps, corsOrigins []string) http.Handler {
	h := &Handler{deps: deps, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(cors.Handler(corsOptions(corsOrigins)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/doorbell", h.Doorbell)
		r.Post("/speak", h.Speak)
		r.Post("/capture", h.Capture)
		r.Get("/frame", h.Frame)
		r.Get("/stats", h.Stats)

		r.Route("/persons", func(r chi.Router) {
			r.Get("/", h.ListPersons)
			r.Get("/{personID}", h.GetPerson)
			r.Delete("/{personID}", h.DeletePerson)
		})
	})

	return r
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, statusResponse{
		Status: h.deps.Doorbell.Status(),
		Speech: speechStatus{Busy: h.deps.Speech.IsBusy(), Pending: h.deps.Speech.Len()},
	})
}

func (h *Handler) Doorbell(w http.ResponseWriter, r *http.Request) {
	var req DoorbellRequest
	// An empty body means "now".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		HandleError(w, ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, NewValidationError(err.Error()))
		return
	}
	offset := time.Duration(math.Round(req.OffsetSeconds * float64(time.Second)))

	if !req.Wait {
		if err := h.deps.Doorbell.Trigger(r.Context(), offset); err != nil {
			HandleError(w, mapDoorbellError(err))
			return
		}
		JSONMessage(w, http.StatusAccepted, "analysis started")
		return
	}

	res, err := h.deps.Doorbell.Analyze(r.Context(), offset)
	if err != nil {
		HandleError(w, mapDoorbellError(err))
		return
	}
	JSON(w, http.StatusOK, res)
}

func mapDoorbellError(err error) error {
	switch {
	case errors.Is(err, doorbell.ErrBusy):
		return ErrBusy
	case errors.Is(err, doorbell.ErrNoFrameAvailable):
		return ErrNoFrame
	}
	return err
}

func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	var req SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		HandleError(w, NewValidationError(err.Error()))
		return
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	h.deps.Speech.Enqueue(req.Text, req.Priority)
	JSONMessage(w, http.StatusAccepted, "queued")
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	if h.deps.Capturer == nil {
		HandleError(w, ErrUnavailable)
		return
	}
	frame, ok := h.deps.Frames.Latest()
	if !ok {
		HandleError(w, ErrNoFrame)
		return
	}
	path, err := h.deps.Capturer.Save(frame)
	if err != nil {
		HandleError(w, fmt.Errorf("saving capture: %w", err))
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (h *Handler) Frame(w http.ResponseWriter, r *http.Request) {
	frame, ok := h.deps.Frames.Latest()
	if !ok {
		HandleError(w, ErrNoFrame)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("X-Frame-Timestamp", frame.Timestamp.Format(time.RFC3339Nano))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(frame.Data); err != nil {
		slog.Warn("writing frame", "error", err)
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Registry.Stats(r.Context())
	if err != nil {
		HandleError(w, fmt.Errorf("loading stats: %w", err))
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.deps.Registry.ActiveRecords(r.Context())
	if err != nil {
		HandleError(w, fmt.Errorf("listing persons: %w", err))
		return
	}
	JSON(w, http.StatusOK, persons)
}

func (h *Handler) GetPerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Registry.Get(r.Context(), chi.URLParam(r, "personID"))
	if err != nil {
		HandleError(w, mapRegistryError(err))
		return
	}
	JSON(w, http.StatusOK, p)
}

func (h *Handler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "personID")
	if err := h.deps.Registry.Deactivate(r.Context(), id); err != nil {
		HandleError(w, mapRegistryError(err))
		return
	}
	slog.Info("person deactivated", "person", id)
	w.WriteHeader(http.StatusNoContent)
}

func mapRegistryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, registry.ErrEnrollment):
		return NewValidationError(err.Error())
	}
	return err
}
