// internal/handler/enrollment_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/funnel-engine/internal/errors"
	"github.com/unclebandit/funnel-engine/internal/logging"
	"github.com/unclebandit/funnel-engine/internal/model"
	"github.com/unclebandit/funnel-engine/internal/service"
)

// EnrollmentAPI is the lifecycle surface exposed over HTTP.
type EnrollmentAPI interface {
	EnsureEnrolled(ctx context.Context, agentID, leadID, funnelID string) (*service.EnrollResult, error)
	EnrollByKey(ctx context.Context, agentID, leadID, funnelKey string) (*service.EnrollResult, error)
	Get(ctx context.Context, id string) (*model.Enrollment, error)
	ListLogs(ctx context.Context, enrollmentID string) ([]*model.ExecutionLogEntry, error)
}

// BatchRunner triggers one scheduler pass.
type BatchRunner interface {
	RunOnce(ctx context.Context) (service.BatchSummary, error)
}

// EnrollmentHandler holds the dependencies for enrollment HTTP handlers
type EnrollmentHandler struct {
	Enrollments EnrollmentAPI
	Runner      BatchRunner
	Log         logrus.FieldLogger

	validate *validator.Validate
}

func NewEnrollmentHandler(enrollments EnrollmentAPI, runner BatchRunner, log logrus.FieldLogger) *EnrollmentHandler {
	return &EnrollmentHandler{
		Enrollments: enrollments,
		Runner:      runner,
		Log:         log,
		validate:    validator.New(),
	}
}

// Routes mounts the enrollment endpoints on r.
func (h *EnrollmentHandler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Post("/enrollments", h.CreateEnrollment)
	r.Post("/enrollments/by-key", h.CreateEnrollmentByKey)
	r.Get("/enrollments/{id}", h.GetEnrollment)
	r.Get("/enrollments/{id}/logs", h.ListLogs)
	r.Post("/funnels/run", h.RunFunnels)
}

func (h *EnrollmentHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateEnrollment enrolls a lead, or returns its open enrollment in the same funnel
func (h *EnrollmentHandler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req service.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Enrollments.EnsureEnrolled(r.Context(), req.AgentID, req.LeadID, req.FunnelID)
	h.respondEnrolled(w, r, res, err)
}

// CreateEnrollmentByKey enrolls a lead into the funnel a key such as "realtor" resolves to
func (h *EnrollmentHandler) CreateEnrollmentByKey(w http.ResponseWriter, r *http.Request) {
	var req service.EnrollByKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Enrollments.EnrollByKey(r.Context(), req.AgentID, req.LeadID, req.FunnelKey)
	h.respondEnrolled(w, r, res, err)
}

func (h *EnrollmentHandler) respondEnrolled(w http.ResponseWriter, r *http.Request, res *service.EnrollResult, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *EnrollmentHandler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Enrollments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *EnrollmentHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Enrollments.ListLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// RunFunnels runs one scheduler pass on demand and reports what it did
func (h *EnrollmentHandler) RunFunnels(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Runner.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *EnrollmentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case appErrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appErrors.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.LogError(h.Log, "http_request", err, logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *EnrollmentHandler) validator() *validator.Validate {
	if h.validate == nil {
		h.validate = validator.New()
	}
	return h.validate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
