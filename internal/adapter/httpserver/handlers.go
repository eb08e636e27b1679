package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

// maxBodyBytes caps JSON request bodies. Batch submissions are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 1 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Jobs   usecase.JobService
	Agents usecase.AgentService
	Health usecase.HealthService
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, jobs usecase.JobService, agents usecase.AgentService, health usecase.HealthService) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Agents: agents, Health: health}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		_ = vld.RegisterValidation("target", func(fl validator.FieldLevel) bool {
			return domain.Target(fl.Field().String()).Known()
		})
		_ = vld.RegisterValidation("agent_status", func(fl validator.FieldLevel) bool {
			return domain.AgentStatus(fl.Field().String()).Known()
		})
	})
	return vld
}

// acceptsJSON rejects requests whose Accept header excludes JSON; every
// endpoint here speaks only JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code:    "NOT_ACCEPTABLE",
		Message: "not acceptable",
		Details: map[string]any{"accept": a},
	}})
	return false
}

// decodeBody decodes a capped JSON body into dst and reports failures as
// Validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	return true
}

// validateStruct runs the shared validator and writes a field->tag details
// map on failure.
func validateStruct(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := getValidator().Struct(v); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

type jobSpec struct {
	OrgID        string         `json:"org_id" validate:"required"`
	AppVersionID string         `json:"app_version_id" validate:"required"`
	TestPath     string         `json:"test_path" validate:"required"`
	Target       string         `json:"target" validate:"required,target"`
	Priority     *int           `json:"priority" validate:"omitempty,min=1,max=10"`
	Metadata     map[string]any `json:"metadata"`
}

func (j jobSpec) toInput() usecase.SubmitJobInput {
	return usecase.SubmitJobInput{
		OrgID:        j.OrgID,
		AppVersionID: j.AppVersionID,
		TestPath:     j.TestPath,
		Target:       domain.Target(j.Target),
		Priority:     j.Priority,
		Metadata:     j.Metadata,
	}
}

// SubmitJobHandler accepts a single job spec or a {"jobs":[...]} batch.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		raw, err := io.ReadAll(r.Body)
		if err != nil || len(raw) == 0 {
			writeError(w, r, fmt.Errorf("%w: request body required", domain.ErrInvalidArgument), nil)
			return
		}

		// The batch shape is distinguished by a top-level "jobs" array.
		var probe struct {
			Jobs json.RawMessage `json:"jobs"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}

		ctx := r.Context()
		if probe.Jobs != nil {
			var specs []jobSpec
			if err := json.Unmarshal(probe.Jobs, &specs); err != nil {
				writeError(w, r, fmt.Errorf("%w: jobs must be an array", domain.ErrInvalidArgument), nil)
				return
			}
			if len(specs) == 0 {
				writeError(w, r, fmt.Errorf("%w: jobs array is empty", domain.ErrInvalidArgument), nil)
				return
			}
			ins := make([]usecase.SubmitJobInput, 0, len(specs))
			for i, spec := range specs {
				if err := getValidator().Struct(spec); err != nil {
					writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), map[string]any{"index": i})
					return
				}
				ins = append(ins, spec.toInput())
			}
			ids, err := s.Jobs.SubmitBatch(ctx, ins)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			for _, in := range ins {
				observability.JobSubmitted(string(in.Target))
			}
			writeJSON(w, http.StatusCreated, batchSubmitResponse{JobIDs: ids})
			return
		}

		var spec jobSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if !validateStruct(w, r, spec) {
			return
		}
		job, err := s.Jobs.Submit(ctx, spec.toInput())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.JobSubmitted(string(job.Target))
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

// GetJobHandler returns one job, flat at the document root.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// defaultListLimit applies when the limit parameter is absent. An explicit
// limit=0 is honored as "count only".
const defaultListLimit = 50

// ListJobsHandler lists jobs filtered by org and status, newest-priority
// first, with offset pagination.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		q := r.URL.Query()
		if vr := ValidatePagination(q.Get("limit"), q.Get("offset")); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		if vr := ValidateStatusFilter(q.Get("status")); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), vr.Errors)
			return
		}

		f := domain.JobFilter{
			OrgID:  SanitizeString(q.Get("org_id")),
			Status: domain.JobStatus(q.Get("status")),
			Limit:  defaultListLimit,
		}
		if raw := q.Get("limit"); raw != "" {
			f.Limit, _ = strconv.Atoi(raw)
		}
		if raw := q.Get("offset"); raw != "" {
			f.Offset, _ = strconv.Atoi(raw)
		}

		jobs, total, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, listJobsResponse{
			Jobs:    toJobResponses(jobs),
			Total:   total,
			HasMore: f.Offset+len(jobs) < total,
		})
	}
}

// executionTime is how long the job actually ran; zero when it never started.
func executionTime(job domain.Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}

type updateStatusRequest struct {
	Status       string             `json:"status" validate:"required"`
	ErrorMessage string             `json:"error_message"`
	Result       *domain.TestResult `json:"result"`
}

// UpdateJobStatusHandler applies a lifecycle transition reported by an agent
// or an operator.
func (s *Server) UpdateJobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		var req updateStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !validateStruct(w, r, req) {
			return
		}
		// Unknown status values surface as IllegalTransition from the service.
		job, err := s.Jobs.UpdateStatus(r.Context(), id, domain.JobStatus(req.Status), req.ErrorMessage, req.Result)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.Status.Terminal() {
			observability.JobFinished(string(job.Status), executionTime(job))
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobResponse(job)})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelJobHandler cancels a job. The body is optional; an absent reason
// falls back to the stock cancellation message.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		var req cancelRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Jobs.Cancel(r.Context(), id, SanitizeString(req.Reason))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.JobFinished(string(job.Status), executionTime(job))
		writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("job %s cancelled", job.ID)})
	}
}

// JobMetricsHandler reports per-job timing derived from lifecycle timestamps.
func (s *Server) JobMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		m, err := s.Jobs.Metrics(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// HealthHandler aggregates dependency probes; any failing check degrades the
// whole endpoint to 503.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := s.Health.Readiness(ctx)
		status := "ok"
		code := http.StatusOK
		if !usecase.Healthy(checks) {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": checks})
	}
}

// ReadyzHandler is the orchestration probe: same checks as /api/health,
// minimal body.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := s.Health.Readiness(ctx)
		code := http.StatusOK
		if !usecase.Healthy(checks) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"checks": checks})
	}
}
