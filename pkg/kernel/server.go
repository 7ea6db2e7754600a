package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"

	"github.com/telchar/muxd/internal/core/domain"
	"github.com/telchar/muxd/internal/core/ports"
	"github.com/telchar/muxd/internal/core/services"
)

const maxUploadMemory = 32 << 20 // form parse buffer; large files spill to disk

// unsafeFilenameChars mirrors what the download header cannot carry.
var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

type Server struct {
	logger     *slog.Logger
	pool       *services.Pool
	repo       ports.Repository
	results    *services.ResultStore
	events     *services.EventBus
	workspaces *services.WorkspaceManager
	contract   *openapi3.T
	spoolDir   string
}

func NewServer(
	logger *slog.Logger,
	pool *services.Pool,
	repo ports.Repository,
	results *services.ResultStore,
	events *services.EventBus,
	workspaces *services.WorkspaceManager,
	contract *openapi3.T,
	spoolDir string,
) *Server {
	return &Server{
		logger:     logger,
		pool:       pool,
		repo:       repo,
		results:    results,
		events:     events,
		workspaces: workspaces,
		contract:   contract,
		spoolDir:   spoolDir,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			s.handleSubmitJob(w, r)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs":
			s.handleListJobs(w, r)
		case r.Method == http.MethodGet && isJobSubPath(r.URL.Path, "/events"):
			s.handleJobEvents(w, r)
		case r.Method == http.MethodGet && isJobSubPath(r.URL.Path, "/download"):
			s.handleDownload(w, r)
		case r.Method == http.MethodGet && isJobPath(r.URL.Path):
			s.handleGetJob(w, r)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/admin/clear":
			s.handleClear(w, r)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/healthz":
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/openapi.json":
			s.handleContract(w, r)
		default:
			s.writeError(w, http.StatusNotFound, "not_found", "no such route")
		}
	})
}

// isJobPath matches /v1/jobs/{id}
func isJobPath(path string) bool {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest != "" && !strings.Contains(rest, "/")
}

// isJobSubPath matches /v1/jobs/{id}<suffix>
func isJobSubPath(path, suffix string) bool {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return false
	}
	middle := path[len(prefix) : len(path)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

func jobIDFromPath(path, suffix string) domain.JobID {
	rest := strings.TrimPrefix(path, "/v1/jobs/")
	return domain.JobID(strings.TrimSuffix(rest, suffix))
}

// handleSubmitJob accepts a multipart upload and queues a job.
// POST /v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.results.Full() {
		used, limit := s.results.Usage()
		s.writeJSON(w, http.StatusForbidden, map[string]any{
			"error":         "storage_full",
			"message":       fmt.Sprintf("storage limit reached (%d/%d jobs), clear data to continue", used, limit),
			"storage_used":  used,
			"storage_limit": limit,
		})
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "request is not valid multipart form data")
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "media file is required")
		return
	}
	defer file.Close()

	outputName := sanitizeFilename(r.FormValue("output_name"))
	if outputName == "" {
		outputName = "transcoded"
	}

	id := domain.JobID(uuid.New().String())
	spoolPath, err := s.spool(id, header.Filename, file)
	if err != nil {
		s.logger.Error("failed to spool upload", "job_id", id, "error", err)
		s.writeError(w, http.StatusInsufficientStorage, "resource_exhaustion", "could not store the upload")
		return
	}

	job := domain.NewJob(id, filepath.Base(header.Filename), outputName)
	if err := s.repo.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("failed to save job record", "job_id", id, "error", err)
		_ = os.Remove(spoolPath)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not record the job")
		return
	}

	if err := s.pool.Submit(services.JobRequest{Job: job, SpoolPath: spoolPath}); err != nil {
		_ = os.Remove(spoolPath)
		s.rejectJob(r, job, err)
		if errors.Is(err, services.ErrQueueFull) {
			s.writeError(w, http.StatusServiceUnavailable, "queue_full", "too many jobs queued, try again later")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", "could not queue the job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          string(id),
		"phase":       string(job.Phase),
		"queue_depth": s.pool.Depth(),
	})
}

// rejectJob finalizes a record that never reached a worker. Without
// this, a rejected submission would sit in listings as pending forever.
func (s *Server) rejectJob(r *http.Request, job domain.Job, cause error) {
	job.Error = domain.NewJobError(domain.FailureResourceExhaustion, "job was not queued: "+cause.Error(), 0)
	if err := job.Advance(domain.PhaseFailed); err != nil {
		return
	}
	if err := s.repo.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("failed to record rejected job", "job_id", job.ID, "error", err)
	}
}

// spool writes the upload to the intake area; the orchestrator moves it
// into the workspace once one is acquired.
func (s *Server) spool(id domain.JobID, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}
	path := filepath.Join(s.spoolDir, string(id)+filepath.Ext(filename))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	return path, dst.Close()
}

// handleGetJob returns one job record.
// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "")
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not load the job")
		return
	}
	s.writeJSON(w, http.StatusOK, jobDTOFrom(job))
}

// handleListJobs returns recent job records.
// GET /v1/jobs?limit=50
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if r.URL.Query().Has("limit") {
		if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
	}

	jobs, err := s.repo.ListJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not list jobs")
		return
	}

	dtos := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		dtos = append(dtos, jobDTOFrom(j))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": dtos, "count": len(dtos)})
}

// handleJobEvents streams phase/progress/log events over SSE.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/events")
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	eventCh, unsub := s.events.Subscribe(id)
	defer unsub()

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", id)

	// Late subscribers immediately learn where the job already stands;
	// for a terminal job the stream ends right after the snapshot.
	snapshot := map[string]any{"phase": string(job.Phase)}
	if job.Error != nil {
		snapshot["error"] = string(job.Error.Kind)
	}
	data, _ := json.Marshal(snapshot)
	fmt.Fprintf(w, "event: phase\ndata: %s\n\n", data)
	flusher.Flush()
	if job.Phase.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-eventCh:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		}
	}
}

// handleDownload streams the artifact and deletes it afterwards, so a
// second download reports link expiry.
// GET /v1/jobs/{id}/download
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/download")
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if job.Phase != domain.PhaseSucceeded {
		s.writeError(w, http.StatusConflict, "not_ready", "job has no downloadable artifact")
		return
	}

	artifact, size, err := s.results.Open(id)
	if err != nil {
		if errors.Is(err, services.ErrArtifactExpired) {
			s.writeError(w, http.StatusNotFound, "expired", "artifact no longer available")
			return
		}
		s.logger.Error("failed to open artifact", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not open the artifact")
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", "video/x-matroska")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.mkv"`, job.OutputName))
	if _, err := io.Copy(w, artifact); err != nil {
		s.logger.Warn("artifact download interrupted", "job_id", id, "error", err)
		return
	}
	s.results.Remove(id)
	s.logger.Info("artifact downloaded and removed", "job_id", id)
}

// handleClear wipes all transient state and resets the storage counter.
// POST /v1/admin/clear
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.results.Clear(); err != nil {
		s.logger.Error("failed to clear artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "could not clear artifacts")
		return
	}
	if _, err := s.workspaces.SweepOrphans(); err != nil {
		s.logger.Error("failed to sweep workspaces", "error", err)
	}
	if err := os.RemoveAll(s.spoolDir); err != nil {
		s.logger.Error("failed to clear spool", "error", err)
	}
	if err := s.repo.DeleteJobs(r.Context()); err != nil {
		s.logger.Error("failed to clear job history", "error", err)
	}

	used, limit := s.results.Usage()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"storage_used":  used,
		"storage_limit": limit,
	})
}

// handleContract serves the embedded OpenAPI document.
// GET /v1/openapi.json
func (s *Server) handleContract(w http.ResponseWriter, _ *http.Request) {
	data, err := s.contract.MarshalJSON()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "could not render contract")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// jobDTO is the public job record; internal paths never appear here.
type jobDTO struct {
	ID         string           `json:"id"`
	Phase      string           `json:"phase"`
	OutputName string           `json:"output_name,omitempty"`
	ElapsedMs  int64            `json:"elapsed_ms,omitempty"`
	Error      *domain.JobError `json:"error,omitempty"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
}

func jobDTOFrom(job domain.Job) jobDTO {
	return jobDTO{
		ID:         string(job.ID),
		Phase:      string(job.Phase),
		OutputName: job.OutputName,
		ElapsedMs:  job.Elapsed.Milliseconds(),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
}

func sanitizeFilename(name string) string {
	return strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(name, ""))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
