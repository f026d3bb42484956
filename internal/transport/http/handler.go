package httptransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"plan2scene-backend/internal/config"
	"plan2scene-backend/internal/entity"
	"plan2scene-backend/internal/registry"
	"plan2scene-backend/pkg/metrics"
)

// JobRunner processes one job in the background. The request context dies
// with the response, so implementations receive a fresh context.
type JobRunner interface {
	Process(ctx context.Context, jobID, uploadPath, outputDir, annotationPath string)
}

type Handler struct {
	cfg    *config.Config
	jobs   *registry.Registry
	runner JobRunner
	log    *zap.SugaredLogger
}

func NewHandler(cfg *config.Config, jobs *registry.Registry, runner JobRunner) *Handler {
	return &Handler{cfg: cfg, jobs: jobs, runner: runner, log: zap.S().Named("api")}
}

type jobCreateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobStatusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`
	SceneURL     string `json:"scene_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
}

type configResponse struct {
	Mode         string `json:"mode"`
	PipelineMode string `json:"pipeline_mode"`
	GPUEnabled   bool   `json:"gpu_enabled"`
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// Healthz godoc
// @Summary Liveness probe
// @Tags system
// @Produce json
// @Success 200 {object} healthResponse
// @Router /healthz [get]
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Mode: h.cfg.Mode})
}

// GetConfig godoc
// @Summary Current pipeline configuration
// @Description Returns the execution mode the frontend should present.
// @Tags system
// @Produce json
// @Success 200 {object} configResponse
// @Router /api/config [get]
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		Mode:         h.cfg.Mode,
		PipelineMode: h.cfg.PipelineMode,
		GPUEnabled:   h.cfg.GPUEnabled,
	})
}

// CreateConversionJob godoc
// @Summary Submit a floorplan for conversion
// @Description Accepts a floorplan image plus an optional R2V annotation and schedules the conversion pipeline.
// @Tags jobs
// @Accept mpfd
// @Produce json
// @Param file formData file true "floorplan image"
// @Param r2v_annotation formData file false "R2V annotation text file"
// @Success 200 {object} jobCreateResponse
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /api/convert [post]
func (h *Handler) CreateConversionJob(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Only image uploads are supported.")
		return
	}
	defer file.Close()
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		writeError(w, http.StatusBadRequest, "Only image uploads are supported.")
		return
	}

	jobID := newJobID()

	uploadPath := filepath.Join(h.cfg.UploadDir, fmt.Sprintf("%s_%s", jobID, filepath.Base(header.Filename)))
	if err := saveUpload(file, uploadPath); err != nil {
		h.log.Errorf("saving upload for job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to store the uploaded file.")
		return
	}

	var annotationPath string
	if ann, annHeader, err := r.FormFile("r2v_annotation"); err == nil && annHeader.Filename != "" {
		annotationPath = filepath.Join(h.cfg.UploadDir, jobID+"_r2v_annotation.txt")
		saveErr := saveUpload(ann, annotationPath)
		ann.Close()
		if saveErr != nil {
			h.log.Errorf("saving annotation for job %s: %v", jobID, saveErr)
			writeError(w, http.StatusInternalServerError, "Failed to store the annotation file.")
			return
		}
		h.log.Infof("r2v annotation file saved: %s", annotationPath)
	}

	if _, err := h.jobs.Create(jobID); err != nil {
		h.log.Errorf("registering job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to register the job.")
		return
	}
	metrics.IncreaseJobsCreatedMetric()

	outputDir := filepath.Join(h.cfg.JobsDir, jobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		h.log.Errorf("creating output directory for job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create the job workspace.")
		return
	}

	h.log.Infof("job %s accepted: %s", jobID, header.Filename)
	go h.runner.Process(context.Background(), jobID, uploadPath, outputDir, annotationPath)

	writeJSON(w, http.StatusOK, jobCreateResponse{JobID: jobID, Status: string(entity.StatusProcessing)})
}

// GetJobStatus godoc
// @Summary Poll a job
// @Tags jobs
// @Produce json
// @Param jobID path string true "job id"
// @Success 200 {object} jobStatusResponse
// @Failure 404 {object} apiError
// @Router /api/jobs/{jobID} [get]
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		CurrentStage: job.CurrentStage,
		SceneURL:     job.SceneURL,
		VideoURL:     job.VideoURL,
	})
}

// DownloadWalkthrough godoc
// @Summary Download the walkthrough video
// @Tags jobs
// @Produce octet-stream
// @Param jobID path string true "job id"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/jobs/{jobID}/download/walkthrough [get]
func (h *Handler) DownloadWalkthrough(w http.ResponseWriter, r *http.Request) {
	h.serveJobFile(w, r, "walkthrough.mp4", "plan2scene-walkthrough.mp4", "video/mp4", "Video not found")
}

// DownloadScene godoc
// @Summary Download the textured scene model
// @Tags jobs
// @Produce octet-stream
// @Param jobID path string true "job id"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/jobs/{jobID}/download/scene [get]
func (h *Handler) DownloadScene(w http.ResponseWriter, r *http.Request) {
	h.serveJobFile(w, r, "scene.glb", "plan2scene-model.glb", "model/gltf-binary", "Model not found")
}

func (h *Handler) serveJobFile(w http.ResponseWriter, r *http.Request, name, downloadName, contentType, missingMsg string) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok := h.jobs.Get(jobID); !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	path := filepath.Join(h.cfg.JobsDir, jobID, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, missingMsg)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+downloadName)
	http.ServeFile(w, r, path)
}

// newJobID returns a 32-character hex id.
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func saveUpload(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
