package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"plan2scene-backend/internal/entity"
	"plan2scene-backend/internal/pipeline"
	"plan2scene-backend/internal/registry"
	"plan2scene-backend/pkg/metrics"
)

// Engine is the pipeline entry point the worker drives.
type Engine interface {
	Run(ctx context.Context, jobID, uploadPath, outputDir, annotationPath string) pipeline.Result
}

// JobStore is the slice of the registry the worker writes results back to.
type JobStore interface {
	Update(id string, upd registry.Update) (entity.Job, bool)
}

// Worker bridges request intake and the pipeline engine. It is the only
// place a job reaches a terminal status.
type Worker struct {
	jobs   JobStore
	engine Engine
	log    *zap.SugaredLogger
}

func New(jobs JobStore, engine Engine) *Worker {
	return &Worker{jobs: jobs, engine: engine, log: zap.S().Named("worker")}
}

// Process drives one job to a terminal status. Engine failures and panics
// both end in status failed; nothing escapes to the caller.
func (w *Worker) Process(ctx context.Context, jobID, uploadPath, outputDir, annotationPath string) {
	start := time.Now()
	metrics.IncJobsInflightMetric()
	defer metrics.DecJobsInflightMetric()

	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("job %s panicked: %v", jobID, r)
			w.finish(jobID, entity.StatusFailed, registry.Update{})
		}
	}()

	w.setStatus(jobID, entity.StatusProcessing)

	res := w.engine.Run(ctx, jobID, uploadPath, outputDir, annotationPath)
	if !res.Success {
		w.log.Errorf("job %s failed after %s: %s", jobID, time.Since(start).Round(time.Millisecond), res.ErrMessage)
		upd := registry.Update{}
		if res.ErrStage != "" {
			upd.CurrentStage = &res.ErrStage
		}
		w.finish(jobID, entity.StatusFailed, upd)
		return
	}

	sceneURL := fmt.Sprintf("/static/jobs/%s/scene.glb", jobID)
	videoURL := fmt.Sprintf("/static/jobs/%s/walkthrough.mp4", jobID)
	w.finish(jobID, entity.StatusDone, registry.Update{SceneURL: &sceneURL, VideoURL: &videoURL})
	w.log.Infof("job %s completed in %s", jobID, time.Since(start).Round(time.Millisecond))
}

func (w *Worker) setStatus(jobID string, status entity.JobStatus) {
	if _, ok := w.jobs.Update(jobID, registry.Update{Status: &status}); !ok {
		w.log.Warnf("job %s is missing from the registry", jobID)
	}
}

func (w *Worker) finish(jobID string, status entity.JobStatus, upd registry.Update) {
	upd.Status = &status
	job, ok := w.jobs.Update(jobID, upd)
	if !ok {
		w.log.Errorf("job %s is missing from the registry", jobID)
		return
	}
	// The registry latches terminal states, so a late failure (a panic after
	// the job was marked done) does not count twice.
	if job.Status != status {
		return
	}
	metrics.IncreaseJobsCompletedMetric(string(status))
}
