package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"plan2scene-backend/internal/config"
)

// Result is the uniform outcome of a pipeline run regardless of which mode
// executed. ErrStage names the offending stage when one could be derived.
type Result struct {
	Success    bool
	VideoPath  string
	ModelPath  string
	ErrMessage string
	ErrStage   string
}

type sceneConverter interface {
	Convert(ctx context.Context, inputPath, outDir string, scaleFactor float64, r2vAnnot bool) (string, error)
}

type fullPreprocessor interface {
	RunFullPipeline(ctx context.Context, sceneJSON, houseID, split string, drop float64, jobID string) PipelineRunResult
}

// Engine routes a job onto one of the execution paths: simulated demo, GPU
// over preprocessed data, or the full GPU pipeline from annotation to asset.
type Engine struct {
	cfg    *config.Config
	exec   *Executor
	conv   sceneConverter
	newPre func(dataRoot string) fullPreprocessor
	sink   StageSink
	sleep  func(ctx context.Context, d time.Duration) error
	log    *zap.SugaredLogger
}

func NewEngine(cfg *config.Config, exec *Executor, sink StageSink) *Engine {
	return &Engine{
		cfg:  cfg,
		exec: exec,
		conv: NewConverter(exec, cfg.R2VRoot),
		newPre: func(dataRoot string) fullPreprocessor {
			return NewPreprocessor(exec, cfg, dataRoot, sink)
		},
		sink:  sink,
		sleep: sleepCtx,
		log:   zap.S().Named("engine"),
	}
}

// NewEngineForTests replaces the converter and preprocessor factory and
// disables the demo delay. Nil arguments keep the real collaborator.
func NewEngineForTests(cfg *config.Config, exec *Executor, sink StageSink, conv sceneConverter, newPre func(dataRoot string) fullPreprocessor) *Engine {
	e := NewEngine(cfg, exec, sink)
	if conv != nil {
		e.conv = conv
	}
	if newPre != nil {
		e.newPre = newPre
	}
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

// Run executes the pipeline for one job and never returns an error: every
// failure, including stray command errors, converges on a failure Result.
func (e *Engine) Run(ctx context.Context, jobID, uploadPath, outputDir, annotationPath string) Result {
	e.log.Infof("starting pipeline for job %s in mode=%s, pipeline_mode=%s", jobID, e.cfg.Mode, e.cfg.PipelineMode)

	var (
		res Result
		err error
	)
	switch e.cfg.Mode {
	case config.ModeDemo:
		res, err = e.runDemo(ctx, outputDir)
	case config.ModeGPU:
		switch e.cfg.PipelineMode {
		case config.PipelinePreprocessed:
			res, err = e.runPreprocessed(ctx, uploadPath, outputDir)
		case config.PipelineFull:
			res, err = e.runFull(ctx, jobID, outputDir, annotationPath)
		default:
			return e.failureResult(fmt.Sprintf("Unknown pipeline mode: %s", e.cfg.PipelineMode), "")
		}
	default:
		return e.failureResult(fmt.Sprintf("Unknown execution mode: %s", e.cfg.Mode), "")
	}

	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return e.failureResult(err.Error(), cmdErr.Stage())
		}
		return e.failureResult(err.Error(), "")
	}
	return res
}

func (e *Engine) failureResult(message, stage string) Result {
	e.log.Errorf("pipeline failed: %s", message)
	return Result{ErrMessage: message, ErrStage: stage}
}

// runDemo simulates work and serves pre-rendered assets. A missing asset is
// replaced by an error-marker file, never a failed job.
func (e *Engine) runDemo(ctx context.Context, outputDir string) (Result, error) {
	e.log.Info("running demo pipeline")
	if err := e.sleep(ctx, e.cfg.DemoDelay); err != nil {
		return Result{}, err
	}

	videoDest := filepath.Join(outputDir, "walkthrough.mp4")
	modelDest := filepath.Join(outputDir, "scene.glb")

	assets := []struct{ src, dest string }{
		{filepath.Join(e.cfg.DemoAssetsDir, "walkthrough.mp4"), videoDest},
		{filepath.Join(e.cfg.DemoAssetsDir, "scene.glb"), modelDest},
	}
	for _, asset := range assets {
		if _, err := os.Stat(asset.src); err != nil {
			e.log.Errorf("demo asset not found at %s, writing placeholder", asset.src)
			if err := os.WriteFile(asset.dest, []byte("error"), 0o644); err != nil {
				return Result{}, fmt.Errorf("Demo pipeline failed: %w", err)
			}
			continue
		}
		if err := copyFile(asset.src, asset.dest); err != nil {
			return Result{}, fmt.Errorf("Demo pipeline failed: %w", err)
		}
		e.log.Infof("copied demo asset to %s", asset.dest)
	}

	return Result{Success: true, VideoPath: videoDest, ModelPath: modelDest}, nil
}

// runPreprocessed assumes preprocessed dataset outputs already exist and
// runs texture propagation plus rendering only.
func (e *Engine) runPreprocessed(ctx context.Context, uploadPath, outputDir string) (Result, error) {
	e.log.Info("running gpu pipeline over preprocessed data")

	if _, err := os.Stat(e.cfg.Plan2SceneRoot); err != nil {
		return e.failureResult(fmt.Sprintf("Plan2Scene repository not found at %s", e.cfg.Plan2SceneRoot), ""), nil
	}

	textureScript := filepath.Join(e.cfg.ScriptsRoot(), "texture_prop", "gnn_texture_prop.py")
	if _, err := os.Stat(textureScript); err != nil {
		return e.failureResult(fmt.Sprintf("Texture propagation script not found at %s", textureScript), ""), nil
	}
	e.log.Info("running texture propagation")
	if _, err := e.exec.Run(ctx, Invocation{Args: []string{
		"python", textureScript, filepath.Dir(uploadPath), outputDir, "test", "--keep-existing-predictions",
	}}); err != nil {
		return Result{}, err
	}

	renderScript := filepath.Join(e.cfg.ScriptsRoot(), "render_house_jsons.py")
	if _, err := os.Stat(renderScript); err != nil {
		return e.failureResult(fmt.Sprintf("Render script not found at %s", renderScript), ""), nil
	}
	e.log.Info("running rendering")
	if _, err := e.exec.Run(ctx, Invocation{Args: []string{
		"python", renderScript, filepath.Join(outputDir, "archs"), "--scene-json",
	}}); err != nil {
		return Result{}, err
	}

	videoPath := filepath.Join(outputDir, "walkthrough.mp4")
	modelPath := filepath.Join(outputDir, "scene.glb")
	if _, err := os.Stat(videoPath); err != nil {
		e.log.Warn("walkthrough.mp4 not found after rendering, creating placeholder")
		if err := os.WriteFile(videoPath, []byte("GPU MODE: Rendering completed but video not found"), 0o644); err != nil {
			return Result{}, err
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		e.log.Warn("scene.glb not found after rendering, creating placeholder")
		if err := os.WriteFile(modelPath, []byte("GPU MODE: Rendering completed but GLB not found"), 0o644); err != nil {
			return Result{}, err
		}
	}

	return Result{Success: true, VideoPath: videoPath, ModelPath: modelPath}, nil
}

// runFull drives annotation conversion, the complete preprocessing pipeline
// against a job-scoped data root, and final output placement.
func (e *Engine) runFull(ctx context.Context, jobID, outputDir, annotationPath string) (Result, error) {
	e.log.Info("running full gpu pipeline")

	if annotationPath == "" {
		return e.failureResult("GPU Full pipeline requires an R2V annotation file. Please provide the R2V output alongside the floorplan image.", ""), nil
	}
	if _, err := os.Stat(annotationPath); err != nil {
		return e.failureResult(fmt.Sprintf("R2V annotation file not found: %s", annotationPath), ""), nil
	}
	if _, err := os.Stat(e.cfg.Plan2SceneRoot); err != nil {
		return e.failureResult(fmt.Sprintf("Plan2Scene repository not found at %s", e.cfg.Plan2SceneRoot), ""), nil
	}
	if _, err := os.Stat(e.cfg.R2VRoot); err != nil {
		return e.failureResult(fmt.Sprintf("R2V-to-Plan2Scene repository not found at %s", e.cfg.R2VRoot), ""), nil
	}

	e.setStage(jobID, "convert_r2v")
	conversionDir := filepath.Join(outputDir, "r2v_conversion")
	scenePath, err := e.conv.Convert(ctx, annotationPath, conversionDir, 0.08, true)
	if err != nil {
		return Result{}, err
	}
	houseID, err := ExtractHouseID(scenePath)
	if err != nil {
		return Result{}, err
	}
	e.log.Infof("scene description generated for house %s", houseID)

	// The mounted repositories are read-only, so preprocessing runs against
	// a data root owned by this job.
	e.setStage(jobID, "preprocessing")
	dataRoot := filepath.Join(outputDir, "plan2scene_data")
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return Result{}, err
	}
	e.log.Infof("using job data directory %s", dataRoot)

	pipelineResult := e.newPre(dataRoot).RunFullPipeline(ctx, scenePath, houseID, "test", 0.0, jobID)
	if !pipelineResult.Success {
		message := fmt.Sprintf("Preprocessing pipeline failed at stage: %s. Error: %s",
			pipelineResult.FailedStage, pipelineResult.Err)
		return e.failureResult(message, pipelineResult.FailedStage), nil
	}

	e.setStage(jobID, "finalizing")
	videoDest := filepath.Join(outputDir, "walkthrough.mp4")
	modelDest := filepath.Join(outputDir, "scene.glb")

	if pipelineResult.RenderedVideo != "" {
		if err := copyFile(pipelineResult.RenderedVideo, videoDest); err != nil {
			return Result{}, err
		}
		e.log.Infof("copied rendered video to %s", videoDest)
	} else {
		e.log.Warn("no rendered video found, creating placeholder")
		if err := os.WriteFile(videoDest, []byte("GPU Full: Video rendering not yet implemented"), 0o644); err != nil {
			return Result{}, err
		}
	}

	if pipelineResult.FinalSceneJSON != "" {
		sceneDest := filepath.Join(outputDir, "scene.scene.json")
		if err := copyFile(pipelineResult.FinalSceneJSON, sceneDest); err != nil {
			return Result{}, err
		}
		e.log.Infof("copied final scene json to %s", sceneDest)
		if err := os.WriteFile(modelDest, []byte("GPU Full: GLB conversion not yet implemented. See .scene.json"), 0o644); err != nil {
			return Result{}, err
		}
	} else {
		e.log.Warn("no final scene json found, creating placeholder")
		if err := os.WriteFile(modelDest, []byte("GPU Full: Scene.json generation failed"), 0o644); err != nil {
			return Result{}, err
		}
	}

	return Result{Success: true, VideoPath: videoDest, ModelPath: modelDest}, nil
}

func (e *Engine) setStage(jobID, stage string) {
	if jobID == "" || e.sink == nil {
		return
	}
	e.sink.SetStage(jobID, stage)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// copyFile copies src to dst, truncating dst if it already exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
