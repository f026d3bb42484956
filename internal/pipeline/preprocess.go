package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"plan2scene-backend/internal/config"
	"plan2scene-backend/pkg/metrics"
)

// Stage labels, in execution order. They double as the current_stage values a
// poller observes while the full pipeline runs.
const (
	StageFillRoomEmbeddings = "fill_room_embeddings"
	StageVGGCropSelector    = "vgg_crop_selector"
	StageGNNTextureProp     = "gnn_texture_prop"
	StageSeamCorrect        = "seam_correct_textures"
	StageEmbedTextures      = "embed_textures"
	StageRenderHouseJSONs   = "render_house_jsons"
)

// stagePrepare labels failures during directory and config preparation,
// before the first real stage runs.
const stagePrepare = "prepare_directories"

// StageSink receives stage transitions so a poller can observe progress.
type StageSink interface {
	SetStage(jobID, stage string) bool
}

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage     string
	Success   bool
	OutputDir string
	Err       string
}

// PipelineRunResult aggregates a full preprocessing run. FailedStage and Err
// are set only when a non-rendering stage halted the sequence.
type PipelineRunResult struct {
	Success        bool
	HouseID        string
	FinalSceneJSON string
	RenderedImages []string
	RenderedVideo  string
	Stages         []StageResult
	FailedStage    string
	Err            string
}

// stageDirs holds the per-run directory layout keyed on split and drop rate.
type stageDirs struct {
	input         string
	houseLists    string
	textureGen    string
	vggCropSelect string
	gnnProp       string
	gnnPropArchs  string
	seamCorrect   string
	embedTextures string
	renders       string
}

// dataPathsConfig redirects every data lookup the stage scripts perform to
// the job-scoped data root. {split} and {drop} are template placeholders the
// scripts substitute themselves.
type dataPathsConfig struct {
	DataRoot      string `json:"data_root"`
	InputDir      string `json:"input_dir"`
	HouseListsDir string `json:"house_lists_dir"`
	PhotoroomCSV  string `json:"photoroom_csv"`
	TextureGen    string `json:"texture_gen"`
	VGGCropSelect string `json:"vgg_crop_select"`
	GNNProp       string `json:"gnn_prop"`
	SeamCorrect   string `json:"seam_correct"`
	EmbedTextures string `json:"embed_textures"`
	Renders       string `json:"renders"`
}

// Preprocessor sequences the six external preprocessing stages against a
// job-scoped data root, so concurrent jobs never touch each other's manifests
// or intermediate outputs.
type Preprocessor struct {
	exec           *Executor
	dataRoot       string
	scriptsRoot    string
	plan2sceneRoot string
	sink           StageSink
	log            *zap.SugaredLogger
}

func NewPreprocessor(exec *Executor, cfg *config.Config, dataRoot string, sink StageSink) *Preprocessor {
	return &Preprocessor{
		exec:           exec,
		dataRoot:       dataRoot,
		scriptsRoot:    cfg.ScriptsRoot(),
		plan2sceneRoot: cfg.Plan2SceneRoot,
		sink:           sink,
		log:            zap.S().Named("preprocess"),
	}
}

// RunFullPipeline executes the ordered stage sequence. The first failing
// stage halts the run, except rendering, whose failure only costs the video.
// When jobID is non-empty, each stage transition is mirrored into the sink
// before the stage begins.
func (p *Preprocessor) RunFullPipeline(ctx context.Context, sceneJSON, houseID, split string, drop float64, jobID string) PipelineRunResult {
	if split == "" {
		split = "test"
	}
	p.log.Infof("starting full preprocessing pipeline for house %s (split %s, drop %s)", houseID, split, formatDrop(drop))

	result := PipelineRunResult{HouseID: houseID}

	dirs, err := p.prepareDirectories(houseID, split, drop)
	if err != nil {
		result.FailedStage = stagePrepare
		result.Err = err.Error()
		return result
	}
	dataPaths, err := p.writeDataPathsConfig()
	if err != nil {
		result.FailedStage = stagePrepare
		result.Err = err.Error()
		return result
	}

	inputScene := filepath.Join(dirs.input, filepath.Base(sceneJSON))
	if _, err := os.Stat(inputScene); os.IsNotExist(err) {
		if err := copyFile(sceneJSON, inputScene); err != nil {
			result.FailedStage = stagePrepare
			result.Err = err.Error()
			return result
		}
		p.log.Infof("copied scene json to %s", inputScene)
	}

	sequence := []struct {
		name string
		soft bool
		run  func(context.Context) StageResult
	}{
		{StageFillRoomEmbeddings, false, func(ctx context.Context) StageResult {
			return p.fillRoomEmbeddings(ctx, split, drop, dataPaths, dirs)
		}},
		{StageVGGCropSelector, false, func(ctx context.Context) StageResult {
			return p.vggCropSelector(ctx, split, drop, dataPaths, dirs)
		}},
		{StageGNNTextureProp, false, func(ctx context.Context) StageResult {
			return p.gnnTextureProp(ctx, split, drop, dataPaths, dirs)
		}},
		{StageSeamCorrect, false, func(ctx context.Context) StageResult {
			return p.seamCorrectTextures(ctx, split, drop, dirs)
		}},
		{StageEmbedTextures, false, func(ctx context.Context) StageResult {
			return p.embedTextures(ctx, split, drop, dataPaths, dirs)
		}},
		{StageRenderHouseJSONs, true, func(ctx context.Context) StageResult {
			return p.renderHouseJSONs(ctx, dataPaths, dirs)
		}},
	}

	renderOK := false
	for i, st := range sequence {
		p.setStage(jobID, st.name)
		p.log.Infof("stage %d/%d: %s", i+1, len(sequence), st.name)

		start := time.Now()
		sr := st.run(ctx)
		metrics.ObserveStageDurationMetric(st.name, time.Since(start).Seconds())
		result.Stages = append(result.Stages, sr)

		if !sr.Success {
			if st.soft {
				p.log.Warnf("%s failed, continuing without renders: %s", st.name, sr.Err)
				continue
			}
			p.log.Errorf("stage %s failed: %s", st.name, sr.Err)
			result.FailedStage = st.name
			result.Err = sr.Err
			return result
		}

		switch st.name {
		case StageEmbedTextures:
			finalScene := filepath.Join(dirs.embedTextures, houseID+".scene.json")
			if _, err := os.Stat(finalScene); err == nil {
				result.FinalSceneJSON = finalScene
			}
		case StageRenderHouseJSONs:
			renderOK = true
		}
	}

	if renderOK {
		if images, err := filepath.Glob(filepath.Join(dirs.renders, "*.png")); err == nil {
			result.RenderedImages = images
		}
		video := filepath.Join(dirs.renders, houseID+".mp4")
		if _, err := os.Stat(video); err == nil {
			result.RenderedVideo = video
		}
	}

	result.Success = true
	p.log.Infof("full preprocessing pipeline completed for %s (%d stages, %d renders)",
		houseID, len(result.Stages), len(result.RenderedImages))
	return result
}

// prepareDirectories creates the directory tree every stage expects, adds the
// house to the split manifest, and seeds the photo-assignment placeholder.
func (p *Preprocessor) prepareDirectories(houseID, split string, drop float64) (stageDirs, error) {
	dropDir := "drop_" + formatDrop(drop)
	processed := filepath.Join(p.dataRoot, "processed")

	dirs := stageDirs{
		input:         filepath.Join(p.dataRoot, "input"),
		houseLists:    filepath.Join(p.dataRoot, "input", "house_lists"),
		textureGen:    filepath.Join(processed, "texture_gen", split, dropDir),
		vggCropSelect: filepath.Join(processed, "vgg_crop_select", split, dropDir),
		gnnProp:       filepath.Join(processed, "gnn_prop", split, dropDir),
		gnnPropArchs:  filepath.Join(processed, "gnn_prop", split, dropDir, "archs"),
		seamCorrect:   filepath.Join(processed, "seam_correct", split, dropDir),
		embedTextures: filepath.Join(processed, "embed_textures", split, dropDir),
		renders:       filepath.Join(processed, "renders", split, dropDir),
	}
	for _, dir := range []string{
		dirs.houseLists,
		dirs.textureGen,
		dirs.vggCropSelect,
		dirs.gnnPropArchs,
		dirs.seamCorrect,
		dirs.embedTextures,
		dirs.renders,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stageDirs{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	listFile := filepath.Join(dirs.houseLists, split+".txt")
	added, err := appendHouseList(listFile, houseID)
	if err != nil {
		return stageDirs{}, fmt.Errorf("update house list %s: %w", listFile, err)
	}
	if added {
		p.log.Infof("added %s to %s", houseID, listFile)
	}

	photoroom := filepath.Join(dirs.input, "photoroom.csv")
	if _, err := os.Stat(photoroom); os.IsNotExist(err) {
		if err := os.WriteFile(photoroom, nil, 0o644); err != nil {
			return stageDirs{}, fmt.Errorf("create %s: %w", photoroom, err)
		}
	}
	return dirs, nil
}

func (p *Preprocessor) writeDataPathsConfig() (string, error) {
	processed := filepath.Join(p.dataRoot, "processed")
	cfg := dataPathsConfig{
		DataRoot:      p.dataRoot,
		InputDir:      filepath.Join(p.dataRoot, "input"),
		HouseListsDir: filepath.Join(p.dataRoot, "input", "house_lists"),
		PhotoroomCSV:  filepath.Join(p.dataRoot, "input", "photoroom.csv"),
		TextureGen:    filepath.Join(processed, "texture_gen", "{split}", "drop_{drop}"),
		VGGCropSelect: filepath.Join(processed, "vgg_crop_select", "{split}", "drop_{drop}"),
		GNNProp:       filepath.Join(processed, "gnn_prop", "{split}", "drop_{drop}"),
		SeamCorrect:   filepath.Join(processed, "seam_correct", "{split}", "drop_{drop}"),
		EmbedTextures: filepath.Join(processed, "embed_textures", "{split}", "drop_{drop}"),
		Renders:       filepath.Join(processed, "renders", "{split}", "drop_{drop}"),
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode data paths config: %w", err)
	}
	path := filepath.Join(p.dataRoot, "data_paths.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write data paths config: %w", err)
	}
	return path, nil
}

func (p *Preprocessor) fillRoomEmbeddings(ctx context.Context, split string, drop float64, dataPaths string, dirs stageDirs) StageResult {
	script := filepath.Join(p.scriptsRoot, "preprocessing", "fill_room_embeddings.py")
	return p.scriptStage(ctx, StageFillRoomEmbeddings, script,
		p.stageArgs(script, split, drop, dataPaths), dirs.textureGen)
}

func (p *Preprocessor) vggCropSelector(ctx context.Context, split string, drop float64, dataPaths string, dirs stageDirs) StageResult {
	script := filepath.Join(p.scriptsRoot, "crop_select", "vgg_crop_selector.py")
	return p.scriptStage(ctx, StageVGGCropSelector, script,
		p.stageArgs(script, split, drop, dataPaths), dirs.vggCropSelect)
}

func (p *Preprocessor) gnnTextureProp(ctx context.Context, split string, drop float64, dataPaths string, dirs stageDirs) StageResult {
	checkpoint := filepath.Join(p.plan2sceneRoot,
		"trained_models", "texture_prop", "default", "checkpoints", "best-checkpoint.ckpt")
	if _, err := os.Stat(checkpoint); err != nil {
		return StageResult{
			Stage: StageGNNTextureProp,
			Err: fmt.Sprintf("pretrained checkpoint not found at %s, download the plan2scene trained models and extract them into the repository root",
				checkpoint),
		}
	}
	script := filepath.Join(p.scriptsRoot, "texture_prop", "gnn_texture_prop.py")
	return p.scriptStage(ctx, StageGNNTextureProp, script,
		p.stageArgs(script, split, drop, dataPaths), dirs.gnnProp)
}

// seamCorrectTextures is optional: without the seam correction config the
// stage is skipped and the propagated textures are carried over unchanged.
// This stage never receives the data paths config.
func (p *Preprocessor) seamCorrectTextures(ctx context.Context, split string, drop float64, dirs stageDirs) StageResult {
	seamConfig := filepath.Join(p.plan2sceneRoot, "code", "config", "seam_correct.json")
	if _, err := os.Stat(seamConfig); err != nil {
		if err := os.CopyFS(dirs.seamCorrect, os.DirFS(dirs.gnnProp)); err != nil {
			return StageResult{
				Stage: StageSeamCorrect,
				Err:   fmt.Sprintf("carry textures over without seam correction: %v", err),
			}
		}
		p.log.Infof("seam correction config absent at %s, skipping stage and carrying textures over", seamConfig)
		return StageResult{Stage: StageSeamCorrect, Success: true, OutputDir: dirs.seamCorrect}
	}

	script := filepath.Join(p.scriptsRoot, "postprocessing", "seam_correct_textures.py")
	args := []string{"python", script, p.dataRoot, split, "--drop", formatDrop(drop)}
	return p.scriptStage(ctx, StageSeamCorrect, script, args, dirs.seamCorrect)
}

func (p *Preprocessor) embedTextures(ctx context.Context, split string, drop float64, dataPaths string, dirs stageDirs) StageResult {
	script := filepath.Join(p.scriptsRoot, "postprocessing", "embed_textures.py")
	return p.scriptStage(ctx, StageEmbedTextures, script,
		p.stageArgs(script, split, drop, dataPaths), dirs.embedTextures)
}

func (p *Preprocessor) renderHouseJSONs(ctx context.Context, dataPaths string, dirs stageDirs) StageResult {
	script := filepath.Join(p.scriptsRoot, "render_house_jsons.py")
	args := []string{
		"python", script,
		dirs.embedTextures,
		"--output-dir", dirs.renders,
		"--scene-json",
		"--data-paths", dataPaths,
	}
	return p.scriptStage(ctx, StageRenderHouseJSONs, script, args, dirs.renders)
}

// scriptStage runs one stage script, translating a missing script or a
// command failure into a failed StageResult instead of an error.
func (p *Preprocessor) scriptStage(ctx context.Context, stage, script string, args []string, outputDir string) StageResult {
	if _, err := os.Stat(script); err != nil {
		return StageResult{Stage: stage, Err: fmt.Sprintf("script not found: %s", script)}
	}
	if _, err := p.exec.Run(ctx, Invocation{Args: args}); err != nil {
		return StageResult{Stage: stage, Err: err.Error()}
	}
	return StageResult{Stage: stage, Success: true, OutputDir: outputDir}
}

// stageArgs builds the common argument shape shared by most stages. The data
// paths config is a trailing argument so the scripts accept it as optional.
func (p *Preprocessor) stageArgs(script, split string, drop float64, dataPaths string) []string {
	args := []string{"python", script, p.dataRoot, split, "--drop", formatDrop(drop)}
	if dataPaths != "" {
		args = append(args, "--data-paths", dataPaths)
	}
	return args
}

func (p *Preprocessor) setStage(jobID, stage string) {
	if jobID == "" || p.sink == nil {
		return
	}
	p.sink.SetStage(jobID, stage)
}

// appendHouseList adds houseID to the split manifest unless an identical
// line is already present. Matching is line-exact so that one house being a
// prefix of another never suppresses the append.
func appendHouseList(path, houseID string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == houseID {
			return false, nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(houseID + "\n"); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

// formatDrop renders the drop rate the way the pipeline's directory naming
// convention expects, with one decimal place.
func formatDrop(drop float64) string {
	return strconv.FormatFloat(drop, 'f', 1, 64)
}
