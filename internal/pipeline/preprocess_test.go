package pipeline

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan2scene-backend/internal/config"
)

type fakeSink struct {
	stages []string
}

func (s *fakeSink) SetStage(_, stage string) bool {
	s.stages = append(s.stages, stage)
	return true
}

var stageScripts = []string{
	"preprocessing/fill_room_embeddings.py",
	"crop_select/vgg_crop_selector.py",
	"texture_prop/gnn_texture_prop.py",
	"postprocessing/seam_correct_textures.py",
	"postprocessing/embed_textures.py",
	"render_house_jsons.py",
}

func writePlan2SceneTree(t *testing.T, root string, withCheckpoint, withSeamConfig bool) {
	t.Helper()
	scripts := filepath.Join(root, "code", "scripts", "plan2scene")
	for _, rel := range stageScripts {
		mustWrite(t, filepath.Join(scripts, rel), "print('stage')")
	}
	if withCheckpoint {
		mustWrite(t, filepath.Join(root,
			"trained_models", "texture_prop", "default", "checkpoints", "best-checkpoint.ckpt"), "ckpt")
	}
	if withSeamConfig {
		mustWrite(t, filepath.Join(root, "code", "config", "seam_correct.json"), "{}")
	}
}

func newTestPreprocessor(t *testing.T, plan2sceneRoot, dataRoot string, fr *fakeRunner, sink StageSink) *Preprocessor {
	t.Helper()
	cfg := &config.Config{Plan2SceneRoot: plan2sceneRoot}
	return NewPreprocessor(NewExecutorForTests(plan2sceneRoot, "", true, fr), cfg, dataRoot, sink)
}

func writeInputScene(t *testing.T, houseID string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), houseID+".scene.json")
	mustWrite(t, path, `{"id": "`+houseID+`"}`)
	return path
}

func collectFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	}))
	return files
}

func TestRunFullPipelineAllStages(t *testing.T) {
	plan2sceneRoot := t.TempDir()
	writePlan2SceneTree(t, plan2sceneRoot, true, true)
	dataRoot := t.TempDir()

	embedDir := filepath.Join(dataRoot, "processed", "embed_textures", "test", "drop_0.0")
	rendersDir := filepath.Join(dataRoot, "processed", "renders", "test", "drop_0.0")

	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		switch filepath.Base(call.args[1]) {
		case "embed_textures.py":
			mustWrite(t, filepath.Join(embedDir, "house1.scene.json"), "{}")
		case "render_house_jsons.py":
			mustWrite(t, filepath.Join(rendersDir, "view1.png"), "png")
			mustWrite(t, filepath.Join(rendersDir, "view2.png"), "png")
			mustWrite(t, filepath.Join(rendersDir, "house1.mp4"), "mp4")
		}
		return CommandResult{Args: call.args}, nil
	}}
	sink := &fakeSink{}
	p := newTestPreprocessor(t, plan2sceneRoot, dataRoot, fr, sink)

	scene := writeInputScene(t, "house1")
	result := p.RunFullPipeline(context.Background(), scene, "house1", "test", 0.0, "job1")

	require.True(t, result.Success, "pipeline failed: stage %s: %s", result.FailedStage, result.Err)
	require.Len(t, result.Stages, 6)
	for _, sr := range result.Stages {
		assert.True(t, sr.Success, "stage %s: %s", sr.Stage, sr.Err)
	}
	assert.Equal(t, filepath.Join(embedDir, "house1.scene.json"), result.FinalSceneJSON)
	assert.Equal(t, filepath.Join(rendersDir, "house1.mp4"), result.RenderedVideo)
	assert.Len(t, result.RenderedImages, 2)

	assert.Equal(t, []string{
		StageFillRoomEmbeddings,
		StageVGGCropSelector,
		StageGNNTextureProp,
		StageSeamCorrect,
		StageEmbedTextures,
		StageRenderHouseJSONs,
	}, sink.stages)

	// Standard stage argument shape, data paths config trailing.
	dataPaths := filepath.Join(dataRoot, "data_paths.json")
	scripts := filepath.Join(plan2sceneRoot, "code", "scripts", "plan2scene")
	require.Len(t, fr.calls, 6)
	assert.Equal(t, []string{
		"python", filepath.Join(scripts, "preprocessing", "fill_room_embeddings.py"),
		dataRoot, "test", "--drop", "0.0", "--data-paths", dataPaths,
	}, fr.calls[0].args)

	// Seam correction runs without the data paths config.
	assert.NotContains(t, fr.calls[3].args, "--data-paths")

	assert.Equal(t, []string{
		"python", filepath.Join(scripts, "render_house_jsons.py"),
		embedDir, "--output-dir", rendersDir, "--scene-json", "--data-paths", dataPaths,
	}, fr.calls[5].args)

	// Prepared layout: manifest, photoroom placeholder, copied input scene,
	// parseable data paths config.
	list, err := os.ReadFile(filepath.Join(dataRoot, "input", "house_lists", "test.txt"))
	require.NoError(t, err)
	assert.Equal(t, "house1\n", string(list))

	photoroom, err := os.ReadFile(filepath.Join(dataRoot, "input", "photoroom.csv"))
	require.NoError(t, err)
	assert.Empty(t, photoroom)

	assert.FileExists(t, filepath.Join(dataRoot, "input", "house1.scene.json"))

	raw, err := os.ReadFile(dataPaths)
	require.NoError(t, err)
	var dp dataPathsConfig
	require.NoError(t, json.Unmarshal(raw, &dp))
	assert.Equal(t, dataRoot, dp.DataRoot)
	assert.Contains(t, dp.GNNProp, "{split}")
}

func TestRunFullPipelineStageOneFailureHalts(t *testing.T) {
	plan2sceneRoot := t.TempDir()
	writePlan2SceneTree(t, plan2sceneRoot, true, true)

	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		return CommandResult{Args: call.args, ExitCode: 1, Stderr: "embeddings exploded"}, nil
	}}
	sink := &fakeSink{}
	p := newTestPreprocessor(t, plan2sceneRoot, t.TempDir(), fr, sink)

	result := p.RunFullPipeline(context.Background(), writeInputScene(t, "house1"), "house1", "test", 0.0, "job1")

	assert.False(t, result.Success)
	assert.Equal(t, StageFillRoomEmbeddings, result.FailedStage)
	assert.Contains(t, result.Err, "return code 1")
	require.Len(t, result.Stages, 1)
	assert.Len(t, fr.calls, 1)
	assert.Equal(t, []string{StageFillRoomEmbeddings}, sink.stages)
}

func TestSeamCorrectSkippedWithoutConfig(t *testing.T) {
	plan2sceneRoot := t.TempDir()
	writePlan2SceneTree(t, plan2sceneRoot, true, false)
	dataRoot := t.TempDir()

	gnnDir := filepath.Join(dataRoot, "processed", "gnn_prop", "test", "drop_0.0")
	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		if filepath.Base(call.args[1]) == "gnn_texture_prop.py" {
			mustWrite(t, filepath.Join(gnnDir, "wall.jpg"), "texture")
			mustWrite(t, filepath.Join(gnnDir, "archs", "house1.arch.json"), "{}")
		}
		return CommandResult{Args: call.args}, nil
	}}
	p := newTestPreprocessor(t, plan2sceneRoot, dataRoot, fr, &fakeSink{})

	result := p.RunFullPipeline(context.Background(), writeInputScene(t, "house1"), "house1", "test", 0.0, "job1")
	require.True(t, result.Success, "pipeline failed: stage %s: %s", result.FailedStage, result.Err)

	seam := result.Stages[3]
	assert.Equal(t, StageSeamCorrect, seam.Stage)
	assert.True(t, seam.Success)

	// The stage script was never invoked, its input was carried over intact.
	for _, call := range fr.calls {
		assert.NotEqual(t, "seam_correct_textures.py", filepath.Base(call.args[1]))
	}
	seamDir := filepath.Join(dataRoot, "processed", "seam_correct", "test", "drop_0.0")
	assert.Equal(t, collectFiles(t, gnnDir), collectFiles(t, seamDir))
}

func TestRenderFailureIsSoft(t *testing.T) {
	plan2sceneRoot := t.TempDir()
	writePlan2SceneTree(t, plan2sceneRoot, true, true)

	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		if filepath.Base(call.args[1]) == "render_house_jsons.py" {
			return CommandResult{Args: call.args, ExitCode: 1, Stderr: "no display"}, nil
		}
		return CommandResult{Args: call.args}, nil
	}}
	sink := &fakeSink{}
	p := newTestPreprocessor(t, plan2sceneRoot, t.TempDir(), fr, sink)

	result := p.RunFullPipeline(context.Background(), writeInputScene(t, "house1"), "house1", "test", 0.0, "")

	assert.True(t, result.Success)
	assert.Empty(t, result.FailedStage)
	assert.Empty(t, result.RenderedVideo)
	assert.Empty(t, result.RenderedImages)
	require.Len(t, result.Stages, 6)
	assert.False(t, result.Stages[5].Success)

	// No job id, no stage mirroring.
	assert.Empty(t, sink.stages)
}

func TestMissingCheckpointFailsTextureProp(t *testing.T) {
	plan2sceneRoot := t.TempDir()
	writePlan2SceneTree(t, plan2sceneRoot, false, true)

	fr := &fakeRunner{}
	p := newTestPreprocessor(t, plan2sceneRoot, t.TempDir(), fr, &fakeSink{})

	result := p.RunFullPipeline(context.Background(), writeInputScene(t, "house1"), "house1", "test", 0.0, "job1")

	assert.False(t, result.Success)
	assert.Equal(t, StageGNNTextureProp, result.FailedStage)
	assert.Contains(t, result.Err, "checkpoint not found")
	assert.Contains(t, result.Err, "download the plan2scene trained models")
	// Stages 1 and 2 ran, the texture propagation script was never invoked.
	assert.Len(t, fr.calls, 2)
	require.Len(t, result.Stages, 3)
}

func TestAppendHouseListIsLineExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")

	added, err := appendHouseList(path, "house1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = appendHouseList(path, "house1")
	require.NoError(t, err)
	assert.False(t, added)

	// house1 being a prefix of house10 must not suppress the append.
	added, err = appendHouseList(path, "house10")
	require.NoError(t, err)
	assert.True(t, added)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "house1\nhouse10\n", string(raw))
}
