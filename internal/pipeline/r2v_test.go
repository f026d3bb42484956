package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sceneDoc = `{
  "id": "/tmp/conversion/house1.scene.json",
  "scene": {
    "arch": {
      "id": "house1.scene.json",
      "rooms": [
        {"type": "living room"},
        {"type": "Bedroom"},
        {"type": "corridor"},
        {"type": "fumatorium"}
      ]
    }
  }
}`

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestConverter(t *testing.T, r2vRoot string, fr *fakeRunner) *Converter {
	t.Helper()
	return NewConverter(NewExecutorForTests("/opt/plan2scene", r2vRoot, true, fr), r2vRoot)
}

func TestConvertValidatesRepository(t *testing.T) {
	conv := newTestConverter(t, filepath.Join(t.TempDir(), "missing"), &fakeRunner{})

	_, err := conv.Convert(context.Background(), "in.txt", t.TempDir(), 0.08, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository not found")
}

func TestConvertValidatesScript(t *testing.T) {
	conv := newTestConverter(t, t.TempDir(), &fakeRunner{})

	_, err := conv.Convert(context.Background(), "in.txt", t.TempDir(), 0.08, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convert.py not found")
}

func TestConvertValidatesInput(t *testing.T) {
	r2vRoot := t.TempDir()
	mustWrite(t, filepath.Join(r2vRoot, "convert.py"), "print('convert')")
	conv := newTestConverter(t, r2vRoot, &fakeRunner{})

	_, err := conv.Convert(context.Background(), filepath.Join(t.TempDir(), "absent.txt"), t.TempDir(), 0.08, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "R2V output file not found")
}

func TestConvertFindsOutputInOutDir(t *testing.T) {
	r2vRoot := t.TempDir()
	script := filepath.Join(r2vRoot, "convert.py")
	mustWrite(t, script, "print('convert')")

	input := filepath.Join(t.TempDir(), "job1_r2v_annotation.txt")
	mustWrite(t, input, "walls")
	outDir := filepath.Join(t.TempDir(), "r2v_conversion")

	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		mustWrite(t, filepath.Join(outDir, "house1.scene.json"), sceneDoc)
		return CommandResult{Args: call.args}, nil
	}}
	conv := newTestConverter(t, r2vRoot, fr)

	got, err := conv.Convert(context.Background(), input, outDir, 0.08, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "house1.scene.json"), got)

	require.Len(t, fr.calls, 1)
	assert.Equal(t,
		[]string{"python", script, outDir, input, "--scale-factor", "0.08", "--r2v-annot"},
		fr.calls[0].args)

	raw, err := os.ReadFile(got)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "house1", doc["id"])

	rooms := doc["scene"].(map[string]any)["arch"].(map[string]any)["rooms"].([]any)
	types := make([]string, 0, len(rooms))
	for _, r := range rooms {
		types = append(types, r.(map[string]any)["type"].(string))
	}
	assert.Equal(t, []string{"Living Room", "Bedroom", "Hallway", "Unknown"}, types)
}

func TestConvertMovesOutputFromInputDir(t *testing.T) {
	r2vRoot := t.TempDir()
	mustWrite(t, filepath.Join(r2vRoot, "convert.py"), "print('convert')")

	inputDir := t.TempDir()
	input := filepath.Join(inputDir, "job1_r2v_annotation.txt")
	mustWrite(t, input, "walls")
	outDir := filepath.Join(t.TempDir(), "r2v_conversion")

	fr := &fakeRunner{run: func(call runnerCall) (CommandResult, error) {
		// convert.py sometimes drops its result beside the input instead.
		mustWrite(t, filepath.Join(inputDir, "job1_out.scene.json"), sceneDoc)
		mustWrite(t, filepath.Join(inputDir, "job1_out.bbox.json"), "{}")
		return CommandResult{Args: call.args}, nil
	}}
	conv := newTestConverter(t, r2vRoot, fr)

	got, err := conv.Convert(context.Background(), input, outDir, 0.08, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "job1_out.scene.json"), got)
	assert.FileExists(t, filepath.Join(outDir, "job1_out.bbox.json"))
	assert.NoFileExists(t, filepath.Join(inputDir, "job1_out.scene.json"))
	assert.NoFileExists(t, filepath.Join(inputDir, "job1_out.bbox.json"))
}

func TestConvertNoOutputAnywhere(t *testing.T) {
	r2vRoot := t.TempDir()
	mustWrite(t, filepath.Join(r2vRoot, "convert.py"), "print('convert')")

	input := filepath.Join(t.TempDir(), "job1_r2v_annotation.txt")
	mustWrite(t, input, "walls")

	conv := newTestConverter(t, r2vRoot, &fakeRunner{})

	_, err := conv.Convert(context.Background(), input, filepath.Join(t.TempDir(), "out"), 0.08, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no *.scene.json file found")
}

func TestNormalizeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "house1.scene.json")
	mustWrite(t, path, sceneDoc)
	conv := newTestConverter(t, t.TempDir(), &fakeRunner{})

	require.NoError(t, conv.Normalize(path))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, conv.Normalize(path))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.scene.json")
	mustWrite(t, path, "{not json")
	conv := newTestConverter(t, t.TempDir(), &fakeRunner{})

	err := conv.Normalize(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestRoomTypeTable(t *testing.T) {
	distinct := map[string]struct{}{}
	for alias, canonical := range roomTypes {
		distinct[canonical] = struct{}{}

		// Canonical values must map onto themselves, otherwise a second
		// normalization pass would rewrite an already-normalized document.
		mapped, ok := roomTypes[strings.ToLower(canonical)]
		require.True(t, ok, "canonical %q (alias %q) has no self-mapping", canonical, alias)
		assert.Equal(t, canonical, mapped)
	}
	// 12 canonical room types plus the Unknown sentinel.
	assert.Len(t, distinct, 13)
}

func TestExtractHouseID(t *testing.T) {
	id, err := ExtractHouseID("uploads.scene.json")
	require.NoError(t, err)
	assert.Equal(t, "uploads", id)

	id, err = ExtractHouseID("/data/r2v_conversion/house7.scene.json")
	require.NoError(t, err)
	assert.Equal(t, "house7", id)

	_, err = ExtractHouseID("uploads.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a *.scene.json file")
}

func TestInputStem(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/up/550e_r2v_annotation.txt", "550e"},
		{"plain.txt", "plain"},
		{"already", "already"},
		{"_lead.txt", "_lead"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, inputStem(tc.in), "inputStem(%q)", tc.in)
	}
}

func TestBareHouseID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/tmp/conversion/h1.scene.json", "h1"},
		{"h2", "h2"},
		{"a.b.c", "a"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, bareHouseID(tc.in), "bareHouseID(%q)", tc.in)
	}
}
