package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const roomTypeUnknown = "Unknown"

// roomTypes maps lowercased tags produced by the vectorization programs onto
// the canonical vocabulary the downstream stages expect. Canonical values map
// onto themselves so normalization is idempotent.
var roomTypes = map[string]string{
	"bedroom":      "Bedroom",
	"bed room":     "Bedroom",
	"master room":  "Bedroom",
	"living room":  "Living Room",
	"livingroom":   "Living Room",
	"lounge":       "Living Room",
	"kitchen":      "Kitchen",
	"bathroom":     "Bathroom",
	"bath room":    "Bathroom",
	"washing room": "Bathroom",
	"restroom":     "Bathroom",
	"toilet":       "Bathroom",
	"dining room":  "Dining Room",
	"diningroom":   "Dining Room",
	"hallway":      "Hallway",
	"hall":         "Hallway",
	"corridor":     "Hallway",
	"entry":        "Hallway",
	"closet":       "Closet",
	"storage":      "Closet",
	"balcony":      "Balcony",
	"office":       "Office",
	"study room":   "Office",
	"laundry room": "Laundry Room",
	"laundry":      "Laundry Room",
	"garage":       "Garage",
	"stairs":       "Stairs",
	"staircase":    "Stairs",
	"unknown":      roomTypeUnknown,
}

// Converter wraps the r2v-to-plan2scene convert.py program. The program does
// not always write its result into the requested output directory, so the
// converter resolves the output through an ordered list of search strategies
// and normalizes the scene description it finds.
type Converter struct {
	exec    *Executor
	r2vRoot string
	log     *zap.SugaredLogger
}

func NewConverter(exec *Executor, r2vRoot string) *Converter {
	return &Converter{
		exec:    exec,
		r2vRoot: r2vRoot,
		log:     zap.S().Named("r2v"),
	}
}

// Convert runs the annotation-to-scene conversion and returns the path of the
// normalized scene description inside outDir.
func (c *Converter) Convert(ctx context.Context, inputPath, outDir string, scaleFactor float64, r2vAnnot bool) (string, error) {
	if _, err := os.Stat(c.r2vRoot); err != nil {
		return "", fmt.Errorf("R2V-to-Plan2Scene repository not found at %s, clone it from https://github.com/3dlg-hcvc/r2v-to-plan2scene", c.r2vRoot)
	}
	script := filepath.Join(c.r2vRoot, "convert.py")
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("convert.py not found at %s", script)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("R2V output file not found: %s", inputPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create conversion output dir: %w", err)
	}

	args := []string{"python", script, outDir, inputPath, "--scale-factor", strconv.FormatFloat(scaleFactor, 'g', -1, 64)}
	if r2vAnnot {
		args = append(args, "--r2v-annot")
	}

	c.log.Infof("converting %s into %s (scale factor %s)", inputPath, outDir, strconv.FormatFloat(scaleFactor, 'g', -1, 64))
	if _, err := c.exec.RunR2V(ctx, Invocation{Args: args}); err != nil {
		return "", err
	}

	scenePath, err := c.locateSceneJSON(outDir, inputPath)
	if err != nil {
		return "", err
	}
	if err := c.Normalize(scenePath); err != nil {
		return "", err
	}
	c.log.Infof("generated scene description: %s", scenePath)
	return scenePath, nil
}

// locateSceneJSON resolves where convert.py actually wrote its result.
// Strategies in order: the requested output directory, then the input file's
// directory and its parent (matches there are moved into outDir, together
// with a sibling bounding-box file when present).
func (c *Converter) locateSceneJSON(outDir, inputPath string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "*.scene.json"))
	if err == nil && len(matches) > 0 {
		if len(matches) > 1 {
			c.log.Warnf("multiple scene.json files in %s, using %s", outDir, matches[0])
		}
		return matches[0], nil
	}

	stem := inputStem(inputPath)
	inputDir := filepath.Dir(inputPath)
	for _, dir := range []string{inputDir, filepath.Dir(inputDir)} {
		candidates, err := filepath.Glob(filepath.Join(dir, stem+"*.scene.json"))
		if err != nil || len(candidates) == 0 {
			continue
		}
		src := candidates[0]
		dst := filepath.Join(outDir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("move scene json into output dir: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(src), ".scene.json")
		bbox := filepath.Join(dir, name+".bbox.json")
		if _, err := os.Stat(bbox); err == nil {
			if err := os.Rename(bbox, filepath.Join(outDir, name+".bbox.json")); err != nil {
				c.log.Warnf("could not move %s: %v", bbox, err)
			}
		}
		c.log.Infof("scene json written beside the input, moved %s into %s", src, outDir)
		return dst, nil
	}

	return "", fmt.Errorf("no *.scene.json file found in %s or beside the input after conversion", outDir)
}

// inputStem derives the search prefix from the input filename: the extension
// is stripped, then everything from the first underscore on. Uploads are
// stored as <jobID>_<original name>, so the stem is the job identifier.
func inputStem(path string) string {
	stem := filepath.Base(path)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	if i := strings.Index(stem, "_"); i > 0 {
		stem = stem[:i]
	}
	return stem
}

// Normalize rewrites the scene description in place: every room type maps
// onto the canonical vocabulary and the house identifier becomes a bare,
// path-free key. Running it twice yields the same document.
func (c *Converter) Normalize(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scene json: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("scene json is not valid JSON: %w", err)
	}

	if id, ok := doc["id"].(string); ok {
		doc["id"] = bareHouseID(id)
	}
	if scene, ok := doc["scene"].(map[string]any); ok {
		if arch, ok := scene["arch"].(map[string]any); ok {
			if id, ok := arch["id"].(string); ok {
				arch["id"] = bareHouseID(id)
			}
			if rooms, ok := arch["rooms"].([]any); ok {
				for _, entry := range rooms {
					room, ok := entry.(map[string]any)
					if !ok {
						continue
					}
					tag, _ := room["type"].(string)
					room["type"] = c.canonicalRoomType(tag)
				}
			}
		}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scene json: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func (c *Converter) canonicalRoomType(raw string) string {
	if raw == "" {
		c.log.Warnf("room without a type tag, mapping to %s", roomTypeUnknown)
		return roomTypeUnknown
	}
	if canonical, ok := roomTypes[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return canonical
	}
	c.log.Warnf("unrecognized room type %q, mapping to %s", raw, roomTypeUnknown)
	return roomTypeUnknown
}

// bareHouseID strips directory components and every extension. Downstream
// stages key manifests and directory lookups by this value, so it must match
// the manifest entries exactly.
func bareHouseID(id string) string {
	id = filepath.Base(id)
	for {
		ext := filepath.Ext(id)
		if ext == "" {
			return id
		}
		id = strings.TrimSuffix(id, ext)
	}
}

// ExtractHouseID derives the house identifier from a *.scene.json filename.
func ExtractHouseID(path string) (string, error) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".scene.json") {
		return "", fmt.Errorf("expected a *.scene.json file, got: %s", name)
	}
	return strings.TrimSuffix(name, ".scene.json"), nil
}
