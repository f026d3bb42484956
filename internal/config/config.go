package config

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Execution modes and, under gpu, the pipeline variants.
const (
	ModeDemo = "demo"
	ModeGPU  = "gpu"

	PipelinePreprocessed = "preprocessed"
	PipelineFull         = "full"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	// Mode selects the execution mode: demo or gpu.
	Mode string `envconfig:"MODE" default:"demo"`
	// PipelineMode selects the gpu path: preprocessed or full.
	PipelineMode string `envconfig:"PIPELINE_MODE" default:"preprocessed"`

	Address  string `envconfig:"ADDRESS" default:":8000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	UploadDir string `envconfig:"UPLOAD_DIR" default:"uploads"`
	StaticDir string `envconfig:"STATIC_DIR" default:"static"`
	JobsDir   string `envconfig:"JOBS_DIR" default:"static/jobs"`

	DemoAssetsDir string        `envconfig:"DEMO_ASSETS_DIR" default:"/app/demo_assets"`
	DemoDelay     time.Duration `envconfig:"DEMO_DELAY" default:"4s"`

	Plan2SceneRoot     string `envconfig:"PLAN2SCENE_ROOT" default:"../plan2scene"`
	Plan2SceneDataRoot string `envconfig:"PLAN2SCENE_DATA_ROOT" default:""`
	R2VRoot            string `envconfig:"R2V_TO_PLAN2SCENE_ROOT" default:"../r2v-to-plan2scene"`
	// RasterToVectorRoot is reserved for running the vectorization step
	// in-process instead of requiring an uploaded annotation.
	RasterToVectorRoot string `envconfig:"RASTER_TO_VECTOR_ROOT" default:"../raster-to-vector"`

	GPUEnabled bool `envconfig:"PLAN2SCENE_GPU_ENABLED" default:"true"`
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DataRoot is the plan2scene data directory, defaulting to
// PLAN2SCENE_ROOT/data when not set explicitly.
func (c *Config) DataRoot() string {
	if c.Plan2SceneDataRoot != "" {
		return c.Plan2SceneDataRoot
	}
	return filepath.Join(c.Plan2SceneRoot, "data")
}

// CodeRoot is the plan2scene source directory placed on PYTHONPATH by the
// container image.
func (c *Config) CodeRoot() string {
	return filepath.Join(c.Plan2SceneRoot, "code", "src")
}

// ScriptsRoot holds the pipeline stage scripts.
func (c *Config) ScriptsRoot() string {
	return filepath.Join(c.Plan2SceneRoot, "code", "scripts", "plan2scene")
}

// R2VCodeRoot is the r2v-to-plan2scene source directory prepended to
// PYTHONPATH for conversion runs.
func (c *Config) R2VCodeRoot() string {
	return filepath.Join(c.R2VRoot, "code", "src")
}
