package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"plan2scene-backend/pkg/metrics"
)

// CommandResult holds the outcome of a finished subprocess.
type CommandResult struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandError reports a subprocess that exited non-zero or could not be
// started. A start failure carries the sentinel exit code -1.
type CommandError struct {
	Message  string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s\nCommand: %s\nReturn code: %d\nStderr: %s",
		e.Message, strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

// Stage names the script of the failed command. By pipeline convention the
// script path is the second argument ("python script.py ...").
func (e *CommandError) Stage() string {
	if len(e.Args) >= 2 {
		return e.Args[1]
	}
	return "unknown"
}

// Invocation describes one subprocess run. An empty Dir means the executor's
// default root. Env entries are caller overrides and take highest precedence.
// GPU overrides the process-wide setting when non-nil.
type Invocation struct {
	Args []string
	Dir  string
	Env  map[string]string
	GPU  *bool
}

// commandRunner isolates actual process execution. The returned error is
// non-nil only when the process could not be started; a non-zero exit is
// reported through CommandResult.ExitCode.
type commandRunner interface {
	Run(ctx context.Context, dir string, env []string, args []string) (CommandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, env []string, args []string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Args: args, Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return res, err
}

// Executor runs the external pipeline programs with a uniform environment:
// the inherited process env, then CPU-fallback variables when the GPU is
// disabled, then caller overrides. Later duplicates win under os/exec, so
// precedence follows append order.
type Executor struct {
	root       string // plan2scene checkout, default working directory
	r2vRoot    string // r2v-to-plan2scene checkout
	gpuEnabled bool
	runner     commandRunner
	log        *zap.SugaredLogger
}

func NewExecutor(root, r2vRoot string, gpuEnabled bool) *Executor {
	return &Executor{
		root:       root,
		r2vRoot:    r2vRoot,
		gpuEnabled: gpuEnabled,
		runner:     execRunner{},
		log:        zap.S().Named("exec"),
	}
}

// NewExecutorForTests returns an Executor backed by the given runner.
func NewExecutorForTests(root, r2vRoot string, gpuEnabled bool, runner commandRunner) *Executor {
	e := NewExecutor(root, r2vRoot, gpuEnabled)
	e.runner = runner
	return e
}

// Run executes a command and returns a *CommandError on any non-zero exit.
func (e *Executor) Run(ctx context.Context, inv Invocation) (CommandResult, error) {
	return e.run(ctx, inv, true, false)
}

// RunUnchecked executes a command; a non-zero exit is a normal result and
// only a start failure produces an error.
func (e *Executor) RunUnchecked(ctx context.Context, inv Invocation) (CommandResult, error) {
	return e.run(ctx, inv, false, false)
}

// RunR2V executes a command inside the r2v-to-plan2scene checkout with its
// code/src directory prepended to PYTHONPATH.
func (e *Executor) RunR2V(ctx context.Context, inv Invocation) (CommandResult, error) {
	return e.run(ctx, inv, true, true)
}

func (e *Executor) run(ctx context.Context, inv Invocation, checked, r2v bool) (CommandResult, error) {
	dir := inv.Dir
	if dir == "" {
		if r2v {
			dir = e.r2vRoot
		} else {
			dir = e.root
		}
	}

	env := e.buildEnv(inv, r2v)

	pythonPath := envValue(env, "PYTHONPATH")
	if pythonPath == "" {
		pythonPath = "not set"
	}
	e.log.Infof("executing command: %s", strings.Join(inv.Args, " "))
	e.log.Infof("working directory: %s", dir)
	e.log.Infof("PYTHONPATH: %s", pythonPath)

	res, err := e.runner.Run(ctx, dir, env, inv.Args)
	if err != nil {
		metrics.IncreaseCommandsExecutedMetric("error")
		e.log.Errorf("command not found: %s", inv.Args[0])
		return res, &CommandError{
			Message:  fmt.Sprintf("command not found: %s", inv.Args[0]),
			Args:     inv.Args,
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	if res.Stdout != "" {
		e.log.Debugf("command stdout:\n%s", res.Stdout)
	}
	if res.Stderr != "" {
		e.log.Debugf("command stderr:\n%s", res.Stderr)
	}

	if res.ExitCode != 0 {
		metrics.IncreaseCommandsExecutedMetric("error")
		if checked {
			return res, &CommandError{
				Message:  fmt.Sprintf("command failed with return code %d", res.ExitCode),
				Args:     inv.Args,
				ExitCode: res.ExitCode,
				Stderr:   res.Stderr,
			}
		}
		return res, nil
	}

	metrics.IncreaseCommandsExecutedMetric("ok")
	return res, nil
}

// buildEnv assembles the child environment. Order is significant: inherited
// env first, CPU-fallback variables next, the R2V PYTHONPATH after those, and
// caller overrides last.
func (e *Executor) buildEnv(inv Invocation, r2v bool) []string {
	env := os.Environ()

	gpu := e.gpuEnabled
	if inv.GPU != nil {
		gpu = *inv.GPU
	}
	if !gpu {
		env = append(env, "CUDA_VISIBLE_DEVICES=", "FORCE_CPU=1")
		e.log.Info("cpu fallback mode enabled: hiding gpus")
	}

	if r2v {
		if p, ok := e.r2vPythonPath(env); ok {
			env = append(env, "PYTHONPATH="+p)
		}
	}

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+inv.Env[k])
	}
	return env
}

// r2vPythonPath prepends the r2v-to-plan2scene code directory to the
// effective PYTHONPATH. Reports false when the code directory does not exist.
func (e *Executor) r2vPythonPath(env []string) (string, bool) {
	codeDir := filepath.Join(e.r2vRoot, "code", "src")
	if _, err := os.Stat(codeDir); err != nil {
		return "", false
	}
	if existing := envValue(env, "PYTHONPATH"); existing != "" {
		return codeDir + string(os.PathListSeparator) + existing, true
	}
	return codeDir, true
}

// envValue resolves key under os/exec semantics: the last duplicate wins.
func envValue(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return strings.TrimPrefix(env[i], prefix)
		}
	}
	return ""
}
