// Package optimize shrinks and speeds up pre-initialized modules.
//
// The Optimizer validates its input, runs binaryen's wasm-opt and then
// strips debug custom sections. Both input and output must compile with
// wazero. A module that cannot be read, or a missing wasm-opt, is an error
// rather than the input being passed through unoptimized.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caffeineduck/js2wasm/wasm"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

var (
	// ErrUnreadable is returned when the input cannot be parsed for optimization.
	ErrUnreadable = errors.New("unable to read wasm binary for wasm-opt optimizations")

	// ErrNoWasmOpt is returned when optimization is requested but no
	// wasm-opt binary can be found.
	ErrNoWasmOpt = errors.New("wasm-opt not found, install binaryen or build with --no-optimize")
)

// Config holds binaryen code generation settings.
type Config struct {
	OptimizeLevel int
	ShrinkLevel   int
	DebugInfo     bool
}

// DefaultConfig optimizes for speed at the highest level without trading
// speed for size, and drops debug info.
func DefaultConfig() Config {
	return Config{OptimizeLevel: 3, ShrinkLevel: 0, DebugInfo: false}
}

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Optimizer) {
		o.cfg = cfg
	}
}

// WithWasmOpt sets the wasm-opt binary. Without one, wasm-opt is looked up
// on PATH. Either way a binary that cannot be found is an error.
func WithWasmOpt(path string) Option {
	return func(o *Optimizer) {
		o.wasmOpt = path
	}
}

// WithCommandRunner replaces how wasm-opt is executed.
func WithCommandRunner(run CommandRunner) Option {
	return func(o *Optimizer) {
		o.run = run
	}
}

// WithLookPath replaces the PATH lookup for wasm-opt.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(o *Optimizer) {
		o.lookPath = lookPath
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// Optimizer transforms modules.
type Optimizer struct {
	cfg      Config
	wasmOpt  string
	run      CommandRunner
	lookPath func(string) (string, error)
	logger   *zap.Logger
}

// New creates an Optimizer.
func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:      DefaultConfig(),
		run:      runCommand,
		lookPath: exec.LookPath,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize returns the optimized and stripped module.
func (o *Optimizer) Optimize(ctx context.Context, module []byte) ([]byte, error) {
	if err := validate(ctx, module); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	bin, err := o.resolveWasmOpt()
	if err != nil {
		return nil, err
	}

	out, err := o.runWasmOpt(ctx, bin, module)
	if err != nil {
		return nil, err
	}

	if !o.cfg.DebugInfo {
		if out, err = Strip(out); err != nil {
			return nil, fmt.Errorf("strip: %w", err)
		}
	}

	if err := validate(ctx, out); err != nil {
		return nil, fmt.Errorf("optimized module is invalid: %w", err)
	}

	o.logger.Debug("optimized module",
		zap.Int("input_bytes", len(module)),
		zap.Int("output_bytes", len(out)))
	return out, nil
}

func (o *Optimizer) resolveWasmOpt() (string, error) {
	if o.wasmOpt != "" {
		path, err := o.lookPath(o.wasmOpt)
		if err != nil {
			return "", fmt.Errorf("wasm-opt %q: %w", o.wasmOpt, err)
		}
		return path, nil
	}
	path, err := o.lookPath("wasm-opt")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoWasmOpt, err)
	}
	return path, nil
}

// Args returns the wasm-opt command line for the configuration.
func (c Config) Args(in, out string) []string {
	args := []string{
		in,
		"-O" + strconv.Itoa(c.OptimizeLevel),
		"--shrink-level", strconv.Itoa(c.ShrinkLevel),
		"--enable-bulk-memory",
	}
	if c.DebugInfo {
		args = append(args, "--debuginfo")
	} else {
		args = append(args, "--strip-debug")
	}
	return append(args, "-o", out)
}

func (o *Optimizer) runWasmOpt(ctx context.Context, bin string, module []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "js2wasm-opt-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.wasm")
	out := filepath.Join(dir, "output.wasm")
	if err := os.WriteFile(in, module, 0o644); err != nil {
		return nil, fmt.Errorf("write wasm-opt input: %w", err)
	}

	args := o.cfg.Args(in, out)
	o.logger.Debug("running wasm-opt", zap.String("path", bin), zap.Strings("args", args))

	if output, err := o.run(ctx, bin, args...); err != nil {
		msg := strings.TrimSpace(string(output))
		if msg != "" {
			return nil, fmt.Errorf("wasm-opt failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("wasm-opt failed: %w", err)
	}

	result, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read wasm-opt output: %w", err)
	}
	return result, nil
}

// Strip removes debug and tooling custom sections.
func Strip(module []byte) ([]byte, error) {
	mod, err := wasm.Parse(module)
	if err != nil {
		return nil, err
	}
	mod.RemoveCustom(isDebugSection)
	return mod.Encode(), nil
}

func isDebugSection(name string) bool {
	switch name {
	case "name", "producers", "sourceMappingURL", "external_debug_info":
		return true
	}
	return strings.HasPrefix(name, ".debug_")
}

// validate checks that module decodes and compiles.
func validate(ctx context.Context, module []byte) error {
	if _, err := wasm.Parse(module); err != nil {
		return err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(api.CoreFeaturesV2))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return err
	}
	return compiled.Close(ctx)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
