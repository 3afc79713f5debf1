package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshotter pre-initializes a runtime image with a script.
type Snapshotter interface {
	Snapshot(ctx context.Context, image []byte, script io.Reader) ([]byte, error)
}

// Optimizer transforms a pre-initialized module.
type Optimizer interface {
	Optimize(ctx context.Context, module []byte) ([]byte, error)
}

// Notifier runs after a successful build. Its errors never fail the build.
type Notifier interface {
	Check(ctx context.Context) error
}

// Orchestrator drives both halves of a build.
type Orchestrator struct {
	isolator    Isolator
	snapshotter Snapshotter
	optimizer   Optimizer
	notifier    Notifier
	image       []byte
	success     string
	stdout      io.Writer
	logger      *zap.Logger
}

// DefaultSuccessMessage is printed by the parent after a successful build.
const DefaultSuccessMessage = "Spin compatible module built successfully"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIsolator sets how the child is run. Defaults to SelfExec.
func WithIsolator(i Isolator) Option {
	return func(o *Orchestrator) {
		o.isolator = i
	}
}

// WithSnapshotter sets the pre-initialization stage.
func WithSnapshotter(s Snapshotter) Option {
	return func(o *Orchestrator) {
		o.snapshotter = s
	}
}

// WithOptimizer sets the optimization stage.
func WithOptimizer(opt Optimizer) Option {
	return func(o *Orchestrator) {
		o.optimizer = opt
	}
}

// WithNotifier sets what runs after a successful build.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithImage sets the runtime image the child pre-initializes.
func WithImage(image []byte) Option {
	return func(o *Orchestrator) {
		o.image = image
	}
}

// WithSuccessMessage replaces the line printed after a successful build.
func WithSuccessMessage(msg string) Option {
	return func(o *Orchestrator) {
		o.success = msg
	}
}

// WithStdout sets where progress messages go.
func WithStdout(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.stdout = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		isolator: SelfExec{},
		success:  DefaultSuccessMessage,
		stdout:   os.Stdout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run performs the half of the build that belongs to mode. In the parent,
// stdin is unused. In the child, stdin carries the script.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, req Request, stdin io.Reader) error {
	switch mode {
	case ModeParent:
		return o.runParent(ctx, req)
	case ModeChild:
		return o.runChild(ctx, req, stdin)
	default:
		return fmt.Errorf("unknown mode %d", int(mode))
	}
}

func (o *Orchestrator) runParent(ctx context.Context, req Request) error {
	f, err := os.Open(req.Input)
	if err != nil {
		return &InputError{Path: req.Input, Err: err}
	}
	defer f.Close()

	o.logger.Debug("spawning build process",
		zap.String("input", req.Input),
		zap.String("output", req.Output),
		zap.Bool("optimize", req.Optimize))

	if err := o.isolator.Isolate(ctx, req, f); err != nil {
		if errors.Is(err, ErrBuildFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	fmt.Fprintln(o.stdout, o.success)

	if o.notifier != nil {
		if err := o.notifier.Check(ctx); err != nil {
			o.logger.Debug("update check failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) runChild(ctx context.Context, req Request, stdin io.Reader) error {
	if o.snapshotter == nil {
		return errors.New("no snapshot stage configured")
	}
	if len(o.image) == 0 {
		return errors.New("no runtime image configured")
	}

	script, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	fmt.Fprintln(o.stdout, "\nStarting to build Spin compatible module")
	fmt.Fprintln(o.stdout, "Preinitiating using Wizer")

	module, err := o.snapshotter.Snapshot(ctx, o.image, bytes.NewReader(script))
	if err != nil {
		return fmt.Errorf("pre-initialize: %w", err)
	}

	if req.Optimize && o.optimizer != nil {
		fmt.Fprintln(o.stdout, "Optimizing wasm binary using wasm-opt")
		if module, err = o.optimizer.Optimize(ctx, module); err != nil {
			return fmt.Errorf("optimize: %w", err)
		}
	}

	output := req.Output
	if output == "" {
		output = DefaultOutput
	}
	if err := writeFile(output, module); err != nil {
		return err
	}

	o.logger.Debug("wrote module", zap.String("path", output), zap.Int("bytes", len(module)))
	return nil
}

// writeFile replaces path atomically so a failed build never leaves a
// partial module behind. An existing output keeps its permissions; a new one
// is created 0644 less the process umask.
func writeFile(path string, data []byte) error {
	perm := os.FileMode(0o644)
	existing, err := os.Stat(path)
	if err == nil {
		perm = existing.Mode().Perm()
	}

	name := filepath.Join(filepath.Dir(path), ".js2wasm-"+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write output: %w", err)
	}
	// The umask applied at creation may have dropped bits the old file had.
	if existing != nil {
		if err := os.Chmod(name, perm); err != nil {
			os.Remove(name)
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
