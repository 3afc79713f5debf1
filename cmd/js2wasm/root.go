package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/caffeineduck/js2wasm/config"
	"github.com/caffeineduck/js2wasm/engine"
	"github.com/caffeineduck/js2wasm/optimize"
	"github.com/caffeineduck/js2wasm/pipeline"
	"github.com/caffeineduck/js2wasm/snapshot"
	"github.com/caffeineduck/js2wasm/update"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Execute runs the command line for mode and returns the exit code.
func Execute(ctx context.Context, mode pipeline.Mode) int {
	if err := newRootCmd(mode).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(mode pipeline.Mode) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "js2wasm <input>",
		Short: "Convert JavaScript files to Spin compatible modules",
		Long: `js2wasm - A spin plugin to convert javascript files to Spin compatible modules.

The script is loaded into the JavaScript engine and the initialized engine is
saved as a WebAssembly module, so no parsing happens when a request arrives.
The build runs in a child process. On supported platforms the module is then
optimized with binaryen's wasm-opt, and a missing wasm-opt fails the build
unless --no-optimize is given.

After a successful build js2wasm checks, at most once a day, whether a newer
release is available.

Binaries built from source embed a placeholder loader instead of a JavaScript
engine. Modules built with it carry the script but do not run on Spin; pass
--engine or embed an engine image with "go generate ./engine".`,
		Version:      version,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, mode, args[0])
		},
	}

	cmd.Flags().StringP("output", "o", pipeline.DefaultOutput, "Output module path")
	cmd.Flags().Bool("optimize", false, "Run the optimization stage (default: on except on windows)")
	cmd.Flags().Bool("no-optimize", false, "Skip the optimization stage")
	cmd.Flags().String("wasm-opt", "", "Path to binaryen wasm-opt (default: looked up on PATH)")
	cmd.Flags().String("engine", "", "Runtime image to use instead of the embedded one")
	cmd.Flags().Bool("no-update-check", false, "Do not check for a newer release")
	cmd.Flags().Bool("no-cache", false, "Disable compilation cache")
	cmd.Flags().Bool("inherit-env", false, "Expose the build environment to the engine during initialization")
	cmd.Flags().StringArray("mount", nil, "Preopen a host directory for the engine, as host[:guest] (repeatable)")
	cmd.Flags().Uint32("memory-limit", 0, "Cap engine memory in 64KiB pages (0: runtime default)")
	cmd.Flags().String("config", config.DefaultPath, "Config file")
	cmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.Flags().String("build-id", "", "Build identifier shared with the build process")
	cmd.Flags().MarkHidden("build-id")
	cmd.MarkFlagsMutuallyExclusive("optimize", "no-optimize")

	return cmd
}

func runBuild(cmd *cobra.Command, mode pipeline.Mode, input string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// The child takes its settings from the arguments the parent rendered.
	cfg := config.Default()
	if mode == pipeline.ModeParent {
		if cfg, err = loadConfig(cmd); err != nil {
			return err
		}
	}

	req, err := buildRequest(cmd, cfg, input)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("build_id", req.BuildID), zap.Stringer("mode", mode))

	var opts []pipeline.Option
	switch mode {
	case pipeline.ModeChild:
		childOpts, cleanup, err := childOptions(cmd, req, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		opts = childOpts
	default:
		if opts, err = parentOptions(cmd, cfg, req, logger); err != nil {
			return err
		}
	}
	opts = append(opts, pipeline.WithStdout(cmd.OutOrStdout()), pipeline.WithLogger(logger))

	return pipeline.New(opts...).Run(cmd.Context(), mode, req, cmd.InOrStdin())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.FromEnv(), nil
	}
	return cfg, err
}

// buildRequest layers explicitly set flags over the config file.
func buildRequest(cmd *cobra.Command, cfg *config.Config, input string) (pipeline.Request, error) {
	flags := cmd.Flags()

	req := pipeline.Request{
		Input:    input,
		Output:   cfg.Output,
		Optimize: pipeline.DetectCapabilities(runtime.GOOS).Optimize,
		WasmOpt:  cfg.WasmOpt,
		Engine:   cfg.Engine,
		NoCache:  !cfg.Cache,

		InheritEnv:  cfg.InheritEnv,
		Mounts:      cfg.Mounts,
		MemoryLimit: cfg.MemoryLimitPages,
	}
	if cfg.Optimize != nil {
		req.Optimize = *cfg.Optimize
	}

	if flags.Changed("output") {
		req.Output, _ = flags.GetString("output")
	}
	if flags.Changed("optimize") {
		req.Optimize, _ = flags.GetBool("optimize")
	}
	if off, _ := flags.GetBool("no-optimize"); off {
		req.Optimize = false
	}
	if flags.Changed("wasm-opt") {
		req.WasmOpt, _ = flags.GetString("wasm-opt")
	}
	if flags.Changed("engine") {
		req.Engine, _ = flags.GetString("engine")
	}
	if noCache, _ := flags.GetBool("no-cache"); noCache {
		req.NoCache = true
	}
	if inherit, _ := flags.GetBool("inherit-env"); inherit {
		req.InheritEnv = true
	}
	if flags.Changed("mount") {
		req.Mounts, _ = flags.GetStringArray("mount")
	}
	if flags.Changed("memory-limit") {
		req.MemoryLimit, _ = flags.GetUint32("memory-limit")
	}
	for _, m := range req.Mounts {
		if _, _, err := parseMount(m); err != nil {
			return req, err
		}
	}
	req.Verbose, _ = flags.GetBool("verbose")

	req.BuildID, _ = flags.GetString("build-id")
	if req.BuildID == "" {
		req.BuildID = uuid.NewString()
	}

	if req.Output == "" {
		return req, errors.New("output path must not be empty")
	}
	return req, nil
}

// parseMount splits host[:guest]. The guest path defaults to "/".
func parseMount(spec string) (host, guest string, err error) {
	host, guest = spec, "/"
	// A colon at index 1 is a drive letter.
	if i := strings.LastIndex(spec, ":"); i > 1 || i == 0 {
		host, guest = spec[:i], spec[i+1:]
	}
	if host == "" || guest == "" {
		return "", "", fmt.Errorf("invalid mount %q: want host[:guest]", spec)
	}
	return host, guest, nil
}

func childOptions(cmd *cobra.Command, req pipeline.Request, logger *zap.Logger) ([]pipeline.Option, func(), error) {
	image, err := engine.Load(req.Engine)
	if err != nil {
		return nil, nil, err
	}

	// Guest output goes to stderr so it never mixes with build progress.
	snapOpts := []snapshot.Option{
		snapshot.WithInitFunc(engine.InitFunc),
		snapshot.WithWASI(true),
		snapshot.WithBulkMemory(true),
		snapshot.WithInheritEnv(req.InheritEnv),
		snapshot.WithStdout(cmd.ErrOrStderr()),
		snapshot.WithStderr(cmd.ErrOrStderr()),
		snapshot.WithLogger(logger.Named("snapshot")),
	}
	for _, m := range req.Mounts {
		host, guest, err := parseMount(m)
		if err != nil {
			return nil, nil, err
		}
		snapOpts = append(snapOpts, snapshot.WithDirMount(host, guest))
	}
	if req.MemoryLimit > 0 {
		snapOpts = append(snapOpts, snapshot.WithMemoryLimit(req.MemoryLimit))
	}
	if !req.NoCache {
		snapOpts = append(snapOpts, snapshot.WithDiskCache())
	}
	snap, err := snapshot.New(snapOpts...)
	if err != nil {
		return nil, nil, err
	}

	opt := optimize.New(
		optimize.WithWasmOpt(req.WasmOpt),
		optimize.WithLogger(logger.Named("optimize")),
	)

	opts := []pipeline.Option{
		pipeline.WithImage(image),
		pipeline.WithSnapshotter(snap),
		pipeline.WithOptimizer(opt),
	}
	return opts, func() { snap.Close() }, nil
}

// loaderMessage replaces the success line when the build used the
// placeholder loader.
const loaderMessage = "Module built with the placeholder loader: the script is embedded but no JavaScript engine is included, so it will not run on Spin"

func parentOptions(cmd *cobra.Command, cfg *config.Config, req pipeline.Request, logger *zap.Logger) ([]pipeline.Option, error) {
	image, err := engine.Load(req.Engine)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithIsolator(pipeline.SelfExec{
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		}),
	}
	if engine.IsLoader(image) {
		logger.Debug("building with the placeholder loader")
		opts = append(opts, pipeline.WithSuccessMessage(loaderMessage))
	}

	if skip, _ := cmd.Flags().GetBool("no-update-check"); skip || !cfg.UpdateCheck {
		return opts, nil
	}
	checker := update.New(version, updateOptions(cmd, cfg, logger)...)
	return append(opts, pipeline.WithNotifier(checker)), nil
}

func updateOptions(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) []update.Option {
	opts := []update.Option{
		update.WithOutput(cmd.OutOrStdout()),
		update.WithLogger(logger.Named("update")),
	}
	if cfg.ManifestURL != "" {
		opts = append(opts, update.WithManifestURL(cfg.ManifestURL))
	}
	if d := cfg.GetUpdateTimeout(); d > 0 {
		opts = append(opts, update.WithTimeout(d))
	}
	if d := cfg.GetUpdateInterval(); d > 0 {
		opts = append(opts, update.WithTTL(d))
	}
	return opts
}

func newLogger(verbose bool) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.Encoding = "console"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logCfg.DisableStacktrace = true
	logCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return logCfg.Build()
}
