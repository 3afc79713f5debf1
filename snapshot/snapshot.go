package snapshot

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/caffeineduck/js2wasm/wasm"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Snapshotter runs the pre-initialization of runtime images.
type Snapshotter struct {
	cfg    config
	cache  wazero.CompilationCache
	mu     sync.Mutex
	closed bool
}

// New creates a Snapshotter.
func New(opts ...Option) (*Snapshotter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Snapshotter{cfg: cfg}

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// Snapshot instantiates image, runs its initialization export with script as
// stdin and returns the module with the captured state baked in.
func (s *Snapshotter) Snapshot(ctx context.Context, image []byte, script io.Reader) ([]byte, error) {
	start := time.Now()
	log := s.cfg.logger

	mod, err := wasm.Parse(image)
	if err != nil {
		return nil, fmt.Errorf("parse runtime image: %w", err)
	}
	lay, err := analyze(mod, s.cfg.initFunc)
	if err != nil {
		return nil, err
	}
	instrumented := instrument(mod, lay)

	rt := wazero.NewRuntimeWithConfig(ctx, s.runtimeConfig())
	defer rt.Close(ctx)

	if s.cfg.allowWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			return nil, fmt.Errorf("instantiate WASI: %w", err)
		}
	}

	compiled, err := rt.CompileModule(ctx, instrumented)
	if err != nil {
		return nil, fmt.Errorf("compile runtime image: %w", err)
	}

	stubbed, err := stubImports(ctx, rt, compiled, s.cfg.allowWASI)
	if err != nil {
		return nil, err
	}
	if len(stubbed) > 0 {
		log.Debug("stubbed imports", zap.Strings("modules", stubbed))
	}

	inst, err := rt.InstantiateModule(ctx, compiled, s.moduleConfig(script))
	if err != nil {
		return nil, fmt.Errorf("instantiate runtime image: %w", err)
	}

	initFn := inst.ExportedFunction(s.cfg.initFunc)
	if _, err := initFn.Call(ctx); err != nil {
		return nil, fmt.Errorf("run %s: %w", s.cfg.initFunc, err)
	}

	st, err := capture(inst, lay)
	if err != nil {
		return nil, err
	}

	out, err := rewrite(mod, lay, st, s.cfg.initFunc)
	if err != nil {
		return nil, err
	}

	log.Debug("snapshot complete",
		zap.Int("memory_bytes", len(st.memory)),
		zap.Int("globals", len(st.globals)),
		zap.Int("output_bytes", len(out)),
		zap.Duration("duration", time.Since(start)))

	return out, nil
}

func (s *Snapshotter) runtimeConfig() wazero.RuntimeConfig {
	features := api.CoreFeaturesV2
	if !s.cfg.bulkMemory {
		features = features.SetEnabled(api.CoreFeatureBulkMemoryOperations, false)
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCoreFeatures(features).
		WithCloseOnContextDone(true)
	if s.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(s.cache)
	}
	if s.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(s.cfg.memoryLimitPages)
	}
	return rtConfig
}

func (s *Snapshotter) moduleConfig(stdin io.Reader) wazero.ModuleConfig {
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs("js2wasm").
		WithStdin(stdin).
		WithStdout(s.cfg.stdout).
		WithStderr(s.cfg.stderr).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	if s.cfg.inheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				moduleConfig = moduleConfig.WithEnv(k, v)
			}
		}
	}

	if len(s.cfg.mounts) > 0 {
		fsConfig := wazero.NewFSConfig()
		for _, m := range s.cfg.mounts {
			fsConfig = fsConfig.WithDirMount(m.hostPath, m.guestPath)
		}
		moduleConfig = moduleConfig.WithFSConfig(fsConfig)
	}

	return moduleConfig
}

// Close releases the compilation cache.
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.cache != nil {
		return s.cache.Close(context.Background())
	}
	return nil
}

func defaultCacheDir() string {
	if xdg.CacheHome != "" {
		return filepath.Join(xdg.CacheHome, "js2wasm")
	}
	return filepath.Join(os.TempDir(), "js2wasm-cache")
}
