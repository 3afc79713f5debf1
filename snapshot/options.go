package snapshot

import (
	"io"
	"os"

	"go.uber.org/zap"
)

// DefaultInitFunc is the export called to run the image's initialization.
const DefaultInitFunc = "wizer.initialize"

// Option configures a Snapshotter.
type Option func(*config)

type config struct {
	initFunc   string
	allowWASI  bool
	bulkMemory bool
	inheritEnv bool
	stdout     io.Writer
	stderr     io.Writer
	mounts     []mount
	// Disk compilation cache for the runtime image.
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	logger           *zap.Logger
}

type mount struct {
	hostPath  string
	guestPath string
}

func defaultConfig() config {
	return config{
		initFunc:   DefaultInitFunc,
		allowWASI:  true,
		bulkMemory: true,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		logger:     zap.NewNop(),
	}
}

// WithInitFunc sets the exported function that performs initialization.
func WithInitFunc(name string) Option {
	return func(c *config) {
		c.initFunc = name
	}
}

// WithWASI controls whether WASI preview1 is available to the image. When
// disabled, WASI imports are stubbed like any other import and trap if called.
func WithWASI(allow bool) Option {
	return func(c *config) {
		c.allowWASI = allow
	}
}

// WithBulkMemory toggles the bulk memory operations feature.
func WithBulkMemory(enabled bool) Option {
	return func(c *config) {
		c.bulkMemory = enabled
	}
}

// WithInheritEnv passes the host environment to the image.
func WithInheritEnv(inherit bool) Option {
	return func(c *config) {
		c.inheritEnv = inherit
	}
}

// WithStdout sets the writer the image's stdout goes to (default os.Stdout).
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets the writer the image's stderr goes to (default os.Stderr).
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithDirMount preopens hostPath at guestPath during initialization.
func WithDirMount(hostPath, guestPath string) Option {
	return func(c *config) {
		c.mounts = append(c.mounts, mount{hostPath: hostPath, guestPath: guestPath})
	}
}

// WithDiskCache enables a persistent compilation cache so repeated builds skip
// compiling the runtime image. Optionally provide a directory; otherwise the
// user cache directory is used.
//
//	snapshot.New(snapshot.WithDiskCache())             // default dir
//	snapshot.New(snapshot.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the image's memory in 64KB pages.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
