package pipeline

import (
	"errors"
	"fmt"
	"strconv"
)

// DefaultOutput is the output path used when none is given.
const DefaultOutput = "index.wasm"

// ErrBuildFailed is returned by the parent when the child does not succeed.
var ErrBuildFailed = errors.New("couldn't create wasm from input")

// InputError reports an input file that could not be opened.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("failed to open input file %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Request describes a single build. The parent hands it to the child as
// command line arguments.
type Request struct {
	Input    string
	Output   string
	BuildID  string
	Optimize bool
	WasmOpt  string
	Engine   string
	NoCache  bool
	Verbose  bool

	// InheritEnv exposes the build environment to the engine while it
	// initializes.
	InheritEnv bool
	// Mounts are host directories preopened for the engine, as host:guest.
	Mounts []string
	// MemoryLimit caps engine memory in 64KiB pages. Zero keeps the
	// runtime default.
	MemoryLimit uint32
}

// Args renders the request as arguments for the js2wasm command line. The
// input comes last, after "--", so a path starting with a dash is not read
// as a flag.
func (r Request) Args() []string {
	output := r.Output
	if output == "" {
		output = DefaultOutput
	}

	args := []string{"-o", output, "--optimize=" + strconv.FormatBool(r.Optimize)}
	if r.BuildID != "" {
		args = append(args, "--build-id", r.BuildID)
	}
	if r.WasmOpt != "" {
		args = append(args, "--wasm-opt", r.WasmOpt)
	}
	if r.Engine != "" {
		args = append(args, "--engine", r.Engine)
	}
	if r.NoCache {
		args = append(args, "--no-cache")
	}
	if r.Verbose {
		args = append(args, "--verbose")
	}
	if r.InheritEnv {
		args = append(args, "--inherit-env")
	}
	for _, m := range r.Mounts {
		args = append(args, "--mount", m)
	}
	if r.MemoryLimit > 0 {
		args = append(args, "--memory-limit", strconv.FormatUint(uint64(r.MemoryLimit), 10))
	}
	return append(args, "--", r.Input)
}
