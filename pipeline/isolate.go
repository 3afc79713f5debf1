package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Isolator runs the child half of a build in isolation and waits for it.
type Isolator interface {
	Isolate(ctx context.Context, req Request, script io.Reader) error
}

// SelfExec isolates builds by re-executing the current binary. The zero
// value uses os.Executable, the process environment and the process streams.
type SelfExec struct {
	// Path overrides the executable to spawn.
	Path string
	// Env is the child's base environment. ChildEnv is always added.
	Env []string
	// Args, when set, replaces the arguments derived from the request.
	Args   func(Request) []string
	Stdout io.Writer
	Stderr io.Writer
}

// Isolate spawns the child with script as its stdin. A child that exits
// with a non-zero status yields ErrBuildFailed.
func (s SelfExec) Isolate(ctx context.Context, req Request, script io.Reader) error {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	args := req.Args()
	if s.Args != nil {
		args = s.Args(req)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = childEnv(s.Env)
	cmd.Stdin = script
	cmd.Stdout = writerOr(s.Stdout, os.Stdout)
	cmd.Stderr = writerOr(s.Stderr, os.Stderr)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit status %d", ErrBuildFailed, exitErr.ExitCode())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrBuildFailed, ctx.Err())
		}
		return fmt.Errorf("spawn build process: %w", err)
	}
	return nil
}

func childEnv(base []string) []string {
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, ChildEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, ChildEnv+"=1")
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
