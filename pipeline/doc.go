// Package pipeline runs a build as two cooperating processes.
//
// # Overview
//
// The parent process validates the input, then re-executes the current
// binary with an internal environment marker and streams the script into the
// child's stdin. The child pre-initializes the runtime image with the script,
// optionally optimizes the result and writes the output module. Only the exit
// status travels back to the parent.
//
// # Modes
//
// The process mode is resolved once, at startup, and passed around
// explicitly:
//
//	mode := pipeline.ModeFromEnv()
//	err := orch.Run(ctx, mode, req, os.Stdin)
//
// ModeFromEnv clears the marker as it reads it, so nothing the child spawns
// can observe it and recurse. The parent never sets the marker on its own
// environment; it is added only to the child's [exec.Cmd] environment.
//
// # Stages
//
// Each stage is an interface so the orchestration can be tested without a
// runtime image or an optimizer binary:
//
//	orch := pipeline.New(
//	    pipeline.WithImage(engine.Image()),
//	    pipeline.WithSnapshotter(snap),
//	    pipeline.WithOptimizer(opt),
//	    pipeline.WithNotifier(checker),
//	)
package pipeline
