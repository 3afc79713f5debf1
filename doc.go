// Package js2wasm turns JavaScript files into pre-initialized WebAssembly
// modules for Spin.
//
// # Overview
//
// A build loads the script into a JavaScript engine compiled to WebAssembly,
// runs the engine's initialization and saves the resulting memory and globals
// as a new module. The module starts with the script already parsed.
//
// # Packages
//
//   - [github.com/caffeineduck/js2wasm/pipeline] runs a build across a parent
//     and a child process
//   - [github.com/caffeineduck/js2wasm/snapshot] pre-initializes a runtime image
//   - [github.com/caffeineduck/js2wasm/optimize] optimizes and strips the result
//   - [github.com/caffeineduck/js2wasm/engine] embeds the runtime image
//   - [github.com/caffeineduck/js2wasm/update] checks for newer releases
//   - [github.com/caffeineduck/js2wasm/wasm] reads and writes module binaries
//
// # Basic Usage
//
//	s, _ := snapshot.New(snapshot.WithInitFunc(engine.InitFunc))
//	defer s.Close()
//
//	module, err := s.Snapshot(ctx, engine.Image(), strings.NewReader(script))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	module, err = optimize.New().Optimize(ctx, module)
//
// # Command Line
//
//	js2wasm index.js -o index.wasm
//
// See cmd/js2wasm for flags and the config file.
package js2wasm
