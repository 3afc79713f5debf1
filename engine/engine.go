// Package engine provides the runtime image that scripts are pre-initialized
// into.
//
// The embedded engine.wasm exposes the contract the build pipeline relies on:
// a "wizer.initialize" export that consumes the script from stdin and leaves
// the loaded program in linear memory.
//
// The image checked into the repository is a placeholder loader, not a
// JavaScript engine. It stores the script at script_ptr and its length in
// script_len and never evaluates it, so modules built from it do not run on
// Spin. Release builds embed a real engine image:
//
//	JS2WASM_ENGINE_URL=https://.../engine.wasm JS2WASM_ENGINE_SHA256=... go generate ./engine
package engine

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/caffeineduck/js2wasm/wasm"
)

//go:generate go run ../internal/tools/download -force -url=$JS2WASM_ENGINE_URL -sha256=$JS2WASM_ENGINE_SHA256 engine.wasm

//go:embed engine.wasm
var image []byte

// InitFunc is the export that runs the engine's initialization.
const InitFunc = "wizer.initialize"

// Image returns the embedded runtime image. The slice is shared and must not
// be modified.
func Image() []byte {
	return image
}

// Load returns the image at path, or the embedded image when path is empty.
func Load(path string) ([]byte, error) {
	if path == "" {
		return image, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine image: %w", err)
	}
	if err := Check(data); err != nil {
		return nil, fmt.Errorf("engine image %s: %w", path, err)
	}
	return data, nil
}

// IsLoader reports whether data is the placeholder loader rather than a
// JavaScript engine.
func IsLoader(data []byte) bool {
	mod, err := wasm.Parse(data)
	if err != nil {
		return false
	}
	exports, err := mod.Exports()
	if err != nil {
		return false
	}
	found := 0
	for _, e := range exports {
		if e.Kind == wasm.ExternGlobal && (e.Name == "script_ptr" || e.Name == "script_len") {
			found++
		}
	}
	return found == 2
}

// Check verifies that data is a module exporting InitFunc.
func Check(data []byte) error {
	mod, err := wasm.Parse(data)
	if err != nil {
		return err
	}
	exports, err := mod.Exports()
	if err != nil {
		return err
	}
	for _, e := range exports {
		if e.Name == InitFunc && e.Kind == wasm.ExternFunc {
			return nil
		}
	}
	return fmt.Errorf("missing %q export", InitFunc)
}
