// Package wasm reads and rewrites WebAssembly binary modules at the section
// level.
//
// It decodes only the sections the build pipeline needs to edit (imports,
// globals, memories, exports, data and custom sections) and keeps every other
// section as opaque bytes, so a parse followed by Encode reproduces the input
// exactly.
//
//	mod, err := wasm.Parse(bin)
//	if err != nil {
//	    return err
//	}
//	mod.RemoveCustom(func(name string) bool { return name == "name" })
//	out := mod.Encode()
package wasm
