package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// stubImports instantiates a host module for every imported module the
// runtime cannot otherwise satisfy. Each stub function traps when called, so
// an image can link against platform APIs that are only usable after
// deployment as long as initialization does not touch them.
func stubImports(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, allowWASI bool) ([]string, error) {
	byModule := make(map[string]map[string]api.FunctionDefinition)
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if allowWASI && module == wasi_snapshot_preview1.ModuleName {
			continue
		}
		if byModule[module] == nil {
			byModule[module] = make(map[string]api.FunctionDefinition)
		}
		byModule[module][name] = def
	}

	modules := make([]string, 0, len(byModule))
	for module := range byModule {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	for _, module := range modules {
		builder := rt.NewHostModuleBuilder(module)
		for name, def := range byModule[module] {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(trap(module, name), def.ParamTypes(), def.ResultTypes()).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return nil, fmt.Errorf("stub imports of %q: %w", module, err)
		}
	}

	return modules, nil
}

func trap(module, name string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		panic(fmt.Errorf("%s.%s is not available during pre-initialization", module, name))
	}
}
