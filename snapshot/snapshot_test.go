package snapshot_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/caffeineduck/js2wasm/internal/wasmtest"
	"github.com/caffeineduck/js2wasm/snapshot"
	"github.com/caffeineduck/js2wasm/wasm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var i32 = wasm.ValueTypeI32

// counterModule stores 0xab at address 16 and sets the exported counter to 7
// during initialization.
func counterModule() []byte {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	b.Memory(wasm.Limits{Min: 1})
	counter := b.Global(i32, true, wasm.I32Offset(0))
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(16), wasmtest.I32(0xab), []byte{wasmtest.OpI32Store8, 0x00, 0x00},
		wasmtest.I32(7), []byte{wasmtest.OpGlobalSet, byte(counter)},
	)...)
	b.Export("memory", wasm.ExternMemory, 0)
	b.Export("counter", wasm.ExternGlobal, counter)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	b.Data(0, []byte("abc"))
	return b.Bytes()
}

// stdinModule reads up to 256 bytes of stdin to address 64 and stores the
// byte count at address 8.
func stdinModule() []byte {
	b := wasmtest.New()
	fdReadType := b.Type([]byte{i32, i32, i32, i32}, []byte{i32})
	void := b.Type(nil, nil)
	fdRead := b.ImportFunc(wasi_snapshot_preview1.ModuleName, "fd_read", fdReadType)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(0), wasmtest.I32(64), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(4), wasmtest.I32(256), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(0), wasmtest.I32(0), wasmtest.I32(1), wasmtest.I32(8),
		[]byte{wasmtest.OpCall, byte(fdRead), wasmtest.OpDrop},
	)...)
	b.Export("memory", wasm.ExternMemory, 0)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	return b.Bytes()
}

func newSnapshotter(t *testing.T, opts ...snapshot.Option) *snapshot.Snapshotter {
	t.Helper()
	s, err := snapshot.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func instantiate(t *testing.T, bin []byte) api.Module {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithStartFunctions())
	require.NoError(t, err)
	return mod
}

func TestSnapshotCapturesMemoryAndGlobals(t *testing.T) {
	s := newSnapshotter(t)

	out, err := s.Snapshot(context.Background(), counterModule(), nil)
	require.NoError(t, err)

	mod := instantiate(t, out)
	assert.Nil(t, mod.ExportedFunction(snapshot.DefaultInitFunc), "init export should be removed")
	assert.Equal(t, uint64(7), mod.ExportedGlobal("counter").Get())

	mem := mod.ExportedMemory("memory")
	got, ok := mem.Read(0, 3)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))

	b, ok := mem.ReadByte(16)
	require.True(t, ok)
	assert.Equal(t, byte(0xab), b)
}

func TestSnapshotReadsScriptFromStdin(t *testing.T) {
	s := newSnapshotter(t)

	out, err := s.Snapshot(context.Background(), stdinModule(), strings.NewReader("hello"))
	require.NoError(t, err)

	mem := instantiate(t, out).ExportedMemory("memory")
	got, ok := mem.Read(64, 5)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	n, ok := mem.ReadUint32Le(8)
	require.True(t, ok)
	assert.Equal(t, uint32(5), n)
}

func TestSnapshotIsDeterministic(t *testing.T) {
	s := newSnapshotter(t)
	ctx := context.Background()

	first, err := s.Snapshot(ctx, stdinModule(), strings.NewReader("same script"))
	require.NoError(t, err)
	second, err := s.Snapshot(ctx, stdinModule(), strings.NewReader("same script"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSnapshotRemovesStartFunction(t *testing.T) {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	g := b.Global(i32, true, wasm.I32Offset(0))
	start := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(3), []byte{wasmtest.OpGlobalSet, byte(g)},
	)...)
	initFn := b.Func(void, nil, wasmtest.Concat(
		[]byte{wasmtest.OpGlobalGet, byte(g)}, wasmtest.I32(2), []byte{0x6a}, // i32.add
		[]byte{wasmtest.OpGlobalSet, byte(g)},
	)...)
	b.Export("value", wasm.ExternGlobal, g)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	b.Start(start)

	out, err := newSnapshotter(t).Snapshot(context.Background(), b.Bytes(), nil)
	require.NoError(t, err)

	parsed, err := wasm.Parse(out)
	require.NoError(t, err)
	_, hasStart := parsed.Section(wasm.SectionStart)
	assert.False(t, hasStart)

	assert.Equal(t, uint64(5), instantiate(t, out).ExportedGlobal("value").Get())
}

func TestSnapshotStubsUnknownImports(t *testing.T) {
	build := func(callImport bool) []byte {
		b := wasmtest.New()
		hostType := b.Type([]byte{i32}, []byte{i32})
		void := b.Type(nil, nil)
		send := b.ImportFunc("spin-http", "send-request", hostType)
		var body []byte
		if callImport {
			body = wasmtest.Concat(wasmtest.I32(1), []byte{wasmtest.OpCall, byte(send), wasmtest.OpDrop})
		}
		initFn := b.Func(void, nil, body...)
		b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
		return b.Bytes()
	}

	s := newSnapshotter(t)
	ctx := context.Background()

	_, err := s.Snapshot(ctx, build(false), nil)
	assert.NoError(t, err)

	_, err = s.Snapshot(ctx, build(true), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spin-http.send-request is not available")
}

func TestSnapshotWithoutWASITraps(t *testing.T) {
	s := newSnapshotter(t, snapshot.WithWASI(false))

	_, err := s.Snapshot(context.Background(), stdinModule(), strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fd_read is not available")
}

func TestSnapshotInitFailure(t *testing.T) {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	initFn := b.Func(void, nil, 0x00) // unreachable
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)

	_, err := newSnapshotter(t).Snapshot(context.Background(), b.Bytes(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run "+snapshot.DefaultInitFunc)
}

func TestSnapshotRejectsUnsupportedImages(t *testing.T) {
	s := newSnapshotter(t)
	ctx := context.Background()

	t.Run("not wasm", func(t *testing.T) {
		_, err := s.Snapshot(ctx, []byte("console.log(1)"), nil)
		assert.ErrorIs(t, err, wasm.ErrNotModule)
	})

	t.Run("missing init export", func(t *testing.T) {
		b := wasmtest.New()
		b.Memory(wasm.Limits{Min: 1})
		_, err := s.Snapshot(ctx, b.Bytes(), nil)
		assert.ErrorIs(t, err, snapshot.ErrMissingInitFunc)
	})

	t.Run("passive data", func(t *testing.T) {
		b := wasmtest.New()
		void := b.Type(nil, nil)
		b.Memory(wasm.Limits{Min: 1})
		initFn := b.Func(void, nil)
		b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
		b.PassiveData([]byte{1})
		_, err := s.Snapshot(ctx, b.Bytes(), nil)
		assert.ErrorIs(t, err, snapshot.ErrPassiveData)
	})

	t.Run("imported global", func(t *testing.T) {
		b := wasmtest.New()
		void := b.Type(nil, nil)
		b.ImportGlobal("env", "base", wasm.GlobalType{ValType: i32})
		initFn := b.Func(void, nil)
		b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
		_, err := s.Snapshot(ctx, b.Bytes(), nil)
		assert.ErrorIs(t, err, snapshot.ErrImportedState)
	})
}

func TestSnapshotCustomInitFunc(t *testing.T) {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	g := b.Global(i32, true, wasm.I32Offset(0))
	initFn := b.Func(void, nil, wasmtest.Concat(wasmtest.I32(42), []byte{wasmtest.OpGlobalSet, byte(g)})...)
	b.Export("value", wasm.ExternGlobal, g)
	b.Export("init", wasm.ExternFunc, initFn)

	out, err := newSnapshotter(t, snapshot.WithInitFunc("init")).Snapshot(context.Background(), b.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), instantiate(t, out).ExportedGlobal("value").Get())
}

func TestSnapshotForwardsGuestOutput(t *testing.T) {
	b := wasmtest.New()
	fdWriteType := b.Type([]byte{i32, i32, i32, i32}, []byte{i32})
	void := b.Type(nil, nil)
	fdWrite := b.ImportFunc(wasi_snapshot_preview1.ModuleName, "fd_write", fdWriteType)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(0), wasmtest.I32(32), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(4), wasmtest.I32(2), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(1), wasmtest.I32(0), wasmtest.I32(1), wasmtest.I32(8),
		[]byte{wasmtest.OpCall, byte(fdWrite), wasmtest.OpDrop},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	b.Data(32, []byte("ok"))

	var stdout bytes.Buffer
	s := newSnapshotter(t, snapshot.WithStdout(&stdout))
	out, err := s.Snapshot(context.Background(), b.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", stdout.String())

	// fd_write stored the number of bytes written at address 8.
	mem := instantiate(t, out).Memory()
	written, ok := mem.ReadUint32Le(8)
	require.True(t, ok)
	assert.Equal(t, uint32(2), written)
}

func TestSnapshotDiskCache(t *testing.T) {
	dir := t.TempDir()
	s := newSnapshotter(t, snapshot.WithDiskCache(dir))

	for i := 0; i < 2; i++ {
		out, err := s.Snapshot(context.Background(), counterModule(), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), instantiate(t, out).ExportedGlobal("counter").Get())
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSnapshotGrowsMemoryMinimum(t *testing.T) {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	b.Memory(wasm.Limits{Min: 1, Max: 8, HasMax: true})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(2), []byte{0x40, 0x00, wasmtest.OpDrop}, // memory.grow 2
		// store a marker in the last page so it is not all zeroes
		wasmtest.I32(3*wasm.PageSize-4), wasmtest.I32(-1), []byte{wasmtest.OpI32Store, 0x02, 0x00},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)

	out, err := newSnapshotter(t).Snapshot(context.Background(), b.Bytes(), nil)
	require.NoError(t, err)

	parsed, err := wasm.Parse(out)
	require.NoError(t, err)
	mems, err := parsed.Memories()
	require.NoError(t, err)
	assert.Equal(t, []wasm.Limits{{Min: 3, Max: 8, HasMax: true}}, mems)

	segs, err := parsed.DataSegments()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, wasm.I32Offset(3*wasm.PageSize-4), segs[0].Offset)
	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(segs[0].Init))
}

// environModule stores the environment variable count at address 0.
func environModule() []byte {
	b := wasmtest.New()
	sizesType := b.Type([]byte{i32, i32}, []byte{i32})
	void := b.Type(nil, nil)
	sizes := b.ImportFunc(wasi_snapshot_preview1.ModuleName, "environ_sizes_get", sizesType)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(0), wasmtest.I32(4),
		[]byte{wasmtest.OpCall, byte(sizes), wasmtest.OpDrop},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	return b.Bytes()
}

func TestSnapshotInheritEnv(t *testing.T) {
	t.Setenv("JS2WASM_SNAPSHOT_ENV", "1")

	tests := []struct {
		name    string
		inherit bool
	}{
		{name: "isolated", inherit: false},
		{name: "inherited", inherit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newSnapshotter(t, snapshot.WithInheritEnv(tt.inherit)).
				Snapshot(context.Background(), environModule(), nil)
			require.NoError(t, err)

			count, ok := instantiate(t, out).Memory().ReadUint32Le(0)
			require.True(t, ok)
			if tt.inherit {
				assert.Greater(t, count, uint32(0))
			} else {
				assert.Zero(t, count)
			}
		})
	}
}

// prestatModule stores the errno of fd_prestat_get(3) at address 16.
func prestatModule() []byte {
	b := wasmtest.New()
	prestatType := b.Type([]byte{i32, i32}, []byte{i32})
	void := b.Type(nil, nil)
	prestat := b.ImportFunc(wasi_snapshot_preview1.ModuleName, "fd_prestat_get", prestatType)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(16),
		wasmtest.I32(3), wasmtest.I32(0), []byte{wasmtest.OpCall, byte(prestat)},
		[]byte{wasmtest.OpI32Store, 0x02, 0x00},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	return b.Bytes()
}

func TestSnapshotDirMount(t *testing.T) {
	ctx := context.Background()

	out, err := newSnapshotter(t).Snapshot(ctx, prestatModule(), nil)
	require.NoError(t, err)
	errno, ok := instantiate(t, out).Memory().ReadUint32Le(16)
	require.True(t, ok)
	assert.NotZero(t, errno, "no directory is preopened by default")

	out, err = newSnapshotter(t, snapshot.WithDirMount(t.TempDir(), "/assets")).Snapshot(ctx, prestatModule(), nil)
	require.NoError(t, err)
	errno, ok = instantiate(t, out).Memory().ReadUint32Le(16)
	require.True(t, ok)
	assert.Zero(t, errno, "mounted directory is preopened as fd 3")
}

func TestSnapshotMemoryLimit(t *testing.T) {
	b := wasmtest.New()
	void := b.Type(nil, nil)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(0),
		wasmtest.I32(4), []byte{0x40, 0x00}, // memory.grow 4
		[]byte{wasmtest.OpI32Store, 0x02, 0x00},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	image := b.Bytes()
	ctx := context.Background()

	out, err := newSnapshotter(t).Snapshot(ctx, image, nil)
	require.NoError(t, err)
	prev, ok := instantiate(t, out).Memory().ReadUint32Le(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), prev, "growth succeeds without a limit")

	out, err = newSnapshotter(t, snapshot.WithMemoryLimit(2)).Snapshot(ctx, image, nil)
	require.NoError(t, err)
	prev, ok = instantiate(t, out).Memory().ReadUint32Le(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0xffffffff), prev, "growth past the limit fails")
}

func TestSnapshotForwardsGuestStderr(t *testing.T) {
	b := wasmtest.New()
	fdWriteType := b.Type([]byte{i32, i32, i32, i32}, []byte{i32})
	void := b.Type(nil, nil)
	fdWrite := b.ImportFunc(wasi_snapshot_preview1.ModuleName, "fd_write", fdWriteType)
	b.Memory(wasm.Limits{Min: 1})
	initFn := b.Func(void, nil, wasmtest.Concat(
		wasmtest.I32(0), wasmtest.I32(32), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(4), wasmtest.I32(4), []byte{wasmtest.OpI32Store, 0x02, 0x00},
		wasmtest.I32(2), wasmtest.I32(0), wasmtest.I32(1), wasmtest.I32(8),
		[]byte{wasmtest.OpCall, byte(fdWrite), wasmtest.OpDrop},
	)...)
	b.Export(snapshot.DefaultInitFunc, wasm.ExternFunc, initFn)
	b.Data(32, []byte("warn"))

	var stdout, stderr bytes.Buffer
	s := newSnapshotter(t, snapshot.WithStdout(&stdout), snapshot.WithStderr(&stderr))
	_, err := s.Snapshot(context.Background(), b.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", stderr.String())
	assert.Empty(t, stdout.String())
}
