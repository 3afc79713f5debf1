// Package snapshot pre-initializes WebAssembly modules.
//
// A Snapshotter instantiates a runtime image with wazero, calls its
// initialization export once and writes the resulting linear memory and
// global values back into the module as its new initial state. Loading the
// output later starts from the initialized state instead of repeating the
// startup work.
//
// # Usage
//
//	s, err := snapshot.New(snapshot.WithDiskCache())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	out, err := s.Snapshot(ctx, image, bytes.NewReader(script))
//
// The script reader becomes the guest's stdin. WASI preview1 is available
// during initialization; any other import is satisfied by a stub that traps
// when called.
//
// # Restrictions
//
// Images must define at most one memory, must not import memories or
// globals, and must not contain passive data segments.
package snapshot
