package pipeline

import "os"

// ChildEnv marks a process as the build child. It is internal to the tool.
const ChildEnv = "JS2WASM_CHILD"

// Mode selects which half of the build a process performs.
type Mode int

const (
	ModeParent Mode = iota
	ModeChild
)

func (m Mode) String() string {
	switch m {
	case ModeParent:
		return "parent"
	case ModeChild:
		return "child"
	default:
		return "unknown"
	}
}

// ModeFromEnv reports the process mode and removes the marker from the
// environment. Call it once, before anything else can spawn processes.
func ModeFromEnv() Mode {
	v, ok := os.LookupEnv(ChildEnv)
	if !ok {
		return ModeParent
	}
	os.Unsetenv(ChildEnv)
	if v == "1" {
		return ModeChild
	}
	return ModeParent
}

// Capabilities are platform-dependent features of the build.
type Capabilities struct {
	// Optimize enables the optimization stage.
	Optimize bool
}

// DetectCapabilities returns the defaults for goos. Optimization is off on
// windows, where the optimizer produces malformed modules.
func DetectCapabilities(goos string) Capabilities {
	return Capabilities{Optimize: goos != "windows"}
}
