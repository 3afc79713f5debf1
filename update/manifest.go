package update

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

const zeroVersion = "v0.0.0"

// Manifest is the part of the published plugin manifest the checker reads.
type Manifest struct {
	// Version is canonical semver with a leading "v".
	Version string
}

// ParseManifest decodes a manifest. A missing, non-string or malformed
// version field yields v0.0.0.
func ParseManifest(data []byte) (Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	var version string
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			version = ""
		}
	}
	return Manifest{Version: canonical(version)}, nil
}

// canonical turns a full MAJOR.MINOR.PATCH version, with or without a
// leading "v", into its canonical form. Anything else becomes v0.0.0.
func canonical(version string) string {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return zeroVersion
	}
	core, _, _ := strings.Cut(v, "+")
	c := semver.Canonical(v)
	if c != core {
		return zeroVersion
	}
	return c
}
