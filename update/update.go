// Package update checks whether a newer js2wasm release is available.
//
// A check is made at most once per TTL. The time of the last remote check is
// kept in a small JSON record under the user's data directory, and a notice
// is printed when the published manifest names a newer version. Checks are
// best effort: callers are expected to log and discard the returned error.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

const (
	DefaultManifestURL = "https://raw.githubusercontent.com/fermyon/spin-plugins/main/manifests/js2wasm/js2wasm.json"
	DefaultTTL         = 24 * time.Hour
	DefaultTimeout     = 5 * time.Second

	// DataVersion is the schema version of the record file.
	DataVersion = 1

	recordDir       = "spin-js2wasm"
	recordFile      = ".js2wasm"
	maxManifestSize = 1 << 20
)

// Record is the persisted state of the checker.
type Record struct {
	DataVersion uint16 `json:"data_version"`
	LastCheck   uint64 `json:"last_check"`
}

// RecordPath returns where the record lives inside dataDir.
func RecordPath(dataDir string) string {
	return filepath.Join(dataDir, recordDir, recordFile)
}

// Option configures a Checker.
type Option func(*Checker)

// WithManifestURL sets the manifest location.
func WithManifestURL(url string) Option {
	return func(c *Checker) {
		c.manifestURL = url
	}
}

// WithHTTPClient sets the client used to fetch the manifest.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

// WithTimeout bounds the manifest request.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTTL sets how long a check stays fresh. Non-positive values keep
// DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithDataDir overrides the data directory. An empty dir disables checks.
func WithDataDir(dir string) Option {
	return func(c *Checker) {
		c.dataDir = func() string { return dir }
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// WithOutput sets where the notice is printed.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.out = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// Checker compares the running version with the published one.
type Checker struct {
	current     string
	manifestURL string
	client      *http.Client
	timeout     time.Duration
	ttl         time.Duration
	dataDir     func() string
	now         func() time.Time
	out         io.Writer
	logger      *zap.Logger
}

// New creates a Checker for the running version current.
func New(current string, opts ...Option) *Checker {
	c := &Checker{
		current:     canonical(current),
		manifestURL: DefaultManifestURL,
		client:      http.DefaultClient,
		timeout:     DefaultTimeout,
		ttl:         DefaultTTL,
		dataDir:     func() string { return xdg.DataHome },
		now:         time.Now,
		out:         os.Stdout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check fetches the manifest when the last check is older than the TTL,
// prints a notice for a newer version and records the check.
func (c *Checker) Check(ctx context.Context) error {
	dir := c.dataDir()
	if dir == "" {
		c.logger.Debug("no data directory, skipping update check")
		return nil
	}
	path := RecordPath(dir)

	due, err := c.due(path)
	if err != nil {
		return err
	}
	if !due {
		c.logger.Debug("update check is fresh", zap.String("record", path))
		return nil
	}

	m, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("fetched manifest",
		zap.String("remote", m.Version),
		zap.String("current", c.current))

	if Newer(m.Version, c.current) {
		c.notify(m.Version)
	}

	return writeRecord(path, Record{
		DataVersion: DataVersion,
		LastCheck:   uint64(c.now().Unix()),
	})
}

func (c *Checker) due(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read update record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Debug("ignoring malformed update record", zap.String("record", path), zap.Error(err))
		return true, nil
	}

	now := c.now().Unix()
	if now < 0 || rec.LastCheck > uint64(now) {
		return true, nil
	}
	return time.Duration(uint64(now)-rec.LastCheck)*time.Second > c.ttl, nil
}

func (c *Checker) fetch(ctx context.Context) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("User-Agent", "js2wasm/"+strings.TrimPrefix(c.current, "v"))

	resp, err := c.client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if len(body) > maxManifestSize {
		return Manifest{}, fmt.Errorf("manifest exceeds %d bytes", maxManifestSize)
	}
	return ParseManifest(body)
}

func (c *Checker) notify(version string) {
	style := lipgloss.NewRenderer(c.out).NewStyle().Foreground(lipgloss.Color("2"))

	rule := strings.Repeat("*", 53)
	lines := []string{
		rule,
		fmt.Sprintf(" New version of js2wasm - %s is available!", strings.TrimPrefix(version, "v")),
		" Run the following commands to get it",
		" $ spin plugins update",
		" $ spin plugins upgrade js2wasm",
		rule,
	}
	for _, line := range lines {
		fmt.Fprintln(c.out, style.Render(line))
	}
}

func writeRecord(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode update record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write update record: %w", err)
	}
	return nil
}

// Newer reports whether remote is a release strictly greater than current.
// Prereleases never count as newer.
func Newer(remote, current string) bool {
	remote, current = canonical(remote), canonical(current)
	if semver.Prerelease(remote) != "" {
		return false
	}
	return semver.Compare(remote, current) > 0
}
