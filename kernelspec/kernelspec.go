// Package kernelspec discovers installed Jupyter kernels.
//
// A kernel is installed as a directory containing kernel.json and, optionally,
// a logo-64x64.png. Kernel directories live under one of several search
// paths; Registry.Discover scans an ordered list of them and returns one Spec
// per distinct kernel.
//
// The search paths are an input. DefaultSearchPaths builds the conventional
// list for a platform, but Discover itself only scans what it is given.
package kernelspec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-jupytercore/metrics"
)

const (
	specFile = "kernel.json"
	iconFile = "logo-64x64.png"

	defaultConcurrency = 8
)

// ErrEmptyArgv is reported for a kernel.json without a command line.
var ErrEmptyArgv = errors.New("kernel.json has empty argv")

// LocationType tells whether a search path belongs to the user or the system.
type LocationType int

const (
	Global LocationType = iota
	User
)

// String returns "global" or "user".
func (t LocationType) String() string {
	switch t {
	case Global:
		return "global"
	case User:
		return "user"
	default:
		return fmt.Sprintf("LocationType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t LocationType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *LocationType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "global":
		*t = Global
	case "user":
		*t = User
	default:
		return fmt.Errorf("unknown location type %q", text)
	}
	return nil
}

// SearchPath is one directory that may contain kernel directories.
type SearchPath struct {
	Path string
	Type LocationType
}

// Spec describes one installed kernel.
type Spec struct {
	// ID is derived from the search path, the full command line and the
	// language, so identical installs reached twice collapse to one entry.
	ID           string            `json:"id" yaml:"id"`
	Location     string            `json:"location" yaml:"location"`
	LocationType LocationType      `json:"location_type" yaml:"location_type"`
	Binary       string            `json:"binary" yaml:"binary"`
	Argv         []string          `json:"argv" yaml:"argv"`
	DisplayName  string            `json:"display_name" yaml:"display_name"`
	Language     string            `json:"language" yaml:"language"`
	IconData     string            `json:"icon_data,omitempty" yaml:"-"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// InterruptMode is "signal" (default) or "message".
	InterruptMode string `json:"interrupt_mode,omitempty" yaml:"interrupt_mode,omitempty"`
}

// InterruptByMessage reports whether the kernel wants interrupt_request on
// the control channel instead of SIGINT.
func (s *Spec) InterruptByMessage() bool {
	return s.InterruptMode == "message"
}

// DiscoveryError records a kernel directory that was skipped.
type DiscoveryError struct {
	Dir string
	Err error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("kernel %s: %v", e.Dir, e.Err)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for skipped kernels.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHandler registers a callback for every skipped kernel directory.
// It is called on the goroutine running Discover, in search order.
func WithErrorHandler(fn func(*DiscoveryError)) Option {
	return func(r *Registry) {
		r.onError = fn
	}
}

// WithConcurrency bounds how many kernel directories are read at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics records skipped directories.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry scans search paths for kernels. It holds no state between calls.
type Registry struct {
	logger      *slog.Logger
	onError     func(*DiscoveryError)
	concurrency int
	metrics     *metrics.Metrics
}

// NewRegistry returns a registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:      slog.New(slog.DiscardHandler),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	search SearchPath
	dir    string
}

// Discover returns the kernels found under paths, in search-path order and
// then directory-name order, with duplicates by ID removed keeping the first.
//
// Missing search paths and subdirectories without kernel.json are skipped
// silently. A kernel.json that cannot be used is reported as a
// *DiscoveryError through the logger and error handler and skipped. The
// returned error is only ever the context's.
func (r *Registry) Discover(ctx context.Context, paths []SearchPath) ([]Spec, error) {
	var candidates []candidate
	for _, sp := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(sp.Path)
		if err != nil {
			r.logger.DebugContext(ctx, "skipping search path", slog.String("path", sp.Path), slog.Any("error", err))
			continue
		}
		for _, entry := range entries {
			dir := filepath.Join(sp.Path, entry.Name())
			if !isDir(entry, dir) {
				continue
			}
			candidates = append(candidates, candidate{search: sp, dir: dir})
		}
	}

	specs := make([]*Spec, len(candidates))
	failures := make([]error, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spec, err := load(c)
			switch {
			case errors.Is(err, fs.ErrNotExist):
			case err != nil:
				failures[i] = err
			default:
				specs[i] = spec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(specs))
	out := make([]Spec, 0, len(specs))
	for i, spec := range specs {
		if err := failures[i]; err != nil {
			r.report(ctx, &DiscoveryError{Dir: candidates[i].dir, Err: err})
			continue
		}
		if spec == nil {
			continue
		}
		if _, dup := seen[spec.ID]; dup {
			continue
		}
		seen[spec.ID] = struct{}{}
		out = append(out, *spec)
	}
	return out, nil
}

func (r *Registry) report(ctx context.Context, err *DiscoveryError) {
	r.logger.WarnContext(ctx, "skipping kernel", slog.String("dir", err.Dir), slog.Any("error", err.Err))
	r.metrics.IncDiscoveryError()
	if r.onError != nil {
		r.onError(err)
	}
}

func isDir(entry fs.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// kernelJSON is the on-disk format.
type kernelJSON struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Env           map[string]string `json:"env"`
	InterruptMode string            `json:"interrupt_mode"`
}

// load returns an error wrapping fs.ErrNotExist when dir has no kernel.json.
func load(c candidate) (*Spec, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, specFile))
	if err != nil {
		return nil, err
	}

	var raw kernelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", specFile, err)
	}
	if len(raw.Argv) == 0 {
		return nil, ErrEmptyArgv
	}

	spec := &Spec{
		ID:            strings.Join(append(append([]string{c.search.Path}, raw.Argv...), raw.Language), " "),
		Location:      c.search.Path,
		LocationType:  c.search.Type,
		Binary:        raw.Argv[0],
		Argv:          raw.Argv[1:],
		DisplayName:   raw.DisplayName,
		Language:      raw.Language,
		Env:           raw.Env,
		InterruptMode: raw.InterruptMode,
	}

	icon, err := os.ReadFile(filepath.Join(c.dir, iconFile))
	if err == nil {
		spec.IconData = "data:image/png;base64," + base64.StdEncoding.EncodeToString(icon)
	}

	return spec, nil
}

// Env is the process environment DefaultSearchPaths reads.
type Env struct {
	GOOS   string
	Home   string
	Getenv func(string) string
}

// OSEnv returns the current process environment.
func OSEnv() Env {
	home, _ := os.UserHomeDir()
	return Env{GOOS: runtime.GOOS, Home: home, Getenv: os.Getenv}
}

// DefaultSearchPaths returns the conventional kernel locations for env, most
// specific first: JUPYTER_PATH entries, the active conda prefix, then the
// per-platform user and system directories.
func DefaultSearchPaths(env Env) []SearchPath {
	getenv := env.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	var paths []SearchPath
	if jp := getenv("JUPYTER_PATH"); jp != "" {
		sep := string(os.PathListSeparator)
		if env.GOOS == "windows" {
			sep = ";"
		} else if env.GOOS != "" {
			sep = ":"
		}
		for _, p := range strings.Split(jp, sep) {
			if p != "" {
				paths = append(paths, SearchPath{Path: joinPath(env.GOOS, p, "kernels"), Type: User})
			}
		}
	}

	if prefix := getenv("CONDA_PREFIX"); prefix != "" {
		paths = append(paths,
			SearchPath{Path: joinPath(env.GOOS, prefix, "share", "jupyter", "kernels"), Type: User},
			SearchPath{Path: joinPath(env.GOOS, prefix, "local", "share", "jupyter", "kernels"), Type: User},
		)
	}

	if env.GOOS == "windows" {
		return append(paths,
			SearchPath{Path: getenv("APPDATA") + `\jupyter\kernels`, Type: User},
			SearchPath{Path: getenv("PROGRAMDATA") + `\jupyter\kernels`, Type: Global},
		)
	}

	return append(paths,
		SearchPath{Path: env.Home + "/Library/Jupyter/kernels", Type: User},
		SearchPath{Path: env.Home + "/.local/share/jupyter/kernels", Type: User},
		SearchPath{Path: "/opt/conda/share/jupyter/kernels", Type: User},
		SearchPath{Path: "/opt/conda/local/share/jupyter/kernels", Type: User},
		SearchPath{Path: "/usr/share/jupyter/kernels", Type: Global},
		SearchPath{Path: "/usr/local/share/jupyter/kernels", Type: Global},
	)
}

func joinPath(goos string, elem ...string) string {
	if goos == "windows" {
		return strings.Join(elem, `\`)
	}
	return strings.Join(elem, "/")
}
