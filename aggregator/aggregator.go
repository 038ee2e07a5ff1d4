// Package aggregator orchestrates aggregation passes: fetch every upstream
// document, merge them into one aggregated document plus a binding table,
// and publish the pair as an immutable snapshot. Readers always see a
// complete snapshot; a pass in progress never exposes partial state.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v4"

	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/internal/fileutil"
	"github.com/oasmux/oasmux/merger"
	"github.com/oasmux/oasmux/registry"
)

// aggregatorLogger is used for pass and watch diagnostics.
// Tests can replace this with a discard logger to suppress expected warnings.
var aggregatorLogger = slog.Default()

// SpecFileName is the file name WriteSpec produces inside its target
// directory.
const SpecFileName = "swagger.yaml"

// Snapshot is the immutable result of one aggregation pass. Dispatches that
// hold a snapshot keep using it even after a newer pass publishes.
type Snapshot struct {
	Spec     *merger.AggregatedSpec
	Bindings *merger.BindingTable
	BuiltAt  time.Time
}

// Aggregator owns the configuration and upstream registry and publishes
// snapshots. Run and Watch are serialized with a mutex; Snapshot is
// lock-free and safe from any goroutine.
type Aggregator struct {
	mu           sync.Mutex
	cfg          *config.Config
	registry     *registry.Registry
	registryOpts []registry.Option
	current      atomic.Pointer[Snapshot]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRegistryOptions forwards options to the upstream registry, also across
// config reloads. Intended for injecting fetchers and retry callers.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(a *Aggregator) {
		a.registryOpts = opts
	}
}

// New creates an Aggregator for a loaded configuration. No pass runs until
// Run is called.
func New(cfg *config.Config, opts ...Option) *Aggregator {
	a := &Aggregator{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	a.registry = registry.New(cfg, a.registryOpts...)
	return a
}

// Run executes one aggregation pass and atomically publishes the resulting
// snapshot. On error the previously published snapshot stays in place.
// Upstreams that cannot be fetched are skipped by the pass, not fatal to it.
func (a *Aggregator) Run(ctx context.Context) (*Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runLocked(ctx)
}

func (a *Aggregator) runLocked(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	upstreams := a.registry.FetchAll()

	skeleton := merger.Skeleton{Info: a.cfg.Info, BasePath: a.cfg.BasePath}
	spec, bindings, err := merger.Merge(skeleton, upstreams, a.cfg.ExcludePaths, a.cfg.ExcludeFields)
	if err != nil {
		return nil, fmt.Errorf("aggregator: pass failed: %w", err)
	}

	snap := &Snapshot{Spec: spec, Bindings: bindings, BuiltAt: time.Now()}
	a.current.Store(snap)
	aggregatorLogger.Info("aggregator: pass complete",
		"upstreams", len(upstreams),
		"paths", len(spec.Paths),
		"definitions", len(spec.Definitions),
		"operations", bindings.Len(),
		"elapsed", time.Since(started))
	return snap, nil
}

// Snapshot returns the most recently published snapshot, or nil when no pass
// has completed yet.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.current.Load()
}

// Config returns the currently active configuration. Watch replaces it on a
// successful reload.
func (a *Aggregator) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Upstreams returns the registry's upstream records, including per-upstream
// fetch errors from the most recent pass.
func (a *Aggregator) Upstreams() []*registry.UpstreamAPI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.APIs()
}

// Upstream returns the named upstream's record, or nil when the
// configuration does not declare it.
func (a *Aggregator) Upstream(name string) *registry.UpstreamAPI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Get(name)
}

// WriteSpec serializes the current snapshot's aggregated document as YAML to
// <dir>/swagger.yaml with restrictive 0600 permissions. Permissions are
// re-applied explicitly in case the file already existed with a wider mode.
func (a *Aggregator) WriteSpec(dir string) error {
	snap := a.current.Load()
	if snap == nil {
		return fmt.Errorf("aggregator: no aggregation pass has completed")
	}
	data, err := yaml.Marshal(snap.Spec)
	if err != nil {
		return fmt.Errorf("aggregator: failed to marshal aggregated document: %w", err)
	}
	path := filepath.Join(dir, SpecFileName)
	if err := os.WriteFile(path, data, fileutil.OwnerReadWrite); err != nil {
		return fmt.Errorf("aggregator: failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, fileutil.OwnerReadWrite); err != nil {
		return fmt.Errorf("aggregator: failed to set permissions on %s: %w", path, err)
	}
	return nil
}

// Watch blocks watching the config file and re-runs the aggregation pass
// whenever it changes, until ctx is cancelled. Editors typically replace
// files on save, so renamed or removed paths are re-added to the watcher. A
// failed reload or pass keeps the previous snapshot and is logged, not
// fatal.
func (a *Aggregator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("aggregator: failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(a.cfg.Path); err != nil {
		return fmt.Errorf("aggregator: failed to watch %s: %w", a.cfg.Path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				readdWatch(watcher, ev.Name)
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := a.reload(ctx); err != nil {
					aggregatorLogger.Warn("aggregator: reload after config change failed",
						"file", ev.Name, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			aggregatorLogger.Error("aggregator: watch error", "error", err)
		}
	}
}

// readdWatch re-adds a watched path after a rename or remove, retrying
// briefly while the editor's replacement file appears.
func readdWatch(watcher *fsnotify.Watcher, name string) {
	for i := 0; i < 5; i++ {
		err := watcher.Add(name)
		if err == nil {
			return
		}
		if !os.IsNotExist(err) {
			aggregatorLogger.Error("aggregator: watch re-add failed", "file", name, "error", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// reload re-reads the config file with the original placeholder values,
// rebuilds the registry, and runs a fresh pass.
func (a *Aggregator) reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.cfg.Reload()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.registry = registry.New(cfg, a.registryOpts...)
	_, err = a.runLocked(ctx)
	return err
}
