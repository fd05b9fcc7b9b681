package worker

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/model/config"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// DefaultDebounce coalesces the burst of events editors emit for a single save
const DefaultDebounce = 250 * time.Millisecond

// PolicyWatcher keeps the cadence rules store and the safeguard policy in sync with the
// policy TOML file. Invalid files are logged and ignored; the last good state stays.
//
// Every instance watching the same file upserts the same rules, so running several replicas
// is harmless.
type PolicyWatcher struct {
	rules    interfaces.CadenceRuleRepository
	path     string
	debounce time.Duration
	onPolicy func(model.SafeguardPolicy)

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	loaded   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type PolicyWatcherOption func(*PolicyWatcher)

// WithPolicyHandler receives the safeguard policy after every successful load
func WithPolicyHandler(fn func(model.SafeguardPolicy)) PolicyWatcherOption {
	return func(w *PolicyWatcher) {
		w.onPolicy = fn
	}
}

func WithDebounce(d time.Duration) PolicyWatcherOption {
	return func(w *PolicyWatcher) {
		w.debounce = d
	}
}

func NewPolicyWatcher(rules interfaces.CadenceRuleRepository, path string, opts ...PolicyWatcherOption) *PolicyWatcher {
	w := &PolicyWatcher{
		rules:    rules,
		path:     path,
		debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start loads the file once and then watches it in the background. A failing first load is
// returned so a broken file stops startup.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if _, err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create file watcher")
	}
	// Watch the directory: editors replace files by rename, which drops a file watch.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return goerr.Wrap(err, "failed to watch policy directory", goerr.V("dir", dir))
	}

	logging.Default().Info("policy watcher starting", "path", w.path, "debounce", w.debounce.String())
	go w.run(ctx, watcher)
	return nil
}

// Stop signals the watcher to stop and waits for completion
func (w *PolicyWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	logging.Default().Info("policy watcher stopped")
}

func (w *PolicyWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.doneCh)
	defer func() { _ = watcher.Close() }()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if _, err := w.Reload(ctx); err != nil {
				logging.Default().Warn("policy reload rejected, keeping previous state",
					"path", w.path, "error", err.Error())
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	file := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Default().Warn("policy watcher error", "error", err.Error())

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

// Reload reads the file and applies it. It reports false when the content did not change
// since the last successful load.
func (w *PolicyWatcher) Reload(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(filepath.Clean(w.path))
	if err != nil {
		return false, goerr.Wrap(err, "failed to read policy file", goerr.V("path", w.path))
	}
	hash := sha256.Sum256(data)
	if w.loaded && hash == w.lastHash {
		return false, nil
	}

	f, err := config.ParsePolicyFile(data)
	if err != nil {
		return false, goerr.Wrap(err, "invalid policy file", goerr.V("path", w.path))
	}

	rules := f.Rules()
	if len(rules) > 0 {
		if err := w.rules.Upsert(ctx, rules); err != nil {
			return false, goerr.Wrap(err, "failed to upsert cadence rules", goerr.V("count", len(rules)))
		}
	}
	if w.onPolicy != nil {
		w.onPolicy(f.SafeguardPolicy())
	}

	w.lastHash = hash
	w.loaded = true
	logging.Default().Info("policy file applied", "path", w.path, "cadence_rules", len(rules))
	return true, nil
}
