package toolset

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/ishara/deskmate/internal/observability"
)

// ReloadCallback is called with the freshly loaded toolset after its spec
// file changed on disk.
type ReloadCallback func(ts *Toolset) error

// Watcher monitors the spec directory and reloads registered toolsets when
// their spec files are rewritten.
type Watcher struct {
	watcher            *fsnotify.Watcher
	specDir            string
	stabilityThreshold time.Duration
	onReload           ReloadCallback

	mu       sync.Mutex
	toolsets map[string]registration // keyed by absolute spec path

	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
}

type registration struct {
	opts Options
}

// WatcherConfig holds configuration for the spec watcher.
type WatcherConfig struct {
	SpecDir            string
	StabilityThreshold time.Duration
	OnReload           ReloadCallback
}

// NewWatcher creates a watcher for the spec directory.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 200 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		specDir:            config.SpecDir,
		stabilityThreshold: config.StabilityThreshold,
		onReload:           config.OnReload,
		toolsets:           make(map[string]registration),
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Track registers a loaded toolset for reload when its spec file changes.
func (w *Watcher) Track(ts *Toolset, opts Options) {
	abs, err := filepath.Abs(ts.SpecPath)
	if err != nil {
		abs = ts.SpecPath
	}

	w.mu.Lock()
	w.toolsets[abs] = registration{opts: opts}
	w.mu.Unlock()
}

// Start starts watching the spec directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.specDir); err != nil {
		return fmt.Errorf("failed to watch spec dir: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("dir", w.specDir).
		Msg("Spec watcher started")

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Spec watcher stopped")
	return nil
}

// eventLoop processes file system events.
func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Spec watcher error")

		case <-w.done:
			return
		}
	}
}

// handleEvent debounces rapid successive writes to the same spec file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		abs = event.Name
	}

	w.mu.Lock()
	_, tracked := w.toolsets[abs]
	w.mu.Unlock()
	if !tracked {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[abs]; exists {
		timer.Stop()
	}

	w.debounceTimers[abs] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, abs)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.reload(abs)
		}
	})
}

// reload re-parses the spec file and hands the new toolset to the callback.
// A broken rewrite leaves the previous toolset in place.
func (w *Watcher) reload(specPath string) {
	w.mu.Lock()
	reg, ok := w.toolsets[specPath]
	w.mu.Unlock()
	if !ok {
		return
	}

	ts, err := Load(specPath, reg.opts)
	if err != nil {
		observability.RecordToolsetReload(reg.opts.Name, false)
		log.Error().
			Err(err).
			Str("spec", specPath).
			Msg("Spec reload failed, keeping previous toolset")
		return
	}

	observability.RecordToolsetReload(ts.Name, true)

	if w.onReload != nil {
		if err := w.onReload(ts); err != nil {
			log.Error().
				Err(err).
				Str("toolset", ts.Name).
				Msg("Error applying reloaded toolset")
			return
		}
	}

	log.Info().
		Str("toolset", ts.Name).
		Int("tools", len(ts.Tools)).
		Msg("Toolset reloaded")
}
