package smfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smpubsub"
)

// Watcher is the child side of a directory broadcast channel.
// It implements [smbcast.Subscriber].
type Watcher struct {
	log *slog.Logger

	dir string

	fw *fsnotify.Watcher

	mu     sync.RWMutex
	values map[string][]byte

	// Head of the change stream; always unpublished.
	// Only published while holding mu.
	changes *smpubsub.Stream[smbcast.Change]

	done chan struct{}
}

var _ smbcast.Subscriber = (*Watcher)(nil)

// WatcherConfig is the configuration for [NewWatcher].
type WatcherConfig struct {
	// Directory an [Exporter] writes into.
	// It is created if missing, so a child may start before its parent.
	Dir string
}

// NewWatcher loads every snapshot currently in cfg.Dir
// and starts watching the directory for replacements.
// The ctx parameter controls the lifecycle of the Watcher;
// cancel the context to stop it,
// and then use [*Watcher.Wait] to block until it has stopped.
func NewWatcher(ctx context.Context, log *slog.Logger, cfg WatcherConfig) (*Watcher, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Start watching before the initial scan,
	// so a snapshot replaced during the scan is not missed.
	if err := fw.Add(cfg.Dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch snapshot directory: %w", err)
	}

	w := &Watcher{
		log: log,
		dir: cfg.Dir,
		fw:  fw,

		values: make(map[string][]byte),

		changes: smpubsub.NewStream[smbcast.Change](),

		done: make(chan struct{}),
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		key, ok := keyFromPath(de.Name())
		if !ok {
			continue
		}
		v, err := os.ReadFile(SnapshotPath(cfg.Dir, key))
		if err != nil {
			log.Warn("Failed to read initial snapshot", "key", key, "err", err)
			continue
		}
		w.values[key] = v
	}

	go w.run(ctx)

	return w, nil
}

// Wait blocks until the watcher's background work has finished.
func (w *Watcher) Wait() {
	<-w.done
}

// Get implements [smbcast.Subscriber].
func (w *Watcher) Get(key string) ([]byte, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	v, ok := w.values[key]
	return v, ok
}

// Changes implements [smbcast.Subscriber].
func (w *Watcher) Changes() *smpubsub.Stream[smbcast.Change] {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.changes
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fw.Close(); err != nil {
			w.log.Debug("Error closing fsnotify watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				w.log.Info("Stopping because fsnotify event channel closed")
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fw.Errors:
			if !ok {
				w.log.Info("Stopping because fsnotify error channel closed")
				return
			}
			w.log.Warn("Error from fsnotify", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// Exporters only ever rename complete files into place,
	// which shows up as a create.
	// Writes are handled too, for hand-edited snapshots.
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	key, ok := keyFromPath(ev.Name)
	if !ok {
		return
	}

	v, err := os.ReadFile(ev.Name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Replaced again before we got to it; a later event covers it.
			return
		}
		w.log.Warn("Failed to read snapshot", "key", key, "err", err)
		return
	}

	w.apply(key, v)
}

func (w *Watcher) apply(key string, v []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.values[key]; ok && bytes.Equal(old, v) {
		return
	}

	w.values[key] = v

	w.changes.Publish(smbcast.Change{
		Entries: []smbcast.Entry{{Key: key, Value: v}},
	})
	w.changes = w.changes.Next
}
