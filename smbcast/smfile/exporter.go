package smfile

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smpubsub"
)

// SnapshotSuffix is the file extension of every snapshot file.
const SnapshotSuffix = ".snapshot"

// SnapshotPath returns the snapshot file path for key within dir.
// Keys are path-escaped so any namespace key maps to a single file name.
// A leading dot is escaped too, since dot files are reserved for temporaries.
func SnapshotPath(dir, key string) string {
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return filepath.Join(dir, name+SnapshotSuffix)
}

// keyFromPath is the inverse of SnapshotPath.
// It reports false for files that are not snapshots.
func keyFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, SnapshotSuffix) {
		return "", false
	}

	key, err := url.PathUnescape(strings.TrimSuffix(base, SnapshotSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

// Exporter writes a hub's deliveries into a directory.
type Exporter struct {
	log *slog.Logger

	dir string

	done chan struct{}
}

// ExporterConfig is the configuration for [NewExporter].
type ExporterConfig struct {
	Hub *smbcast.Hub

	// Directory to write snapshots into.
	// It is created if missing.
	Dir string
}

// NewExporter writes every value the hub has delivered so far,
// then starts a goroutine writing each later delivery.
// The ctx parameter controls the lifecycle of that goroutine;
// use [*Exporter.Wait] to block until it has stopped.
func NewExporter(ctx context.Context, log *slog.Logger, cfg ExporterConfig) (*Exporter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	e := &Exporter{
		log: log,
		dir: cfg.Dir,

		done: make(chan struct{}),
	}

	snap, changes := cfg.Hub.Snapshot()
	for k, v := range snap {
		if err := e.write(k, v); err != nil {
			return nil, err
		}
	}

	go e.follow(ctx, changes)

	return e, nil
}

// Wait blocks until the exporter's background work has finished.
func (e *Exporter) Wait() {
	<-e.done
}

func (e *Exporter) follow(ctx context.Context, changes *smpubsub.Stream[smbcast.Change]) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			// Deliveries published before cancellation still reach disk,
			// so a parent that flushes and then stops leaves a current export.
			for changes.Published() {
				e.writeChange(changes.Val)
				changes = changes.Next
			}
			e.log.Info("Stopping exporter", "cause", context.Cause(ctx))
			return

		case <-changes.Ready:
			e.writeChange(changes.Val)
			changes = changes.Next
		}
	}
}

func (e *Exporter) writeChange(c smbcast.Change) {
	for _, ent := range c.Entries {
		if err := e.write(ent.Key, ent.Value); err != nil {
			// A failed write leaves the previous snapshot in place;
			// the next delivery for the key replaces it wholesale.
			e.log.Warn("Failed to export snapshot", "key", ent.Key, "err", err)
		}
	}
}

// write atomically replaces the snapshot file for key.
// The temporary file starts with a dot so watchers ignore it.
func (e *Exporter) write(key string, value []byte) error {
	dst := SnapshotPath(e.dir, key)

	f, err := os.CreateTemp(e.dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write temporary snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temporary snapshot file: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	return nil
}
