package smstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// JSONFile stores the document as a single JSON object on disk,
// one top-level property per key.
type JSONFile struct {
	log *slog.Logger

	path string

	d *debouncer
}

var _ Store = (*JSONFile)(nil)

// JSONFileConfig is the configuration for [NewJSONFile].
type JSONFileConfig struct {
	// Location of the file.
	// Use [JSONFilePath] for the conventional location.
	Path string

	// Debounce window for SaveSoon.
	// If zero, [DefaultSaveDelay] is used.
	SaveDelay time.Duration
}

// JSONFilePath returns the conventional file path
// for the map named sharedDataKey inside profileDir.
func JSONFilePath(profileDir, sharedDataKey string) string {
	return filepath.Join(profileDir, sharedDataKey+".json")
}

// NewJSONFile returns a JSONFile for cfg.Path.
// Nothing is read until Load.
func NewJSONFile(log *slog.Logger, cfg JSONFileConfig) *JSONFile {
	if cfg.Path == "" {
		panic(errors.New("BUG: JSONFileConfig.Path may not be empty"))
	}

	f := &JSONFile{
		log:  log,
		path: cfg.Path,
	}
	f.d = newDebouncer(log, cfg.SaveDelay, f.write)
	return f
}

// Path returns the file location.
func (f *JSONFile) Path() string {
	return f.path
}

// Load implements [Store].
// A missing file loads as an empty document;
// a file that is not a JSON object is an error.
func (f *JSONFile) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	type result struct {
		data map[string]json.RawMessage
		err  error
	}

	// Buffered so the read goroutine never blocks if we stop waiting.
	ch := make(chan result, 1)
	go func() {
		data, err := f.read()
		ch <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load of %s interrupted: %w", f.path, context.Cause(ctx))
	case r := <-ch:
		return r.data, r.err
	}
}

func (f *JSONFile) read() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.log.Debug("No persisted file; starting empty", "path", f.path)
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	if data == nil {
		// The file contained a literal null.
		data = map[string]json.RawMessage{}
	}
	return data, nil
}

// SaveSoon implements [Store].
func (f *JSONFile) SaveSoon(data map[string]json.RawMessage) {
	f.d.schedule(data)
}

// Flush implements [Store].
func (f *JSONFile) Flush(ctx context.Context) error {
	return f.d.flush(ctx)
}

// Close implements [Store].
func (f *JSONFile) Close(ctx context.Context) error {
	return f.d.close(ctx)
}

// write replaces the file atomically.
func (f *JSONFile) write(ctx context.Context, data map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write of %s interrupted: %w", f.path, context.Cause(ctx))
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data for %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", f.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", f.path, err)
	}

	f.log.Debug("Saved", "path", f.path, "keys", len(data))
	return nil
}
