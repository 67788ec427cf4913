package filestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/store"
)

// collection is one JSON file holding a whole value of type T. All access
// goes through the collection mutex, so read-modify-write cycles from
// concurrent callers are serialised.
type collection[T any] struct {
	mu sync.Mutex

	name string
	path string

	empty     func() T
	normalize func(T) T
	compact   func(T) T

	maxBytes   int
	retries    int
	retryDelay time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// load reads the collection from disk. A missing or blank file yields the
// empty value; a file that fails to parse is backed up and reinitialised.
// Callers must hold c.mu.
func (c *collection[T]) load() (T, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return c.empty(), nil
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("filestore: read %s: %w", c.name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return c.empty(), nil
	}

	v := c.empty()
	if err := json.Unmarshal(data, &v); err != nil {
		c.recoverCorrupt(data, err)
		return c.empty(), nil
	}
	return c.normalize(v), nil
}

// recoverCorrupt preserves the unreadable bytes next to the collection and
// resets the collection to its empty state.
func (c *collection[T]) recoverCorrupt(data []byte, cause error) {
	backup := fmt.Sprintf("%s.backup.%d", c.path, c.now().UnixMilli())
	log := c.logger.With(
		zap.String("collection", c.name),
		zap.Error(errors.Join(store.ErrCorrupt, cause)),
	)

	if err := os.WriteFile(backup, data, 0o600); err != nil {
		log.Error("failed to back up corrupt collection", zap.String("backup", backup), zap.NamedError("backup_error", err))
	} else {
		log.Warn("corrupt collection backed up", zap.String("backup", backup))
	}

	if err := c.save(c.empty()); err != nil {
		log.Error("failed to reinitialise corrupt collection", zap.NamedError("save_error", err))
	}
	metrics.StoreRecoveries.WithLabelValues(c.name).Inc()
}

// save serialises v and atomically replaces the file. When the encoded form
// exceeds the size ceiling the value is compacted first. Callers must hold
// c.mu.
func (c *collection[T]) save(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", c.name, err)
	}

	if c.maxBytes > 0 && len(data) > c.maxBytes {
		c.logger.Warn("collection exceeds size ceiling, compacting",
			zap.String("collection", c.name),
			zap.Int("bytes", len(data)),
			zap.Int("max_bytes", c.maxBytes),
			zap.Error(store.ErrOversize),
		)
		metrics.StoreCompactions.WithLabelValues(c.name).Inc()

		data, err = json.MarshalIndent(c.compact(v), "", "  ")
		if err != nil {
			return fmt.Errorf("filestore: marshal compacted %s: %w", c.name, err)
		}
		if len(data) > c.maxBytes {
			return fmt.Errorf("filestore: save %s (%d bytes after compaction): %w", c.name, len(data), store.ErrOversize)
		}
	}

	return c.write(data)
}

// write persists data with a bounded number of attempts.
func (c *collection[T]) write(data []byte) error {
	attempts := c.retries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = writeAtomic(c.path, data); err == nil {
			return nil
		}
		if attempt < attempts {
			c.logger.Warn("collection write failed, retrying",
				zap.String("collection", c.name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			time.Sleep(c.retryDelay)
		}
	}
	return fmt.Errorf("filestore: write %s after %d attempts: %w", c.name, attempts, err)
}

// view runs fn against the current value without writing.
func (c *collection[T]) view(fn func(T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.load()
	if err != nil {
		return err
	}
	return fn(v)
}

// update runs a read-modify-write cycle. fn reports whether it changed the
// value; unchanged values are not rewritten.
func (c *collection[T]) update(fn func(T) (T, bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.load()
	if err != nil {
		return err
	}
	next, dirty, err := fn(v)
	if err != nil || !dirty {
		return err
	}
	return c.save(next)
}

// ensure creates the file with the empty value if it does not exist yet.
func (c *collection[T]) ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: stat %s: %w", c.name, err)
	}
	return c.save(c.empty())
}

// writeAtomic writes data to a temporary file in the target directory,
// fsyncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}

	// Persist the rename itself. Not every platform allows syncing a
	// directory, so failures here are ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
