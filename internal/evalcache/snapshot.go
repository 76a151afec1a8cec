package evalcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/endgametrainer/api/internal/position"
)

// Record is one line of a snapshot file.
type Record[V any] struct {
	Key            position.Key `json:"key"`
	Value          V            `json:"value"`
	InsertedAt     time.Time    `json:"inserted_at"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
}

// WriteSnapshot writes all live entries as zstd compressed JSON lines, least
// recently used first so that reading them back restores the same order.
func (c *Cache[V]) WriteSnapshot(w io.Writer) (int, error) {
	now := c.now()

	c.mu.Lock()
	records := make([]Record[V], 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry[V])
		if c.expired(e, now) {
			continue
		}
		records = append(records, Record[V]{
			Key:            e.key,
			Value:          e.value,
			InsertedAt:     e.insertedAt,
			LastAccessedAt: e.lastAccessedAt,
		})
	}
	c.mu.Unlock()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			zw.Close()
			return i, fmt.Errorf("encode record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return len(records), fmt.Errorf("close zstd writer: %w", err)
	}
	return len(records), nil
}

// ReadSnapshot restores entries written by WriteSnapshot. Entries that have
// expired in the meantime are skipped. It returns the number restored.
func (c *Cache[V]) ReadSnapshot(r io.Reader) (int, error) {
	now := c.now()
	restored := 0
	err := ScanSnapshot(r, func(rec Record[V]) error {
		if now.Sub(rec.InsertedAt) >= c.ttl {
			return nil
		}
		c.mu.Lock()
		c.insert(rec.Key, rec.Value, rec.InsertedAt, rec.LastAccessedAt)
		c.mu.Unlock()
		restored++
		return nil
	})
	return restored, err
}

// ScanSnapshot decodes a snapshot stream, calling fn for every record.
func ScanSnapshot[V any](r io.Reader, fn func(Record[V]) error) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var rec Record[V]
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// SaveFile writes a snapshot to path atomically via a temp file and rename.
func (c *Cache[V]) SaveFile(path string) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := c.WriteSnapshot(tmp)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write snapshot %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename snapshot into place: %w", err)
	}
	return n, nil
}

// LoadFile restores a snapshot from path. A missing file is not an error.
func (c *Cache[V]) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return c.ReadSnapshot(f)
}
