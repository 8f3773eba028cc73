package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Document is a file-backed JSON document with exclusive-writer
// serialization. Mutations go through Update, which loads the latest
// state, applies the mutator, and persists atomically via a temp file
// and rename. A failed mutation or write never leaves the in-memory
// copy ahead of disk: the cache is dropped and reloaded on next use.
type Document[D any] struct {
	path  string
	empty func() *D

	mu  sync.Mutex
	doc *D
}

// NewDocument creates a document store backed by the given file. empty
// constructs the default structure used when the file does not exist yet.
func NewDocument[D any](path string, empty func() *D) *Document[D] {
	return &Document[D]{path: path, empty: empty}
}

// Path returns the backing file path.
func (d *Document[D]) Path() string { return d.path }

// View runs fn with read access to the current document. fn must not
// retain or mutate the document.
func (d *Document[D]) View(fn func(*D) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// Update runs fn with exclusive write access and persists the result.
// If fn or the write fails, the in-memory copy is invalidated so the
// next access re-reads disk.
func (d *Document[D]) Update(fn func(*D) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		d.doc = nil
		return err
	}
	if err := d.persist(doc); err != nil {
		d.doc = nil
		return err
	}
	return nil
}

func (d *Document[D]) load() (*D, error) {
	if d.doc != nil {
		return d.doc, nil
	}
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.doc = d.empty()
		return d.doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	doc := d.empty()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.path, err)
	}
	d.doc = doc
	return doc, nil
}

func (d *Document[D]) persist(doc *D) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
