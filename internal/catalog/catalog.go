// Package catalog discovers voice conversion models on disk.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrModelNotFound is returned by Lookup for unknown names.
var ErrModelNotFound = errors.New("catalog: voice model not found")

const (
	KindWeights = "pth"
	KindIndex   = "index"
)

// Entry is one model file found during a scan.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"type"`
}

// Model groups the files sharing a base name.
type Model struct {
	Name        string `json:"name"`
	WeightsPath string `json:"weights_path,omitempty"`
	IndexPath   string `json:"index_path,omitempty"`
}

type snapshot struct {
	entries []Entry
	models  []Model
}

// Catalog holds the latest scan. Readers never block on a rescan.
type Catalog struct {
	dir     string
	logger  *slog.Logger
	current atomic.Pointer[snapshot]
	scanMu  sync.Mutex
}

func New(dir string, logger *slog.Logger) *Catalog {
	c := &Catalog{dir: dir, logger: logger.With(slog.String("component", "catalog"))}
	c.current.Store(&snapshot{})
	return c
}

func (c *Catalog) Dir() string { return c.dir }

// Rescan walks the model directory again and swaps in the new snapshot.
func (c *Catalog) Rescan() error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	entries, err := Scan(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("voice model directory not found", slog.String("dir", c.dir))
			c.current.Store(&snapshot{})
			return nil
		}
		return err
	}
	c.current.Store(&snapshot{entries: entries, models: Group(entries)})
	c.logger.Info("voice models scanned", slog.String("dir", c.dir), slog.Int("files", len(entries)))
	return nil
}

func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.current.Load().entries...)
}

func (c *Catalog) Models() []Model {
	return append([]Model(nil), c.current.Load().models...)
}

// Len is the number of model files known.
func (c *Catalog) Len() int {
	return len(c.current.Load().entries)
}

// Lookup finds a model by name, ignoring case.
func (c *Catalog) Lookup(name string) (Model, error) {
	for _, m := range c.current.Load().models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

// Scan returns the .pth and .index files below dir in lexical walk order.
func Scan(dir string) ([]Entry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var entries []Entry
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		var kind string
		switch ext {
		case ".pth":
			kind = KindWeights
		case ".index":
			kind = KindIndex
		default:
			return nil
		}
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path: path,
			Kind: kind,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return entries, nil
}

// Group merges entries sharing a base name, ignoring case, in first-seen order.
func Group(entries []Entry) []Model {
	var models []Model
	index := map[string]int{}
	for _, e := range entries {
		key := strings.ToLower(e.Name)
		i, ok := index[key]
		if !ok {
			i = len(models)
			index[key] = i
			models = append(models, Model{Name: e.Name})
		}
		switch e.Kind {
		case KindWeights:
			if models[i].WeightsPath == "" {
				models[i].WeightsPath = e.Path
			}
		case KindIndex:
			if models[i].IndexPath == "" {
				models[i].IndexPath = e.Path
			}
		}
	}
	return models
}
