package vdf

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	avdf "github.com/andygrunwald/vdf"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

type cacheEntry struct {
	modTime time.Time
	tree    Tree
}

// Decoder parses VDF files and caches each result under its absolute path
// together with the file's modification time.
type Decoder struct {
	mu       sync.Mutex
	cache    map[string]cacheEntry
	readFile func(string) ([]byte, error)
	logger   *zap.Logger
}

// NewDecoder creates a decoder with an empty cache.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{
		cache:    make(map[string]cacheEntry),
		readFile: os.ReadFile,
		logger:   logger,
	}
}

// Parse decodes the file at path. With useCache, a cached tree is returned
// when the file's modification time still equals the cached one; otherwise
// the file is re-read and the cache entry replaced.
// Read and decode failures are returned as *domain.DecodeError.
func (d *Decoder) Parse(path string, useCache bool) (Tree, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &domain.DecodeError{Path: path, Err: err}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &domain.DecodeError{Path: abs, Err: err}
	}
	modTime := info.ModTime()

	if useCache {
		d.mu.Lock()
		entry, ok := d.cache[abs]
		d.mu.Unlock()
		if ok && entry.modTime.Equal(modTime) {
			return entry.tree, nil
		}
	}

	data, err := d.readFile(abs)
	if err != nil {
		return nil, &domain.DecodeError{Path: abs, Err: err}
	}

	parsed, err := avdf.NewParser(bytes.NewReader(data)).Parse()
	if err != nil {
		return nil, &domain.DecodeError{Path: abs, Err: err}
	}
	tree := Tree(parsed)

	d.mu.Lock()
	d.cache[abs] = cacheEntry{modTime: modTime, tree: tree}
	d.mu.Unlock()

	d.logger.Debug("parsed vdf file", zap.String("path", abs))
	return tree, nil
}

// ClearCacheForFile drops the cache entry for path.
func (d *Decoder) ClearCacheForFile(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	d.mu.Lock()
	delete(d.cache, abs)
	d.mu.Unlock()
}
