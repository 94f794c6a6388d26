// Package store persists per-cell processed state. One cell is one
// self-contained file; a corrupt or missing file reads back as
// ErrNoState so the pipeline falls back to a cold start instead of a
// partial merge.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/timeseries"
)

var log = logrus.New()

// SetLogger routes this package's logging to a shared logger.
func SetLogger(l *logrus.Logger) { log = l }

// ErrNoState reports that no usable persisted state exists for a cell.
var ErrNoState = errors.New("no persisted state for cell")

// CellState is everything persisted for one cell.
type CellState struct {
	Samples   *timeseries.SampleTable
	Metrics   timeseries.CycleMetricsTable
	Expansion *timeseries.ExpansionTable
}

// Cache is an optional look-aside read cache fronting the file load
// path. It is not authoritative: a miss always falls through to the
// file with identical results.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte)
}

// Store reads and writes cell state files under one directory.
type Store struct {
	Dir   string
	Cache Cache // optional
}

func (s Store) path(device string) string {
	return filepath.Join(s.Dir, device+".state")
}

// Load returns the persisted state for a device. Missing or corrupt
// files yield ErrNoState (corruption is logged).
func (s Store) Load(device string) (*CellState, error) {
	if s.Cache != nil {
		if raw, ok := s.Cache.Get(device); ok {
			st, err := decode(raw)
			if err == nil {
				return st, nil
			}
			log.WithField("device", device).Warnf("cached state undecodable, reading file: %v", err)
		}
	}
	raw, err := os.ReadFile(s.path(device))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state for %s: %w", device, err)
	}
	st, err := decode(raw)
	if err != nil {
		log.WithField("device", device).Warnf("persisted state corrupt, reprocessing from scratch: %v", err)
		return nil, ErrNoState
	}
	if s.Cache != nil {
		s.Cache.Set(device, raw)
	}
	return st, nil
}

// Save writes the state atomically and refreshes the cache.
func (s Store) Save(device string, st *CellState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode state for %s: %w", device, err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path(device) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write state for %s: %w", device, err)
	}
	if err := os.Rename(tmp, s.path(device)); err != nil {
		return fmt.Errorf("commit state for %s: %w", device, err)
	}
	if s.Cache != nil {
		s.Cache.Set(device, buf.Bytes())
	}
	return nil
}

func decode(raw []byte) (*CellState, error) {
	var st CellState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// MemCache is a trivial in-process Cache, used in tests and as a
// single-process stand-in for an external key-value store.
type MemCache struct {
	m map[string][]byte
}

func NewMemCache() *MemCache { return &MemCache{m: make(map[string][]byte)} }

func (c *MemCache) Get(key string) ([]byte, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *MemCache) Set(key string, val []byte) {
	c.m[key] = append([]byte(nil), val...)
}
