// Package nvm keeps estimator state across power cycles in a CBOR encoded file.
package nvm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ryansname/bmsctl/src/battery"
)

// BlockID identifies a persisted snapshot.
type BlockID uint8

const (
	BlockSoc BlockID = iota + 1
	BlockSoe
)

func (id BlockID) String() string {
	switch id {
	case BlockSoc:
		return "soc"
	case BlockSoe:
		return "soe"
	}
	return fmt.Sprintf("nvm-block(%d)", uint8(id))
}

// DefaultPercent is the value reported for a block that was never written.
const DefaultPercent = 50.0

// Snapshot is the persisted part of a SOC or SOE estimate.
type Snapshot struct {
	AveragePercent      [battery.NrOfStrings]float64 `cbor:"1,keyasint"`
	MinimumPercent      [battery.NrOfStrings]float64 `cbor:"2,keyasint"`
	MaximumPercent      [battery.NrOfStrings]float64 `cbor:"3,keyasint"`
	ChargeThroughput    [battery.NrOfStrings]float64 `cbor:"4,keyasint"`
	DischargeThroughput [battery.NrOfStrings]float64 `cbor:"5,keyasint"`
}

// DefaultSnapshot returns the snapshot used before anything was persisted.
func DefaultSnapshot() Snapshot {
	var s Snapshot
	for i := range battery.NrOfStrings {
		s.AveragePercent[i] = DefaultPercent
		s.MinimumPercent[i] = DefaultPercent
		s.MaximumPercent[i] = DefaultPercent
	}
	return s
}

// Store is a write-through persistence layer: every Write is committed to disk before it returns.
// An empty path keeps the snapshots in memory only.
type Store struct {
	mu     sync.Mutex
	path   string
	blocks map[BlockID]Snapshot
}

// Open loads the snapshots stored at path. A missing file is not an error.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		blocks: make(map[BlockID]Snapshot),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read nvm file: %w", err)
	}
	if err := cbor.Unmarshal(data, &s.blocks); err != nil {
		return nil, fmt.Errorf("decode nvm file %s: %w", path, err)
	}
	return s, nil
}

// NewMemory returns a store that never touches the filesystem.
func NewMemory() *Store {
	s, _ := Open("")
	return s
}

// Read returns the persisted snapshot for id, or DefaultSnapshot if none was written.
func (s *Store) Read(id BlockID) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.blocks[id]
	if !ok {
		return DefaultSnapshot(), nil
	}
	return snap, nil
}

// Write persists snap for id.
func (s *Store) Write(id BlockID, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[id] = snap
	if s.path == "" {
		return nil
	}
	return s.flush()
}

// flush replaces the file atomically so a power cut leaves either the old or the new content.
func (s *Store) flush() error {
	data, err := cbor.Marshal(s.blocks)
	if err != nil {
		return fmt.Errorf("encode nvm: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create nvm temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write nvm temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync nvm temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close nvm temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace nvm file: %w", err)
	}
	return nil
}
