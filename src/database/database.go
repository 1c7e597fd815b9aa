// Package database is the shared store that measurement, estimation and control tasks exchange data through.
package database

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownBlock is returned for a block ID the store does not hold.
var ErrUnknownBlock = errors.New("unknown database block")

// BlockID identifies a table in the store.
type BlockID int

const (
	BlockCellVoltage BlockID = iota
	BlockCellTemperature
	BlockCurrentSensor
	BlockMinMax
	BlockContactors
	BlockPackState
	BlockSoc
	BlockSoe
	BlockSoh
	BlockSof
	BlockBalancingControl
	numBlocks
)

var blockNames = [numBlocks]string{
	"cell-voltage",
	"cell-temperature",
	"current-sensor",
	"min-max",
	"contactors",
	"pack-state",
	"soc",
	"soe",
	"soh",
	"sof",
	"balancing-control",
}

func (id BlockID) String() string {
	if id < 0 || id >= numBlocks {
		return fmt.Sprintf("block(%d)", int(id))
	}
	return blockNames[id]
}

// Header is embedded in every table.
// Timestamps are milliseconds on the store clock.
type Header struct {
	ID                BlockID
	Timestamp         uint32
	PreviousTimestamp uint32
}

func (h *Header) header() *Header { return h }

// Block is implemented by every table type through the embedded Header.
type Block interface {
	header() *Header
}

// Clock returns milliseconds since an arbitrary epoch.
type Clock func() uint32

// MonotonicClock returns a Clock counting from the moment it is created.
func MonotonicClock() Clock {
	start := time.Now()
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}
}

// Store holds one copy of every table. Read and Write copy whole tables
// under a single lock so that all blocks passed to one call are consistent.
type Store struct {
	mu     sync.RWMutex
	clock  Clock
	tables map[BlockID]Block
}

// NewStore creates a store with every table zeroed.
func NewStore(clock Clock) *Store {
	s := &Store{
		clock:  clock,
		tables: make(map[BlockID]Block, numBlocks),
	}
	for _, b := range []Block{
		&CellVoltageTable{},
		&CellTemperatureTable{},
		&CurrentSensorTable{},
		&MinMaxTable{},
		&ContactorTable{},
		&PackStateTable{},
		&EstimateTable{Header: Header{ID: BlockSoc}},
		&EstimateTable{Header: Header{ID: BlockSoe}},
		&SohTable{},
		&SofTable{},
		&BalancingControlTable{},
	} {
		id := idOf(b)
		b.header().ID = id
		s.tables[id] = b
	}
	return s
}

// Now returns the current store time in milliseconds.
func (s *Store) Now() uint32 {
	return s.clock()
}

// Read copies the stored tables into blocks. The ID of each block selects the table;
// types with a fixed ID get it assigned automatically.
func (s *Store) Read(blocks ...Block) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range blocks {
		stored, err := s.lookup(b)
		if err != nil {
			return err
		}
		if err := copyBlock(b, stored); err != nil {
			return err
		}
	}
	return nil
}

// Write stores copies of blocks and stamps their headers.
// The stamped header is written back into the caller's block.
func (s *Store) Write(blocks ...Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for _, b := range blocks {
		stored, err := s.lookup(b)
		if err != nil {
			return err
		}
		h := b.header()
		h.PreviousTimestamp = stored.header().Timestamp
		h.Timestamp = now
		if err := copyBlock(stored, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) lookup(b Block) (Block, error) {
	if et, ok := b.(*EstimateTable); ok {
		if et.ID != BlockSoc && et.ID != BlockSoe {
			return nil, fmt.Errorf("%w: estimate table with id %v", ErrUnknownBlock, et.ID)
		}
	} else {
		b.header().ID = idOf(b)
	}
	stored, ok := s.tables[b.header().ID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, b.header().ID)
	}
	return stored, nil
}

// idOf returns the fixed ID of a table type. Estimate tables carry their ID in the header.
func idOf(b Block) BlockID {
	switch t := b.(type) {
	case *CellVoltageTable:
		return BlockCellVoltage
	case *CellTemperatureTable:
		return BlockCellTemperature
	case *CurrentSensorTable:
		return BlockCurrentSensor
	case *MinMaxTable:
		return BlockMinMax
	case *ContactorTable:
		return BlockContactors
	case *PackStateTable:
		return BlockPackState
	case *EstimateTable:
		return t.ID
	case *SohTable:
		return BlockSoh
	case *SofTable:
		return BlockSof
	case *BalancingControlTable:
		return BlockBalancingControl
	}
	return -1
}

func copyBlock(dst, src Block) error {
	switch d := dst.(type) {
	case *CellVoltageTable:
		*d = *src.(*CellVoltageTable)
	case *CellTemperatureTable:
		*d = *src.(*CellTemperatureTable)
	case *CurrentSensorTable:
		*d = *src.(*CurrentSensorTable)
	case *MinMaxTable:
		*d = *src.(*MinMaxTable)
	case *ContactorTable:
		*d = *src.(*ContactorTable)
	case *PackStateTable:
		*d = *src.(*PackStateTable)
	case *EstimateTable:
		*d = *src.(*EstimateTable)
	case *SohTable:
		*d = *src.(*SohTable)
	case *SofTable:
		*d = *src.(*SofTable)
	case *BalancingControlTable:
		*d = *src.(*BalancingControlTable)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownBlock, dst)
	}
	return nil
}
