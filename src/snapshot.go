package main

import (
	"context"
	"log"
	"time"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/database"
)

// Snapshot is a consistent copy of the published tables
type Snapshot struct {
	Taken time.Time

	Soc     database.EstimateTable
	Soe     database.EstimateTable
	Soh     database.SohTable
	Sof     database.SofTable
	MinMax  database.MinMaxTable
	Pack    database.PackStateTable
	Control database.BalancingControlTable

	Balancing balancing.Status
}

// BalancingStatus reports the balancing state machine for display.
type BalancingStatus interface {
	Status() balancing.Status
}

func takeSnapshot(store TableReader, bal BalancingStatus) (Snapshot, error) {
	snap := Snapshot{
		Taken:     time.Now(),
		Soc:       *database.NewSocTable(),
		Soe:       *database.NewSoeTable(),
		Balancing: bal.Status(),
	}
	err := store.Read(&snap.Soc, &snap.Soe, &snap.Soh, &snap.Sof, &snap.MinMax, &snap.Pack, &snap.Control)
	return snap, err
}

// snapshotWorker takes a snapshot every period and sends it to the output channel
func snapshotWorker(
	ctx context.Context,
	period time.Duration,
	store TableReader,
	bal BalancingStatus,
	outputChan chan<- Snapshot,
) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	errs := errorLog{name: "snapshot"}

	for {
		select {
		case <-ticker.C:
			snap, err := takeSnapshot(store, bal)
			errs.report(err)
			if err != nil {
				continue
			}
			select {
			case outputChan <- snap:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			log.Println("Snapshot worker stopped")
			return
		}
	}
}
