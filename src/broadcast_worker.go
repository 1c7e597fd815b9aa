package main

import (
	"context"
	"log"
)

// broadcastWorker receives snapshots and fans out to multiple downstream workers
func broadcastWorker(ctx context.Context, inputChan <-chan Snapshot, outputChans []chan<- Snapshot) {
	for {
		select {
		case snap := <-inputChan:
			// A slow consumer only misses snapshots, it never stalls the others
			for i, ch := range outputChans {
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				default:
					log.Printf("Warning: downstream worker %d channel full, dropping snapshot\n", i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
