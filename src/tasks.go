package main

import (
	"context"
	"log"
	"time"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// estimationStartupGrace bounds how long estimation waits for current samples before it
// initializes without them.
const estimationStartupGrace = 10 * time.Second

// errorLog logs a task error once until the task recovers or fails differently.
type errorLog struct {
	name string
	last string
}

func (l *errorLog) report(err error) {
	if err == nil {
		if l.last != "" {
			log.Printf("%s recovered\n", l.name)
			l.last = ""
		}
		return
	}
	if msg := err.Error(); msg != l.last {
		log.Printf("%s: %v\n", l.name, err)
		l.last = msg
	}
}

// periodicWorker calls step every period until the context is done
func periodicWorker(ctx context.Context, name string, period time.Duration, step func() error) {
	log.Printf("%s task started (every %v)\n", name, period)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	errs := errorLog{name: name}

	for {
		select {
		case <-ticker.C:
			errs.report(step())
		case <-ctx.Done():
			log.Printf("%s task stopped\n", name)
			return
		}
	}
}

// Estimator is the state estimation run by estimationWorker.
type Estimator interface {
	Initialize() error
	Run() error
	SetStateOfCharge(s int, minimum, maximum, average float64) error
}

// TableReader reads database tables.
type TableReader interface {
	Read(blocks ...database.Block) error
}

// currentMeasured reports whether every string has delivered a current sample.
func currentMeasured(store TableReader) bool {
	var cs database.CurrentSensorTable
	if err := store.Read(&cs); err != nil {
		return false
	}
	for s := range battery.NrOfStrings {
		if cs.TimestampCurrent[s] == 0 {
			return false
		}
	}
	return true
}

// estimationWorker initializes the estimators once measurements arrive, then runs them every
// period. SOC overrides are applied between cycles.
func estimationWorker(
	ctx context.Context,
	period time.Duration,
	store TableReader,
	est Estimator,
	socChan <-chan SocOverride,
) {
	log.Printf("estimation task started (every %v)\n", period)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	errs := errorLog{name: "estimation"}
	started := time.Now()
	initialized := false

	for {
		select {
		case <-ticker.C:
			if initialized {
				errs.report(est.Run())
				continue
			}
			if !currentMeasured(store) && time.Since(started) < estimationStartupGrace {
				continue
			}
			if err := est.Initialize(); err != nil {
				errs.report(err)
				continue
			}
			initialized = true
			log.Println("Estimation initialized")

		case o := <-socChan:
			if !initialized {
				log.Printf("Estimation not initialized, dropping SOC override for string %d\n", o.String)
				continue
			}
			if err := est.SetStateOfCharge(o.String, o.Minimum, o.Maximum, o.Average); err != nil {
				log.Printf("SOC override: %v\n", err)
				continue
			}
			log.Printf("String %d SOC set to %.1f %% (min %.1f %%, max %.1f %%)\n",
				o.String, o.Average, o.Minimum, o.Maximum)

		case <-ctx.Done():
			log.Println("estimation task stopped")
			return
		}
	}
}
