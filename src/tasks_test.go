package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, flags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetFlags(flags)
	})
	return &buf
}

func TestErrorLog_ReportsOncePerError(t *testing.T) {
	buf := captureLog(t)
	l := errorLog{name: "sof"}

	l.report(nil)
	assert.Empty(t, buf.String())

	l.report(errors.New("stale"))
	l.report(errors.New("stale"))
	l.report(errors.New("broken"))
	l.report(nil)
	l.report(nil)

	assert.Equal(t, "sof: stale\nsof: broken\nsof recovered\n", buf.String())
}

func TestCurrentMeasured(t *testing.T) {
	store := database.NewStore(func() uint32 { return 0 })
	assert.False(t, currentMeasured(store))

	var cs database.CurrentSensorTable
	for s := range battery.NrOfStrings - 1 {
		cs.TimestampCurrent[s] = 10
	}
	require.NoError(t, store.Write(&cs))
	assert.False(t, currentMeasured(store))

	cs.TimestampCurrent[battery.NrOfStrings-1] = 10
	require.NoError(t, store.Write(&cs))
	assert.True(t, currentMeasured(store))
}

type fakeEstimator struct {
	mu          sync.Mutex
	initialized bool
	runs        int
	overrides   []SocOverride
	initErr     error
}

func (e *fakeEstimator) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initErr != nil {
		return e.initErr
	}
	e.initialized = true
	return nil
}

func (e *fakeEstimator) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs++
	return nil
}

func (e *fakeEstimator) SetStateOfCharge(s int, minimum, maximum, average float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides = append(e.overrides, SocOverride{String: s, Minimum: minimum, Maximum: maximum, Average: average})
	return nil
}

func (e *fakeEstimator) state() (bool, int, []SocOverride) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized, e.runs, append([]SocOverride(nil), e.overrides...)
}

func TestEstimationWorker_WaitsForCurrent(t *testing.T) {
	captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := database.NewStore(func() uint32 { return 0 })
	est := &fakeEstimator{}
	socChan := make(chan SocOverride)
	go estimationWorker(ctx, 5*time.Millisecond, store, est, socChan)

	// Overrides before initialization are dropped
	socChan <- SocOverride{String: 0, Average: 10}

	time.Sleep(30 * time.Millisecond)
	initialized, runs, _ := est.state()
	assert.False(t, initialized)
	assert.Zero(t, runs)

	var cs database.CurrentSensorTable
	for s := range battery.NrOfStrings {
		cs.TimestampCurrent[s] = 1
	}
	require.NoError(t, store.Write(&cs))

	require.Eventually(t, func() bool {
		_, runs, _ := est.state()
		return runs > 0
	}, time.Second, 5*time.Millisecond)

	socChan <- SocOverride{String: 2, Minimum: 20, Maximum: 30, Average: 25}
	require.Eventually(t, func() bool {
		_, _, o := est.state()
		return len(o) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, overrides := est.state()
	assert.Equal(t, []SocOverride{{String: 2, Minimum: 20, Maximum: 30, Average: 25}}, overrides)
}

func TestEstimationWorker_RetriesFailedInitialization(t *testing.T) {
	captureLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := database.NewStore(func() uint32 { return 0 })
	var cs database.CurrentSensorTable
	for s := range battery.NrOfStrings {
		cs.TimestampCurrent[s] = 1
	}
	require.NoError(t, store.Write(&cs))

	est := &fakeEstimator{initErr: errors.New("nvm unreadable")}
	go estimationWorker(ctx, 5*time.Millisecond, store, est, make(chan SocOverride))

	time.Sleep(30 * time.Millisecond)
	initialized, runs, _ := est.state()
	assert.False(t, initialized)
	assert.Zero(t, runs)

	est.mu.Lock()
	est.initErr = nil
	est.mu.Unlock()

	require.Eventually(t, func() bool {
		_, runs, _ := est.state()
		return runs > 0
	}, time.Second, 5*time.Millisecond)
}
