package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// errIgnoredTopic marks messages on subscribed topics that carry nothing to ingest.
var errIgnoredTopic = errors.New("ignored topic")

// IngestStore is the part of the database the ingest writes measurements to.
type IngestStore interface {
	Write(blocks ...database.Block) error
	Now() uint32
}

// currentSample is the payload of <prefix>/string/<s>/current. Counters are optional.
type currentSample struct {
	Current_mA        float64  `json:"current_ma"`
	HighVoltage_mV    *float64 `json:"high_voltage_mv"`
	CurrentCounter_As *float64 `json:"current_counter_as"`
	EnergyCounter_Wh  *float64 `json:"energy_counter_wh"`
}

type contactorSample struct {
	Closed      bool `json:"closed"`
	Precharging bool `json:"precharging"`
}

// Ingest turns MQTT measurement messages into database tables. It owns the measurement
// tables and must only be used from one goroutine.
type Ingest struct {
	store  IngestStore
	prefix string

	voltages     database.CellVoltageTable
	temperatures database.CellTemperatureTable
	current      database.CurrentSensorTable
	contactors   database.ContactorTable
	minMax       database.MinMaxTable
}

// NewIngest creates an ingest for measurements published under prefix.
func NewIngest(store IngestStore, prefix string) *Ingest {
	return &Ingest{store: store, prefix: prefix}
}

// Handle parses one measurement message and writes the affected tables.
func (i *Ingest) Handle(msg SensorMessage) error {
	rest, ok := strings.CutPrefix(msg.Topic, i.prefix+"/")
	if !ok {
		return errIgnoredTopic
	}

	if rest == "bms/error" {
		return i.handleError(msg.Value)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != "string" {
		return errIgnoredTopic
	}
	s, err := strconv.Atoi(parts[1])
	if err != nil || s < 0 || s >= battery.NrOfStrings {
		return fmt.Errorf("%s: no string %q", msg.Topic, parts[1])
	}

	switch parts[2] {
	case "cell_voltages":
		return i.handleCellVoltages(s, msg.Value)
	case "cell_temperatures":
		return i.handleCellTemperatures(s, msg.Value)
	case "current":
		return i.handleCurrent(s, msg.Value)
	case "contactors":
		return i.handleContactors(s, msg.Value)
	}
	return errIgnoredTopic
}

// now returns the store time, never zero because zero means "never measured".
func (i *Ingest) now() uint32 {
	return max(i.store.Now(), 1)
}

func (i *Ingest) handleCellVoltages(s int, value string) error {
	var v []int32
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return fmt.Errorf("string %d cell voltages: %w", s, err)
	}
	if len(v) != battery.NrOfCellBlocksPerString {
		return fmt.Errorf("string %d cell voltages: got %d values, want %d", s, len(v), battery.NrOfCellBlocksPerString)
	}

	copy(i.voltages.CellVoltage_mV[s][:], v)
	i.voltages.Valid[s] = true
	deriveMinMax(&i.voltages, &i.temperatures, s, &i.minMax)
	return i.store.Write(&i.voltages, &i.minMax)
}

func (i *Ingest) handleCellTemperatures(s int, value string) error {
	var t []int32
	if err := json.Unmarshal([]byte(value), &t); err != nil {
		return fmt.Errorf("string %d cell temperatures: %w", s, err)
	}
	if len(t) != battery.NrOfTemperatureSensorsPerString {
		return fmt.Errorf("string %d cell temperatures: got %d values, want %d",
			s, len(t), battery.NrOfTemperatureSensorsPerString)
	}

	copy(i.temperatures.CellTemperature_ddegC[s][:], t)
	i.temperatures.Valid[s] = true
	deriveMinMax(&i.voltages, &i.temperatures, s, &i.minMax)
	return i.store.Write(&i.temperatures, &i.minMax)
}

func (i *Ingest) handleCurrent(s int, value string) error {
	var sample currentSample
	if err := json.Unmarshal([]byte(value), &sample); err != nil {
		return fmt.Errorf("string %d current: %w", s, err)
	}

	now := i.now()
	cs := &i.current
	cs.Current_mA[s] = sample.Current_mA
	cs.PreviousTimestampCurrent[s] = cs.TimestampCurrent[s]
	if cs.PreviousTimestampCurrent[s] == 0 {
		// The first sample has no interval to integrate over
		cs.PreviousTimestampCurrent[s] = now
	}
	cs.TimestampCurrent[s] = now

	if sample.HighVoltage_mV != nil {
		cs.HighVoltage_mV[s] = *sample.HighVoltage_mV
	}
	if sample.CurrentCounter_As != nil {
		cs.CurrentCounter_As[s] = *sample.CurrentCounter_As
		cs.PreviousTimestampCurrentCounting[s] = cs.TimestampCurrentCounting[s]
		cs.TimestampCurrentCounting[s] = now
	}
	if sample.EnergyCounter_Wh != nil {
		cs.EnergyCounter_Wh[s] = *sample.EnergyCounter_Wh
		cs.PreviousTimestampEnergyCounting[s] = cs.TimestampEnergyCounting[s]
		cs.TimestampEnergyCounting[s] = now
	}
	return i.store.Write(cs)
}

func (i *Ingest) handleContactors(s int, value string) error {
	var sample contactorSample
	if err := json.Unmarshal([]byte(value), &sample); err != nil {
		return fmt.Errorf("string %d contactors: %w", s, err)
	}
	i.contactors.StringClosed[s] = sample.Closed
	i.contactors.StringPrecharging[s] = sample.Precharging
	return i.store.Write(&i.contactors)
}

func (i *Ingest) handleError(value string) error {
	switch strings.ToLower(value) {
	case "on":
		i.contactors.ErrorRequested = true
	case "off":
		i.contactors.ErrorRequested = false
	default:
		return fmt.Errorf("bms error: expected on or off, got %q", value)
	}
	return i.store.Write(&i.contactors)
}

// ingestWorker writes measurements to the database and forwards commands
func ingestWorker(
	ctx context.Context,
	msgChan <-chan SensorMessage,
	ingest *Ingest,
	commandChan chan<- Command,
) {
	log.Println("Ingest worker started")

	for {
		select {
		case msg := <-msgChan:
			if cmd, ok, err := parseCommand(ingest.prefix, msg); ok {
				if err != nil {
					log.Printf("Ignoring command on %s: %v\n", msg.Topic, err)
					continue
				}
				select {
				case commandChan <- cmd:
				case <-ctx.Done():
					return
				}
				continue
			}

			err := ingest.Handle(msg)
			if errors.Is(err, errIgnoredTopic) {
				continue
			}
			if err != nil {
				log.Printf("Ingest: %v\n", err)
			}

		case <-ctx.Done():
			log.Println("Ingest worker stopped")
			return
		}
	}
}
