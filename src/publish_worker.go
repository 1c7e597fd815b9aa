package main

import (
	"context"
	"log"

	"github.com/ryansname/bmsctl/src/battery"
)

// stringState is the JSON state published per string
type stringState struct {
	Soc    float64 `json:"soc"`
	SocMin float64 `json:"soc_min"`
	SocMax float64 `json:"soc_max"`
	Soe    float64 `json:"soe"`

	ChargeAh            float64 `json:"charge_ah"`
	EnergyWh            float64 `json:"energy_wh"`
	ChargeThroughput    float64 `json:"charge_throughput_ah"`
	DischargeThroughput float64 `json:"discharge_throughput_ah"`

	Soh float64 `json:"soh"`

	ChargeLimitA    float64 `json:"charge_limit_a"`
	DischargeLimitA float64 `json:"discharge_limit_a"`

	Valid         bool    `json:"valid"`
	MinCellMV     int32   `json:"min_cell_mv"`
	MaxCellMV     int32   `json:"max_cell_mv"`
	MinCell       int     `json:"min_cell"`
	MaxCell       int     `json:"max_cell"`
	MaxTempDegC   float64 `json:"max_temp_c"`
	BalancedCells int     `json:"balanced_cells"`
}

// packState is the JSON state published for the whole pack
type packState struct {
	Resting         bool    `json:"resting"`
	Error           bool    `json:"error"`
	ErrorReason     string  `json:"error_reason,omitempty"`
	ClosedStrings   int     `json:"closed_strings"`
	ChargeLimitA    float64 `json:"charge_limit_a"`
	DischargeLimitA float64 `json:"discharge_limit_a"`
	PeakChargeA     float64 `json:"peak_charge_limit_a"`
	PeakDischargeA  float64 `json:"peak_discharge_limit_a"`

	Balancing          string `json:"balancing"`
	BalancingSubstate  string `json:"balancing_substate"`
	BalancingActive    bool   `json:"balancing_active"`
	BalancingAllowed   bool   `json:"balancing_allowed"`
	BalancingThreshold int32  `json:"balancing_threshold_mv"`
}

func buildStringState(snap *Snapshot, s int) stringState {
	return stringState{
		Soc:                 snap.Soc.AveragePercent[s],
		SocMin:              snap.Soc.MinimumPercent[s],
		SocMax:              snap.Soc.MaximumPercent[s],
		Soe:                 snap.Soe.AveragePercent[s],
		ChargeAh:            snap.Soc.Average[s],
		EnergyWh:            snap.Soe.Average[s],
		ChargeThroughput:    snap.Soc.ChargeThroughput[s],
		DischargeThroughput: snap.Soc.DischargeThroughput[s],
		Soh:                 snap.Soh.AveragePercent[s],
		ChargeLimitA:        snap.Sof.ContinuousChargeCurrent_mA[s] / 1000,
		DischargeLimitA:     snap.Sof.ContinuousDischargeCurrent_mA[s] / 1000,
		Valid:               snap.MinMax.Valid[s],
		MinCellMV:           snap.MinMax.MinimumCellVoltage_mV[s],
		MaxCellMV:           snap.MinMax.MaximumCellVoltage_mV[s],
		MinCell:             snap.MinMax.NrCellMinimumCellVoltage[s],
		MaxCell:             snap.MinMax.NrCellMaximumCellVoltage[s],
		MaxTempDegC:         float64(snap.MinMax.MaximumTemperature_ddegC[s]) / 10,
		BalancedCells:       snap.Control.NrBalancedCells[s],
	}
}

func buildPackState(snap *Snapshot) packState {
	return packState{
		Resting:            snap.Pack.Resting,
		Error:              snap.Pack.TransitionToErrorActive,
		ErrorReason:        snap.Pack.ErrorReason,
		ClosedStrings:      snap.Pack.NrClosedStrings,
		ChargeLimitA:       snap.Sof.PackContinuousChargeCurrent_mA / 1000,
		DischargeLimitA:    snap.Sof.PackContinuousDischargeCurrent_mA / 1000,
		PeakChargeA:        snap.Sof.PackPeakChargeCurrent_mA / 1000,
		PeakDischargeA:     snap.Sof.PackPeakDischargeCurrent_mA / 1000,
		Balancing:          snap.Balancing.State.String(),
		BalancingSubstate:  snap.Balancing.Substate.String(),
		BalancingActive:    snap.Balancing.Active,
		BalancingAllowed:   snap.Balancing.Allowed && snap.Balancing.GlobalAllowed,
		BalancingThreshold: snap.Balancing.Threshold_mV,
	}
}

// publishWorker publishes string and pack state for every snapshot
func publishWorker(ctx context.Context, dataChan <-chan Snapshot, prefix string, sender *MQTTSender) {
	log.Println("Publish worker started")

	for {
		select {
		case snap := <-dataChan:
			for s := range battery.NrOfStrings {
				if err := sender.SendJSON(stringStateTopic(prefix, s), buildStringState(&snap, s)); err != nil {
					log.Printf("Publish: %v\n", err)
				}
			}
			if err := sender.SendJSON(packStateTopic(prefix), buildPackState(&snap)); err != nil {
				log.Printf("Publish: %v\n", err)
			}

		case <-ctx.Done():
			log.Println("Publish worker stopped")
			return
		}
	}
}
