package main

import (
	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/database"
)

// deriveMinMax recomputes the extremes of string s into mm. The string is only valid once
// both its voltages and temperatures were measured.
func deriveMinMax(cv *database.CellVoltageTable, ct *database.CellTemperatureTable, s int, mm *database.MinMaxTable) {
	mm.Valid[s] = cv.Valid[s] && ct.Valid[s]

	voltages := cv.CellVoltage_mV[s]
	minIdx, maxIdx := 0, 0
	var sum int64
	for c, v := range voltages {
		sum += int64(v)
		if v < voltages[minIdx] {
			minIdx = c
		}
		if v > voltages[maxIdx] {
			maxIdx = c
		}
	}
	mm.MinimumCellVoltage_mV[s] = voltages[minIdx]
	mm.MaximumCellVoltage_mV[s] = voltages[maxIdx]
	mm.NrCellMinimumCellVoltage[s] = minIdx
	mm.NrCellMaximumCellVoltage[s] = maxIdx
	mm.AverageCellVoltage_mV[s] = int32(sum / battery.NrOfCellBlocksPerString)

	temps := ct.CellTemperature_ddegC[s]
	lo, hi := temps[0], temps[0]
	var tsum float64
	for _, t := range temps {
		lo = min(lo, t)
		hi = max(hi, t)
		tsum += float64(t)
	}
	mm.MinimumTemperature_ddegC[s] = lo
	mm.MaximumTemperature_ddegC[s] = hi
	mm.AverageTemperature_ddegC[s] = tsum / battery.NrOfTemperatureSensorsPerString
}
