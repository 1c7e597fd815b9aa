package soc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/bmsctl/src/battery"
)

func TestInterpolateFromVoltage(t *testing.T) {
	table := LookupTable{
		{Voltage_mV: 4123, Value: 100},
		{Voltage_mV: 3644, Value: 51},
		{Voltage_mV: 2716, Value: 1},
	}

	tests := []struct {
		name    string
		voltage int32
		want    float64
	}{
		{"above table", 4200, 100},
		{"first entry", 4123, 100},
		{"between entries", 3780, 51 + 136*49.0/479},
		{"exact middle entry", 3644, 51},
		{"last entry", 2716, 1},
		{"below table", 2000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, table.InterpolateFromVoltage(tt.voltage), 1e-9)
		})
	}
	assert.InDelta(t, 64.91, table.InterpolateFromVoltage(3780), 0.01)
}

func TestInterpolateFromVoltage_CompiledTables(t *testing.T) {
	soc := LookupTable(battery.SocLookupTable)
	require.NoError(t, soc.Validate())
	assert.Equal(t, 64.0, soc.InterpolateFromVoltage(3780))
	assert.Equal(t, 100.0, soc.InterpolateFromVoltage(4500))
	assert.Equal(t, 1.0, soc.InterpolateFromVoltage(0))

	soe := LookupTable(battery.SoeLookupTable)
	require.NoError(t, soe.Validate())
	assert.Equal(t, 62.0, soe.InterpolateFromVoltage(3780))

	// Monotonic across the whole range
	prev := soc.InterpolateFromVoltage(2600)
	for v := int32(2600); v <= 4200; v += 7 {
		got := soc.InterpolateFromVoltage(v)
		assert.GreaterOrEqual(t, got, prev, "at %d mV", v)
		prev = got
	}
}

func TestValidate(t *testing.T) {
	assert.Error(t, LookupTable{}.Validate())
	assert.Error(t, LookupTable{{Voltage_mV: 3700, Value: 50}}.Validate())
	assert.Error(t, LookupTable{{Voltage_mV: 3700, Value: 50}, {Voltage_mV: 3700, Value: 40}}.Validate())
	assert.Error(t, LookupTable{{Voltage_mV: 3600, Value: 40}, {Voltage_mV: 3700, Value: 50}}.Validate())
	assert.NoError(t, LookupTable{{Voltage_mV: 3700, Value: 50}, {Voltage_mV: 3600, Value: 40}}.Validate())
}

func TestInterpolateFromVoltage_Degenerate(t *testing.T) {
	assert.Equal(t, 0.0, LookupTable{}.InterpolateFromVoltage(3700))

	// Ascending tables are rejected by Validate but still resolve to an endpoint
	ascending := LookupTable{{Voltage_mV: 3000, Value: 10}, {Voltage_mV: 4000, Value: 90}}
	assert.Equal(t, 10.0, ascending.InterpolateFromVoltage(3500))
	assert.Equal(t, 90.0, ascending.InterpolateFromVoltage(1000))
}
