package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/database"
)

type fakeBalancing struct {
	requests     []balancing.Request
	threshold_mV int32
}

func (b *fakeBalancing) SetStateRequest(req balancing.Request) balancing.RequestResult {
	b.requests = append(b.requests, req)
	return balancing.RequestOK
}

func (b *fakeBalancing) SetBalancingThreshold(threshold_mV int32) {
	b.threshold_mV = threshold_mV
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		msg     SensorMessage
		want    Command
		isCmd   bool
		wantErr bool
	}{
		{"measurement", SensorMessage{"bms/string/0/current", "{}"}, Command{}, false, false},
		{"balancing", SensorMessage{"bms/command/balancing", " Enable "},
			Command{Kind: CommandBalancingRequest, Request: balancing.GlobalEnableRequest}, true, false},
		{"balancing init", SensorMessage{"bms/command/balancing", "init"},
			Command{Kind: CommandBalancingRequest, Request: balancing.InitRequest}, true, false},
		{"balancing none", SensorMessage{"bms/command/balancing", "none"}, Command{}, true, true},
		{"balancing unknown", SensorMessage{"bms/command/balancing", "now"}, Command{}, true, true},
		{"threshold", SensorMessage{"bms/command/balancing_threshold", "35"},
			Command{Kind: CommandBalancingThreshold, Threshold_mV: 35}, true, false},
		{"threshold negative", SensorMessage{"bms/command/balancing_threshold", "-1"}, Command{}, true, true},
		{"threshold too large", SensorMessage{"bms/command/balancing_threshold", "2147483647"}, Command{}, true, true},
		{"threshold not a number", SensorMessage{"bms/command/balancing_threshold", "lots"}, Command{}, true, true},
		{"soc", SensorMessage{"bms/command/soc", `{"string": 2, "min": 40, "max": 60, "average": 50}`},
			Command{Kind: CommandSetSoc, Soc: SocOverride{String: 2, Minimum: 40, Maximum: 60, Average: 50}}, true, false},
		{"soc bad string", SensorMessage{"bms/command/soc", `{"string": 7, "average": 50}`}, Command{}, true, true},
		{"soc bad json", SensorMessage{"bms/command/soc", `50`}, Command{}, true, true},
		{"unknown", SensorMessage{"bms/command/reboot", "now"}, Command{}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok, err := parseCommand("bms", tt.msg)
			assert.Equal(t, tt.isCmd, ok)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestApplyCommand(t *testing.T) {
	ctx := context.Background()
	bal := &fakeBalancing{}
	socChan := make(chan SocOverride, 1)

	applyCommand(ctx, Command{Kind: CommandBalancingRequest, Request: balancing.AllowBalancingRequest}, bal, socChan)
	applyCommand(ctx, Command{Kind: CommandBalancingThreshold, Threshold_mV: 42}, bal, socChan)
	applyCommand(ctx, Command{Kind: CommandSetSoc, Soc: SocOverride{String: 1, Average: 80}}, bal, socChan)

	assert.Equal(t, []balancing.Request{balancing.AllowBalancingRequest}, bal.requests)
	assert.Equal(t, int32(42), bal.threshold_mV)
	require.Len(t, socChan, 1)
	assert.Equal(t, SocOverride{String: 1, Average: 80}, <-socChan)
}

func TestApplyCommand_SocOverrideCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		applyCommand(ctx, Command{Kind: CommandSetSoc}, &fakeBalancing{}, make(chan SocOverride))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("applyCommand blocked after cancellation")
	}
}

func TestIngestWorker_SplitsCommandsFromMeasurements(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := database.NewStore(func() uint32 { return 5 })
	msgChan := make(chan SensorMessage)
	commandChan := make(chan Command, 1)
	go ingestWorker(ctx, msgChan, NewIngest(store, "bms"), commandChan)

	msgChan <- SensorMessage{"bms/command/balancing_threshold", "30"}
	select {
	case cmd := <-commandChan:
		assert.Equal(t, Command{Kind: CommandBalancingThreshold, Threshold_mV: 30}, cmd)
	case <-time.After(time.Second):
		t.Fatal("command not forwarded")
	}

	msgChan <- SensorMessage{"bms/string/0/contactors", `{"closed": true}`}
	msgChan <- SensorMessage{"bms/command/balancing", "bogus"} // synchronizes on the previous message

	var ct database.ContactorTable
	require.NoError(t, store.Read(&ct))
	assert.True(t, ct.StringClosed[0])
	assert.Empty(t, commandChan)
}
