package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/battery"
)

// CommandKind selects which field of Command is set.
type CommandKind int

const (
	CommandBalancingRequest CommandKind = iota
	CommandBalancingThreshold
	CommandSetSoc
)

// Command is an operator request from MQTT or the debug console.
type Command struct {
	Kind         CommandKind
	Request      balancing.Request
	Threshold_mV int32
	Soc          SocOverride
}

// SocOverride replaces the state of charge of one string.
type SocOverride struct {
	String  int     `json:"string"`
	Minimum float64 `json:"min"`
	Maximum float64 `json:"max"`
	Average float64 `json:"average"`
}

// BalancingControl is what commands can change on the balancing state machine.
type BalancingControl interface {
	SetStateRequest(req balancing.Request) balancing.RequestResult
	SetBalancingThreshold(threshold_mV int32)
}

// parseCommand decodes msg if it is on a command topic. ok is false for every other topic.
func parseCommand(prefix string, msg SensorMessage) (cmd Command, ok bool, err error) {
	name, ok := strings.CutPrefix(msg.Topic, prefix+"/command/")
	if !ok {
		return Command{}, false, nil
	}

	value := strings.TrimSpace(msg.Value)
	switch name {
	case "balancing":
		req, valid := balancing.ParseRequest(strings.ToLower(value))
		if !valid {
			return Command{}, true, fmt.Errorf("unknown balancing request %q", value)
		}
		return Command{Kind: CommandBalancingRequest, Request: req}, true, nil

	case "balancing_threshold":
		mV, err := strconv.ParseInt(value, 10, 32)
		if err != nil || mV < 0 || mV > int64(balancing.MaxThreshold_mV) {
			return Command{}, true, fmt.Errorf("invalid threshold %q (0 to %d mV)", value, balancing.MaxThreshold_mV)
		}
		return Command{Kind: CommandBalancingThreshold, Threshold_mV: int32(mV)}, true, nil

	case "soc":
		var o SocOverride
		if err := json.Unmarshal([]byte(value), &o); err != nil {
			return Command{}, true, fmt.Errorf("soc override: %w", err)
		}
		if o.String < 0 || o.String >= battery.NrOfStrings {
			return Command{}, true, fmt.Errorf("soc override: no string %d", o.String)
		}
		return Command{Kind: CommandSetSoc, Soc: o}, true, nil
	}
	return Command{}, true, fmt.Errorf("unknown command %q", name)
}

// applyCommand executes cmd. SOC overrides are handed to the estimation task.
func applyCommand(ctx context.Context, cmd Command, bal BalancingControl, socChan chan<- SocOverride) {
	switch cmd.Kind {
	case CommandBalancingRequest:
		result := bal.SetStateRequest(cmd.Request)
		log.Printf("Balancing request %v: %v\n", cmd.Request, result)

	case CommandBalancingThreshold:
		bal.SetBalancingThreshold(cmd.Threshold_mV)
		log.Printf("Balancing threshold set to %d mV\n", cmd.Threshold_mV)

	case CommandSetSoc:
		select {
		case socChan <- cmd.Soc:
		case <-ctx.Done():
		}
	}
}

// commandWorker applies operator commands
func commandWorker(
	ctx context.Context,
	commandChan <-chan Command,
	bal BalancingControl,
	socChan chan<- SocOverride,
) {
	for {
		select {
		case cmd := <-commandChan:
			applyCommand(ctx, cmd, bal, socChan)
		case <-ctx.Done():
			log.Println("Command worker stopped")
			return
		}
	}
}
