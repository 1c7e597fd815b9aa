package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/config"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// SendJSON marshals v and sends it unretained at QoS 0.
func (s *MQTTSender) SendJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	s.Send(MQTTMessage{Topic: topic, Payload: payload})
	return nil
}

func stringStateTopic(prefix string, s int) string {
	return fmt.Sprintf("%s/state/string/%d", prefix, s)
}

func packStateTopic(prefix string) string {
	return prefix + "/state/pack"
}

// availabilityTopic carries payloadOnline while bmsctl runs and the retained will otherwise.
func availabilityTopic(prefix string) string {
	return prefix + "/state/availability"
}

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haEntityConfig struct {
	Name              string         `json:"name,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	StateTopic        string         `json:"state_topic"`
	AvailabilityTopic string         `json:"availability_topic,omitempty"`
	UnitOfMeasure     string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string         `json:"value_template"`
	UniqueId          string         `json:"unique_id"`
	ExpireAfter       uint           `json:"expire_after,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	DisplayPrecision  int            `json:"suggested_display_precision,omitempty"`
	Device            haDeviceConfig `json:"device"`
}

// haEntity is one sensor read from a state payload key.
type haEntity struct {
	name, class, unit, key string
	precision              int
}

var stringEntities = []haEntity{
	{"State of Charge", "battery", "%", "soc", 1},
	{"State of Energy", "", "%", "soe", 1},
	{"Available Energy", "energy_storage", "Wh", "energy_wh", 0},
	{"State of Health", "", "%", "soh", 0},
	{"Charge Current Limit", "current", "A", "charge_limit_a", 1},
	{"Discharge Current Limit", "current", "A", "discharge_limit_a", 1},
	{"Minimum Cell Voltage", "voltage", "mV", "min_cell_mv", 0},
	{"Maximum Cell Voltage", "voltage", "mV", "max_cell_mv", 0},
	{"Balanced Cells", "", "", "balanced_cells", 0},
}

func deviceID(name string, s int) string {
	return fmt.Sprintf("%s_string_%d", strings.ReplaceAll(strings.ToLower(name), " ", "_"), s)
}

// stringEntityConfigs builds the Home Assistant discovery messages for every string.
func stringEntityConfigs(cfg *config.Config) ([]MQTTMessage, error) {
	msgs := make([]MQTTMessage, 0, battery.NrOfStrings*len(stringEntities))
	for s := range battery.NrOfStrings {
		id := deviceID(cfg.Battery.Name, s)
		device := haDeviceConfig{
			Identifiers:  []string{id},
			Name:         fmt.Sprintf("%s String %d", cfg.Battery.Name, s),
			Manufacturer: cfg.Battery.Manufacturer,
			Model:        fmt.Sprintf("%.0f Ah, %d cells", cfg.Battery.CapacityAh, battery.NrOfCellBlocksPerString),
		}

		for _, e := range stringEntities {
			entity := haEntityConfig{
				Name:              e.name,
				DeviceClass:       e.class,
				StateTopic:        stringStateTopic(cfg.MQTT.Prefix, s),
				AvailabilityTopic: availabilityTopic(cfg.MQTT.Prefix),
				UnitOfMeasure:     e.unit,
				ValueTemplate:     "{{ value_json." + e.key + " }}",
				UniqueId:          id + "_" + e.key,
				ExpireAfter:       60 * 5,
				StateClass:        "measurement",
				DisplayPrecision:  e.precision,
				Device:            device,
			}
			payload, err := json.Marshal(entity)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, MQTTMessage{
				Topic:   cfg.MQTT.DiscoveryPrefix + "/sensor/" + id + "_" + e.key + "/config",
				Payload: payload,
				QoS:     2,
				Retain:  true,
			})
		}
	}
	return msgs, nil
}

// createStringEntities creates the Home Assistant entities via MQTT discovery
func createStringEntities(sender *MQTTSender, cfg *config.Config) error {
	msgs, err := stringEntityConfigs(cfg)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		sender.Send(msg)
	}
	return nil
}

// mqttSenderWorker handles outgoing MQTT messages, queuing them while disconnected
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
					token.Wait()
					if token.Error() != nil {
						log.Printf("Failed to publish queued message to %s: %v\n", msg.Topic, token.Error())
					}
				}
				messageQueue = nil
				if queuedCount > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
				token.Wait()
				if token.Error() != nil {
					log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
				}
				continue
			}

			// Only the latest unretained message per topic is queued
			if !msg.Retain {
				messageQueue = slices.DeleteFunc(messageQueue, func(m MQTTMessage) bool {
					return m.Topic == msg.Topic && !m.Retain
				})
			}
			messageQueue = append(messageQueue, msg)
			if len(messageQueue)%100 == 0 {
				log.Printf("MQTT sender worker queued message (total queued: %d)\n", len(messageQueue))
			}

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
