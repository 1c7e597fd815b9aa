package main

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/bmsctl/src/config"
)

// subscriptionFilters returns the measurement and command subscriptions under prefix with their QoS.
// Commands are delivered at least once, measurements are superseded by the next sample.
func subscriptionFilters(prefix string) map[string]byte {
	return map[string]byte{
		prefix + "/string/+/+": 0,
		prefix + "/bms/error":  1,
		prefix + "/command/+":  1,
	}
}

// mqttWorker manages MQTT connection and forwards messages to a channel
func mqttWorker(
	ctx context.Context,
	cfg config.MQTTConfig,
	username, password string,
	msgChan chan<- SensorMessage,
	clientChan chan<- mqtt.Client,
) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	availability := availabilityTopic(cfg.Prefix)
	filters := subscriptionFilters(cfg.Prefix)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(availability, payloadOffline, 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	handler := func(client mqtt.Client, msg mqtt.Message) {
		value := string(msg.Payload())
		if value == "" || value == "unavailable" {
			return
		}

		select {
		case msgChan <- SensorMessage{Topic: msg.Topic(), Value: value}:
		case <-ctx.Done():
		}
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", broker)

		client.Publish(availability, 1, true, payloadOnline)

		select {
		case clientChan <- client:
			log.Println("Sent new MQTT client to sender worker")
		case <-ctx.Done():
			return
		}

		// Subscriptions do not survive a reconnect with a clean session
		token := client.SubscribeMultiple(filters, handler)
		if token.Wait() && token.Error() != nil {
			log.Printf("Failed to subscribe under %s: %v\n", cfg.Prefix, token.Error())
			return
		}
		log.Printf("Subscribed to %d topic filters under %s\n", len(filters), cfg.Prefix)
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...\n", broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Publish(availability, 1, true, payloadOffline).WaitTimeout(time.Second)
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}
