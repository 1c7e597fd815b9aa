package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/bms"
	"github.com/ryansname/bmsctl/src/config"
	"github.com/ryansname/bmsctl/src/database"
	"github.com/ryansname/bmsctl/src/estimation"
	"github.com/ryansname/bmsctl/src/nvm"
	"github.com/ryansname/bmsctl/src/soc"
	"github.com/ryansname/bmsctl/src/sof"
)

// SensorMessage represents an MQTT message with topic and value
type SensorMessage struct {
	Topic string
	Value string
}

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Returned normally: context cancelled or worker finished
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// runDaemon wires the pack state, estimation, SOF and balancing tasks to MQTT and blocks until
// interrupted.
func runDaemon(cfg *config.Config, debug bool) error {
	log.Println("Starting bmsctl...")

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}
	mqttUsername := os.Getenv("MQTT_USERNAME")
	mqttPassword := os.Getenv("MQTT_PASSWORD")
	if mqttUsername == "" {
		log.Println("Warning: MQTT_USERNAME not set, connecting anonymously")
	}

	persister, err := nvm.Open(cfg.NVMPath)
	if err != nil {
		return err
	}

	store := database.NewStore(database.MonotonicClock())
	monitor := bms.NewMonitor(cfg.PackMonitor(), store)
	sofEngine, err := sof.New(cfg.SofEngine(), store, monitor)
	if err != nil {
		return fmt.Errorf("sof: %w", err)
	}
	dispatcher := estimation.New(cfg.EstimationDispatcher(), store, persister, monitor)
	bal := balancing.New(cfg.BalancingMachine(), store, monitor, soc.LookupTable(battery.SocLookupTable))
	if cfg.Balancing.AutoInit {
		log.Printf("Balancing init request: %v\n", bal.SetStateRequest(balancing.InitRequest))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create channels for communication between workers
	msgChan := make(chan SensorMessage, 100)
	commandChan := make(chan Command, 10)
	socChan := make(chan SocOverride, 10)
	snapshotChan := make(chan Snapshot, 10)
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})
	sender := NewMQTTSender(mqttOutgoingChan)

	if cfg.MQTT.DiscoveryPrefix != "" {
		log.Println("Creating Home Assistant entities...")
		if err := createStringEntities(sender, cfg); err != nil {
			return fmt.Errorf("create Home Assistant entities: %w", err)
		}
		log.Println("Home Assistant entities created")
	}

	ingest := NewIngest(store, cfg.MQTT.Prefix)
	SafeGo(ctx, cancel, "ingest-worker", func(ctx context.Context) {
		ingestWorker(ctx, msgChan, ingest, commandChan)
	})
	SafeGo(ctx, cancel, "command-worker", func(ctx context.Context) {
		commandWorker(ctx, commandChan, bal, socChan)
	})
	log.Println("Ingest and command workers started")

	SafeGo(ctx, cancel, "pack-state", func(ctx context.Context) {
		periodicWorker(ctx, "pack-state", cfg.Periods.PackState, monitor.Update)
	})
	SafeGo(ctx, cancel, "estimation", func(ctx context.Context) {
		estimationWorker(ctx, cfg.Periods.Estimation, store, dispatcher, socChan)
	})
	SafeGo(ctx, cancel, "sof", func(ctx context.Context) {
		periodicWorker(ctx, "sof", cfg.Periods.SOF, sofEngine.Calculate)
	})
	SafeGo(ctx, cancel, "balancing", func(ctx context.Context) {
		periodicWorker(ctx, "balancing", cfg.Periods.Balancing, bal.Trigger)
	})
	log.Println("Control tasks started")

	SafeGo(ctx, cancel, "snapshot-worker", func(ctx context.Context) {
		snapshotWorker(ctx, cfg.Periods.Publish, store, bal, snapshotChan)
	})

	publishChan := make(chan Snapshot, 10)
	downstreamChans := []chan<- Snapshot{publishChan}
	SafeGo(ctx, cancel, "publish-worker", func(ctx context.Context) {
		publishWorker(ctx, publishChan, cfg.MQTT.Prefix, sender)
	})

	if debug {
		debugChan := make(chan Snapshot, 10)
		downstreamChans = append(downstreamChans, debugChan)
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, debugChan, commandChan)
		})
	}

	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, snapshotChan, downstreamChans)
	})
	log.Println("Broadcast worker started")

	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg.MQTT, mqttUsername, mqttPassword, msgChan, mqttClientChan)
	})
	log.Println("MQTT worker started")

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	return nil
}
