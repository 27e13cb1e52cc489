// shotbridge-bridge CLI: runs the BLE shot-timer/impact-sensor bridge
// process, and offers operator commands to check status and force a
// sensor recalibration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldbridge/shotbridge/internal/bridgeconfig"
	"github.com/fieldbridge/shotbridge/internal/bridgelog"
	"github.com/fieldbridge/shotbridge/internal/bridgemqtt"
	"github.com/fieldbridge/shotbridge/internal/coordinator"
	"github.com/fieldbridge/shotbridge/internal/eventbus"
	"github.com/fieldbridge/shotbridge/internal/eventbus/wsfanout"
	"github.com/fieldbridge/shotbridge/internal/ndjsonlog"
	"github.com/fieldbridge/shotbridge/internal/store/capturestore"
	"github.com/fieldbridge/shotbridge/internal/store/configstore"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "bridge",
		Short:   "shotbridge - BLE shot timer / impact sensor correlation bridge",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./bridge.yaml)")

	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newRecalibrateCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge process until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge()
		},
	}
}

func runBridge() error {
	cfg, err := bridgeconfig.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := bridgelog.New(bridgelog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, File: cfg.Logging.File})
	bridgelog.SetGlobal(log)

	capture, err := capturestore.Open(cfg.Storage.CapturePath)
	if err != nil {
		return fmt.Errorf("failed to open capture store: %w", err)
	}
	configStore, err := configstore.Open(cfg.Storage.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	ndj, err := ndjsonlog.Open(ndjsonlog.Config{Path: cfg.NDJSON.Path, MaxSizeBytes: cfg.NDJSON.MaxSizeBytes, RotateDaily: cfg.NDJSON.RotateDaily})
	if err != nil {
		return fmt.Errorf("failed to open ndjson log: %w", err)
	}

	bus := eventbus.New(eventbus.DefaultConfig())

	coord, err := coordinator.New(*cfg, log, coordinator.Dependencies{
		Bus:         bus,
		Capture:     capture,
		ConfigStore: configStore,
		NDJSON:      ndj,
	})
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("starting shotbridge", "bridge_id", cfg.BridgeID)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	var wsBroadcaster *wsfanout.Broadcaster
	if cfg.WS.Enabled {
		wsBroadcaster = wsfanout.New(wsfanout.Config{Addr: cfg.WS.Addr, Path: cfg.WS.Path}, log, bus.Subscribe("ws-fanout"))
		go func() {
			if err := wsBroadcaster.Run(ctx); err != nil {
				log.Error("ws fanout stopped", "error", err)
			}
		}()
	}

	var mqttMirror *bridgemqtt.Mirror
	if cfg.MQTT.Enabled {
		mqttMirror = bridgemqtt.New(bridgemqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL, ClientID: cfg.MQTT.ClientID, Topic: cfg.MQTT.Topic,
		}, log, bus.Subscribe("mqtt-mirror"))
		if err := mqttMirror.Connect(ctx); err != nil {
			log.Warn("mqtt mirror connect failed, continuing without it", "error", err)
		}
		go mqttMirror.Run(ctx)
	}

	fmt.Println("shotbridge is running. Press Ctrl+C to stop.")
	<-sigCh
	fmt.Println("\nShutting down...")

	if mqttMirror != nil {
		mqttMirror.Close()
	}

	if err := coord.Stop(); err != nil {
		return fmt.Errorf("failed to stop coordinator: %w", err)
	}

	fmt.Println("shotbridge stopped.")
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bridgeconfig.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Printf("Bridge: %s (%s)\n", cfg.BridgeID, cfg.DisplayName)
			fmt.Printf("Timer: %s\n", cfg.Timer.MAC)
			fmt.Println("Sensors:")
			for _, s := range cfg.Sensors {
				fmt.Printf("  %s -> target %s (%s)\n", s.MAC, s.TargetID, s.Label)
			}
			fmt.Println("\nThis command reports configuration only; run 'bridge run' to see live status on the event bus or WebSocket fanout.")
			return nil
		},
	}
}

func newRecalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalibrate <sensor-mac>",
		Short: "Request recalibration of a sensor on the next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bridgeconfig.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.RecalibrateOnReconnect = true
			if err := bridgeconfig.Save(cfgFile, cfg); err != nil {
				return fmt.Errorf("failed to persist recalibration flag: %w", err)
			}
			fmt.Printf("sensor %s will be recalibrated on next bridge start\n", args[0])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shotbridge %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}
