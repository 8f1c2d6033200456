package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"mesh-bridge/internal/eventlog"
	"mesh-bridge/internal/realtime"
	"mesh-bridge/internal/session"
	"mesh-bridge/internal/settings"

	"github.com/spf13/cobra"
)

var (
	flagPort       int
	flagSerialPort string
	flagConfigDir  string
	flagDeviceName string
	flagMeshcli    string
)

var rootCmd = &cobra.Command{
	Use:   "mesh-bridge",
	Short: "HTTP bridge for a persistent meshcli session",
	Long: `mesh-bridge owns a single long-lived meshcli process with exclusive
device access and exposes it over HTTP: synchronous command execution,
health, and a WebSocket stream of asynchronous advert records.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", envInt("BRIDGE_PORT", 5001), "HTTP listen port")
	rootCmd.Flags().StringVar(&flagSerialPort, "serial-port", envStr("MC_SERIAL_PORT", "/dev/ttyUSB0"), "meshcli serial device")
	rootCmd.Flags().StringVar(&flagConfigDir, "config-dir", envStr("MC_CONFIG_DIR", "/config"), "config and advert log directory")
	rootCmd.Flags().StringVar(&flagDeviceName, "device-name", envStr("MC_DEVICE_NAME", "meshtastic"), "device name, used for the advert log filename")
	rootCmd.Flags().StringVar(&flagMeshcli, "meshcli", envStr("MC_CLI", "meshcli"), "meshcli binary")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func run(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(flagConfigDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	sink := eventlog.New(filepath.Join(flagConfigDir, flagDeviceName+".adverts.jsonl"))
	log.Printf("advert logging to %s", sink.Path())

	cfg := session.DefaultConfig(flagSerialPort, flagConfigDir, flagDeviceName)
	cfg.Command = flagMeshcli
	sup := session.New(cfg, sink)

	srv := realtime.New(sup, sink, flagConfigDir)
	sup.OnStateChange(srv.BroadcastState)

	// A failed initial spawn is not fatal: the watchdog keeps retrying
	// while /health reports the crashed state.
	if err := sup.Start(); err != nil {
		log.Printf("bridge starting without a live session: %v", err)
	}

	watcher, err := settings.Watch(flagConfigDir, func(s settings.Settings) {
		go func() {
			if _, err := sup.ApplyManualAddContacts(s.ManualAddContacts); err != nil {
				log.Printf("failed to apply settings change: %v", err)
			}
		}()
	})
	if err != nil {
		log.Printf("settings watcher unavailable: %v", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", flagPort),
		Handler: srv.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		if watcher != nil {
			watcher.Close()
		}
		sup.Shutdown()
		httpServer.Close()
	}()

	log.Printf("mesh-bridge serving on :%d (device %s on %s)", flagPort, flagDeviceName, flagSerialPort)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
