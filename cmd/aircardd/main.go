// aircardd runs the encounter-card exchange service on one device:
// config, stores, radio, and the exchange manager, until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/user/aircard/card"
	"github.com/user/aircard/config"
	"github.com/user/aircard/exchange"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radio"
	"github.com/user/aircard/radiosim"
	"github.com/user/aircard/store"
)

func main() {
	sim := flag.Bool("sim", false, "use the simulated radio instead of BlueZ")
	logLevel := flag.String("log", "", "log level override (TRACE, DEBUG, INFO, WARN, ERROR)")
	status := flag.String("status", "", "update the card's status message at startup")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(logger.ParseLevel(level))

	dataDir := filepath.Dir(cfgPath)
	kv, closeKV, err := openStore(cfg, dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening storage: %v", err)
	}
	defer func() {
		if err := closeKV(); err != nil {
			log.Printf("storage close error: %v", err)
		}
	}()

	enc := store.NewEncounters(kv, cfg.Debounce(), cfg.MaxCards)
	if err := enc.Load(); err != nil {
		log.Fatalf("startup failed while loading encounters: %v", err)
	}
	local := store.NewLocalCard(kv)
	own, err := local.LoadOrCreate(cfg.DeviceName)
	if err != nil {
		log.Fatalf("startup failed while loading local card: %v", err)
	}

	r, radioName, err := buildRadio(cfg, *sim)
	if err != nil {
		log.Fatalf("startup failed while opening radio: %v", err)
	}

	events := exchange.Events{
		StateChanged: func(role radio.Role, state radio.State) {
			logger.Debug("aircardd", "%s radio is %s", role, state)
		},
		CardReceived: func(c card.Card, rssi int) {
			logger.Info("aircardd", "card from %q (%s) rssi %d", c.DisplayName, c.StatusMessage, rssi)
		},
		ExchangeCompleted: func(peer string, full bool) {
			if full {
				logger.Info("aircardd", "exchange with %s complete", peer)
			} else {
				logger.Info("aircardd", "half exchange with %s", peer)
			}
		},
		ErrorOccurred: func(e *exchange.Error) {
			logger.Warn("aircardd", "%v", e)
		},
	}
	m := exchange.NewManager(exchange.Config{LocalName: cfg.DeviceName}, r, enc, local, events)

	if *status != "" && *status != own.StatusMessage {
		next := own
		next.StatusMessage = *status
		if own, err = m.SaveLocalCard(next); err != nil {
			logger.Warn("aircardd", "status update failed: %v", err)
		}
	}

	m.Start()

	fmt.Printf("Device ID:      %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:    %s\n", cfg.DeviceName)
	fmt.Printf("Owner ID:       %s\n", own.OwnerID)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Storage:        %s\n", cfg.StorageBackend)
	fmt.Printf("Radio:          %s\n", radioName)
	fmt.Printf("Known cards:    %d\n", enc.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:         running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:         shutting down")
	m.Close()
}

func openStore(cfg *config.Config, dataDir string) (store.KV, func() error, error) {
	if cfg.StorageBackend == config.BackendSQLite {
		db, err := store.OpenSQLite(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	fkv, err := store.NewFileKV(dataDir)
	if err != nil {
		return nil, nil, err
	}
	return fkv, func() error { return nil }, nil
}

func buildRadio(cfg *config.Config, sim bool) (radio.Radio, string, error) {
	if sim {
		r, err := radiosim.New(radiosim.Config{
			DeviceID: cfg.DeviceID,
			Dir:      cfg.BenchDir,
			LAN:      cfg.LANMode,
			LANPort:  cfg.LANPort,
		})
		name := "simulated"
		if cfg.LANMode {
			name = "simulated (LAN)"
		}
		return r, name, err
	}
	r, err := hardwareRadio()
	return r, "bluez", err
}
