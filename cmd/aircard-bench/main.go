// aircard-bench spins up several in-process simulated devices and lets
// them exchange cards over the socket bench, then prints what each one
// collected. It exercises the whole stack without Bluetooth hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/user/aircard/card"
	"github.com/user/aircard/exchange"
	"github.com/user/aircard/logger"
	"github.com/user/aircard/radiosim"
	"github.com/user/aircard/store"
)

var benchNames = []string{
	"iPhone 15 Pro", "Pixel 8 Pro", "Galaxy S23", "Moto G", "Nothing Phone",
	"Xperia 5", "OnePlus 12", "Fairphone 5",
}

type device struct {
	name string
	m    *exchange.Manager
}

func main() {
	n := flag.Int("n", 3, "number of simulated devices")
	timeout := flag.Duration("timeout", 60*time.Second, "give up after this long")
	mtu := flag.Int("mtu", 185, "per-device MTU cap")
	lossy := flag.Bool("lossy", false, "add connection delays and failures")
	level := flag.String("log", "WARN", "log level for the run")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(*level))
	if *n < 2 {
		fmt.Println("need at least 2 devices")
		os.Exit(1)
	}
	if *n > len(benchNames) {
		*n = len(benchNames)
	}

	benchDir, err := os.MkdirTemp("", "aircard-bench-*")
	if err != nil {
		fmt.Printf("bench dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(benchDir)

	fmt.Printf("=== Encounter Card Bench: %d devices ===\n\n", *n)

	devices := make([]*device, 0, *n)
	for i := 0; i < *n; i++ {
		d, err := startDevice(benchDir, benchNames[i], i, *mtu, *lossy)
		if err != nil {
			fmt.Printf("device %q: %v\n", benchNames[i], err)
			os.Exit(1)
		}
		devices = append(devices, d)
		fmt.Printf("  + %s\n", d.name)
	}
	fmt.Println()

	for _, d := range devices {
		d.m.Start()
	}

	want := *n - 1
	deadline := time.Now().Add(*timeout)
	for {
		done := 0
		for _, d := range devices {
			if len(d.m.Encounters()) >= want {
				done++
			}
		}
		if done == len(devices) {
			break
		}
		if time.Now().After(deadline) {
			fmt.Printf("timed out: %d/%d devices finished\n", done, len(devices))
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Println("=== Collected cards ===")
	full := true
	for _, d := range devices {
		cards := d.m.Encounters()
		if len(cards) < want {
			full = false
		}
		fmt.Printf("\n%s holds %d card(s):\n", d.name, len(cards))
		for _, c := range cards {
			fmt.Printf("  - %-14s %q\n", c.DisplayName, c.StatusMessage)
		}
	}

	for _, d := range devices {
		d.m.Close()
	}

	if full {
		fmt.Println("\n✅ every device holds every other card")
	} else {
		fmt.Println("\n❌ some exchanges did not finish")
		os.Exit(1)
	}
}

func startDevice(benchDir, name string, i, mtu int, lossy bool) (*device, error) {
	dataDir := filepath.Join(benchDir, fmt.Sprintf("device-%d", i))
	kv, err := store.NewFileKV(dataDir)
	if err != nil {
		return nil, err
	}
	enc := store.NewEncounters(kv, time.Second, 50)
	if err := enc.Load(); err != nil {
		return nil, err
	}
	local := store.NewLocalCard(kv)
	own, err := local.LoadOrCreate(name)
	if err != nil {
		return nil, err
	}
	own.StatusMessage = fmt.Sprintf("hello from %s", name)
	if _, err := local.Save(own); err != nil {
		return nil, err
	}

	cfg := radiosim.Config{
		DeviceID:     uuid.NewString(),
		Dir:          benchDir,
		MaxMTU:       mtu,
		ScanInterval: 150 * time.Millisecond,
	}
	if lossy {
		cfg.ConnectDelay = 80 * time.Millisecond
		cfg.FailureRate = 0.05
	}
	r, err := radiosim.New(cfg)
	if err != nil {
		return nil, err
	}

	d := &device{name: name}
	d.m = exchange.NewManager(exchange.Config{LocalName: name}, r, enc, local, exchange.Events{
		CardReceived: func(c card.Card, rssi int) {
			fmt.Printf("  %s <- %s (rssi %d)\n", name, c.DisplayName, rssi)
		},
	})
	return d, nil
}
