package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arcticlink/arcticlink/internal/ble"
	"github.com/arcticlink/arcticlink/internal/config"
	"github.com/arcticlink/arcticlink/internal/mux"
	"github.com/arcticlink/arcticlink/internal/ota"
	"github.com/arcticlink/arcticlink/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/arcticlink/config.yaml)")
	scan := flag.Bool("scan", false, "scan for devices and exit")
	device := flag.String("device", "", "device address to connect to")
	otaPath := flag.String("ota", "", "firmware .bin to transfer instead of opening consoles")
	consoleID := flag.Int("console", 0, "console id that receives stdin input")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	adapter := ble.NewTinygoAdapter()
	sess := session.New(adapter, sessionOptions(cfg))

	if *scan {
		runScan(sess, cfg)
		return
	}
	if *device == "" {
		fmt.Fprintln(os.Stderr, "either -scan or -device is required")
		os.Exit(2)
	}

	if err := sess.Connect(*device); err != nil {
		slog.Error("connect failed", "error", err)
		sess.Disconnect()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *otaPath != "" {
		ok := runOTA(sess, cfg, *otaPath, sigCh)
		sess.Disconnect()
		if !ok {
			os.Exit(1)
		}
		return
	}

	runConsoles(sess, *consoleID, sigCh)
	sess.Disconnect()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.ConnectTimeout = time.Duration(cfg.Bluetooth.ConnectTimeoutSec) * time.Second
	opts.DegradedGrace = time.Duration(cfg.Bluetooth.DegradedGraceSec) * time.Second
	opts.ReconnectMaxDelay = time.Duration(cfg.Bluetooth.ReconnectMaxDelaySec) * time.Second
	if cfg.Bluetooth.ReconnectRetries < 0 {
		opts.ReconnectRetries = 0 // unbounded
	} else {
		opts.ReconnectRetries = cfg.Bluetooth.ReconnectRetries
	}
	return opts
}

func runScan(sess *session.Session, cfg *config.Config) {
	timeout := time.Duration(cfg.Bluetooth.ScanTimeoutSec) * time.Second
	slog.Info("scanning", "timeout", timeout)
	devices, err := sess.Scan(timeout)
	if err != nil {
		slog.Error("scan failed", "error", err)
		os.Exit(1)
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  rssi=%d  %s\n", d.Address, d.RSSI, name)
	}
}

func runOTA(sess *session.Session, cfg *config.Config, path string, sigCh <-chan os.Signal) bool {
	image, err := os.ReadFile(path)
	if err != nil {
		slog.Error("read firmware", "error", err)
		return false
	}

	router := sess.Mux()
	if router == nil {
		slog.Error("not connected")
		return false
	}
	ackChar, dataChar, ok := router.OTAChannel()
	if !ok {
		slog.Error("device exposes no OTA service")
		return false
	}

	engine := ota.NewEngine(ota.Options{
		ChunkSize:  cfg.Updater.ChunkSize,
		AckTimeout: time.Duration(cfg.Updater.AckTimeoutMS) * time.Millisecond,
		AckRetries: cfg.Updater.AckRetries,
	})
	// A confirmed link loss fails the transfer; the session reconnects on
	// its own but the update must be restarted by the user.
	sess.OnStateChange(func(st session.State, _ error) {
		if st == session.StateReconnecting || st == session.StateDisconnected {
			engine.LinkLost()
		}
	})

	transfer, err := engine.Start(ackChar, dataChar, image, func(p ota.Progress) {
		fmt.Printf("\r%d/%d bytes (%.1f kb/s)", p.BytesSent, p.TotalBytes, p.Throughput/1024)
	})
	if err != nil {
		slog.Error("start transfer", "error", err)
		return false
	}

	select {
	case <-transfer.Done():
	case <-sigCh:
		transfer.Cancel()
		<-transfer.Done()
	}
	fmt.Println()

	if transfer.State() == ota.StateFailed {
		slog.Error("transfer failed", "error", transfer.Err())
		return false
	}
	slog.Info("transfer complete", "bytes", len(image))
	return true
}

func runConsoles(sess *session.Session, inputConsole int, sigCh <-chan os.Signal) {
	attach := func(router *mux.Mux) {
		for _, c := range router.Consoles() {
			go func(c *mux.Console) {
				for data := range c.Data() {
					fmt.Printf("[%s] %s", c.Title(), data)
				}
			}(c)
		}
	}

	router := sess.Mux()
	if router == nil {
		slog.Error("not connected")
		return
	}
	attach(router)

	// Re-attach after a reconnect replaces the routing table. The observer
	// runs on session goroutines, so the attached pointer is guarded.
	var attachMu sync.Mutex
	attached := router
	sess.OnStateChange(func(st session.State, err error) {
		if err != nil {
			slog.Error("session failed", "error", err)
			return
		}
		if st != session.StateConnected {
			return
		}
		r := sess.Mux()
		if r == nil {
			return
		}
		attachMu.Lock()
		fresh := r != attached
		attached = r
		attachMu.Unlock()
		if fresh {
			attach(r)
		}
	})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			r := sess.Mux()
			if r == nil {
				slog.Warn("not connected, input dropped")
				continue
			}
			if err := r.Send(inputConsole, []byte(line+"\n")); err != nil {
				slog.Error("send failed", "console", inputConsole, "error", err)
			}
		}
	}
}
