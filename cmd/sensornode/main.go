package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/sensorlink/internal/acquire"
	"github.com/shaunagostinho/sensorlink/internal/config"
	"github.com/shaunagostinho/sensorlink/internal/session"
)

func main() {
	configPath := flag.String("config", "/etc/sensorlink/config.yaml", "Path to config file")
	serverAddr := flag.String("server", "", "Override ingestion server address (e.g. 10.0.0.5:12345)")
	deviceID := flag.Uint("device", 0, "Override device id")
	demo := flag.Bool("demo", false, "Sample simulated temperature and light")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] sensornode starting")

	cfg := config.LoadConfig(*configPath)
	if *serverAddr != "" {
		cfg.Device.ServerAddr = *serverAddr
	}
	if *deviceID != 0 {
		cfg.Device.DeviceID = uint32(*deviceID)
	}
	if *demo {
		cfg.Device.Acquire.Type = "demo"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] %v", err)
	}
	dev := cfg.Device

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	prov, err := acquire.New(dev.Acquire)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if !connectWithRetry(ctx, prov.Name(), prov, 10) {
		return
	}
	defer prov.Close()

	policy, _ := session.ParsePolicy(dev.Policy)
	client := session.NewClient(session.ClientConfig{
		DeviceID:         dev.DeviceID,
		Interval:         dev.Interval,
		HandshakeTimeout: dev.HandshakeTimeout,
		AckTimeout:       dev.AckTimeout,
	}, prov)

	sup := &session.Supervisor{
		Connect:     session.Dialer(dev.ServerAddr, dev.DialTimeout),
		Session:     client.Run,
		Backoff:     session.NewBackoff(dev.RetryDelay, dev.RetryMaxDelay),
		Policy:      policy,
		MaxAttempts: dev.MaxAttempts,
		Restart: func() {
			log.Printf("[main] restarting device (exit %d)", dev.RestartCode)
			prov.Close()
			os.Exit(dev.RestartCode)
		},
	}
	log.Printf("[main] device %d streaming to %s (%s policy)", dev.DeviceID, dev.ServerAddr, policy)

	err = sup.Run(ctx)
	switch {
	case err == nil:
		log.Println("[main] stopped")
	case errors.Is(err, session.ErrGiveUp):
		log.Printf("[main] %v", err)
		prov.Close()
		os.Exit(1)
	default:
		log.Printf("[main] supervisor exited: %v", err)
	}
}

// connectWithRetry opens the sample source with exponential backoff from 1s
// up to 60s. It returns false only when ctx is cancelled first.
func connectWithRetry(ctx context.Context, name string, p acquire.Provider, maxAttempts int) bool {
	b := session.NewBackoff(time.Second, time.Minute)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := p.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt)
			return true
		}
		delay := b.Duration()
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)", name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}
