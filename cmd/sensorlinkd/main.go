package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunagostinho/sensorlink/internal/config"
	"github.com/shaunagostinho/sensorlink/internal/feed"
	"github.com/shaunagostinho/sensorlink/internal/metrics"
	"github.com/shaunagostinho/sensorlink/internal/server"
	"github.com/shaunagostinho/sensorlink/internal/session"
	"github.com/shaunagostinho/sensorlink/internal/sink"
	"github.com/shaunagostinho/sensorlink/internal/storage"
	"github.com/shaunagostinho/sensorlink/internal/wire"
	"github.com/shaunagostinho/sensorlink/web"
)

// shutdownGrace bounds how long shutdown waits for storage to accept the
// readings still queued.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "/etc/sensorlink/config.yaml", "Path to config file")
	tcpAddr := flag.String("listen", "", "Override device listen address (e.g. :12345)")
	httpAddr := flag.String("http", "", "Override HTTP listen address (e.g. :8080)")
	storageType := flag.String("storage", "", "Override storage type (csv, sqlite, postgres)")
	logReadings := flag.Bool("log-readings", false, "Log every decoded reading")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] sensorlinkd starting")

	cfg := config.LoadConfig(*configPath)
	if *tcpAddr != "" {
		cfg.Server.TCPAddr = *tcpAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *storageType != "" {
		cfg.Storage.Type = *storageType
	}
	if *logReadings {
		cfg.Server.LogReadings = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	m := metrics.New()
	sk := sink.New(cfg.Server.SinkCapacity, m)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("[main] storage: %v", err)
	}
	log.Printf("[main] storing readings with %s backend", cfg.Storage.Type)

	// The durable consumer keeps running after ctx is cancelled so that
	// everything accepted before shutdown reaches storage. Failed appends
	// are retried until drainCtx ends.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sk.Drain(drainCtx, func(ctx context.Context, r wire.Reading) error {
			err := store.Append(ctx, r)
			m.Stored(err)
			return err
		})
	}()

	hub := feed.NewHub(cfg.Feeds.WebSocket.History)
	publishers := []feed.Publisher{hub}
	var latest []feed.Latest
	if cfg.Feeds.Redis.Enabled {
		if r, err := feed.DialRedis(ctx, cfg.Feeds.Redis); err != nil {
			log.Printf("[main] redis feed disabled: %v", err)
		} else {
			publishers = append(publishers, r)
			latest = append(latest, r)
		}
	}
	latest = append(latest, hub)
	if cfg.Feeds.MQTT.Enabled {
		if mq, err := feed.DialMQTT(cfg.Feeds.MQTT); err != nil {
			log.Printf("[main] mqtt feed disabled: %v", err)
		} else {
			publishers = append(publishers, mq)
		}
	}

	var feeds sync.WaitGroup
	for _, p := range publishers {
		ch, _ := sk.Subscribe(p.Name(), cfg.Feeds.Buffer)
		feeds.Add(1)
		go func(p feed.Publisher) {
			defer feeds.Done()
			feed.Run(context.Background(), ch, p)
		}(p)
	}

	registry := session.NewRegistry(cfg.Server.MaxSessions)
	acceptor := session.NewServer(session.ServerConfig{
		MaxFieldCount: cfg.Server.MaxFieldCount,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		LogReadings:   cfg.Server.LogReadings,
	}, sk, registry, m)

	api := server.New(server.Options{
		Config:   cfg,
		Registry: registry,
		Hub:      hub,
		Stats:    sk,
		Latest:   latest,
		Metrics:  m.Handler(),
		WebFS:    web.FS,
	})
	go func() {
		if err := api.Run(ctx, cfg.Server.HTTPAddr); err != nil {
			log.Printf("[main] http server exited: %v", err)
			cancel()
		}
	}()

	if err := acceptor.ListenAndServe(ctx, cfg.Server.TCPAddr); err != nil {
		log.Printf("[main] acceptor exited: %v", err)
	}
	cancel()

	// Sessions are gone; flush the queue, then the feeds, then storage.
	sk.Close()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		log.Printf("[main] storage still failing after %v, abandoning %d queued readings", shutdownGrace, sk.Stats().Depth)
		stopDrain()
		<-drained
	}
	feeds.Wait()
	for _, p := range publishers {
		if err := p.Close(); err != nil {
			log.Printf("[main] closing %s feed: %v", p.Name(), err)
		}
	}
	if err := store.Close(); err != nil {
		log.Printf("[main] closing storage: %v", err)
	}
	log.Println("[main] stopped")
}
