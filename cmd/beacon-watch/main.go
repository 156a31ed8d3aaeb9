package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/beacon.report/internal/analytics"
	"github.com/banshee-data/beacon.report/internal/api"
	"github.com/banshee-data/beacon.report/internal/beacon"
	"github.com/banshee-data/beacon.report/internal/config"
	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/ingest"
	"github.com/banshee-data/beacon.report/internal/notify"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/units"
	"github.com/banshee-data/beacon.report/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "Listen address")
	dbPath         = flag.String("db", "beacon.db", "Path to the SQLite database")
	port           = flag.String("port", "/dev/ttyACM0", "Serial port of the BLE sniffer")
	baud           = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	parity         = flag.String("parity", "N", "Serial parity (N, E or O)")
	replayFile     = flag.String("dev", "", "Replay sniffer lines from this file instead of opening -port")
	replayInterval = flag.Duration("dev-interval", 200*time.Millisecond, "Delay between replayed lines")
	replayLoop     = flag.Bool("dev-loop", false, "Loop the replay file")
	disableSniffer = flag.Bool("disable-sniffer", false, "Run the API without a sniffer attached")
	configPath     = flag.String("config", "", "Detection config JSON (defaults to "+config.DefaultConfigPath+")")
	signatures     = flag.String("signatures", "", "Extra tracker signatures JSON (overrides signatures_path)")
	webhookURL     = flag.String("webhook", "", "POST alerts as JSON to this URL")
	unitsFlag      = flag.String("units", units.Meters, "Default distance unit for the API ("+units.ValidUnitsString()+")")
	tzFlag         = flag.String("tz", "UTC", "Default timezone for charts")
	listPorts      = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.DetectionConfig, error) {
	if *configPath == "" {
		return config.MustLoadDefaultConfig(), nil
	}
	return config.LoadDetectionConfig(*configPath)
}

func loadRegistry(cfg *config.DetectionConfig) (*beacon.SignatureRegistry, error) {
	path := cfg.GetSignaturesPath()
	if *signatures != "" {
		path = *signatures
	}
	if path == "" {
		return beacon.DefaultSignatureRegistry(), nil
	}
	return beacon.LoadSignatureRegistry(path)
}

func openSniffer() (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableSniffer:
		return serialmux.NewDisabledSerialMux(), nil
	case *replayFile != "":
		lines, err := serialmux.LoadReplayFile(*replayFile)
		if err != nil {
			return nil, err
		}
		log.Printf("replaying %d sniffer lines from %s", len(lines), *replayFile)
		return serialmux.NewMockSerialMux(lines, *replayInterval, *replayLoop), nil
	default:
		m, err := serialmux.NewRealSerialMux(*port, serialmux.PortOptions{BaudRate: *baud, Parity: *parity})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

func newNotifier() beacon.Notifier {
	notifiers := notify.Fanout{notify.Log{}}
	if *webhookURL != "" {
		notifiers = append(notifiers, &notify.Webhook{URL: *webhookURL, Client: &http.Client{Timeout: 10 * time.Second}})
	}
	return notifiers
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s migrate <action> [args]\n\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if flag.Arg(0) == "migrate" {
		os.Exit(db.RunMigrateCommand(flag.Args()[1:], *dbPath))
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*unitsFlag) {
		log.Fatalf("invalid -units %q, must be one of: %s", *unitsFlag, units.ValidUnitsString())
	}
	if !units.IsTimezoneValid(*tzFlag) {
		log.Fatalf("invalid -tz %q", *tzFlag)
	}
	log.Print(version.String())

	tuning, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load detection config: %v", err)
	}
	for _, w := range tuning.Warnings() {
		log.Printf("detection config: %s", w)
	}
	registry, err := loadRegistry(tuning)
	if err != nil {
		log.Fatalf("failed to load tracker signatures: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	store := db.NewStore(database)
	engine := beacon.NewEngine(beacon.ConfigFromTuning(tuning), store, beacon.EngineOptions{
		Registry: registry,
		Notifier: newNotifier(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := engine.Warm(ctx)
	if err != nil {
		log.Fatalf("failed to load device profiles: %v", err)
	}
	log.Printf("loaded %d device profiles, %d tracker signatures", n, registry.Len())

	sniffer, err := openSniffer()
	if err != nil {
		log.Fatalf("failed to open sniffer: %v", err)
	}

	ingestor := ingest.New(engine, ingest.Options{
		FlushInterval: tuning.GetFlushInterval(),
		MaxBatch:      tuning.GetMaxBatchSize(),
	})

	housekeeper := beacon.NewHousekeeper(engine, tuning.GetRetention(), tuning.GetHousekeepInterval())
	housekeeper.Start()
	defer housekeeper.Stop()

	collector := analytics.NewCollector(engine, store, tuning.GetSnapshotInterval(), tuning.GetRetention(), nil)
	collector.Start()
	defer collector.Stop()

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sniffer.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if err := sniffer.Initialise(); err != nil {
		log.Printf("failed to initialise sniffer: %v", err)
	}

	// decode sniffer lines into the ingestor's queue
	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.Consume(sniffer, ingestor)
		log.Print("consume routine terminated")
	}()

	// flush batches into the engine until shutdown, then drain
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ingest routine failed: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(engine, sniffer, api.Options{
			Units:     *unitsFlag,
			Timezone:  *tzFlag,
			Ingest:    ingestor,
			Analytics: store,
		}).ServeMux()
		sniffer.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	// Consume returns once Close shuts the subscriber channels.
	<-ctx.Done()
	if err := sniffer.Close(); err != nil {
		log.Printf("failed to close sniffer: %v", err)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
