package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalrelay/internal/api"
	"signalrelay/internal/broadcast"
	"signalrelay/internal/events"
	"signalrelay/internal/gateway"
	"signalrelay/internal/ingress"
	"signalrelay/internal/monitor"
	"signalrelay/internal/order"
	"signalrelay/internal/risk"
	"signalrelay/internal/scheduler"
	"signalrelay/internal/sltp"
	"signalrelay/internal/sltpmonitor"
	"signalrelay/internal/tradetracker"
	"signalrelay/pkg/cache"
	"signalrelay/pkg/config"
	"signalrelay/pkg/crypto"
	"signalrelay/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("signalrelay starting on port %s", cfg.Port)
	log.Printf("using db path %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := db.NewGateway(database)

	venueMeta, err := config.LoadVenueMetadata(cfg.VenueMetadataPath)
	if err != nil {
		log.Printf("venue metadata load failed, continuing with an empty seed: %v", err)
		venueMeta, _ = config.LoadVenueMetadata("")
	}

	var keyMgr *crypto.KeyManager
	if os.Getenv("MASTER_ENCRYPTION_KEY") != "" {
		keyMgr, err = crypto.NewKeyManager()
		if err != nil {
			log.Printf("key manager init failed: %v (credential decryption disabled)", err)
		} else {
			log.Printf("key manager initialized (version %d)", keyMgr.CurrentVersion())
		}
	}

	gatewayCfg := gateway.DefaultConfig()
	gatewayCfg.CredentialFallbackEnabled = cfg.CredentialFallbackEnabled
	gatewayMgr := gateway.NewManager(queries, keyMgr, gateway.NewDefaultFactory(venueMeta), gatewayCfg)
	gatewayMgr.Start(ctx)

	sysMetrics := monitor.NewSystemMetrics()
	alertMonitor := &monitor.Monitor{Bus: bus, AlertFn: func(msg string) {
		log.Printf("alert: %s", msg)
	}}
	alertMonitor.Start(ctx)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetGatewayPoolStats(gatewayMgr.Stats())
			}
		}
	}()

	executor := order.NewExecutor(gatewayMgr, queries, bus, cfg)
	riskGate := risk.NewGate(queries)
	cooldown := cache.NewCooldownCache(time.Duration(cfg.SignalCooldownMinutes) * time.Minute)
	b := broadcast.NewBroadcaster(queries, riskGate, executor, bus)
	b.Cooldown = cooldown

	idempotency := cache.NewIdempotencyCache(time.Duration(cfg.IdempotencyTtlSec) * time.Second)
	ingestor := ingress.NewIngestor(queries, b, bus, cfg)
	sltpSvc := sltp.NewService(queries, gatewayMgr)
	tracker := tradetracker.NewTracker(queries, bus)

	slMonitor := sltpmonitor.NewMonitor(queries, gatewayMgr, tracker, bus)
	go slMonitor.Watch(ctx)

	go startFillStreams(ctx, queries, gatewayMgr, bus)

	sched := scheduler.New(queries, gatewayMgr, slMonitor, tracker)
	sched.TickInterval = time.Duration(cfg.MonitorTickSec) * time.Second
	sched.DailyReportHour = cfg.DailyReportHourUtc
	sched.TightVenues = map[string]bool{"C": true, "D": true}
	if cfg.AiCollectorEnabled {
		if collector, err := scheduler.NewGRPCAITrainingCollector(cfg.AiCollectorAddr); err != nil {
			log.Printf("AI training collector disabled: %v", err)
		} else {
			sched.AI = collector
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := api.NewServer(bus, database, ingestor, sltpSvc, sysMetrics, idempotency, api.SystemMeta{
		Venue:   "multi",
		Version: envOrDefault("APP_VERSION", "v2.0-dev"),
	}, cfg.JWTSecret)

	go func() {
		if err := server.Start(":" + trimPort(cfg.Port)); err != nil {
			log.Fatalf("http server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
}

// wsCapable is satisfied by venue adapters that expose a user-data-stream
// listen key in addition to the base order.ListenKeySource methods (venueb
// today). Declared locally rather than in internal/order so that adding a
// websocket-capable venue never requires touching the FillStream package.
type wsCapable interface {
	order.ListenKeySource
	WSURL(listenKey string) string
}

// startFillStreams dials a FillStream per active exchange account whose
// gateway exposes a user-data websocket, so events.EventProtectiveLegFilled
// actually fires and sltpmonitor.Watch's fast path has something to react
// to. Accounts are re-scanned periodically to pick up newly activated ones;
// a stream that fails to start is retried on the next scan.
func startFillStreams(ctx context.Context, queries *db.Gateway, gatewayMgr *gateway.Manager, bus *events.Bus) {
	started := make(map[string]bool)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		accounts, err := queries.ListActiveExchangeAccounts(ctx)
		if err != nil {
			log.Printf("fill stream scan: list accounts: %v", err)
		}
		for _, acct := range accounts {
			if started[acct.ID] {
				continue
			}
			gw, err := gatewayMgr.GetOrCreate(ctx, acct.ID)
			if err != nil {
				continue
			}
			wsGw, ok := gw.(wsCapable)
			if !ok {
				continue
			}
			stream := order.NewFillStream(acct.ID, wsGw, wsGw.WSURL, order.ParseFuturesOrderUpdate, bus)
			if err := stream.Start(ctx); err != nil {
				log.Printf("fill stream: account %s: %v", acct.ID, err)
				continue
			}
			started[acct.ID] = true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func trimPort(port string) string {
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}
