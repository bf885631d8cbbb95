package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fieldops/backend/internal/api"
	"github.com/fieldops/backend/internal/config"
	"github.com/fieldops/backend/internal/dashboard"
	"github.com/fieldops/backend/internal/database"
	"github.com/fieldops/backend/internal/events"
	"github.com/fieldops/backend/internal/finance"
	"github.com/fieldops/backend/internal/importer"
	"github.com/fieldops/backend/internal/integrations/cardwise"
	"github.com/fieldops/backend/internal/integrations/crm"
	"github.com/fieldops/backend/internal/integrations/ledgerbooks"
	"github.com/fieldops/backend/internal/kpi"
	"github.com/fieldops/backend/internal/monitoring"
	"github.com/fieldops/backend/internal/realtime"
	"github.com/fieldops/backend/internal/roster"
	"github.com/fieldops/backend/internal/signup"
	"github.com/fieldops/backend/internal/syncer"
	"github.com/fieldops/backend/internal/vault"
)

func main() {
	log.Println("Starting field-marketing control plane...")

	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.New()

	// 1. Storage
	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	node := nodeID()

	// 2. Event bus + cross-node bridge
	bus := events.NewBus(db)
	if cfg.Redis.Addr != "" {
		bridge, err := events.NewRedisBridge(cfg.Redis.Addr, cfg.Redis.Password,
			cfg.Redis.DB, cfg.Redis.Channel, node, bus)
		if err != nil {
			log.Printf("redis bridge unavailable, running single-node: %v", err)
		} else {
			bus.AddSink(bridge)
			bridge.Start()
			defer bridge.Stop()
		}
	}

	// 3. Realtime registry
	registry := realtime.NewRegistry()
	registry.SetMetrics(metrics)
	bus.AddSink(registry)
	stopReaper := registry.StartReaper()
	defer stopReaper()
	wsHandler := realtime.NewHandler(registry, bus)

	// 4. Credential vault + partner clients
	keys, err := decodeKeys(cfg.Vault.Keys)
	if err != nil {
		log.Fatalf("vault keys: %v", err)
	}
	v, err := vault.New(db, time.Duration(cfg.Vault.RefreshSkewMinutes)*time.Minute, keys...)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	crmClient := crm.New(cfg.Integrations.CRMBaseURL, v)
	lbClient := ledgerbooks.New(cfg.Integrations.LedgerbooksBaseURL, v)
	cwClient := cardwise.New(cfg.Integrations.CardwiseBaseURL, v)
	v.RegisterRefresher("crm", crmClient)
	v.RegisterRefresher("ledgerbooks", lbClient)
	v.RegisterRefresher("cardwise", cwClient)

	// 5. Sync orchestrator
	syncRunner := syncer.NewRunner(syncer.NewPostgresStore(db, node), bus)
	syncRunner.SetMetrics(metrics)
	sources := []syncer.Source{
		syncer.NewInvoiceSource(lbClient),
		syncer.NewTransactionSource(cwClient),
	}
	go runSyncLoop(ctx, syncRunner, sources)

	// 6. Sign-up pipeline. The extractor is an external service; without one
	// configured, image sign-ups go straight to the manual review queue.
	signupStore := signup.NewPostgresStore(db)
	pipeline := signup.New(signupStore, bus, nil, crmClient)
	pipeline.SetMetrics(metrics)

	// 7. KPI engine + notification dispatcher
	kpiEngine := kpi.NewEngine(kpi.NewPostgresStore(db), bus, nil)
	senders, cleanup, err := kpi.NewPubSubSenders(ctx, cfg.PubSub.ProjectID,
		cfg.PubSub.TopicID, cfg.KPI.Channels)
	if err != nil {
		log.Printf("pubsub unavailable, logging notification jobs: %v", err)
		senders = kpi.NewLogSenders(cfg.KPI.Channels)
	} else {
		defer cleanup()
	}
	dispatcher := kpi.NewDispatcher(senders, kpiEngine, cfg.KPI.NotifyWorkers)
	defer dispatcher.Stop()
	dispatcher.SetMetrics(metrics)
	kpiEngine.SetNotifier(dispatcher)
	kpiEngine.SetMetrics(metrics)
	kpiEngine.StartSnoozeLoop(ctx)
	go runKPILoop(ctx, kpiEngine, kpi.NewSampler(db),
		time.Duration(cfg.KPI.CheckIntervalMinutes)*time.Minute)

	// 8. Importers, roster, finance, dashboard
	importBackend := importer.NewPostgresBackend(db)
	importRunner := importer.NewRunner(importBackend)
	importRunner.SetMetrics(metrics)
	rosterSvc := roster.NewService(roster.NewPostgresStore(db), bus)
	financeStore := finance.NewPostgresStore(db)
	dashStore := dashboard.NewStore(db)

	// 9. HTTP surface
	server := api.NewServer(api.Deps{
		Verifier: api.NewDBVerifier(db),
		Events:   rosterSvc,
		Signups:  pipeline,
		Lister:   signupStore,
		Finance:  financeStore,
		Dash:     dashStore,
		KPI:      kpiEngine,
		Imports:  importRunner,
		History:  importBackend,
		EventLog: bus,
		WS:       wsHandler,
		Metrics:  metrics,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s (%s)", cfg.Server.Port, cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// runSyncLoop pulls every partner source on a fixed cadence. Claiming is
// checkpoint-based, so overlapping nodes coordinate through the store.
func runSyncLoop(ctx context.Context, runner *syncer.Runner, sources []syncer.Source) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, src := range sources {
				if _, err := runner.Run(ctx, src); err != nil && err != syncer.ErrAlreadyRunning {
					log.Printf("sync %s/%s: %v", src.Integration(), src.SyncType(), err)
				}
			}
		}
	}
}

func runKPILoop(ctx context.Context, engine *kpi.Engine, sampler *kpi.Sampler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, err := sampler.Collect(ctx)
			if err != nil {
				log.Printf("kpi sampling: %v", err)
				continue
			}
			if _, err := engine.CheckThresholds(ctx, samples); err != nil {
				log.Printf("kpi evaluation: %v", err)
			}
		}
	}
}

func decodeKeys(hexKeys []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(hexKeys))
	for _, h := range hexKeys {
		k, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// nodeID identifies this process on the redis bridge channel.
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}
