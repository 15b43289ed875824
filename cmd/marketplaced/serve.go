package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	core "marketplace-backend/core/marketplace"
	mkmiddleware "marketplace-backend/middleware/marketplace"
	"marketplace-backend/services"
	mkstore "marketplace-backend/storage/marketplace"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics endpoint, and timeout sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runtime bundles everything built from a config.
type runtime struct {
	engine    *mkmiddleware.Engine
	requester *mkmiddleware.RequesterAPI
	provider  *mkmiddleware.ProviderAPI
	store     mkmiddleware.Store
}

func buildRuntime(ctx context.Context, cfg config) (*runtime, error) {
	var store mkmiddleware.Store
	var err error
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			return nil, fmt.Errorf("MARKET_PG_DSN required when MARKET_STORE_DRIVER=postgres")
		}
		store, err = mkstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	default:
		store = mkstore.NewMemoryStore()
	}

	bus := mkmiddleware.NewEventBus()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sink := mkmiddleware.NewRedisEventSink(rdb, cfg.RedisChannel)
		bus.Register(sink.Sink())
		log.Printf("publishing lifecycle events to redis %s channel %s", cfg.RedisAddr, cfg.RedisChannel)
	}

	router := services.NewRouter()
	if cfg.TrackerBase != "" {
		tracker := services.NewIssueTrackerService(cfg.TrackerBase, cfg.TrackerToken, 2*time.Second)
		router.RegisterPerformer(core.TaskCreateIssue, tracker.Perform)
		router.RegisterVerifier(core.TaskCreateIssue, tracker.Verify)
		log.Printf("create_issue tasks backed by tracker at %s", cfg.TrackerBase)
	} else {
		stubPerform := &services.StubPerformer{}
		stubVerify := &services.StubVerifier{Pass: true}
		router.RegisterPerformer(core.TaskCreateIssue, stubPerform.Perform)
		router.RegisterVerifier(core.TaskCreateIssue, stubVerify.Verify)
		log.Printf("create_issue tasks backed by stub adapters (set MARKET_TRACKER_BASE for a live tracker)")
	}
	translatePerform := &services.StubPerformer{ArtifactRef: "text/translated"}
	translateVerify := &services.StubVerifier{Pass: true}
	router.RegisterPerformer(core.TaskTranslateText, translatePerform.Perform)
	router.RegisterVerifier(core.TaskTranslateText, translateVerify.Verify)

	providerID, providerKey, err := core.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate provider identity: %w", err)
	}
	requesterID, requesterKey, err := core.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate requester identity: %w", err)
	}

	var payer mkmiddleware.Payer
	if cfg.LedgerBase != "" {
		payer = services.NewLedgerService(cfg.LedgerBase, requesterID)
		log.Printf("payments backed by ledger at %s", cfg.LedgerBase)
	} else {
		payer = &services.StubPayer{}
		log.Printf("payments backed by stub ledger (set MARKET_LEDGER_BASE for a live ledger)")
	}

	engine := mkmiddleware.NewEngine(store, bus, router, router, payer)
	book := mkmiddleware.PriceBook{
		Prices: map[core.TaskKind]int64{
			core.TaskCreateIssue:   5,
			core.TaskTranslateText: 3,
		},
		BondUnits: 1,
		Denom:     "units",
		QuoteTTL:  cfg.QuoteTTL,
	}
	log.Printf("provider identity %s", providerID)
	log.Printf("requester identity %s", requesterID)

	return &runtime{
		engine:    engine,
		requester: mkmiddleware.NewRequesterAPI(engine, requesterID, requesterKey),
		provider:  mkmiddleware.NewProviderAPI(engine, providerID, providerKey, book),
		store:     store,
	}, nil
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	sweeper := mkmiddleware.NewSweeper(rt.engine, rt.store, cfg.SweepInterval)
	go sweeper.Run(ctx)
	log.Printf("timeout sweeper running (interval=%s)", cfg.SweepInterval)

	srv := mkmiddleware.NewServer(rt.engine, rt.requester, rt.provider, cfg.APIKey)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.Handle(cfg.MetricsPath, promhttp.Handler())

	log.Printf("marketplaced listening on :%s (store=%s)", cfg.Port, cfg.StoreDriver)
	return http.ListenAndServe(":"+cfg.Port, mux)
}
