package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"agentmesh/config"
	"agentmesh/crypto"
	"agentmesh/ledger"
	"agentmesh/observability/logging"
	telemetry "agentmesh/observability/otel"
	"agentmesh/orchestrate"
	"agentmesh/overlay"
	"agentmesh/payment"
	"agentmesh/settle"
	"agentmesh/storage"
)

const loadSnapshotInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to node configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	if err := config.ValidatePolicy(policy); err != nil {
		return err
	}

	env := strings.TrimSpace(os.Getenv("MESH_ENV"))
	log := logging.Setup("meshd", env, logging.Options{Dir: cfg.Logging.Dir})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "meshd",
			Environment: env,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, os.Getenv("MESHD_KEYSTORE_PASSPHRASE"))
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	selfID := key.PubKey().PeerID()
	log.Info("node identity loaded", slog.String("peer", selfID))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	advertCache, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "adverts"))
	if err != nil {
		return fmt.Errorf("open advert cache: %w", err)
	}
	defer advertCache.Close()

	loads, err := orchestrate.OpenLoadTracker(filepath.Join(cfg.DataDir, "load.db"), log)
	if err != nil {
		return err
	}
	defer loads.Close()

	relay, err := overlay.DialRelay(ctx, cfg.RelayURL, selfID, advertCache, log)
	if err != nil {
		return err
	}
	defer relay.Close()

	settler, err := settle.NewClient(key, log)
	if err != nil {
		return err
	}
	for _, chain := range cfg.Chains {
		backend, err := ethclient.DialContext(ctx, chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial chain %d: %w", chain.ChainID, err)
		}
		defer backend.Close()
		settler.RegisterChain(chain.ChainID, backend)
		log.Info("settlement chain registered",
			slog.Uint64("chain", chain.ChainID),
			slog.String("rpc", chain.RPCURL))
	}

	engine, err := payment.NewEngine(payment.Config{
		Store:         store,
		Key:           key,
		Network:       relay,
		Settler:       settler,
		WalletAddress: cfg.Payments.WalletAddress,
		Logger:        log,
		WaitTimeout:   time.Duration(cfg.Payments.WaitTimeoutSecs) * time.Second,
		InvoiceTTL:    time.Duration(cfg.Payments.InvoiceTTLSecs) * time.Second,
		QueueCap:      cfg.Payments.QueueCap,
	})
	if err != nil {
		return err
	}

	dispatcher := overlay.NewDispatcher(engine, overlay.DispatcherConfig{}, log)
	unsubscribe, err := relay.SubscribeDirect(func(env *overlay.Envelope) {
		dispatcher.Handle(ctx, env)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	orchestrator, err := orchestrate.New(relay, dispatcher, loads, engine, log)
	if err != nil {
		return err
	}

	go settleLoop(ctx, engine, time.Duration(cfg.Payments.SettleIntervalMs)*time.Millisecond, log)
	go snapshotLoop(ctx, loads, log)

	admin := &adminServer{
		token:        strings.TrimSpace(os.Getenv("MESHD_ADMIN_TOKEN")),
		engine:       engine,
		settler:      settler,
		store:        store,
		orchestrator: orchestrator,
		queryConfig:  func() orchestrate.QueryConfig { return queryConfigFromPolicy(policy) },
		exportDir:    filepath.Join(cfg.DataDir, "exports"),
	}
	server := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           admin.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("admin server listening", slog.String("address", cfg.AdminAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// settleLoop drains the settlement queue on a fixed cadence.
func settleLoop(ctx context.Context, engine *payment.Engine, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := engine.SettleAll(ctx)
			if err != nil {
				log.Warn("settlement pass failed", slog.Any("error", err))
				continue
			}
			if len(results) > 0 {
				log.Info("settlement pass complete", slog.Int("batches", len(results)))
			}
		}
	}
}

// snapshotLoop persists load counters so restarts keep selection history.
func snapshotLoop(ctx context.Context, loads *orchestrate.LoadTracker, log *slog.Logger) {
	ticker := time.NewTicker(loadSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := loads.Save(); err != nil {
				log.Warn("load snapshot failed", slog.Any("error", err))
			}
		}
	}
}

func queryConfigFromPolicy(policy *config.Policy) orchestrate.QueryConfig {
	return orchestrate.QueryConfig{
		Selection: orchestrate.SelectionConfig{
			Strategy:      policy.Selection.Strategy,
			Count:         policy.Selection.Count,
			LatencyZone:   policy.Selection.LatencyZone,
			StakeBonus:    policy.Selection.StakeBonus,
			LoadBalancing: policy.Selection.LoadBalancing,
			LoadWeight:    policy.Selection.LoadWeight,
		},
		MinAgents:           policy.Aggregation.MinAgents,
		AllowPartialResults: policy.Aggregation.AllowPartialResults,
		AggregationStrategy: policy.Aggregation.Strategy,
		ConsensusThreshold:  policy.Aggregation.ConsensusThreshold,
		ResponseTimeout:     time.Duration(policy.Aggregation.ResponseTimeoutSecs) * time.Second,
	}
}
