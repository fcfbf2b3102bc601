package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hephaestus-V/PingPongBot/internal/config"
	"github.com/Hephaestus-V/PingPongBot/internal/logger"
	"github.com/Hephaestus-V/PingPongBot/pkg/api"
	"github.com/Hephaestus-V/PingPongBot/pkg/client"
	"github.com/Hephaestus-V/PingPongBot/pkg/engine"
	"github.com/Hephaestus-V/PingPongBot/pkg/eventbus"
	"github.com/Hephaestus-V/PingPongBot/pkg/fees"
	"github.com/Hephaestus-V/PingPongBot/pkg/journal"
	"github.com/Hephaestus-V/PingPongBot/pkg/metrics"
	"github.com/Hephaestus-V/PingPongBot/pkg/scanner"
	"github.com/Hephaestus-V/PingPongBot/pkg/state"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flags holds command-line overrides; zero values leave the config untouched
type flags struct {
	configFile  string
	rpcURL      string
	dataDir     string
	startBlock  int64
	logLevel    string
	logFormat   string
	opsAddress  string
	showVersion bool
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&f.rpcURL, "rpc", "", "Ethereum RPC endpoint URL")
	flag.StringVar(&f.dataDir, "data-dir", "", "Directory holding state.json and the outcome journal")
	flag.Int64Var(&f.startBlock, "start-block", -1, "Block to start scanning from on a fresh state")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.StringVar(&f.opsAddress, "ops-addr", "", "Ops HTTP server listen address")
	flag.Parse()

	if f.showVersion {
		fmt.Printf("pingpong version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	// A missing .env file is normal outside development
	_ = godotenv.Load()

	cfg, err := config.Load(f.configFile, f.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	log, err := logger.New(logger.Config{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		InitialFields: map[string]interface{}{"run_id": runID},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runID, log); err != nil {
		log.Error("pingpong stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("pingpong stopped")
}

func (f flags) apply(cfg *config.Config) {
	if f.rpcURL != "" {
		cfg.RPCURL = f.rpcURL
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.startBlock >= 0 {
		start := uint64(f.startBlock)
		cfg.StartBlock = &start
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.opsAddress != "" {
		cfg.Ops.Address = f.opsAddress
	}
}

func run(ctx context.Context, cfg *config.Config, runID string, log *zap.Logger) error {
	log.Info("Starting pingpong",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("contract", cfg.Contract().Hex()),
		zap.String("private_key", cfg.MaskedPrivateKey()),
		zap.Uint64("start_block", cfg.StartHeight()),
		zap.Uint64("confirmations", cfg.Confirmations),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("data_dir", cfg.DataDir),
	)

	m := metrics.New("")

	priorityFee, err := cfg.PriorityFeeWei()
	if err != nil {
		return err
	}

	ethClient, err := client.NewClient(&client.Config{
		Endpoint:         cfg.RPCURL,
		Timeout:          cfg.RPC.Timeout,
		PrivateKey:       cfg.PrivateKey,
		Contract:         cfg.Contract(),
		GasLimitFallback: cfg.RPC.GasLimitFallback,
		RateLimit:        cfg.RPC.RateLimit,
		RateBurst:        cfg.RPC.RateBurst,
		Observer:         m,
		Logger:           logger.WithComponent(log, "client"),
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer ethClient.Close()

	// The engine retries every tick, so an unreachable node is not fatal here
	pingCtx, cancel := context.WithTimeout(ctx, cfg.RPC.Timeout)
	if err := ethClient.Ping(pingCtx); err != nil {
		log.Warn("RPC endpoint not reachable at startup", zap.Error(err))
	} else if chainID, err := ethClient.ChainID(pingCtx); err == nil {
		log.Info("Connected to chain",
			zap.String("chain_id", chainID.String()),
			zap.String("account", ethClient.Address().Hex()))
	}
	cancel()

	store, err := state.NewFileStore(cfg.StatePath(), cfg.StartHeight(), cfg.RecentSetSize, logger.WithComponent(log, "state"))
	if err != nil {
		return err
	}
	log.Info("Using state file", zap.String("path", store.Path()))

	var opts []engine.Option
	opts = append(opts, engine.WithMetrics(m))

	var outcomes api.OutcomeReader
	if cfg.JournalEnabled() {
		j, err := journal.Open(journal.DefaultConfig(cfg.JournalPath()), logger.WithComponent(log, "journal"))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Error("Failed to close journal", zap.Error(err))
			}
		}()
		opts = append(opts, engine.WithJournal(j))
		outcomes = j
	}

	publisher, err := eventbus.New(ctx, cfg.Alerts, runID, logger.WithComponent(log, "alerts"))
	if err != nil {
		return fmt.Errorf("failed to create alert publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("Failed to close alert publisher", zap.Error(err))
		}
	}()
	opts = append(opts, engine.WithPublisher(publisher))

	events, err := scanner.New(ethClient, scanner.DefaultConfig(cfg.Contract()), logger.WithComponent(log, "scanner"), m)
	if err != nil {
		return err
	}
	estimator := fees.NewEstimator(ethClient, priorityFee, logger.WithComponent(log, "fees"))

	eng, err := engine.New(engine.Config{
		Confirmations:   cfg.Confirmations,
		BatchSize:       cfg.BatchSize,
		StuckBlocks:     cfg.StuckBlocks,
		MaxReplacements: cfg.MaxReplacementsPerTx,
		SleepInterval:   cfg.SleepInterval(),
		PollInterval:    cfg.PollInterval(),
		RunID:           runID,
	}, ethClient, events, estimator, store, logger.WithComponent(log, "engine"), opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.OpsEnabled() {
		apiConfig := api.DefaultConfig()
		apiConfig.Address = cfg.Ops.Address
		apiConfig.Version = version
		server, err := api.NewServer(apiConfig, logger.WithComponent(log, "ops"), eng, outcomes, m.Handler())
		if err != nil {
			return fmt.Errorf("failed to create ops server: %w", err)
		}
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	start := time.Now()
	err = g.Wait()
	log.Info("Shutdown complete", zap.Duration("uptime", time.Since(start)))
	return err
}
