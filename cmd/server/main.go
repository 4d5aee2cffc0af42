// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"settlement-service/internal/cache"
	"settlement-service/internal/chains"
	"settlement-service/internal/chains/ethereum"
	"settlement-service/internal/config"
	"settlement-service/internal/handler"
	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/pub"
	"settlement-service/internal/repository"
	"settlement-service/internal/repository/memory"
	"settlement-service/internal/risk"
	"settlement-service/internal/router"
	"settlement-service/internal/security"
	"settlement-service/internal/server"
	"settlement-service/internal/usecase"
	"settlement-service/internal/worker"
	"settlement-service/migrations"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]router.HealthCheck{}

	// ============================================================================
	// Storage
	// ============================================================================
	var (
		store    repository.LedgerStore
		profiles risk.ProfileReader
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory ledger store, balances are lost on restart")
		mem := memory.NewStore()
		store, profiles = mem, mem
	default:
		pool, err := config.ConnectDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if cfg.Database.RunMigrations {
			if err := migrations.Apply(ctx, pool, logger); err != nil {
				logger.Fatal("failed to apply migrations", zap.Error(err))
			}
		}
		store = repository.NewPostgresLedgerStore(pool, logger)
		profiles = repository.NewRiskProfileRepository(pool)
		health["database"] = pool.Ping
	}

	// ============================================================================
	// Redis (event notifications and signer lock)
	// ============================================================================
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// ============================================================================
	// Events
	// ============================================================================
	var sinks []pub.Publisher
	if cfg.Kafka.Enabled {
		kafka := pub.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}
	if rdb != nil {
		sinks = append(sinks, pub.NewRedisPublisher(rdb, logger))
	}
	publisher := pub.NewFanout(sinks...)
	logger.Info("Settlement events configured", zap.Int("sinks", publisher.Len()))

	// ============================================================================
	// Metrics
	// ============================================================================
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// ============================================================================
	// Chain
	// ============================================================================
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		RPCURL:         cfg.Ethereum.RPCURL,
		RequestsPerSec: cfg.Ethereum.RequestsPerSec,
		Burst:          cfg.Ethereum.Burst,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to chain", zap.Error(err))
	}
	defer client.Close()
	health["chain"] = func(ctx context.Context) error {
		_, err := client.HeadNumber(ctx)
		return err
	}

	if cfg.Ethereum.ChainID != 0 && client.ChainID().Int64() != cfg.Ethereum.ChainID {
		logger.Fatal("chain id mismatch",
			zap.Int64("expected", cfg.Ethereum.ChainID),
			zap.String("node", client.ChainID().String()))
	}

	signerKey, err := security.OpenSigningKey(security.SigningKeySource{
		Encrypted: cfg.Security.EncryptedSignerKey,
		MasterKey: cfg.Security.MasterKey,
		Plain:     cfg.Security.SignerKey,
	})
	if err != nil {
		logger.Fatal("failed to open signer key", zap.Error(err))
	}
	signer, err := ethereum.NewSigner(signerKey, client.ChainID())
	if err != nil {
		logger.Fatal("failed to load signer", zap.Error(err))
	}

	custodial, err := ethereum.NormalizeAddress(cfg.Settlement.CustodialAddress)
	if err != nil {
		logger.Fatal("invalid custodial address", zap.Error(err))
	}
	if custodial != signer.Address().Hex() {
		logger.Fatal("signer key does not control the custodial address",
			zap.String("custodial", custodial),
			zap.String("signer", signer.Address().Hex()))
	}

	var nonceLock ethereum.LockFunc
	if rdb != nil {
		locker := cache.NewLocker(rdb, "", logger)
		nonceLock = func(ctx context.Context, resource string, ttl time.Duration) (func(context.Context) error, error) {
			lk, err := locker.Acquire(ctx, resource, ttl)
			if err != nil {
				return nil, err
			}
			return lk.Release, nil
		}
	}
	nonces := ethereum.NewNonceManager(client, signer.Address(), nonceLock, logger)

	dispatchTable, err := ethereum.NewDispatchTable()
	if err != nil {
		logger.Fatal("failed to build dispatch table", zap.Error(err))
	}

	executor := ethereum.NewExecutor(client, signer, nonces, dispatchTable, ethereum.ExecutorConfig{
		FinalityTimeout: cfg.Settlement.FinalityTimeout,
		PollInterval:    cfg.Settlement.PollInterval,
		GasLimitNative:  cfg.Ethereum.GasLimitNative,
		GasLimitAsset:   cfg.Ethereum.GasLimitAsset,
		MaxFeePerGas:    new(big.Int).Mul(big.NewInt(cfg.Ethereum.MaxFeeGwei), big.NewInt(1_000_000_000)),
	}, logger)
	observer := ethereum.NewObserver(client, logger)

	tokens := chains.NewRegistry()
	for _, spec := range cfg.Tokens {
		if spec.Contract != "" {
			if spec.Contract, err = ethereum.NormalizeAddress(spec.Contract); err != nil {
				logger.Fatal("invalid token contract", zap.String("token", spec.Symbol), zap.Error(err))
			}
		}
		token, err := chains.NewToken(spec)
		if err != nil {
			logger.Fatal("invalid token", zap.Error(err))
		}
		tokens.Register(token)
	}
	logger.Info("Tokens registered",
		zap.String("tokens", strings.Join(tokens.List(), ",")),
		zap.String("custodial", custodial))

	// ============================================================================
	// Usecases
	// ============================================================================
	coordinator := ledger.NewCoordinator(store, publisher, m, logger)
	gate := risk.NewGate(risk.NewEngine(), profiles, logger)

	depositUC := usecase.NewDepositUsecase(coordinator, observer, gate, tokens, m, usecase.DepositConfig{
		CustodialAddress: custodial,
		ScanDepth:        cfg.Settlement.ScanDepth,
		Expiry:           cfg.Settlement.DepositExpiry,
		RetryBase:        cfg.Settlement.DepositRetryBase,
		RetryMax:         cfg.Settlement.DepositRetryMax,
	}, logger)
	withdrawalUC := usecase.NewWithdrawalUsecase(coordinator, executor, gate, tokens, m, logger)
	reviewUC := usecase.NewReviewUsecase(coordinator, m, logger)

	// ============================================================================
	// Workers
	// ============================================================================
	depositMonitor := worker.NewDepositMonitor(depositUC, cfg.Settlement.DepositMonitorInterval, 50, logger)
	withdrawalProcessor := worker.NewWithdrawalProcessor(withdrawalUC, cfg.Settlement.WithdrawalInterval, cfg.Settlement.WithdrawalConcurrency, logger)
	reviewReporter := worker.NewReviewReporter(reviewUC, cfg.Settlement.ReviewInterval, cfg.Settlement.StuckAfter, logger)

	// ============================================================================
	// HTTP
	// ============================================================================
	settlementHandler := handler.NewSettlementHandler(depositUC, withdrawalUC, reviewUC, coordinator, tokens, withdrawalProcessor, logger)
	routes := router.SetupRoutes(settlementHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), health, logger)
	httpServer := server.NewHTTPServer(routes, cfg.Server.HTTPPort, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return depositMonitor.Start(gctx) })
	g.Go(func() error { return withdrawalProcessor.Start(gctx) })
	g.Go(func() error { return reviewReporter.Start(gctx) })
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})

	logger.Info("Settlement service started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Settlement service stopped with error", zap.Error(err))
		return
	}
	logger.Info("Settlement service stopped")
}
