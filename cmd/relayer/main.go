package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/808putnam/qtrade-relayer/adapters/redis"
	"github.com/808putnam/qtrade-relayer/blockhash"
	"github.com/808putnam/qtrade-relayer/intake"
	"github.com/808putnam/qtrade-relayer/jsonrpcserver"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/808putnam/qtrade-relayer/noncepool"
	"github.com/808putnam/qtrade-relayer/relayer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Pools and the intake queue are configured using their own env variables, see `noncepool`, `keypool`,
	// `blockhash` and `intake` packages.

	// Default values
	defaultDebug             = os.Getenv("DEBUG") == "1"
	defaultLogProd           = os.Getenv("LOG_PROD") == "1"
	defaultLogService        = os.Getenv("LOG_SERVICE")
	defaultPort              = cli.GetEnv("PORT", "8080")
	defaultMetricsPort       = cli.GetEnv("METRICS_PORT", "8088")
	defaultSolanaRPC         = cli.GetEnv("SOLANA_RPC_URL", "http://127.0.0.1:8899")
	defaultProvidersConfig   = cli.GetEnv("PROVIDERS_CONFIG", "providers.yaml")
	defaultActiveProviders   = os.Getenv("ACTIVE_PROVIDERS")
	defaultSimulate          = os.Getenv("SIMULATE") == "1"
	defaultSubmitTimeoutMs   = cli.GetEnv("SUBMIT_TIMEOUT_MS", "15000")
	defaultBlockhashFallback = cli.GetEnv("BLOCKHASH_FALLBACK", "1")
	defaultPostgresDSN       = os.Getenv("POSTGRES_DSN")
	defaultRedisEndpoint     = os.Getenv("REDIS_ENDPOINT")
	defaultAuditChannel      = cli.GetEnv("AUDIT_CHANNEL", "relayer-audit")
	defaultIntakeWorkers     = cli.GetEnv("INTAKE_WORKERS", "4")
	defaultIntakeRateLimit   = cli.GetEnv("INTAKE_RATE_LIMIT", "50")
	defaultHealthIntervalMs   = cli.GetEnv("PROVIDER_HEALTH_INTERVAL_MS", "30000")
	defaultMaxAttempts       = cli.GetEnv("MAX_REQUEST_ATTEMPTS", "0")

	// Flags
	debugPtr           = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr         = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr      = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr            = flag.String("port", defaultPort, "port to listen on")
	solanaRPCPtr       = flag.String("solana-rpc", defaultSolanaRPC, "solana rpc endpoint used for pools, blockhashes and confirmations")
	providersPtr       = flag.String("providers-config", defaultProvidersConfig, "providers config file")
	activeProvidersPtr = flag.String("active-providers", defaultActiveProviders, "active providers (comma separated), overrides the config file")
	simulatePtr        = flag.Bool("simulate", defaultSimulate, "simulate submissions instead of broadcasting them")
	submitTimeoutPtr   = flag.String("submit-timeout-ms", defaultSubmitTimeoutMs, "submission racing deadline in milliseconds")
	fallbackPtr        = flag.String("blockhash-fallback", defaultBlockhashFallback, "sign against a recent blockhash when the nonce pool is exhausted (0-1)")
	postgresDSNPtr     = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn for the audit log, in-memory if empty")
	redisPtr           = flag.String("redis", defaultRedisEndpoint, "redis url string, enables audit stream, request guard and intake queue")
	auditChannelPtr    = flag.String("audit-channel", defaultAuditChannel, "redis pub/sub channel for audit records")
	intakeWorkersPtr   = flag.String("intake-workers", defaultIntakeWorkers, "number of intake queue workers")
	intakeRateLimitPtr = flag.String("intake-rate-limit", defaultIntakeRateLimit, "intake submissions per second")
	healthIntervalPtr   = flag.String("health-interval-ms", defaultHealthIntervalMs, "provider health check interval in milliseconds")
	maxAttemptsPtr     = flag.String("max-request-attempts", defaultMaxAttempts, "cap on submission attempts per request id across replicas, 0 disables (needs redis)")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting qtrade-relayer", zap.String("version", version))

	ledgerClient := ledger.NewClient(*solanaRPCPtr, nil)

	// nonce pool
	nonceConfig, err := noncepool.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load nonce pool config", zap.Error(err))
	}
	nonces, err := noncepool.New(logger, ledgerClient, nonceConfig)
	if err != nil {
		logger.Fatal("Failed to create nonce pool", zap.Error(err))
	}

	// blockhash cache
	blockhashConfig, err := blockhash.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load blockhash cache config", zap.Error(err))
	}
	hashes, err := blockhash.New(logger, ledgerClient, blockhashConfig)
	if err != nil {
		logger.Fatal("Failed to create blockhash cache", zap.Error(err))
	}

	// key pool
	keyConfig, err := keypool.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load key pool config", zap.Error(err))
	}
	vault, err := newVault()
	if err != nil {
		logger.Fatal("Failed to create key vault", zap.Error(err))
	}
	keys, err := keypool.New(logger, ledgerClient, vault, keyConfig)
	if err != nil {
		logger.Fatal("Failed to create key pool", zap.Error(err))
	}

	// providers
	providers, providersConfig, err := relayer.LoadProviders(*providersPtr, ledgerClient)
	if err != nil {
		logger.Fatal("Failed to load providers config", zap.Error(err))
	}
	registry := relayer.NewRegistry(logger)
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			logger.Fatal("Failed to register provider", zap.String("provider", p.Name()), zap.Error(err))
		}
	}
	activeOverride := relayer.ParseActiveList(*activeProvidersPtr)
	if err := registry.SetActive(relayer.ResolveActive(activeOverride, providersConfig.Active)); err != nil {
		logger.Fatal("Failed to set active providers", zap.Error(err))
	}
	logger.Info("Providers registered", zap.Int("count", len(providers)), zap.Strings("active", registry.ActiveNames()))

	// audit log
	var auditStore relayer.AuditStore
	if *postgresDSNPtr != "" {
		dbStore, err := relayer.NewDBAuditStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres audit store", zap.Error(err))
		}
		defer dbStore.Close()
		auditStore = dbStore
	} else {
		logger.Warn("No postgres dsn configured, audit records are kept in memory")
		auditStore = relayer.NewMemoryAuditStore()
	}

	// redis backed components
	var (
		redisClient    *goredis.Client
		auditPublisher relayer.AuditPublisher
		guard          relayer.RequestGuard
	)
	if *redisPtr != "" {
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient = goredis.NewClient(redisOpts)
		auditPublisher = relayer.NewRedisAuditPublisher(redisClient, *auditChannelPtr)
		// a claim outlives the racing deadline so a slow replica can't be overtaken
		guard = redis.NewRequestGuard(redisClient, 10*time.Minute, "relayer:")
	}

	submitTimeoutMs, err := strconv.Atoi(*submitTimeoutPtr)
	if err != nil {
		logger.Fatal("Failed to parse submit timeout", zap.Error(err))
	}
	orchestratorConfig := relayer.DefaultConfig
	orchestratorConfig.Timeout = time.Duration(submitTimeoutMs) * time.Millisecond
	orchestratorConfig.Simulate = *simulatePtr
	orchestratorConfig.AllowBlockhashFallback = *fallbackPtr == "1"
	orchestratorConfig.MaxAttempts, err = strconv.ParseUint(*maxAttemptsPtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse max request attempts", zap.Error(err))
	}
	if orchestratorConfig.Simulate {
		logger.Warn("Simulation mode, no transaction is broadcast")
	}

	monitor := relayer.NewMonitor(logger, nonces, keys, auditStore, auditPublisher)
	orchestrator := relayer.NewOrchestrator(logger, orchestratorConfig, registry, nonces, keys, hashes, monitor, guard)

	backgroundWgs := []*sync.WaitGroup{
		nonces.Start(ctx),
		hashes.Start(ctx),
		keys.Start(ctx),
		monitor.Start(ctx),
	}

	healthIntervalMs, err := strconv.Atoi(*healthIntervalPtr)
	if err != nil {
		logger.Fatal("Failed to parse health check interval", zap.Error(err))
	}
	backgroundWgs = append(backgroundWgs, registry.StartHealthChecks(ctx, time.Duration(healthIntervalMs)*time.Millisecond))

	// asynchronous intake
	var intakeQueue relayer.IntakeQueue
	if redisClient != nil {
		intakeConfig, err := intake.ConfigFromEnv()
		if err != nil {
			logger.Fatal("Failed to load intake queue config", zap.Error(err))
		}
		workers, err := strconv.Atoi(*intakeWorkersPtr)
		if err != nil {
			logger.Fatal("Failed to parse intake workers", zap.Error(err))
		}
		if workers < 1 {
			logger.Fatal("Intake workers must be greater than 0")
		}
		rateLimit, err := strconv.ParseFloat(*intakeRateLimitPtr, 64)
		if err != nil {
			logger.Fatal("Failed to parse intake rate limit", zap.Error(err))
		}
		queue := intake.NewRedisQueue(logger, redisClient, "relayer-intake", intakeConfig)
		processors := intake.MultipleWorkers(orchestrator.IntakeProcessor(), workers, rate.Limit(rateLimit), workers)
		backgroundWgs = append(backgroundWgs, queue.StartProcessLoop(ctx, processors))
		intakeQueue = queue
	} else {
		logger.Warn("No redis configured, asynchronous intake is disabled")
	}

	api := relayer.NewAPI(logger, orchestrator, nonces, keys, intakeQueue, keyConfig.Params)
	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	// SIGHUP re-reads the active list from the providers config, an override from flag or env still wins
	go func() {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
			}
			cfg, err := relayer.ReadProvidersConfig(*providersPtr)
			if err != nil {
				logger.Error("Failed to reload providers config", zap.Error(err))
				continue
			}
			if err := registry.SetActive(relayer.ResolveActive(activeOverride, cfg.Active)); err != nil {
				logger.Error("Failed to apply active providers", zap.Error(err))
				continue
			}
			logger.Info("Active providers reloaded", zap.Strings("active", registry.ActiveNames()))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed

	nonces.Stop()
	hashes.Stop()
	keys.Stop()
	monitor.Stop()
	for _, wg := range backgroundWgs {
		wg.Wait()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// newVault seals secrets with VAULT_KEY (hex, 32 bytes) if set, otherwise with a random key.
func newVault() (*keypool.Vault, error) {
	val := os.Getenv("VAULT_KEY")
	if val == "" {
		return keypool.NewVault()
	}
	key, err := hex.DecodeString(val)
	if err != nil {
		return nil, errors.New("VAULT_KEY: invalid hex") //nolint:goerr113
	}
	return keypool.NewVaultWithKey(key)
}
