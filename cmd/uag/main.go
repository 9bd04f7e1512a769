package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/agentgw/internal/audit"
	"github.com/xela07ax/agentgw/internal/connectors"
	"github.com/xela07ax/agentgw/internal/console/handler"
	"github.com/xela07ax/agentgw/internal/engine"
	"github.com/xela07ax/agentgw/internal/infra"
	"github.com/xela07ax/agentgw/internal/infra/auth"
	"github.com/xela07ax/agentgw/internal/policy"
	"github.com/xela07ax/agentgw/internal/repository/filestore"
	"github.com/xela07ax/agentgw/internal/repository/postgres"
	"github.com/xela07ax/agentgw/internal/repository/redisstore"
	"github.com/xela07ax/agentgw/internal/resilience"
	"github.com/xela07ax/agentgw/internal/token"
)

// stores: источники истины. Заполняются либо Postgres, либо YAML-бандлом.
type stores struct {
	policies  policy.Repository
	agents    engine.AgentDirectory
	blocked   engine.BlockedSource
	tokens    token.Registry
	decisions audit.Storage
	pg        *postgres.Store
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (default: ./config.yaml)")
	pflag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	st, err := openStores(appCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	if st.pg != nil {
		defer st.pg.Close()
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			// Шлюз работает и без Redis: слушатели переподключатся сами
			logger.Warn("redis unreachable at startup", zap.Error(err))
		}
	}

	quotas, err := selectQuotaStore(cfg.Engine.QuotaBackend, rdb, st.pg)
	if err != nil {
		logger.Fatal("quota store", zap.Error(err))
	}

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Журнал решений: данные полетят в хранилище пачками
	decisions := audit.NewDecisionLog(st.decisions, logger, audit.Options{
		BufferSize:    cfg.Engine.DecisionBufferSize,
		BatchSize:     cfg.Engine.DecisionBatchSize,
		FlushInterval: cfg.Engine.DecisionFlushInterval,
	})
	decisions.Start()
	defer decisions.Stop()

	policies := policy.NewEngine(st.policies, quotas, decisions, logger, policy.Options{
		CacheTTL:  cfg.Engine.PolicyCacheTTL,
		CacheSize: cfg.Engine.PolicyCacheSize,
	})
	go policies.RunQuotaSweeper(appCtx, cfg.Engine.QuotaSweepInterval)

	// 4. Токены агентов
	kek, err := cfg.Auth.KEK()
	if err != nil {
		logger.Fatal("token authority", zap.Error(err))
	}
	tokenOpts := token.Options{RotateBefore: cfg.Auth.RotateBefore}
	if rdb != nil {
		tokenOpts.Publisher = redisstore.NewSignals(rdb)
	}
	tokens, err := token.NewAuthority(kek, st.tokens, logger, tokenOpts)
	if err != nil {
		logger.Fatal("token authority", zap.Error(err))
	}

	// 5. Control Plane: kill-switch, отзывы, инвалидация политик
	killSwitch := engine.NewKillSwitch(logger)
	if rdb != nil {
		stateSync := engine.NewStateSync(rdb, st.blocked, killSwitch, tokens.Revocations(), policies, logger)
		if err := stateSync.Warmup(appCtx); err != nil {
			logger.Fatal("failed to warm up gateway state", zap.Error(err))
		}
		go stateSync.Run(appCtx, time.Minute)
	} else {
		ids, err := st.blocked.ListBlockedAgentIDs(appCtx)
		if err != nil {
			logger.Fatal("failed to load blocked agents", zap.Error(err))
		}
		killSwitch.Replace(ids)
	}
	if st.pg != nil {
		revoked, err := st.pg.ListRevoked(appCtx, time.Now())
		if err != nil {
			logger.Fatal("failed to load revoked tokens", zap.Error(err))
		}
		for id, exp := range revoked {
			tokens.Revocations().Revoke(id, exp)
		}
	}

	// 6. Execution Layer (Исполнение + Надежность)
	adapters, conns, err := buildConnectors(cfg.Connectors)
	if err != nil {
		logger.Fatal("failed to build connectors", zap.Error(err))
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	breakerOpts := []resilience.RegistryOption{resilience.WithStateChange(metrics.ObserveBreaker)}
	for tool, override := range cfg.Resilience.Tools {
		breakerOpts = append(breakerOpts, resilience.WithToolConfig(tool, override.WithDefaults(cfg.Resilience.Breaker)))
	}
	breakers := resilience.NewRegistry(cfg.Resilience.Breaker, logger, breakerOpts...)
	retry := resilience.NewRetryPolicy(cfg.Resilience.Retry, logger, metrics.ObserveRetry)
	executor := engine.NewToolExecutor(adapters, breakers, retry,
		engine.RateLimit{Rate: cfg.Resilience.RateLimit.Rate, Burst: cfg.Resilience.RateLimit.Burst},
		cfg.Engine.AttemptTimeout, logger)

	// 7. Core (Сборка ядра шлюза)
	gw := engine.NewGateway(tokens, st.agents, killSwitch, policies, executor, metrics, logger, engine.GatewayOptions{
		ProxyTimeout: cfg.Engine.ProxyTimeout,
	})

	// Выдача токенов и ручки предохранителей закрыты JWT оператора, если задан публичный ключ
	var operatorAuth func(scope string) func(http.Handler) http.Handler
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid operator public key", zap.Error(err))
		}
		mw := auth.NewMiddleware(auth.NewOperatorValidator(pub, auth.WithIssuer(auth.OperatorIssuer)), logger)
		operatorAuth = func(scope string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return mw(auth.RequireScope(scope)(next)) }
		}
	} else {
		logger.Warn("auth.public_key_path is not set: token issuance is unauthenticated")
	}
	var issuerAuth func(http.Handler) http.Handler
	if operatorAuth != nil {
		issuerAuth = operatorAuth(auth.ScopeTokensIssue)
	}

	// 8. HTTP Server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewRouter(gw, logger, issuerAuth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Служебный listener: метрики и предохранители
	ops := chi.NewRouter()
	ops.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if operatorAuth != nil {
		ops.Group(func(r chi.Router) {
			r.Use(operatorAuth(auth.ScopeBreakersManage))
			r.Mount("/admin/breakers", handler.NewBreakerHandler(breakers).Routes())
		})
	}
	opsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: ops, ReadTimeout: 5 * time.Second}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				metrics.DecisionBufferFill.Set(float64(decisions.Pending()))
			}
		}
	}()

	// 9. gRPC сервер шлюза
	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = engine.NewGRPCServer(gw, logger)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		go func() {
			logger.Info("gRPC server started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
				stop()
			}
		}()
	}

	go serve(opsSrv, logger.Named("ops"), stop)
	go serve(srv, logger, stop)
	logger.Info("gateway started",
		zap.String("addr", srv.Addr),
		zap.Strings("tools", adapters.Tools()),
		zap.Bool("postgres", st.pg != nil),
		zap.Bool("redis", rdb != nil))

	// 10. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("gateway stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	_ = opsSrv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("gateway exited properly")
}

func serve(srv *http.Server, logger *zap.Logger, stop context.CancelFunc) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("listen failed", zap.String("addr", srv.Addr), zap.Error(err))
		stop()
	}
}

// openStores: Postgres, если задан database.url, иначе YAML-бандл engine.policy_file.
func openStores(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Database.URL != "" {
		pg, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return &stores{policies: pg, agents: pg, blocked: pg, tokens: pg, decisions: pg, pg: pg}, nil
	}

	if cfg.Engine.PolicyFile == "" {
		return nil, errors.New("either database.url or engine.policy_file must be set")
	}
	fs, err := filestore.Load(cfg.Engine.PolicyFile)
	if err != nil {
		return nil, err
	}
	logger.Warn("running without postgres: tokens are kept in memory, decisions go to the log",
		zap.String("policy_file", cfg.Engine.PolicyFile))
	return &stores{
		policies:  fs,
		agents:    fs,
		blocked:   fs,
		tokens:    token.NewMemoryRegistry(),
		decisions: audit.NewLoggerStorage(logger),
	}, nil
}

func selectQuotaStore(backend string, rdb redis.UniversalClient, pg *postgres.Store) (policy.QuotaStore, error) {
	switch backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("quota_backend=redis requires redis.addr")
		}
		return redisstore.NewQuotaStore(rdb), nil
	case "postgres":
		if pg == nil {
			return nil, errors.New("quota_backend=postgres requires database.url")
		}
		return pg, nil
	case "memory":
		return policy.NewMemoryQuotaStore(), nil
	case "":
		if rdb != nil {
			return redisstore.NewQuotaStore(rdb), nil
		}
		if pg != nil {
			return pg, nil
		}
		return policy.NewMemoryQuotaStore(), nil
	}
	return nil, fmt.Errorf("unknown quota_backend %q", backend)
}

// buildConnectors регистрирует адаптеры. Адрес коннектора берется из конфига.
func buildConnectors(cfg infra.ConnectorsConfig) (*connectors.Registry, []*grpc.ClientConn, error) {
	reg := connectors.NewRegistry()
	var conns []*grpc.ClientConn
	for tool, addr := range cfg.GRPC {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("connector %s at %s: %w", tool, addr, err)
		}
		conns = append(conns, conn)
		reg.Register(tool, connectors.NewGRPCAdapter(conn, cfg.Timeout))
	}

	mock := &connectors.MockConnector{MinLatency: 5 * time.Millisecond, MaxLatency: 50 * time.Millisecond}
	for _, tool := range cfg.Mock {
		reg.Register(tool, mock)
	}
	if cfg.HTTPFetch {
		reg.Register("http_fetch", connectors.NewHTTPFetchAdapter(&http.Client{Timeout: cfg.Timeout}, cfg.MaxBody))
	}
	return reg, conns, nil
}
