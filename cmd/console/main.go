package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/agentgw/internal/console/handler"
	"github.com/xela07ax/agentgw/internal/console/server"
	"github.com/xela07ax/agentgw/internal/console/service"
	"github.com/xela07ax/agentgw/internal/infra"
	"github.com/xela07ax/agentgw/internal/infra/auth"
	"github.com/xela07ax/agentgw/internal/repository/postgres"
	"github.com/xela07ax/agentgw/internal/repository/redisstore"
	"github.com/xela07ax/agentgw/internal/token"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов. Консоль без Postgres не имеет смысла
	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required for the console")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pg, err := postgres.Connect(connectCtx, cfg.Database.URL, postgres.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	cancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pg.Close()
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	// Сигналы шлюзам идут через Redis. Без него шлюзы увидят изменения по TTL и при прогреве
	var signals *redisstore.Signals
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		signals = redisstore.NewSignals(rdb)
	} else {
		logger.Warn("redis.addr is not set: gateways will not receive real-time signals")
	}

	// 2. Ключи операторов (RS256)
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("invalid operator private key", zap.Error(err))
	}
	validator := auth.NewOperatorValidator(&priv.PublicKey, auth.WithIssuer(auth.OperatorIssuer))
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid operator public key", zap.Error(err))
		}
		validator = auth.NewOperatorValidator(pub, auth.WithIssuer(auth.OperatorIssuer))
	}

	kek, err := cfg.Auth.KEK()
	if err != nil {
		logger.Fatal("token authority", zap.Error(err))
	}
	tokenOpts := token.Options{RotateBefore: cfg.Auth.RotateBefore}
	if signals != nil {
		tokenOpts.Publisher = signals
	}
	tokens, err := token.NewAuthority(kek, pg, logger, tokenOpts)
	if err != nil {
		logger.Fatal("token authority", zap.Error(err))
	}

	// 3. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(pg, priv, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	if cfg.Console.AdminUsername != "" {
		created, err := authService.EnsureUser(ctx, cfg.Console.AdminUsername, cfg.Console.AdminPassword, []string{auth.ScopeAdmin})
		if err != nil {
			logger.Fatal("failed to bootstrap admin", zap.Error(err))
		}
		if created {
			logger.Info("bootstrap admin created", zap.String("username", cfg.Console.AdminUsername))
		}
	}

	// Nil-указатель *Signals в интерфейсе не равен nil, поэтому передаем явно
	var killSwitch service.KillSwitchPublisher
	var notifier service.PolicyNotifier
	if signals != nil {
		killSwitch, notifier = signals, signals
	}

	console := server.NewConsoleServer(validator, logger, server.Handlers{
		Auth:     handler.NewAuthHandler(authService),
		Agents:   handler.NewAgentHandler(service.NewAgentService(pg, killSwitch, logger)),
		Policies: handler.NewPolicyHandler(service.NewPolicyService(pg, notifier, logger)),
		Tokens:   handler.NewTokenHandler(tokens),
	})

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Console.Port),
		Handler:      console,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
