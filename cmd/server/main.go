// Command server runs the connector runtime: it loads integration
// definitions, wires stores and the HTTP gateway, and serves until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/applog"
	"github.com/nucleus/app-core/internal/config"
	"github.com/nucleus/app-core/internal/connection"
	"github.com/nucleus/app-core/internal/gateway"
	"github.com/nucleus/app-core/internal/pagination"
	"github.com/nucleus/app-core/internal/request"
	"github.com/nucleus/app-core/internal/rpc"
	"github.com/nucleus/app-core/internal/runtime"
	"github.com/nucleus/app-core/internal/store"
	"github.com/nucleus/app-core/internal/tracestore"
	"github.com/nucleus/app-core/internal/trigger"
	"github.com/nucleus/app-core/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := applog.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.ServerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defs := appdef.NewRegistry()
	if err := defs.LoadDir(cfg.DefinitionsDir); err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	logger.Info("definitions loaded",
		zap.String("dir", cfg.DefinitionsDir),
		zap.Strings("apps", defs.List()),
	)

	connStore, states, hookStore, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	traces := buildTraceStore(cfg, logger)
	client := request.NewClient(&request.ClientConfig{
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
	exec := request.NewExecutor(client, logger, traces)
	engine := pagination.NewEngine(exec)

	rt := runtime.New(runtime.Deps{
		Defs:      defs,
		Exec:      exec,
		Engine:    engine,
		Conns:     connection.NewManager(exec, connStore, logger, connection.WithSkew(cfg.RefreshSkew)),
		ConnStore: connStore,
		States:    states,
		Triggers:  trigger.NewMachine(engine, logger),
		Rpcs:      rpc.NewResolver(exec, engine, logger),
		Hooks:     webhook.NewService(exec, hookStore, buildDeduper(cfg), logger),
		Logger:    logger,
	}, runtime.WithInvokeTimeout(cfg.InvokeTimeout))

	e := gateway.NewServer(rt, defs, logger).Echo()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// buildStores selects Postgres stores when a DSN is configured, in-memory
// stores otherwise.
func buildStores(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (store.ConnectionStore, store.TriggerStateStore, store.WebhookStore, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no postgres dsn configured, state is in-memory only")
		return store.NewMemoryConnections(), store.NewMemoryTriggerStates(), store.NewMemoryWebhooks(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	return store.NewPostgresConnections(pool),
		store.NewPostgresTriggerStates(pool),
		store.NewPostgresWebhooks(pool),
		pool.Close,
		nil
}

// buildDeduper selects Redis-backed replay detection when configured.
func buildDeduper(cfg *config.ServerConfig) webhook.Deduper {
	if cfg.RedisAddr == "" {
		return webhook.NewMemoryDeduper()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return webhook.NewRedisDeduper(rdb, cfg.DedupTTL)
}

// buildTraceStore selects MinIO-backed traces when configured, local files
// otherwise. Sanitize paths are applied per app by the executor's material
// assembly; the store-level list covers the common credential headers.
func buildTraceStore(cfg *config.ServerConfig, logger *zap.Logger) *tracestore.Store {
	sanitize := []string{
		"request.headers.authorization",
		"request.headers.x-api-key",
	}
	if cfg.MinioEndpoint != "" {
		objects, err := tracestore.NewS3Store(tracestore.S3Config{
			EndpointURL:     cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
		})
		if err == nil {
			return tracestore.New(objects, cfg.TraceBucket, cfg.TracePrefix, sanitize, logger)
		}
		logger.Warn("minio unavailable, falling back to local trace store", zap.Error(err))
	}
	return tracestore.New(tracestore.NewLocalStore(cfg.TraceDir), cfg.TraceBucket, cfg.TracePrefix, sanitize, logger)
}
