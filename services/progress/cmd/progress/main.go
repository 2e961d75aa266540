package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/reading-sync/internal/platform/auth"
	"github.com/example/reading-sync/internal/platform/config"
	"github.com/example/reading-sync/internal/platform/db"
	"github.com/example/reading-sync/internal/platform/httpserver"
	"github.com/example/reading-sync/internal/platform/logging"
	"github.com/example/reading-sync/internal/platform/natsconn"
	"github.com/example/reading-sync/internal/platform/run"
	"github.com/example/reading-sync/services/progress/internal/fanout"
	"github.com/example/reading-sync/services/progress/internal/handlers"
	"github.com/example/reading-sync/services/progress/internal/idempotency"
	"github.com/example/reading-sync/services/progress/internal/store"
)

func main() {
	run.Exit(serve())
}

// serve returns the exit code so deferred cleanup runs before the process
// exits.
func serve() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx := context.Background()

	var (
		pool *pgxpool.Pool
		repo store.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("db open", zap.Error(err))
			return 1
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("db schema", zap.Error(err))
			return 1
		}
		repo = pg
	} else {
		log.Warn("DATABASE_URL not set, progress is kept in memory")
		repo = store.NewMemory()
	}

	idem := idempotency.NewStore(pool, cfg.IdempotencyTTL)
	if pg, ok := idem.(*idempotency.Postgres); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Error("idempotency schema", zap.Error(err))
			return 1
		}
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.ServiceName, Logger: log})
		if err != nil {
			log.Error("nats connect", zap.Error(err))
			return 1
		}
		defer nc.Close()
	}
	hub, err := fanout.New(nc, log)
	if err != nil {
		log.Error("fanout", zap.Error(err))
		return 1
	}
	defer func() { _ = hub.Close() }()

	ready := func() error {
		if pool != nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return errors.New("database unavailable")
			}
		}
		if nc != nil && !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: ready, Logger: log})
	handlers.Mount(r, handlers.Deps{
		Store:  repo,
		Idem:   idem,
		Fanout: hub,
		Log:    log,
	}, auth.JWTVerifier{Secret: cfg.JWTSecret}, handlers.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, Logger: log, Router: r})

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	tasks := []func(context.Context) error{
		srv.Serve,
		func(ctx context.Context) error { return serveGRPC(ctx, grpcSrv, cfg.GRPCAddr, log) },
		func(ctx context.Context) error { return watchHealth(ctx, healthSrv, ready) },
	}
	if pg, ok := idem.(*idempotency.Postgres); ok {
		tasks = append(tasks, func(ctx context.Context) error { return purgeKeys(ctx, pg, log) })
	}
	return run.New(log).WithSignals(tasks...)
}

func serveGRPC(ctx context.Context, srv *grpc.Server, addr string, log *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("grpc server starting", zap.String("addr", addr))
	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			srv.Stop()
		}
	}()
	return srv.Serve(lis)
}

// watchHealth mirrors readiness into the gRPC health service.
func watchHealth(ctx context.Context, hs *health.Server, ready func() error) error {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if ready() != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return nil
		case <-t.C:
		}
	}
}

func purgeKeys(ctx context.Context, pg *idempotency.Postgres, log *zap.Logger) error {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := pg.Purge(ctx)
			if err != nil {
				log.Warn("purge idempotency keys", zap.Error(err))
				continue
			}
			log.Debug("purged idempotency keys", zap.Int64("removed", n))
		}
	}
}
