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

	"github.com/gin-gonic/gin"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/austindbirch/relayhook/internal/api"
	"github.com/austindbirch/relayhook/internal/auth"
	"github.com/austindbirch/relayhook/internal/config"
	"github.com/austindbirch/relayhook/internal/db"
	"github.com/austindbirch/relayhook/internal/dispatch"
	"github.com/austindbirch/relayhook/internal/health"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
	"github.com/austindbirch/relayhook/internal/queue"
	"github.com/austindbirch/relayhook/internal/store"
	"github.com/austindbirch/relayhook/internal/tracing"
)

const serviceName = "relayhook-api"

// validator returns nil when auth is disabled. A missing key with auth
// enabled is a configuration error.
func validator(cfg config.Auth) (*auth.JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicKeyPEM == "" {
		return nil, errors.New("JWT_PUBLIC_KEY is required when AUTH_ENABLED=true")
	}
	v, err := auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	return v, nil
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	gin.SetMode(gin.ReleaseMode)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	jwtValidator, err := validator(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	if jwtValidator == nil {
		logger.Plain().Warn("authentication disabled, tenant taken from X-Tenant-Id")
	}

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	publisher := queue.NewPublisher(producer, queue.Topics{
		Events:     cfg.NSQ.EventsTopic,
		Deliveries: cfg.NSQ.DeliveriesTopic,
	}, cfg.NSQ.MaxDeferral, logger)
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	deps := api.Deps{
		Endpoints: st,
		Log:       st,
		Raiser:    dispatch.NewRaiser(publisher),
		DB:        pool,
		Gatherer:  reg,
		Logger:    logger,
	}
	var grpcOpts []grpc.ServerOption
	if jwtValidator != nil {
		deps.Auth = jwtValidator
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(jwtValidator.GRPCInterceptor()))
	}

	grpcSrv, hs := health.NewGRPCServer(grpcOpts...)
	lis, err := net.Listen("tcp", cfg.API.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("grpc listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.API.GRPCPort).Info("api gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("api gRPC server stopped")
		}
	}()
	go health.Watch(ctx, pool, hs, 10*time.Second, serviceName)

	httpSrv := &http.Server{
		Addr:              cfg.API.HTTPPort,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down api service")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("api service stopped")
}
