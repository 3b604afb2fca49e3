package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/relayhook/internal/config"
	"github.com/austindbirch/relayhook/internal/db"
	"github.com/austindbirch/relayhook/internal/delivery"
	"github.com/austindbirch/relayhook/internal/dispatch"
	"github.com/austindbirch/relayhook/internal/health"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
	"github.com/austindbirch/relayhook/internal/queue"
	"github.com/austindbirch/relayhook/internal/snapshot"
	"github.com/austindbirch/relayhook/internal/store"
	"github.com/austindbirch/relayhook/internal/tracing"
	"github.com/austindbirch/relayhook/internal/worker"
)

const serviceName = "relayhook-worker"

// nsqConfig builds the consumer config. MsgTimeout must outlast the HTTP
// timeout plus snapshot resolution or nsqd redelivers in-flight tasks.
// MaxAttempts is unlimited: requeues for early arrival and internal failures
// must never make go-nsq finish a task on its own. Delivery attempts are
// counted in the task body instead.
func nsqConfig(cfg config.Config) *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxAttempts = 0
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	conf.MsgTimeout = cfg.NSQ.MsgTimeout
	if floor := cfg.Worker.HTTPTimeout + cfg.Worker.SnapshotTimeout + 10*time.Second; conf.MsgTimeout < floor {
		conf.MsgTimeout = floor
	}
	return conf
}

func backoffFrom(cfg config.Config) delivery.Backoff {
	return delivery.Backoff{
		Base:      cfg.Worker.BackoffBase,
		Cap:       cfg.Worker.BackoffCap,
		JitterPct: cfg.Worker.JitterPercent,
	}
}

func workerOptions(cfg config.Config) worker.Options {
	return worker.Options{
		MaxAttempts:        cfg.Worker.MaxAttempts,
		Backoff:            backoffFrom(cfg),
		HTTPTimeout:        cfg.Worker.HTTPTimeout,
		UserAgent:          cfg.Worker.UserAgent,
		InternalRetryDelay: cfg.Worker.InternalRetryDelay,
		MaxResponseBytes:   cfg.Worker.MaxResponseBytes,
		PublishAbandoned:   cfg.Worker.PublishAbandoned,
	}
}

func topics(cfg config.Config) queue.Topics {
	t := queue.Topics{Events: cfg.NSQ.EventsTopic, Deliveries: cfg.NSQ.DeliveriesTopic}
	if cfg.Worker.PublishAbandoned {
		t.Abandoned = cfg.NSQ.AbandonedTopic
	}
	return t
}

func monitorTargets(cfg config.Config) []queue.Target {
	return []queue.Target{
		{Topic: cfg.NSQ.DeliveriesTopic, Channel: cfg.NSQ.WorkerChannel},
		{Topic: cfg.NSQ.EventsTopic, Channel: cfg.NSQ.FanoutChannel},
	}
}

func connect(c *nsq.Consumer, cfg config.Config) error {
	// Connecting directly to nsqd forces channel creation instead of lazy
	// creation on first publish.
	if err := c.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		return err
	}
	if cfg.NSQ.LookupHTTPAddr == "" {
		return nil
	}
	return c.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr)
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	providers, err := snapshot.PostgresProviders(pool, cfg.Worker.SnapshotSchema, snapshot.DefaultTables)
	if err != nil {
		logger.Plain().WithError(err).Fatal("snapshot providers")
	}
	resolver := snapshot.NewResolver(providers, cfg.Worker.SnapshotTimeout)
	if err := resolver.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("snapshot registry incomplete")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	publisher := queue.NewPublisher(producer, topics(cfg), cfg.NSQ.MaxDeferral, logger)
	defer publisher.Close()

	w := worker.New(st, st, resolver, publisher, workerOptions(cfg), logger)
	dispatcher := dispatch.NewDispatcher(st, publisher, logger)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	grpcSrv, hs := health.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.Worker.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("grpc listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.Worker.GRPCPort).Info("worker gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("worker gRPC server stopped")
		}
	}()
	go health.Watch(ctx, pool, hs, 10*time.Second, serviceName)

	monitor := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.MonitorInterval, monitorTargets(cfg), logger)
	go monitor.Run(ctx)

	deliveries, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, nsqConfig(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	deliveries.AddConcurrentHandlers(queue.NewTaskHandler(w, cfg.NSQ.MaxDeferral, logger), cfg.Worker.Concurrency)

	events, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.FanoutChannel, nsqConfig(cfg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq fanout consumer creation failed")
	}
	events.AddHandler(queue.NewEventHandler(dispatcher, logger))

	for _, c := range []*nsq.Consumer{deliveries, events} {
		if err := connect(c, cfg); err != nil {
			logger.Plain().WithError(err).Fatal("connect to nsq failed")
		}
	}

	logger.Plain().WithFields(map[string]any{
		"max_attempts": cfg.Worker.MaxAttempts,
		"concurrency":  cfg.Worker.Concurrency,
		"max_deferral": cfg.NSQ.MaxDeferral.String(),
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	events.Stop()
	deliveries.Stop()
	<-events.StopChan
	<-deliveries.StopChan
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Plain().Info("worker service stopped")
}
