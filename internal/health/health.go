package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func check(ctx context.Context, db Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		st.OK = false
		st.Message = "db ping failed"
		st.Database = false
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), db)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// NewGRPCServer returns a traced gRPC server exposing the standard health
// service, plus the health server so callers can flip serving status.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *grpc_health.Server) {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	srv := grpc.NewServer(opts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// Watch pings db every interval and mirrors the result into hs for the
// empty (whole server) service name and each named service.
func Watch(ctx context.Context, db Pinger, hs *grpc_health.Server, interval time.Duration, services ...string) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !check(ctx, db).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		for _, s := range services {
			hs.SetServingStatus(s, status)
		}
	}
	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
