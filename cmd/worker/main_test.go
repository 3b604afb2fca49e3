package main

import (
	"testing"
	"time"

	"github.com/austindbirch/relayhook/internal/config"
)

func TestNSQConfig(t *testing.T) {
	tests := []struct {
		name        string
		msgTimeout  time.Duration
		httpTimeout time.Duration
		want        time.Duration
	}{
		{name: "configured timeout is long enough", msgTimeout: 90 * time.Second, httpTimeout: 30 * time.Second, want: 90 * time.Second},
		{name: "raised to cover the outbound call", msgTimeout: 20 * time.Second, httpTimeout: 30 * time.Second, want: 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.FromEnv()
			cfg.NSQ.MsgTimeout = tt.msgTimeout
			cfg.NSQ.MaxInFlight = 50
			cfg.Worker.HTTPTimeout = tt.httpTimeout
			cfg.Worker.SnapshotTimeout = 5 * time.Second

			conf := nsqConfig(cfg)
			if conf.MsgTimeout != tt.want {
				t.Errorf("MsgTimeout = %v, want %v", conf.MsgTimeout, tt.want)
			}
			if conf.MaxInFlight != 50 {
				t.Errorf("MaxInFlight = %d, want 50", conf.MaxInFlight)
			}
			if conf.MaxAttempts != 0 {
				t.Errorf("MaxAttempts = %d, want 0 so requeued tasks are never dropped by the consumer", conf.MaxAttempts)
			}
		})
	}
}

func TestWorkerOptions(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("BACKOFF_BASE", "10s")
	t.Setenv("BACKOFF_CAP", "5m")
	t.Setenv("BACKOFF_JITTER_PCT", "0.1")
	cfg := config.FromEnv()

	opts := workerOptions(cfg)
	if opts.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", opts.MaxAttempts)
	}
	if opts.Backoff.Base != 10*time.Second || opts.Backoff.Cap != 5*time.Minute || opts.Backoff.JitterPct != 0.1 {
		t.Errorf("Backoff = %+v", opts.Backoff)
	}
	if opts.UserAgent != "relayhook" {
		t.Errorf("UserAgent = %q", opts.UserAgent)
	}
}

func TestTopics(t *testing.T) {
	cfg := config.FromEnv()
	if got := topics(cfg); got.Abandoned != "" {
		t.Errorf("Abandoned = %q, want empty when publishing is off", got.Abandoned)
	}

	cfg.Worker.PublishAbandoned = true
	got := topics(cfg)
	if got.Abandoned != "webhook_deliveries_abandoned" {
		t.Errorf("Abandoned = %q", got.Abandoned)
	}
	if got.Events != "webhook_events" || got.Deliveries != "webhook_deliveries" {
		t.Errorf("topics = %+v", got)
	}
}

func TestMonitorTargets(t *testing.T) {
	targets := monitorTargets(config.FromEnv())
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(targets))
	}
	if targets[0].Topic != "webhook_deliveries" || targets[0].Channel != "workers" {
		t.Errorf("targets[0] = %+v", targets[0])
	}
	if targets[1].Topic != "webhook_events" || targets[1].Channel != "fanout" {
		t.Errorf("targets[1] = %+v", targets[1])
	}
}
