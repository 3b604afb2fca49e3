package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
	SSLMode string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used for queue depth polling
	LookupHTTPAddr  string // e.g. nsqlookupd:4161
	EventsTopic     string // raised domain events
	FanoutChannel   string // channel consuming EventsTopic
	DeliveriesTopic string // one message per delivery task
	WorkerChannel   string // channel consuming DeliveriesTopic
	AbandonedTopic  string // notices for abandoned tasks
	MaxDeferral     time.Duration
	MsgTimeout      time.Duration
	MaxInFlight     int
	MonitorInterval time.Duration
}

type Worker struct {
	MaxAttempts        int           // transport failures tolerated before abandoning
	BackoffBase        time.Duration // delay before the first retry
	BackoffCap         time.Duration // upper bound on any retry delay
	JitterPercent      float64       // +/- fraction applied to each delay
	HTTPTimeout        time.Duration // bound on the outbound call
	SnapshotTimeout    time.Duration // bound on snapshot resolution
	SnapshotSchema     string        // schema holding the entity tables
	InternalRetryDelay time.Duration // requeue delay after a storage failure
	Concurrency        int           // concurrent NSQ handlers
	UserAgent          string
	MaxResponseBytes   int64 // response body bytes kept in the delivery log
	PublishAbandoned   bool  // publish notices to AbandonedTopic
	HTTPPort           string
	GRPCPort           string
}

type API struct {
	HTTPPort string
	GRPCPort string
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN     int           // Number of requests to fail initially
	EndpointSecret string        // Secret for webhook signature verification
	ResponseDelay  time.Duration // Simulated response delay
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Worker       Worker
	API          API
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// port normalizes "8080" and ":8080" to ":8080"
func port(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "relayhook"),
		DB: DB{
			User:    getenv("DB_USER", "postgres"),
			Pass:    getenv("DB_PASS", "postgres"),
			Host:    getenv("DB_HOST", "postgres"),
			Port:    getenv("DB_PORT", "5432"),
			Name:    getenv("DB_NAME", "relayhook"),
			SSLMode: getenv("DB_SSLMODE", "disable"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "nsqlookupd:4161"),
			EventsTopic:     getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			FanoutChannel:   getenv("NSQ_FANOUT_CHANNEL", "fanout"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "webhook_deliveries"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
			AbandonedTopic:  getenv("NSQ_ABANDONED_TOPIC", "webhook_deliveries_abandoned"),
			MaxDeferral:     getenvDuration("NSQ_MAX_DEFERRAL", 55*time.Minute),
			MsgTimeout:      getenvDuration("NSQ_MSG_TIMEOUT", 90*time.Second),
			MaxInFlight:     getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			MonitorInterval: getenvDuration("NSQ_MONITOR_INTERVAL", 15*time.Second),
		},
		Worker: Worker{
			MaxAttempts:        getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:        getenvDuration("BACKOFF_BASE", 600*time.Second),
			BackoffCap:         getenvDuration("BACKOFF_CAP", 19200*time.Second),
			JitterPercent:      getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPTimeout:        getenvDuration("DELIVERY_HTTP_TIMEOUT", 30*time.Second),
			SnapshotTimeout:    getenvDuration("SNAPSHOT_TIMEOUT", 5*time.Second),
			SnapshotSchema:     getenv("SNAPSHOT_SCHEMA", "public"),
			InternalRetryDelay: getenvDuration("INTERNAL_RETRY_DELAY", 30*time.Second),
			Concurrency:        getenvInt("WORKER_CONCURRENCY", 16),
			UserAgent:          getenv("WEBHOOK_USER_AGENT", "relayhook"),
			MaxResponseBytes:   getenvInt64("MAX_RESPONSE_BYTES", 64*1024),
			PublishAbandoned:   getenvBool("PUBLISH_ABANDONED_TOPIC", false),
			HTTPPort:           port(getenv("WORKER_HTTP_PORT", "8082")),
			GRPCPort:           port(getenv("WORKER_GRPC_PORT", "50052")),
		},
		API: API{
			HTTPPort: port(getenv("HTTP_PORT", "8080")),
			GRPCPort: port(getenv("GRPC_PORT", "50051")),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", true),
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "relayhook-auth"),
			Audience:     getenv("JWT_AUDIENCE", "relayhook"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:     getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret: getenv("ENDPOINT_SECRET", ""),
			ResponseDelay:  getenvDuration("RESPONSE_DELAY", 0),
			Port:           port(getenv("FAKE_RECEIVER_PORT", "8081")),
			ReadTimeout:    getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:    getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// Validate rejects settings the worker cannot run with
func (c Config) Validate() error {
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive, got %s", c.Worker.BackoffBase)
	}
	if c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("BACKOFF_CAP (%s) must be >= BACKOFF_BASE (%s)", c.Worker.BackoffCap, c.Worker.BackoffBase)
	}
	if c.Worker.HTTPTimeout <= 0 {
		return fmt.Errorf("DELIVERY_HTTP_TIMEOUT must be positive, got %s", c.Worker.HTTPTimeout)
	}
	if c.NSQ.MaxDeferral <= 0 {
		return fmt.Errorf("NSQ_MAX_DEFERRAL must be positive, got %s", c.NSQ.MaxDeferral)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.Worker.Concurrency)
	}
	return nil
}
