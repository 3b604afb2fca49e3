package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/relayhook/internal/config"
	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/signature"
)

const (
	deliveryHeader = "X-Delivery-Id"
	eventHeader    = "X-Event"
)

// receiver is a development endpoint. It verifies signatures when a secret
// is configured, fails the first failFirstN requests and can stall to
// exercise the worker's timeout path.
type receiver struct {
	mu         sync.Mutex
	reqCount   int
	failFirstN int
	secret     []byte
	delay      time.Duration
	logger     *logging.Logger
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{
		failFirstN: cfg.FailFirstN,
		secret:     []byte(cfg.EndpointSecret),
		delay:      cfg.ResponseDelay,
		logger:     logger,
	}
}

func (rc *receiver) next() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reqCount++
	return rc.reqCount
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	n := rc.next()

	log := rc.logger.WithContext(r.Context()).
		WithDelivery(r.Header.Get(deliveryHeader)).
		WithEventKind(r.Header.Get(eventHeader)).
		WithField("request", n)

	if len(rc.secret) > 0 {
		if err := verifySignature(rc.secret, b, r.Header.Get(signature.Header)); err != nil {
			log.WithError(err).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			log.Warn("client gave up while response was delayed")
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		log.WithField("body", truncate(string(b), 160)).Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret, body []byte, sig string) error {
	if sig == "" {
		return errors.New("missing signature header")
	}
	if !signature.Verify(secret, body, sig) {
		return errors.New("sig mismatch")
	}
	return nil
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func newMux(rc *receiver) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("fake-receiver")

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      newMux(newReceiver(cfg, logger)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"signed":       cfg.EndpointSecret != "",
		"delay":        cfg.ResponseDelay.String(),
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
