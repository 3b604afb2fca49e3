package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/relayhook/internal/logging"
	"github.com/austindbirch/relayhook/internal/metrics"
)

// Target is a topic/channel pair whose depth is exported.
type Target struct {
	Topic   string
	Channel string
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			Deferred int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd /stats and exports channel depth.
type Monitor struct {
	client   *http.Client
	statsURL string
	interval time.Duration
	targets  []Target
	logger   *logging.Logger
}

func NewMonitor(nsqdHTTPAddr string, interval time.Duration, targets []Target, logger *logging.Logger) *Monitor {
	return &Monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr),
		interval: interval,
		targets:  targets,
		logger:   logger,
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("Failed to get NSQ stats")
			}
		}
	}
}

// Poll fetches stats once. Depth includes deferred messages, which is where
// scheduled retries wait.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats: unexpected status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsqd stats: %w", err)
	}

	for _, topic := range stats.Topics {
		for _, channel := range topic.Channels {
			if !m.watched(topic.Name, channel.Name) {
				continue
			}
			metrics.UpdateQueueDepth(topic.Name, channel.Name, float64(channel.Depth+channel.Deferred))
		}
	}
	return nil
}

func (m *Monitor) watched(topic, channel string) bool {
	for _, t := range m.targets {
		if t.Topic == topic && t.Channel == channel {
			return true
		}
	}
	return false
}
