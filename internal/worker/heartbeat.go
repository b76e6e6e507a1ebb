package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/logging"
)

const heartbeatKey = "validation:heartbeat"

// Heartbeat periodically writes a TTL'd timestamp so external monitors can
// tell an idle worker apart from a dead one. The TTL is a multiple of the
// write interval so one missed write does not falsely report "stopped".
type Heartbeat struct {
	client   *redis.Client
	interval time.Duration
	ttl      time.Duration
}

// NewHeartbeat builds a heartbeat writer/reader from config.
func NewHeartbeat(cfg config.Config) *Heartbeat {
	interval := cfg.HeartbeatInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ttl := cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 4 * interval
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Heartbeat{client: client, interval: interval, ttl: ttl}
}

// Start writes heartbeats until context cancellation. Blocking; run it in
// its own goroutine alongside the processor.
func (h *Heartbeat) Start(ctx context.Context) {
	h.beat(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := h.client.Set(ctx, heartbeatKey, now, h.ttl).Err(); err != nil {
		logging.L().Warnw("heartbeat write failed", "error", err)
	}
}

// HeartbeatStatus is the liveness snapshot reported to monitors.
type HeartbeatStatus struct {
	Status        string     `json:"status"` // running | stopped
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Age           string     `json:"age,omitempty"`
}

// Status reports "stopped" when no heartbeat exists or its age exceeds the
// TTL window.
func (h *Heartbeat) Status(ctx context.Context) HeartbeatStatus {
	raw, err := h.client.Get(ctx, heartbeatKey).Result()
	if err != nil {
		return HeartbeatStatus{Status: "stopped"}
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return HeartbeatStatus{Status: "stopped"}
	}
	age := time.Since(last)
	status := "running"
	if age > h.ttl {
		status = "stopped"
	}
	return HeartbeatStatus{Status: status, LastHeartbeat: &last, Age: age.Truncate(time.Millisecond).String()}
}
