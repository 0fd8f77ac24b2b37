package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"sentinel/internal/config"
	"sentinel/internal/metrics"
)

// Dispatcher posts rendered messages to the webhook with bounded retries
// behind a circuit breaker. 4xx responses are rejections and are not retried;
// 5xx and transport errors back off and retry.
type Dispatcher struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	cfg     config.WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// rejectionError marks a webhook 4xx; the retry loop stops on it.
type rejectionError struct {
	status int
	body   string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("webhook rejected: status %d: %s", e.status, e.body)
}

func NewDispatcher(logger *zap.Logger, collector *metrics.Collector, cfg config.WebhookConfig) *Dispatcher {
	d := &Dispatcher{
		Logger:  logger,
		Metrics: collector,
		cfg:     cfg,
		client:  &http.Client{},
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("webhook breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		},
	})
	return d
}

func (d *Dispatcher) maxRetries() int {
	if d.cfg.MaxRetries <= 0 {
		return 3
	}
	return d.cfg.MaxRetries
}

func (d *Dispatcher) baseDelay() time.Duration {
	if d.cfg.BaseDelay <= 0 {
		return time.Second
	}
	return d.cfg.BaseDelay
}

func (d *Dispatcher) attemptTimeout() time.Duration {
	if d.cfg.AttemptTimeout <= 0 {
		return 10 * time.Second
	}
	return d.cfg.AttemptTimeout
}

// Send posts one message. Returns nil on delivered; callers record the
// outcome either way.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if d.cfg.URL == "" {
		return fmt.Errorf("webhook url not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries(); attempt++ {
		if attempt > 0 {
			delay := d.baseDelay() << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.post(ctx, body)
		})
		if d.Metrics != nil {
			d.Metrics.Observe(metrics.HistogramWebhookDuration, time.Since(start).Seconds(), nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if _, rejected := err.(*rejectionError); rejected {
			if d.Logger != nil {
				d.Logger.Warn("webhook rejected payload", zap.Error(err))
			}
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Logger != nil {
			d.Logger.Warn("webhook attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}

	if d.Metrics != nil {
		d.Metrics.Inc(metrics.CounterWebhookFailures, nil)
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &rejectionError{status: resp.StatusCode, body: string(snippet)}
	}
	return fmt.Errorf("webhook status %d: %s", resp.StatusCode, snippet)
}
