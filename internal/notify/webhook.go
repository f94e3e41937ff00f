package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// Webhook posts events as JSON through a circuit breaker.
// While the breaker is open events are dropped without a request.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhook creates a webhook notifier from configuration
func NewWebhook(cfg config.NotificationsConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "notification-webhook",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Webhook{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Notify implements Notifier
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	err := w.Send(ctx, ev)
	switch {
	case err == nil:
		telemetry.NotificationsTotal.WithLabelValues(ev.Type, "sent").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		telemetry.NotificationsTotal.WithLabelValues(ev.Type, "circuit_open").Inc()
		slog.Warn("notification dropped, circuit open", "event", ev.Type, "instance_id", ev.InstanceID)
	default:
		telemetry.NotificationsTotal.WithLabelValues(ev.Type, "failed").Inc()
		slog.Error("failed to deliver notification", "event", ev.Type, "instance_id", ev.InstanceID, "error", err)
	}
}

// Send delivers one event and reports the outcome
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, ev)
	})
	return err
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// State exposes the breaker state for health reporting
func (w *Webhook) State() gobreaker.State {
	return w.breaker.State()
}
