// Package alerting turns anomalies into alerts: suppression, rate
// limiting, rule matching, notification fan-out, and the timed escalation
// state machine.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// Transport delivers one notification over a channel (log, webhook,
// email, ...). The manager only cares about "sent"; delivery tracking
// beyond that belongs to the transport.
type Transport interface {
	Name() string
	Send(ctx context.Context, n model.Notification, a *model.Alert) error
}

// LogTransport writes notifications to the structured log. It is the
// default channel and the fallback when no transport matches.
type LogTransport struct {
	log *zap.Logger
}

// NewLogTransport returns a transport that logs instead of delivering.
func NewLogTransport(log *zap.Logger) *LogTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogTransport{log: log.Named("notify")}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, n model.Notification, a *model.Alert) error {
	t.log.Info("notification",
		zap.String("alert_id", a.ID),
		zap.String("channel", n.Channel),
		zap.String("recipient", n.Recipient),
		zap.String("severity", string(a.Anomaly.Severity)),
		zap.String("content", n.Content))
	return nil
}

// breakerTransport wraps a transport in a circuit breaker so a flapping
// channel cannot stall alert processing.
type breakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

// withBreaker decorates a transport with a circuit breaker that opens
// after 5 consecutive failures and probes again after 30 seconds.
func withBreaker(inner Transport, log *zap.Logger) Transport {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "transport-" + inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("transport breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakerTransport{inner: inner, cb: cb}
}

func (t *breakerTransport) Name() string { return t.inner.Name() }

func (t *breakerTransport) Send(ctx context.Context, n model.Notification, a *model.Alert) error {
	_, err := t.cb.Execute(func() (any, error) {
		return nil, t.inner.Send(ctx, n, a)
	})
	if err != nil {
		return fmt.Errorf("alerting: send via %s: %w", t.inner.Name(), err)
	}
	return nil
}
