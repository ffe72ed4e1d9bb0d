// Package nats implements a best-effort status event publisher over NATS
// JetStream: build and query lifecycle transitions, published for anyone
// choosing to listen, with no guarantee of delivery and no consumer of
// its own inside this service.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lightdash/metricqueryd/internal/logger"
	"github.com/lightdash/metricqueryd/internal/resilience"
)

const (
	streamName      = "METRICQUERY"
	headerRequestID = "X-Request-ID"
)

// Queue publishes build/query status events. It implements both
// build.EventPublisher and query.EventPublisher.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	breaker *resilience.Breaker
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream backing builds.> and queries.> subjects exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"builds.>", "queries.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// SetBreaker attaches a circuit breaker to the publish path.
func (q *Queue) SetBreaker(b *resilience.Breaker) {
	q.breaker = b
}

// Publish sends a status event to subject, best-effort: a caller that
// wants delivery guarantees has picked the wrong interface. If the
// context carries a request ID it is propagated as a header, and a
// circuit breaker (if attached) short-circuits publishes while NATS is
// unhealthy rather than blocking the request path.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}

	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header = nats.Header{}
		msg.Header.Set(headerRequestID, reqID)
	}

	publish := func() error {
		_, err := q.js.PublishMsg(ctx, msg)
		if err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if q.breaker != nil {
		return q.breaker.Execute(publish)
	}
	return publish()
}

// Drain gracefully drains all subscriptions, waits for pending messages,
// then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for q.nc.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is active.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
