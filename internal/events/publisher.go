package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Job lifecycle event kinds published to NATS. Subject layout is
// swarm.jobs.<kind>, so a consumer can subscribe to swarm.jobs.> for the
// full audit trail or to a single kind.
const (
	JobSubmitted = "submitted"
	JobClaimed   = "claimed"
	JobStarted   = "started"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobReclaimed = "reclaimed"
)

// JobEvent is the payload published on each job state transition. These
// events are advisory: agents may use them as a hint to poll for work
// sooner, but claim correctness never depends on them being delivered.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	NodeID    string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits job lifecycle events. A nil-safe no-op implementation is
// used when NATS is not configured.
type Publisher interface {
	PublishJobEvent(event JobEvent) error
	Close()
}

// NatsPublisher publishes job events over a NATS connection.
type NatsPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// Connect dials NATS with the reconnect behavior the rest of the system
// uses and wraps the connection in a publisher.
func Connect(address, subjectPrefix string, logger *zap.Logger) (*NatsPublisher, error) {
	nc, err := nats.Connect(
		address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", address, err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "swarm.jobs"
	}
	logger.Info("Connected to NATS for job events", zap.String("address", address))
	return &NatsPublisher{nc: nc, subjectPrefix: subjectPrefix, logger: logger}, nil
}

// PublishJobEvent publishes one event. Failures are logged and returned but
// callers treat them as non-fatal: the store, not the event stream, is the
// source of truth.
func (p *NatsPublisher) PublishJobEvent(event JobEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling job event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, event.Kind)
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("failed to publish job event",
			zap.String("subject", subject),
			zap.String("job_id", event.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("publishing job event to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *NatsPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// NopPublisher discards events; used when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) PublishJobEvent(JobEvent) error { return nil }
func (NopPublisher) Close()                         {}
