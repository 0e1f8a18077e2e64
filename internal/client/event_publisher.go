package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-governance/internal/logger"
)

// GovernanceEvent is the JSON schema published to NATS after a governance
// transition commits.
//
// Subject convention: <prefix>.<event_type>, e.g. governance.step_approved
type GovernanceEvent struct {
	EventType  string    `json:"event_type"`
	RequestID  string    `json:"request_id"`
	CompanyID  string    `json:"company_id"`
	BranchID   string    `json:"branch_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ActionType string    `json:"action_type"`
	Status     string    `json:"status"`
	ActorID    string    `json:"actor_id"`
	StepOrder  int       `json:"step_order,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// EventPublisher publishes governance events. Publish failures are logged and
// never returned, so a broker outage never fails a committed decision.
type EventPublisher struct {
	conn   natsConn
	prefix string
	log    *logger.Logger
}

// NewEventPublisher creates a publisher over an open connection. A nil conn
// yields a publisher that drops every event.
func NewEventPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *EventPublisher {
	p := &EventPublisher{prefix: prefix, log: log.Component("events")}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Connect dials NATS with reconnect handling logged through log.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
}

// PublishGovernanceEvent publishes ev on <prefix>.<event_type>.
func (p *EventPublisher) PublishGovernanceEvent(_ context.Context, ev *GovernanceEvent) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.EventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, ev.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", ev.RequestID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", ev.RequestID).
		Msg("events: event published")
}
