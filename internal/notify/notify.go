// Package notify publishes visitor events for other services to consume.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectVisitor carries one event per completed analysis.
const SubjectVisitor = "doorsight.events.visitor"

// VisitorEvent summarizes a completed analysis.
type VisitorEvent struct {
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Decision   string    `json:"decision"`
	PersonID   string    `json:"person_id,omitempty"`
	PersonName string    `json:"person_name,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message"`
	Faces      int       `json:"faces"`
	DurationMS int64     `json:"duration_ms"`
}

// Noop discards events.
type Noop struct{}

func (Noop) Notify(VisitorEvent) {}
func (Noop) Close()              {}

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends events over a NATS connection.
type NATSPublisher struct {
	conn    conn
	nc      *nats.Conn
	subject string
}

// Connect dials url and returns a publisher for SubjectVisitor.
func Connect(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("doorsight"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	slog.Info("connected to NATS", "url", url)
	return &NATSPublisher{conn: nc, nc: nc, subject: SubjectVisitor}, nil
}

// Notify publishes ev. Errors are logged; the caller never waits on delivery.
func (p *NATSPublisher) Notify(ev VisitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode visitor event", "error", err)
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		slog.Warn("failed to publish visitor event", "subject", p.subject, "error", err)
	}
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
