// Package events publishes report lifecycle notifications so other systems
// (dashboards, notification workers) can react without polling the API.
//
// Publishing is best effort. A report is created or updated whether or not
// the event reaches the broker; callers log publish errors and move on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sakif/civic-reports/internal/model"
)

// Subjects.
const (
	SubjectReportCreated       = "reports.created"
	SubjectReportStatusChanged = "reports.status_changed"
)

// ReportCreated is the payload for SubjectReportCreated.
type ReportCreated struct {
	ReportID    int64              `json:"report_id"`
	OwnerID     int64              `json:"user_id"`
	Category    model.Category     `json:"category"`
	Coordinates *model.Coordinates `json:"coordinates,omitempty"`
	HasImage    bool               `json:"has_image"`
	CreatedAt   time.Time          `json:"created_at"`
}

// StatusChanged is the payload for SubjectReportStatusChanged.
type StatusChanged struct {
	ReportID  int64        `json:"report_id"`
	ActorID   int64        `json:"actor_id"`
	From      model.Status `json:"from"`
	To        model.Status `json:"to"`
	ChangedAt time.Time    `json:"changed_at"`
}

// Publisher sends a JSON-encodable payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// Noop discards every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close()                                     {}

// NATS publishes events as JSON messages on a NATS connection.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to url. Subjects are prefixed with prefix + "." when
// prefix is non-empty, so several deployments can share one broker.
func NewNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("civic-reports"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connecting to nats: %w", err)
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Publish encodes payload and hands it to the client's outbound buffer.
func (n *NATS) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: encoding %s: %w", subject, err)
	}
	if n.prefix != "" {
		subject = n.prefix + "." + subject
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publishing %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() {
	n.conn.Drain()
}
