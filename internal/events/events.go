// Package events publishes job status changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Event is the payload published on every job status change.
type Event struct {
	JobID         string           `json:"job_id"`
	Mode          string           `json:"mode"`
	Workflow      string           `json:"workflow"`
	From          models.JobStatus `json:"from,omitempty"`
	To            models.JobStatus `json:"to"`
	CurrentStage  int              `json:"current_stage"`
	StageProgress int              `json:"stage_progress"`
	ErrorKind     string           `json:"error_kind,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Version       int              `json:"version"`
	Time          time.Time        `json:"time"`
}

// NewEvent describes job having moved from from.
func NewEvent(job models.Job, from models.JobStatus) Event {
	return Event{
		JobID:         job.ID,
		Mode:          job.Mode,
		Workflow:      job.Workflow,
		From:          from,
		To:            job.Status,
		CurrentStage:  job.CurrentStage,
		StageProgress: job.StageProgress,
		ErrorKind:     job.ErrorKind,
		ErrorMessage:  job.ErrorMessage,
		Version:       job.Version,
		Time:          job.UpdatedAt,
	}
}

// Subject is prefix.mode.status.
func Subject(prefix, mode string, status models.JobStatus) string {
	return fmt.Sprintf("%s.%s.%s", prefix, mode, status)
}

// Publisher sends events over a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url and returns a publisher for subjects under prefix.
func Connect(url, prefix string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("minutegraph"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATS publisher connected", "url", url, "prefix", prefix)
	return NewPublisher(conn, prefix), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// JobChanged publishes the change. Failures are logged and never reach the
// pipeline.
func (p *Publisher) JobChanged(_ context.Context, job models.Job, from models.JobStatus) {
	data, err := json.Marshal(NewEvent(job, from))
	if err != nil {
		slog.Warn("failed to marshal job event", "job_id", job.ID, "error", err)
		return
	}
	subject := Subject(p.prefix, job.Mode, job.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("failed to publish job event", "job_id", job.ID, "subject", subject, "error", err)
		return
	}
	slog.Debug("published job event", "job_id", job.ID, "subject", subject)
}

// SubscribeRunnable calls fn for every event that leaves a job runnable by
// a worker, in any mode.
func (p *Publisher) SubscribeRunnable(fn func(Event)) ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(models.Runnable))
	for _, status := range models.Runnable {
		sub, err := p.conn.Subscribe(Subject(p.prefix, "*", status), func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				slog.Warn("dropping malformed job event", "subject", msg.Subject, "error", err)
				return
			}
			fn(ev)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", status, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
