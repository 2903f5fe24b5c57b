// Package event publishes capture-cycle events on NATS JetStream.
// Without a configured server a no-op publisher is used.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Event types, also used as subjects.
const (
	TypeIncidenceSubmitted = "field.incidences.submitted"
	TypeIncidenceFailed    = "field.incidences.failed"
	TypePhotosRolledBack   = "field.photos.rolledback"
)

// Publisher emits capture-cycle events.
type Publisher interface {
	PublishIncidenceSubmitted(ctx context.Context, sub model.Submission) error
	PublishIncidenceFailed(ctx context.Context, sub model.Submission) error
	PublishPhotosRolledBack(ctx context.Context, rb Rollback) error
	Close() error
}

// Rollback describes the release of photos after a failed submission.
type Rollback struct {
	SubmissionID string            `json:"submissionId"`
	Photos       []model.RemoteRef `json:"photos"`
	Failed       []string          `json:"failed,omitempty"` // Server ids whose deletion failed
}

// EventEnvelope wraps every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	DeviceID      string      `json:"deviceId,omitempty"`
	Payload       interface{} `json:"payload"`
}

type noop struct{}

// Noop returns a publisher that drops every event.
func Noop() Publisher { return noop{} }

func (noop) Close() error                                                        { return nil }
func (noop) PublishIncidenceSubmitted(ctx context.Context, sub model.Submission) error { return nil }
func (noop) PublishIncidenceFailed(ctx context.Context, sub model.Submission) error    { return nil }
func (noop) PublishPhotosRolledBack(ctx context.Context, rb Rollback) error            { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	deviceID string
	dedup    *dedupWindow
	metrics  *metrics.Metrics
}

// NewPublisher connects to url and prepares the streams. An empty url or any
// connection failure yields the no-op publisher.
func NewPublisher(url, deviceID string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("fieldagent-"+deviceID))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{
		nc:       nc,
		js:       js,
		deviceID: deviceID,
		dedup:    newDedupWindow(2 * time.Minute),
		metrics:  metrics.NewMetrics(),
	}
}

// initStreams creates the FIELD_INCIDENCES and FIELD_PHOTOS streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{Name: "FIELD_INCIDENCES", Subjects: []string{"field.incidences.*"}},
		{Name: "FIELD_PHOTOS", Subjects: []string{"field.photos.*"}},
	}
	for _, cfg := range streams {
		cfg.Retention = nats.LimitsPolicy
		cfg.MaxAge = 7 * 24 * time.Hour
		cfg.Discard = nats.DiscardOld
		cfg.Storage = nats.FileStorage
		if _, err := js.AddStream(&cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishIncidenceSubmitted(ctx context.Context, sub model.Submission) error {
	return p.publish(TypeIncidenceSubmitted, sub.ID, sub)
}

func (p *natsPub) PublishIncidenceFailed(ctx context.Context, sub model.Submission) error {
	return p.publish(TypeIncidenceFailed, sub.ID, sub)
}

func (p *natsPub) PublishPhotosRolledBack(ctx context.Context, rb Rollback) error {
	return p.publish(TypePhotosRolledBack, rb.SubmissionID, rb)
}

// publish sends one envelope. Events with the same type and key inside the
// dedup window are dropped; the key doubles as the JetStream message id.
func (p *natsPub) publish(eventType, key string, payload interface{}) error {
	dedupKey := eventType + "/" + key
	if p.dedup.seen(dedupKey) {
		p.metrics.EventPublishTotal.WithLabelValues(eventType, "deduplicated").Inc()
		return nil
	}

	b, err := json.Marshal(EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		DeviceID:      p.deviceID,
		Payload:       payload,
	})
	if err != nil {
		return err
	}

	if _, err := p.js.Publish(eventType, b, nats.MsgId(dedupKey)); err != nil {
		p.metrics.EventPublishTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}
	p.metrics.EventPublishTotal.WithLabelValues(eventType, "success").Inc()
	p.dedup.mark(dedupKey)
	return nil
}

// dedupWindow remembers keys for a fixed window.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	keys   map[string]time.Time
	now    func() time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{window: window, keys: make(map[string]time.Time), now: time.Now}
}

func (d *dedupWindow) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.keys[key]
	return ok && d.now().Sub(last) < d.window
}

func (d *dedupWindow) mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	cutoff := now.Add(-2 * d.window)
	for k, t := range d.keys {
		if t.Before(cutoff) {
			delete(d.keys, k)
		}
	}
	d.keys[key] = now
}
