package event

import (
	"context"
	"testing"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", "device_1")
	if _, ok := p.(noop); !ok {
		t.Fatalf("NewPublisher(\"\") = %T, want noop", p)
	}
	if err := p.PublishIncidenceSubmitted(context.Background(), model.Submission{ID: "s1"}); err != nil {
		t.Errorf("noop publish error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("noop Close() error = %v", err)
	}
}

func TestNewPublisherUnreachableFallsBack(t *testing.T) {
	p := NewPublisher("nats://127.0.0.1:1", "device_1")
	if _, ok := p.(noop); !ok {
		t.Fatalf("NewPublisher(unreachable) = %T, want noop", p)
	}
}

func TestDedupWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := newDedupWindow(2 * time.Minute)
	d.now = func() time.Time { return now }

	if d.seen("a") {
		t.Fatal("seen(a) before mark = true")
	}
	d.mark("a")
	if !d.seen("a") {
		t.Error("seen(a) right after mark = false")
	}

	now = now.Add(3 * time.Minute)
	if d.seen("a") {
		t.Error("seen(a) after window = true")
	}

	now = now.Add(2 * time.Minute)
	d.mark("b")
	if _, ok := d.keys["a"]; ok {
		t.Error("expired key a not pruned")
	}
}

func TestMemoryFiltersByType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.PublishIncidenceSubmitted(ctx, model.Submission{ID: "1"})
	m.PublishIncidenceFailed(ctx, model.Submission{ID: "2"})
	m.PublishPhotosRolledBack(ctx, Rollback{SubmissionID: "2", Photos: []model.RemoteRef{{ServerID: "f"}}})

	if n := len(m.Events("")); n != 3 {
		t.Errorf("Events(\"\") = %d, want 3", n)
	}
	rb := m.Events(TypePhotosRolledBack)
	if len(rb) != 1 || rb[0].Payload.(Rollback).SubmissionID != "2" {
		t.Errorf("Events(rolledback) = %+v", rb)
	}
}
