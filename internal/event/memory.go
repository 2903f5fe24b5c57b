package event

import (
	"context"
	"sync"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Memory records events in process. It backs tests and the dev control API.
type Memory struct {
	mu     sync.Mutex
	events []EventEnvelope
}

// NewMemory returns an empty in-process publisher.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) add(eventType string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, EventEnvelope{Type: eventType, Version: "1.0.0", Payload: payload})
	return nil
}

func (m *Memory) PublishIncidenceSubmitted(ctx context.Context, sub model.Submission) error {
	return m.add(TypeIncidenceSubmitted, sub)
}

func (m *Memory) PublishIncidenceFailed(ctx context.Context, sub model.Submission) error {
	return m.add(TypeIncidenceFailed, sub)
}

func (m *Memory) PublishPhotosRolledBack(ctx context.Context, rb Rollback) error {
	return m.add(TypePhotosRolledBack, rb)
}

func (m *Memory) Close() error { return nil }

// Events returns the recorded events of the given type, or all when eventType is empty.
func (m *Memory) Events(eventType string) []EventEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventEnvelope
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
