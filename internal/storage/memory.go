package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// memory implements Store in process. Used when no database is configured and in tests.
type memory struct {
	mu          sync.RWMutex
	submissions map[string]*model.Submission
}

// NewMemory creates an in-memory journal.
func NewMemory() Store {
	return &memory{submissions: make(map[string]*model.Submission)}
}

func (m *memory) RecordSubmission(ctx context.Context, sub model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.submissions[sub.ID]; exists {
		return ErrConflict
	}
	c := cloneSubmission(sub)
	m.submissions[sub.ID] = &c
	return nil
}

func (m *memory) FinishSubmission(ctx context.Context, sub model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.submissions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Succeeded = sub.Succeeded
	existing.Error = sub.Error
	existing.RolledBack = append([]string(nil), sub.RolledBack...)
	existing.FinishedAt = sub.FinishedAt
	return nil
}

func (m *memory) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneSubmission(*sub)
	return &c, nil
}

func (m *memory) ListSubmissions(ctx context.Context, query model.SubmissionQuery) (*model.SubmissionPage, error) {
	var after *cursorData
	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		after = c
	}

	m.mu.RLock()
	filtered := make([]model.Submission, 0, len(m.submissions))
	for _, sub := range m.submissions {
		if query.DeviceID != "" && sub.DeviceID != query.DeviceID {
			continue
		}
		if query.FailedOnly && (sub.Succeeded || sub.FinishedAt.IsZero()) {
			continue
		}
		filtered = append(filtered, cloneSubmission(*sub))
	}
	m.mu.RUnlock()

	// Newest first, then by ID for a stable order
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].StartedAt.Equal(filtered[j].StartedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	start := 0
	if after != nil {
		start = len(filtered)
		for i, sub := range filtered {
			if sub.StartedAt.Before(after.LastStartedAt) ||
				(sub.StartedAt.Equal(after.LastStartedAt) && sub.ID > after.LastID) {
				start = i
				break
			}
		}
	}

	end := start + pageSize(query.Limit)
	if end > len(filtered) {
		end = len(filtered)
	}
	page := &model.SubmissionPage{Submissions: filtered[start:end]}
	if end < len(filtered) && end > start {
		last := filtered[end-1]
		page.NextCursor = encodeCursor(last.StartedAt, last.ID)
	}
	return page, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

func cloneSubmission(s model.Submission) model.Submission {
	if s.Resource != nil {
		r := *s.Resource
		s.Resource = &r
	}
	s.RolledBack = append([]string(nil), s.RolledBack...)
	return s
}
