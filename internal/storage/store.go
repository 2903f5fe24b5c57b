// Package storage keeps the submission journal: one entry per dispatched incidence,
// with its outcome and the photos rolled back after a failure. It has in-memory
// and PostgreSQL implementations.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Store is the submission journal.
type Store interface {
	// RecordSubmission adds a dispatched submission. The ID must be new.
	RecordSubmission(ctx context.Context, sub model.Submission) error
	// FinishSubmission stores the outcome of a recorded submission.
	FinishSubmission(ctx context.Context, sub model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	// ListSubmissions pages through the journal, newest first.
	ListSubmissions(ctx context.Context, query model.SubmissionQuery) (*model.SubmissionPage, error)
	Ping(ctx context.Context) error
	Close()
}

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

// cursorData is the position after the last returned submission.
type cursorData struct {
	LastStartedAt time.Time `json:"t"`
	LastID        string    `json:"id"`
}

func encodeCursor(lastStartedAt time.Time, lastID string) string {
	b, _ := json.Marshal(cursorData{LastStartedAt: lastStartedAt, LastID: lastID})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (*cursorData, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var data cursorData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &data, nil
}
