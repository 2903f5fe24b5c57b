package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AndreuSerraCandela/Incidencias/internal/metrics"
	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// postgres implements Store on a PostgreSQL connection pool.
type postgres struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewPostgres connects to dsn, checks the connection and creates the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// A single agent writes a handful of rows per report
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool, metrics: metrics.NewMetrics()}, nil
}

// initSchema creates the journal table and its indexes if they don't exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS submissions (
		    id TEXT PRIMARY KEY,
		    device_id TEXT NOT NULL,
		    incidence_type TEXT NOT NULL,
		    resource TEXT,                           -- NULL when no stop or scan was available
		    description TEXT NOT NULL,
		    observation TEXT NOT NULL DEFAULT '',
		    image_count INTEGER NOT NULL,
		    remote_images INTEGER NOT NULL,          -- Images sent as uploaded references
		    succeeded BOOLEAN NOT NULL DEFAULT FALSE,
		    error TEXT NOT NULL DEFAULT '',
		    rolled_back TEXT[] NOT NULL DEFAULT '{}', -- Server ids released after failure
		    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    finished_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_submissions_started_at ON submissions(started_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_submissions_device_started_at ON submissions(device_id, started_at DESC);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) RecordSubmission(ctx context.Context, sub model.Submission) error {
	start := time.Now()
	query := `INSERT INTO submissions (id, device_id, incidence_type, resource, description, observation,
	              image_count, remote_images, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.db.Exec(ctx, query,
		sub.ID,
		sub.DeviceID,
		sub.IncidenceType,
		sub.Resource,
		sub.Description,
		sub.Observation,
		sub.ImageCount,
		sub.RemoteImages,
		sub.StartedAt)
	p.observe("record", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to record submission: %w", err)
	}
	return nil
}

func (p *postgres) FinishSubmission(ctx context.Context, sub model.Submission) error {
	start := time.Now()
	rolledBack := sub.RolledBack
	if rolledBack == nil {
		rolledBack = []string{}
	}
	query := `UPDATE submissions SET succeeded = $2, error = $3, rolled_back = $4, finished_at = $5 WHERE id = $1`
	tag, err := p.db.Exec(ctx, query, sub.ID, sub.Succeeded, sub.Error, rolledBack, sub.FinishedAt)
	p.observe("finish", start, err)
	if err != nil {
		return fmt.Errorf("failed to finish submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const submissionColumns = `id, device_id, incidence_type, resource, description, observation,
	image_count, remote_images, succeeded, error, rolled_back, started_at, finished_at`

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var sub model.Submission
	var finishedAt *time.Time
	if err := row.Scan(
		&sub.ID,
		&sub.DeviceID,
		&sub.IncidenceType,
		&sub.Resource,
		&sub.Description,
		&sub.Observation,
		&sub.ImageCount,
		&sub.RemoteImages,
		&sub.Succeeded,
		&sub.Error,
		&sub.RolledBack,
		&sub.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	if finishedAt != nil {
		sub.FinishedAt = *finishedAt
	}
	if len(sub.RolledBack) == 0 {
		sub.RolledBack = nil
	}
	return &sub, nil
}

func (p *postgres) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := scanSubmission(p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions pages by (started_at DESC, id ASC).
func (p *postgres) ListSubmissions(ctx context.Context, query model.SubmissionQuery) (*model.SubmissionPage, error) {
	start := time.Now()
	baseQuery := `SELECT ` + submissionColumns + ` FROM submissions WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if query.DeviceID != "" {
		baseQuery += fmt.Sprintf(" AND device_id = $%d", argIndex)
		args = append(args, query.DeviceID)
		argIndex++
	}
	if query.FailedOnly {
		baseQuery += " AND NOT succeeded AND finished_at IS NOT NULL"
	}
	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND (started_at < $%d OR (started_at = $%d AND id > $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, c.LastStartedAt, c.LastID)
		argIndex += 2
	}

	limit := pageSize(query.Limit)
	// One extra row tells whether another page exists
	baseQuery += fmt.Sprintf(" ORDER BY started_at DESC, id ASC LIMIT $%d", argIndex)
	args = append(args, limit+1)

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		p.observe("list", start, err)
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	page := &model.SubmissionPage{Submissions: []model.Submission{}}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			p.observe("list", start, err)
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		page.Submissions = append(page.Submissions, *sub)
	}
	if err := rows.Err(); err != nil {
		p.observe("list", start, err)
		return nil, fmt.Errorf("failed to iterate submissions: %w", err)
	}
	p.observe("list", start, nil)

	if len(page.Submissions) > limit {
		page.Submissions = page.Submissions[:limit]
		last := page.Submissions[limit-1]
		page.NextCursor = encodeCursor(last.StartedAt, last.ID)
	}
	return page, nil
}

func (p *postgres) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.StorageOperationTotal.WithLabelValues("journal_"+op, status).Inc()
	p.metrics.StorageOperationDuration.WithLabelValues("journal_"+op, status).Observe(time.Since(start).Seconds())
}
