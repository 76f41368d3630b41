package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/vidgallery/api/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                BIGSERIAL PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	input_source      TEXT NOT NULL,
	requested_formats TEXT[] NOT NULL,
	status            TEXT NOT NULL,
	progress          INT NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	error_text        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at);
CREATE TABLE IF NOT EXISTS assets (
	id          BIGSERIAL PRIMARY KEY,
	job_id      BIGINT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	asset_type  TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	size_bytes  BIGINT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS assets_job_idx ON assets (job_id);
`

const jobColumns = `id, owner_id, input_source, requested_formats, status, progress, error_text, created_at, updated_at`

// PostgresRepository implements JobRepository on top of database/sql and lib/pq.
// Timestamps are written from the process clock, so UpdatedBefore and
// CreatedBefore cutoffs computed by callers compare against the same clock.
type PostgresRepository struct {
	DB  *sql.DB
	now func() time.Time
}

// OpenPostgres connects and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{DB: db, now: time.Now}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job       model.Job
		formats   []string
		errorText sql.NullString
	)
	err := row.Scan(&job.ID, &job.OwnerID, &job.InputSource, pq.Array(&formats),
		&job.Status, &job.Progress, &errorText, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.RequestedFormats = make([]model.Format, len(formats))
	for i, f := range formats {
		job.RequestedFormats[i] = model.Format(f)
	}
	if errorText.Valid {
		job.ErrorText = &errorText.String
	}
	return &job, nil
}

func formatStrings(formats []model.Format) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresRepository) CreateJob(ctx context.Context, job *model.Job) error {
	query := `INSERT INTO jobs (owner_id, input_source, requested_formats, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id, created_at, updated_at`
	err := r.DB.QueryRowContext(ctx, query,
		job.OwnerID, job.InputSource, pq.Array(formatStrings(job.RequestedFormats)), job.Status, job.Progress, r.now().UTC(),
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindJob(ctx context.Context, id int64) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %d: %w", id, err)
	}
	return job, nil
}

func (r *PostgresRepository) ListJobs(ctx context.Context, f JobFilter) ([]model.Job, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(statusStrings(f.Statuses)))+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + clause + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.offset())
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating over jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *PostgresRepository) UpdateJob(ctx context.Context, id int64, u StatusUpdate) (*model.Job, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}

	var (
		to        sql.NullString
		progress  sql.NullInt64
		errorText sql.NullString
		before    sql.NullTime
	)
	if u.To != "" {
		to = sql.NullString{String: string(u.To), Valid: true}
	}
	if u.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*u.Progress), Valid: true}
	}
	if u.ErrorText != nil {
		errorText = sql.NullString{String: *u.ErrorText, Valid: true}
	}
	if !u.UpdatedBefore.IsZero() {
		before = sql.NullTime{Time: u.UpdatedBefore, Valid: true}
	}

	query := `UPDATE jobs SET
			status = COALESCE($2::text, status),
			progress = COALESCE($3::int, progress),
			error_text = CASE WHEN $4::text IS NOT NULL THEN $4::text WHEN $5::bool THEN NULL ELSE error_text END,
			updated_at = $8
		WHERE id = $1 AND status = ANY($6) AND ($7::timestamptz IS NULL OR updated_at < $7::timestamptz)
		RETURNING ` + jobColumns
	row := r.DB.QueryRowContext(ctx, query,
		id, to, progress, errorText, u.ClearError, pq.Array(statusStrings(u.From)), before, r.now().UTC())
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job %d: %w", id, err)
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check job %d: %w", id, err)
	}
	if !exists {
		return nil, jobNotFound(id)
	}
	return nil, ErrStatusMismatch
}

func (r *PostgresRepository) CountByStatus(ctx context.Context, ownerID string) (map[model.JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs WHERE ($1 = '' OR owner_id = $1) GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int, len(model.AllJobStatuses))
	for _, s := range model.AllJobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) DeleteJob(ctx context.Context, id int64, allowed []model.JobStatus) (assets []model.Asset, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job %d: %w", id, err)
	}
	if !containsStatus(allowed, model.JobStatus(status)) {
		return nil, ErrStatusMismatch
	}

	assets, err = listAssets(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM assets WHERE job_id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to delete assets of job %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deletion of job %d: %w", id, err)
	}
	return assets, nil
}

func (r *PostgresRepository) CreateAsset(ctx context.Context, asset *model.Asset) error {
	var size sql.NullInt64
	if asset.SizeBytes != nil {
		size = sql.NullInt64{Int64: *asset.SizeBytes, Valid: true}
	}
	query := `INSERT INTO assets (job_id, asset_type, storage_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	err := r.DB.QueryRowContext(ctx, query, asset.JobID, asset.AssetType, asset.StorageKey, size, r.now().UTC()).
		Scan(&asset.ID, &asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListAssets(ctx context.Context, jobID int64) ([]model.Asset, error) {
	return listAssets(ctx, r.DB, jobID)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listAssets(ctx context.Context, q queryer, jobID int64) ([]model.Asset, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, job_id, asset_type, storage_key, size_bytes, created_at FROM assets WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	assets := make([]model.Asset, 0)
	for rows.Next() {
		var (
			a    model.Asset
			size sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.AssetType, &a.StorageKey, &size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}
		if size.Valid {
			n := size.Int64
			a.SizeBytes = &n
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
