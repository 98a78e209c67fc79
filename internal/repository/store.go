// Package repository is the durable store of jobs, file metadata, stream
// events, permission actions, and idempotency records (spec.md §3, §4.2).
// It is backed by modernc.org/sqlite, the pure-Go driver the teacher's
// internal/store/store.go already uses for its embedded database.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("repository: not found")

// Repository is the Job Repository contract implementation.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// migrations, following store.Open's WAL + single-connection discipline.
func Open(path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database handle.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			requirement_text TEXT NOT NULL,
			requirement_hash TEXT NOT NULL,
			selected_skill TEXT NOT NULL,
			agent TEXT NOT NULL,
			model_provider_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			output_contract_json TEXT NOT NULL,
			status TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			result_bundle_path TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			category TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(job_id, category, relative_path)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_files_job ON job_files(job_id);`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);`,
		`CREATE TABLE IF NOT EXISTS permission_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			requirement_hash TEXT NOT NULL,
			job_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(tenant_id, idempotency_key, requirement_hash)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseStamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateJobParams groups the arguments to CreateJob.
type CreateJobParams struct {
	ID                 string
	TenantID           string
	CreatedBy          string
	RequirementText    string
	RequirementHash    string
	SelectedSkill      string
	Agent              string
	ModelProviderID    string
	ModelID            string
	OutputContractJSON string
	IdempotencyKey     string
	InputFiles         []JobFile
}

// GetJobByIdempotency returns ErrNotFound when no record matches.
func (r *Repository) GetJobByIdempotency(ctx context.Context, tenantID, key, requirementHash string) (Job, error) {
	var jobID string
	err := r.db.QueryRowContext(ctx, `
		SELECT job_id FROM idempotency_records
		WHERE tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?
	`, tenantID, key, requirementHash).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return r.GetJob(ctx, jobID)
}

// CreateJob re-checks idempotency inside the transaction (race-safe),
// inserts the job row, every input JobFile row, the idempotency record (if
// a key was given), and a job.created event, all atomically.
func (r *Repository) CreateJob(ctx context.Context, p CreateJobParams) (Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if p.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT job_id FROM idempotency_records
			WHERE tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?
		`, p.TenantID, p.IdempotencyKey, p.RequirementHash).Scan(&existing)
		if err == nil {
			job, err := getJobTx(ctx, tx, existing)
			if err != nil {
				return Job{}, err
			}
			if err := tx.Commit(); err != nil {
				return Job{}, err
			}
			return job, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
	}

	now := nowStamp()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, tenant_id, created_by, requirement_text, requirement_hash, selected_skill,
			agent, model_provider_id, model_id, output_contract_json, status,
			session_id, result_bundle_path, error_code, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', '', ?, ?)
	`, p.ID, p.TenantID, p.CreatedBy, p.RequirementText, p.RequirementHash, p.SelectedSkill,
		p.Agent, p.ModelProviderID, p.ModelID, p.OutputContractJSON, string(StatusCreated), now, now)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}

	for _, f := range p.InputFiles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_files (job_id, category, relative_path, mime_type, size_bytes, sha256, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, string(CategoryInput), f.RelativePath, f.MimeType, f.SizeBytes, f.SHA256, now, now); err != nil {
			return Job{}, fmt.Errorf("insert input file: %w", err)
		}
	}

	if p.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (tenant_id, idempotency_key, requirement_hash, job_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.TenantID, p.IdempotencyKey, p.RequirementHash, p.ID, now); err != nil {
			return Job{}, fmt.Errorf("insert idempotency record: %w", err)
		}
	}

	if err := appendEventTx(ctx, tx, p.ID, SourceAPI, "job.created", "", "", fmt.Sprintf(`{"selected_skill":%q}`, p.SelectedSkill)); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return r.GetJob(ctx, p.ID)
}

// GetJob returns ErrNotFound when id does not exist.
func (r *Repository) GetJob(ctx context.Context, id string) (Job, error) {
	return getJobTx(ctx, r.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJobTx(ctx context.Context, q queryRower, id string) (Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, created_by, requirement_text, requirement_hash, selected_skill,
			agent, model_provider_id, model_id, output_contract_json, status,
			session_id, result_bundle_path, error_code, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	var j Job
	var status, created, updated string
	if err := row.Scan(&j.ID, &j.TenantID, &j.CreatedBy, &j.RequirementText, &j.RequirementHash, &j.SelectedSkill,
		&j.Agent, &j.ModelProviderID, &j.ModelID, &j.OutputContractJSON, &status,
		&j.SessionID, &j.ResultBundlePath, &j.ErrorCode, &j.ErrorMessage, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.CreatedAt = parseStamp(created)
	j.UpdatedAt = parseStamp(updated)
	return j, nil
}

// AddEvent appends one JobEvent row and returns it with its assigned id.
func (r *Repository) AddEvent(ctx context.Context, jobID string, source EventSource, eventType, status, message, payloadJSON string) (JobEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return JobEvent{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendEventTx(ctx, tx, jobID, source, eventType, status, message, payloadJSON); err != nil {
		return JobEvent{}, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&id); err != nil {
		return JobEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return JobEvent{}, err
	}
	return r.getEvent(ctx, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEventTx(ctx context.Context, tx execer, jobID string, source EventSource, eventType, status, message, payloadJSON string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, source, event_type, status, message, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jobID, string(source), eventType, status, message, payloadJSON, nowStamp())
	return err
}

func (r *Repository) getEvent(ctx context.Context, id int64) (JobEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, source, event_type, status, message, payload_json, created_at
		FROM job_events WHERE id = ?
	`, id)
	var e JobEvent
	var source, created string
	if err := row.Scan(&e.ID, &e.JobID, &source, &e.EventType, &e.Status, &e.Message, &e.PayloadJSON, &created); err != nil {
		return JobEvent{}, err
	}
	e.Source = EventSource(source)
	e.CreatedAt = parseStamp(created)
	return e, nil
}

// ListEvents returns events with id > afterID, oldest first, capped at limit.
func (r *Repository) ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]JobEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, source, event_type, status, message, payload_json, created_at
		FROM job_events WHERE job_id = ? AND id > ? ORDER BY id ASC LIMIT ?
	`, jobID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		var source, created string
		if err := rows.Scan(&e.ID, &e.JobID, &source, &e.EventType, &e.Status, &e.Message, &e.PayloadJSON, &created); err != nil {
			return nil, err
		}
		e.Source = EventSource(source)
		e.CreatedAt = parseStamp(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetStatus refuses to overwrite StatusAborted with anything but itself.
// It returns changed=false when the write was refused, which callers use
// as the race-free abort signal (spec.md §9).
func (r *Repository) SetStatus(ctx context.Context, jobID string, status JobStatus, errorCode, errorMessage string, emitEvent bool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if JobStatus(current).terminal() && status != StatusAborted {
		return false, tx.Commit()
	}

	now := nowStamp()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(status), errorCode, errorMessage, now, jobID); err != nil {
		return false, err
	}

	if emitEvent {
		if err := appendEventTx(ctx, tx, jobID, SourceWorker, "job.status.changed", string(status), errorMessage, ""); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetSessionID stores the agent runtime's session id and appends
// opencode.session.created.
func (r *Repository) SetSessionID(ctx context.Context, jobID, sessionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET session_id = ?, updated_at = ? WHERE id = ?`, sessionID, nowStamp(), jobID); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, jobID, SourceWorker, "opencode.session.created", "", "", fmt.Sprintf(`{"session_id":%q}`, sessionID)); err != nil {
		return err
	}
	return tx.Commit()
}

// AddPermissionAction records one auto-decision audit row.
func (r *Repository) AddPermissionAction(ctx context.Context, jobID, requestID string, action PermissionReply, actor string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO permission_actions (job_id, request_id, action, actor, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, requestID, string(action), actor, nowStamp())
	return err
}

// SetResultBundle stores the bundle's path on the job row.
func (r *Repository) SetResultBundle(ctx context.Context, jobID, path string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET result_bundle_path = ?, updated_at = ? WHERE id = ?`, path, nowStamp(), jobID)
	return err
}

// UpsertJobFile inserts or refreshes the (job_id, category, relative_path) row.
func (r *Repository) UpsertJobFile(ctx context.Context, jobID string, category FileCategory, relativePath, mimeType string, sizeBytes int64, sha256 string) (JobFile, error) {
	now := nowStamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_files (job_id, category, relative_path, mime_type, size_bytes, sha256, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, category, relative_path) DO UPDATE SET
			mime_type=excluded.mime_type,
			size_bytes=excluded.size_bytes,
			sha256=excluded.sha256,
			updated_at=excluded.updated_at
	`, jobID, string(category), relativePath, mimeType, sizeBytes, sha256, now, now)
	if err != nil {
		return JobFile{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, category, relative_path, mime_type, size_bytes, sha256, created_at, updated_at
		FROM job_files WHERE job_id = ? AND category = ? AND relative_path = ?
	`, jobID, string(category), relativePath)
	return scanJobFile(row)
}

func scanJobFile(row *sql.Row) (JobFile, error) {
	var f JobFile
	var category, created, updated string
	if err := row.Scan(&f.ID, &f.JobID, &category, &f.RelativePath, &f.MimeType, &f.SizeBytes, &f.SHA256, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobFile{}, ErrNotFound
		}
		return JobFile{}, err
	}
	f.Category = FileCategory(category)
	f.CreatedAt = parseStamp(created)
	f.UpdatedAt = parseStamp(updated)
	return f, nil
}

// ListJobFiles returns every JobFile for jobID, optionally filtered by category.
func (r *Repository) ListJobFiles(ctx context.Context, jobID string, category *FileCategory) ([]JobFile, error) {
	query := `
		SELECT id, job_id, category, relative_path, mime_type, size_bytes, sha256, created_at, updated_at
		FROM job_files WHERE job_id = ?`
	args := []any{jobID}
	if category != nil {
		query += ` AND category = ?`
		args = append(args, string(*category))
	}
	query += ` ORDER BY relative_path ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobFile
	for rows.Next() {
		var f JobFile
		var cat, created, updated string
		if err := rows.Scan(&f.ID, &f.JobID, &cat, &f.RelativePath, &f.MimeType, &f.SizeBytes, &f.SHA256, &created, &updated); err != nil {
			return nil, err
		}
		f.Category = FileCategory(cat)
		f.CreatedAt = parseStamp(created)
		f.UpdatedAt = parseStamp(updated)
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetJobFile looks a JobFile up by its id.
func (r *Repository) GetJobFile(ctx context.Context, fileID int64) (JobFile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, category, relative_path, mime_type, size_bytes, sha256, created_at, updated_at
		FROM job_files WHERE id = ?
	`, fileID)
	return scanJobFile(row)
}
