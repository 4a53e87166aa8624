package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"analysis-engine/internal/models"
)

var (
	// ErrNotFound is returned when a job id has no row.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when an insert collides with a unique constraint,
	// in practice the active dedupe key index.
	ErrConflict = errors.New("conflicting active job")
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store persists jobs, their log entries and output documents. Every mutation
// of a leased job is conditional on the caller still owning the lease.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
}

// Open connects to the driver's database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// OpenPostgres creates a pooled connection to Postgres.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: stdlib.OpenDBFromPool(pool), pool: pool, dialect: postgresDialect}, nil
}

// OpenSQLite opens a SQLite database. A single connection is used so that the
// claim statement and transactions are serialized inside the process; other
// processes wait on busy_timeout.
func OpenSQLite(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &Store{db: db, dialect: sqliteDialect}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Driver names the dialect in use.
func (s *Store) Driver() string { return s.dialect.name }

const jobColumns = `id, owner_ref, subject_ref, profile, status, attempts, max_attempts, run_at,
	lease_owner, lease_until, dedupe_key, current_step, total_steps, progress_message,
	created_at, updated_at, completed_at, result, error_message`

// leasedStates is inlined into statements; it contains no placeholders.
const leasedStates = `('claimed', 'running')`

// CreateJob inserts a pending job. ErrConflict means another non-terminal job
// already holds the dedupe key.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, owner_ref, subject_ref, profile, status, attempts, max_attempts, run_at,
			dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), job.ID, job.OwnerRef, job.SubjectRef, job.Profile, string(models.StatusPending), job.MaxAttempts,
		millis(job.RunAt), nullString(job.DedupeKey), millis(job.CreatedAt), millis(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically leases the oldest eligible job to owner. Eligible jobs
// are pending and due, or leased with an expired lease and attempts left.
func (s *Store) ClaimNext(ctx context.Context, owner string, now, leaseUntil time.Time) (models.Job, bool, error) {
	eligible := `((status = 'pending' AND run_at <= ?) OR
		(status IN ` + leasedStates + ` AND lease_until < ? AND attempts < max_attempts))`
	n := millis(now)
	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE jobs
		SET status = 'claimed', lease_owner = ?, lease_until = ?, attempts = attempts + 1,
			current_step = 0, total_steps = 0, progress_message = '', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE `+eligible+`
			ORDER BY run_at, id
			LIMIT 1`+s.dialect.lockClause+`
		) AND `+eligible+`
		RETURNING `+jobColumns), owner, millis(leaseUntil), n, n, n, n, n)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// MarkRunning moves a claimed job to running.
func (s *Store) MarkRunning(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'claimed'
	`, millis(now), id, owner)
}

// ExtendLease pushes lease_until forward while owner still holds the job.
func (s *Store) ExtendLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE jobs SET lease_until = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN `+leasedStates,
		millis(until), millis(now), id, owner)
}

// Progress describes one progress update written by the lease owner.
type Progress struct {
	Step    int
	Total   int
	Message string
	LogText string
}

// UpdateProgress records progress and appends a log entry in one transaction.
// current_step never moves backwards within an attempt.
func (s *Store) UpdateProgress(ctx context.Context, id, owner string, p Progress, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET current_step = CASE WHEN ? > current_step THEN ? ELSE current_step END,
			total_steps = ?, progress_message = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN `+leasedStates),
		p.Step, p.Step, p.Total, p.Message, millis(now), id, owner)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := s.appendLog(ctx, tx, id, p.LogText, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Complete finalizes a leased job as completed and stores its documents.
func (s *Store) Complete(ctx context.Context, id, owner string, result models.JobResult, docs []models.OutputDocument, now time.Time) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	n := millis(now)
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = 'completed', lease_owner = NULL, lease_until = NULL,
			current_step = CASE WHEN total_steps > 0 THEN total_steps ELSE current_step END,
			completed_at = ?, updated_at = ?, result = ?, error_message = NULL
		WHERE id = ? AND lease_owner = ? AND status IN `+leasedStates),
		n, n, string(resultJSON), id, owner)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}

	for i, d := range docs {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO job_documents (job_id, kind, idx, ord, title, content, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), id, d.Kind, d.Index, i, d.Title, d.Content, d.SizeBytes); err != nil {
			return false, fmt.Errorf("insert document %s/%d: %w", d.Kind, d.Index, err)
		}
	}
	if err := s.appendLog(ctx, tx, id, fmt.Sprintf("completed with %d documents", len(docs)), now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Requeue returns a leased job to pending with a future run_at. It refuses
// jobs that have used all their attempts.
func (s *Store) Requeue(ctx context.Context, id, owner string, runAt time.Time, errMsg string, now time.Time) (bool, error) {
	return s.execOne(ctx, `
		UPDATE jobs
		SET status = 'pending', lease_owner = NULL, lease_until = NULL, run_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN `+leasedStates+` AND attempts < max_attempts
	`, millis(runAt), errMsg, millis(now), id, owner)
}

// MarkDead finalizes a leased job as dead.
func (s *Store) MarkDead(ctx context.Context, id, owner string, errMsg string, now time.Time) (bool, error) {
	n := millis(now)
	return s.execOne(ctx, `
		UPDATE jobs
		SET status = 'dead', lease_owner = NULL, lease_until = NULL, completed_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN `+leasedStates,
		n, errMsg, n, id, owner)
}

// Cancel moves any non-terminal job to canceled.
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	n := millis(now)
	return s.execOne(ctx, `
		UPDATE jobs
		SET status = 'canceled', lease_owner = NULL, lease_until = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'claimed', 'running')
	`, n, n, id)
}

// ReclaimExpired releases leases that expired before now. Jobs with attempts
// left go back to pending; exhausted ones become dead.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (requeued, dead []string, err error) {
	n := millis(now)
	dead, err = s.queryIDs(ctx, `
		UPDATE jobs
		SET status = 'dead', lease_owner = NULL, lease_until = NULL, completed_at = ?, updated_at = ?,
			error_message = COALESCE(error_message, 'lease expired after final attempt')
		WHERE status IN `+leasedStates+` AND lease_until < ? AND attempts >= max_attempts
		RETURNING id
	`, n, n, n)
	if err != nil {
		return nil, nil, fmt.Errorf("expire exhausted leases: %w", err)
	}
	requeued, err = s.queryIDs(ctx, `
		UPDATE jobs
		SET status = 'pending', lease_owner = NULL, lease_until = NULL, run_at = ?, updated_at = ?
		WHERE status IN `+leasedStates+` AND lease_until < ? AND attempts < max_attempts
		RETURNING id
	`, n, n, n)
	if err != nil {
		return nil, dead, fmt.Errorf("requeue expired leases: %w", err)
	}
	return requeued, dead, nil
}

// AppendLog adds an audit line to a job's log.
func (s *Store) AppendLog(ctx context.Context, id, text string, now time.Time) error {
	return s.appendLog(ctx, s.db, id, text, now)
}

// ListLogs returns entries with seq > after, oldest first.
func (s *Store) ListLogs(ctx context.Context, id string, after int64, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT job_id, seq, ts, text FROM job_logs
		WHERE job_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`), id, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var ts int64
		if err := rows.Scan(&e.JobID, &e.Sequence, &ts, &e.Text); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListDocuments returns a job's documents in collection order.
func (s *Store) ListDocuments(ctx context.Context, id string) ([]models.OutputDocument, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT job_id, kind, idx, title, content, size_bytes FROM job_documents
		WHERE job_id = ?
		ORDER BY ord
	`), id)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []models.OutputDocument{}
	for rows.Next() {
		var d models.OutputDocument
		if err := rows.Scan(&d.JobID, &d.Kind, &d.Index, &d.Title, &d.Content, &d.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// VisibleJobs returns the count of pending jobs whose run_at has passed.
func (s *Store) VisibleJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND run_at <= ?
	`), millis(now)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendLog computes the next sequence number inside the insert. A concurrent
// writer taking the same number makes the insert a no-op, so it is retried.
func (s *Store) appendLog(ctx context.Context, ex execer, id, text string, now time.Time) error {
	query := s.q(`
		INSERT INTO job_logs (job_id, seq, ts, text)
		SELECT CAST(? AS TEXT), COALESCE(MAX(seq), 0) + 1, CAST(? AS BIGINT), CAST(? AS TEXT)
		FROM job_logs WHERE job_id = ?
		ON CONFLICT DO NOTHING
	`)
	for attempt := 0; attempt < 5; attempt++ {
		res, err := ex.ExecContext(ctx, query, id, millis(now), text, id)
		if err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	return fmt.Errorf("append log for job %s: sequence contention", id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                                models.Job
		status                             string
		runAt, createdAt, updatedAt        int64
		leaseOwner, dedupe, result, errMsg sql.NullString
		leaseUntil, completedAt            sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.OwnerRef, &job.SubjectRef, &job.Profile, &status, &job.Attempts,
		&job.MaxAttempts, &runAt, &leaseOwner, &leaseUntil, &dedupe, &job.CurrentStep, &job.TotalSteps,
		&job.ProgressMessage, &createdAt, &updatedAt, &completedAt, &result, &errMsg); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.RunAt = fromMillis(runAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.LeaseOwner = textPtr(leaseOwner)
	job.LeaseUntil = timePtr(leaseUntil)
	job.DedupeKey = textPtr(dedupe)
	job.CompletedAt = timePtr(completedAt)
	job.ErrorMessage = textPtr(errMsg)
	if result.Valid && result.String != "" {
		var r models.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &r
	}
	return job, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func textPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func timePtr(v sql.NullInt64) *time.Time {
	if v.Valid {
		t := fromMillis(v.Int64)
		return &t
	}
	return nil
}

func nullString(v *string) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

type dialect struct {
	name       string
	numbered   bool
	lockClause string
}

var (
	postgresDialect = dialect{name: DriverPostgres, numbered: true, lockClause: " FOR UPDATE SKIP LOCKED"}
	sqliteDialect   = dialect{name: DriverSQLite}
)

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
