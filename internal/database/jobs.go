package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"transcoderexpress/internal/job"
)

// ErrCorruptRecord is returned when a stored row cannot be turned back into a job.
var ErrCorruptRecord = errors.New("corrupt job record")

const jobColumns = `id, source_path, rel_path, output_path, size, mod_time_ns, state,
	attempt_count, last_error, next_attempt_ns, stale, created_ns, updated_ns`

const upsertJob = `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source_path = excluded.source_path,
		rel_path = excluded.rel_path,
		output_path = excluded.output_path,
		size = excluded.size,
		mod_time_ns = excluded.mod_time_ns,
		state = excluded.state,
		attempt_count = excluded.attempt_count,
		last_error = excluded.last_error,
		next_attempt_ns = excluded.next_attempt_ns,
		stale = excluded.stale,
		updated_ns = excluded.updated_ns
`

// LoadJobs returns every stored job. Any row that does not decode fails the
// whole load with ErrCorruptRecord: silently dropping jobs would lose track
// of work.
func (d *Database) LoadJobs(ctx context.Context) (jobs []job.Job, err error) {
	start := time.Now()
	defer func() { recordQuery("load_jobs", start, err) }()

	return d.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_ns, id`)
}

// ListJobs returns jobs in the given states (all when none given), oldest first.
func (d *Database) ListJobs(ctx context.Context, states ...job.State) (jobs []job.Job, err error) {
	start := time.Now()
	defer func() { recordQuery("list_jobs", start, err) }()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_ns, id`

	return d.queryJobs(ctx, query, args...)
}

func (d *Database) queryJobs(ctx context.Context, query string, args ...interface{}) ([]job.Job, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (job.Job, error) {
	var (
		j                                     job.Job
		state                                 string
		size, modNs, nextNs, createdNs, updNs int64
		stale                                 int
	)

	if err := rows.Scan(&j.ID, &j.SourcePath, &j.RelPath, &j.OutputPath, &size, &modNs, &state,
		&j.AttemptCount, &j.LastError, &nextNs, &stale, &createdNs, &updNs); err != nil {
		return job.Job{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	st, err := job.ParseState(state)
	if err != nil {
		return job.Job{}, fmt.Errorf("%w: job %s: %w", ErrCorruptRecord, j.ID, err)
	}
	if j.ID == "" || j.RelPath == "" {
		return job.Job{}, fmt.Errorf("%w: row without id or path", ErrCorruptRecord)
	}
	if j.AttemptCount < 0 {
		return job.Job{}, fmt.Errorf("%w: job %s: negative attempt count", ErrCorruptRecord, j.ID)
	}

	j.State = st
	j.Fingerprint = job.Fingerprint{Size: size, ModTime: fromNanos(modNs)}
	j.NextAttemptAt = fromNanos(nextNs)
	j.Stale = stale != 0
	j.CreatedAt = fromNanos(createdNs)
	j.UpdatedAt = fromNanos(updNs)
	return j, nil
}

// SaveJob inserts or updates one job.
func (d *Database) SaveJob(ctx context.Context, j job.Job) (err error) {
	start := time.Now()
	defer func() { recordQuery("save_job", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, upsertJob, jobArgs(j)...)
	return err
}

// SaveJobs writes a batch of jobs in one transaction.
func (d *Database) SaveJobs(ctx context.Context, jobs []job.Job) (err error) {
	start := time.Now()
	defer func() { recordQuery("save_jobs", start, err) }()

	if len(jobs) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		recordQuery("begin_transaction", start, err)
		return err
	}

	stmt, err := tx.PrepareContext(ctx, upsertJob)
	if err != nil {
		return d.rollback(tx, start, err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx, jobArgs(j)...); err != nil {
			return d.rollback(tx, start, fmt.Errorf("save job %s: %w", j.ID, err))
		}
	}

	err = tx.Commit()
	recordQuery("commit", start, err)
	return err
}

func (d *Database) rollback(tx *sql.Tx, start time.Time, cause error) error {
	rbErr := tx.Rollback()
	recordQuery("rollback", start, rbErr)
	if rbErr != nil {
		return errors.Join(cause, fmt.Errorf("rollback also failed: %w", rbErr))
	}
	return cause
}

// CountByState returns the number of stored jobs per state.
func (d *Database) CountByState(ctx context.Context) (map[job.State]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[job.State]int, len(job.AllStates))
	for _, s := range job.AllStates {
		counts[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[job.State(state)] = n
	}
	return counts, rows.Err()
}

func jobArgs(j job.Job) []interface{} {
	stale := 0
	if j.Stale {
		stale = 1
	}
	return []interface{}{
		j.ID, j.SourcePath, j.RelPath, j.OutputPath,
		j.Fingerprint.Size, toNanos(j.Fingerprint.ModTime), string(j.State),
		j.AttemptCount, j.LastError, toNanos(j.NextAttemptAt), stale,
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
	}
}

// toNanos maps the zero time to 0 so "unset" round-trips.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
