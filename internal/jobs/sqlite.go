package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore は SQLite にジョブを保存します。プロセス再起動後もジョブが残ります。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore は dbPath のデータベースを開き（なければ作成し）、マイグレーションを実行します。
// ":memory:" を渡すとテスト用のインメモリDBになります。
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	o := buildStoreOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 状態遷移は読み取り→更新のトランザクションで行うため接続を1本に絞る
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: o.now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			tool            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'queued',
			total_units     INTEGER NOT NULL DEFAULT 0,
			processed_units INTEGER NOT NULL DEFAULT 0,
			error_code      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			input_ref       TEXT NOT NULL DEFAULT '',
			output_ref      TEXT NOT NULL DEFAULT '',
			metadata        TEXT,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			expires_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`)
	return err
}

const jobColumns = `id, tool, status, total_units, processed_units, error_code, error_message,
	input_ref, output_ref, metadata, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                         Job
		errCode, errMsg           string
		metadata                  sql.NullString
		created, updated, expires int64
	)
	if err := row.Scan(
		&j.ID, &j.Tool, &j.Status, &j.TotalUnits, &j.ProcessedUnits, &errCode, &errMsg,
		&j.InputRef, &j.OutputRef, &metadata, &created, &updated, &expires,
	); err != nil {
		return nil, err
	}
	if errCode != "" || errMsg != "" {
		j.Error = &ErrorInfo{Code: errCode, Message: errMsg}
	}
	if metadata.Valid {
		m, err := UnmarshalMetadata([]byte(metadata.String))
		if err != nil {
			return nil, err
		}
		j.Metadata = m
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	j.ExpiresAt = time.Unix(0, expires).UTC()
	return &j, nil
}

func jobArgs(j *Job) ([]any, error) {
	var metadata any
	if j.Metadata != nil {
		raw, err := MarshalMetadata(j.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(raw)
	}
	var errCode, errMsg string
	if j.Error != nil {
		errCode, errMsg = j.Error.Code, j.Error.Message
	}
	return []any{
		j.ID, string(j.Tool), string(j.Status), j.TotalUnits, j.ProcessedUnits, errCode, errMsg,
		j.InputRef, j.OutputRef, metadata,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), j.ExpiresAt.UnixNano(),
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, tool Tool, totalUnits int, ttl time.Duration) (*Job, error) {
	job := newJob(tool, totalUnits, ttl, s.now())
	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// mutate は id のジョブを読み取り、fn で変更した結果を同一トランザクションで書き戻します。
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(*Job) (bool, error)) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	changed, err := fn(job)
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}

	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	// id を WHERE 句に回す
	args = append(args[1:], job.ID)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET tool = ?, status = ?, total_units = ?, processed_units = ?,
			error_code = ?, error_message = ?, input_ref = ?, output_ref = ?, metadata = ?,
			created_at = ?, updated_at = ?, expires_at = ?
		WHERE id = ?
	`, args...); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*Job, error) {
	return s.mutate(ctx, id, func(job *Job) (bool, error) {
		return applyStatus(job, status, opts, s.now())
	})
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, processed int) error {
	_, err := s.mutate(ctx, id, func(job *Job) (bool, error) {
		return applyProgress(job, processed, s.now()), nil
	})
	return err
}

func (s *SQLiteStore) UpdateInput(ctx context.Context, id string, in Input) error {
	_, err := s.mutate(ctx, id, func(job *Job) (bool, error) {
		if err := applyInput(job, in, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

func whereClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, string(f.Tool))
	}
	if !f.ExpiredAsOf.IsZero() {
		conds = append(conds, "expires_at <= ?")
		args = append(args, f.ExpiredAsOf.UnixNano())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	where, args := whereClause(f)
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
