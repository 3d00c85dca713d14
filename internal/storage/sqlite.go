package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "ticklane/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("run journal opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, mode, outcome, due, started, finished, queue_delay_ns, duration_ns, deferred, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Task, r.Mode, r.Outcome,
		fmtTime(r.Due), nullTime(r.Started), fmtTime(r.Finished),
		int64(r.QueueDelay), int64(r.Duration), boolInt(r.Deferred), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("run journal prune failed", logx.Err(err))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query := `SELECT id, task, mode, outcome, due, started, finished, queue_delay_ns, duration_ns, deferred, err
		FROM runs`
	args := []any{}
	if q.Task != "" {
		query += ` WHERE task = ?`
		args = append(args, q.Task)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                RunRecord
			due, finished    string
			started, errText sql.NullString
			queueNS, durNS   int64
			deferred         int
		)
		if err := rows.Scan(&r.ID, &r.Task, &r.Mode, &r.Outcome, &due, &started, &finished, &queueNS, &durNS, &deferred, &errText); err != nil {
			return nil, err
		}
		r.Due = parseTime(due)
		r.Finished = parseTime(finished)
		if started.Valid {
			r.Started = parseTime(started.String)
		}
		r.QueueDelay = time.Duration(queueNS)
		r.Duration = time.Duration(durNS)
		r.Deferred = deferred != 0
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest retention rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT MAX(seq) FROM runs) - ?`, s.retention)
	return err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
