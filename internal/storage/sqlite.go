package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "nrtool/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSubmission(ctx context.Context, sub Submission) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(sub.TaskID) == "" {
		return errors.New("submission task id is required")
	}
	if sub.At.IsZero() {
		sub.At = time.Now()
	}
	payload := sub.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	pb, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var resp any
	if sub.Response != nil {
		rb, err := json.Marshal(sub.Response)
		if err != nil {
			return err
		}
		resp = string(rb)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions(task_id, date, run_id, status, attempts, at, payload, response)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id, date) DO UPDATE SET
		   run_id=excluded.run_id, status=excluded.status, attempts=excluded.attempts,
		   at=excluded.at, payload=excluded.payload, response=excluded.response`,
		sub.TaskID, sub.Date, nullStr(sub.RunID), sub.Status, sub.Attempts, sub.At.UnixMilli(), string(pb), resp,
	)
	return err
}

func (s *sqliteStore) LastSubmission(ctx context.Context, taskID string) (Submission, bool, error) {
	if s == nil || s.db == nil {
		return Submission{}, false, ErrDisabled
	}
	var (
		out     Submission
		runID   sql.NullString
		resp    sql.NullString
		payload string
		at      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, date, run_id, status, attempts, at, payload, response
		 FROM submissions WHERE task_id = ? ORDER BY at DESC LIMIT 1`, taskID,
	).Scan(&out.TaskID, &out.Date, &runID, &out.Status, &out.Attempts, &at, &payload, &resp)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, err
	}
	out.RunID = runID.String
	out.At = time.UnixMilli(at)
	if err := json.Unmarshal([]byte(payload), &out.Payload); err != nil {
		return Submission{}, false, fmt.Errorf("decode payload: %w", err)
	}
	if resp.Valid {
		if err := json.Unmarshal([]byte(resp.String), &out.Response); err != nil {
			return Submission{}, false, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
