package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "nrtool/pkg/logx"
)

// fileStore writes human-readable reports next to a compact journal.
//
// Files under the configured directory:
//   - report_<task>_<date>.log (pretty JSON: task_id, payload, response)
//   - submissions.jsonl        (append-only journal, one line per submission)
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex

	journal *os.File
	last    map[string]journalRecord
}

type journalRecord struct {
	TaskID   string `json:"task_id"`
	Date     string `json:"date"`
	RunID    string `json:"run_id,omitempty"`
	Status   int    `json:"status"`
	Attempts int    `json:"attempts"`
	At       int64  `json:"at"` // unix milli
	Report   string `json:"report"`
}

type reportDoc struct {
	TaskID   string            `json:"task_id"`
	Payload  map[string]string `json:"payload"`
	Response any               `json:"response"`
}

const journalName = "submissions.jsonl"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journalPath := filepath.Join(dir, journalName)
	last := map[string]journalRecord{}
	if err := replayJournal(journalPath, last); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("submission journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, journal: jf, last: last}, nil
}

// ReportName returns the report file name for a task and date.
func ReportName(taskID, date string) string {
	return fmt.Sprintf("report_%s_%s.log", safeName(taskID), date)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) PutSubmission(ctx context.Context, sub Submission) error {
	_ = ctx
	if strings.TrimSpace(sub.TaskID) == "" {
		return errors.New("submission task id is required")
	}
	if sub.At.IsZero() {
		sub.At = time.Now()
	}
	body, err := encodeReport(sub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("submission journal closed")
	}

	name := ReportName(sub.TaskID, sub.Date)
	// Same task and date overwrite: the last attempt of the day is what matters.
	if err := writeFileAtomic(filepath.Join(s.dir, name), body); err != nil {
		return err
	}

	rec := journalRecord{
		TaskID:   sub.TaskID,
		Date:     sub.Date,
		RunID:    sub.RunID,
		Status:   sub.Status,
		Attempts: sub.Attempts,
		At:       sub.At.UnixMilli(),
		Report:   name,
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.last[sub.TaskID] = rec
	return nil
}

func (s *fileStore) LastSubmission(ctx context.Context, taskID string) (Submission, bool, error) {
	_ = ctx
	s.mu.Lock()
	rec, ok := s.last[taskID]
	s.mu.Unlock()
	if !ok {
		return Submission{}, false, nil
	}
	out := Submission{
		TaskID:   rec.TaskID,
		Date:     rec.Date,
		RunID:    rec.RunID,
		Status:   rec.Status,
		Attempts: rec.Attempts,
		At:       time.UnixMilli(rec.At),
	}
	// The report may have been rotated away by the operator; the journal is enough.
	if b, err := os.ReadFile(filepath.Join(s.dir, rec.Report)); err == nil {
		var doc reportDoc
		if json.Unmarshal(b, &doc) == nil {
			out.Payload = doc.Payload
			out.Response = doc.Response
		}
	}
	return out, true, nil
}

func encodeReport(sub Submission) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	payload := sub.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	if err := enc.Encode(reportDoc{TaskID: sub.TaskID, Payload: payload, Response: sub.Response}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayJournal(path string, out map[string]journalRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.TaskID == "" {
			continue
		}
		if prev, ok := out[r.TaskID]; ok && prev.At > r.At {
			continue
		}
		out[r.TaskID] = r
	}
	return sc.Err()
}
