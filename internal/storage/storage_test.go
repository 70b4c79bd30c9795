package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "nrtool/pkg/logx"
)

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func sampleSubmission(at time.Time) Submission {
	return Submission{
		TaskID:   "1",
		Date:     "20240301",
		RunID:    "run-1",
		Payload:  map[string]string{"uid": "42", "temperature": "36.5", "note": "正常 <ok>"},
		Response: map[string]any{"code": float64(0), "msg": "成功"},
		Status:   200,
		Attempts: 1,
		At:       at,
	}
}

func TestFileStore_WritesReport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	if err := st.PutSubmission(context.Background(), sampleSubmission(at)); err != nil {
		t.Fatalf("PutSubmission: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "report_1_20240301.log"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "\n    \"task_id\": \"1\"") {
		t.Fatalf("report is not indented with four spaces:\n%s", text)
	}
	if !strings.Contains(text, "正常 <ok>") || !strings.Contains(text, "成功") {
		t.Fatalf("report escaped non-ASCII or HTML:\n%s", text)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	for _, k := range []string{"task_id", "payload", "response"} {
		if _, ok := doc[k]; !ok {
			t.Fatalf("report missing %q", k)
		}
	}
}

func TestFileStore_LastSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	first := sampleSubmission(at)
	second := sampleSubmission(at.Add(24 * time.Hour))
	second.Date = "20240302"
	second.RunID = "run-2"
	_ = st.PutSubmission(context.Background(), first)
	_ = st.PutSubmission(context.Background(), second)
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	got, ok, err := st.LastSubmission(context.Background(), "1")
	if err != nil || !ok {
		t.Fatalf("LastSubmission ok=%v err=%v", ok, err)
	}
	if got.RunID != "run-2" || got.Date != "20240302" || got.Status != 200 {
		t.Fatalf("unexpected last: %+v", got)
	}
	if got.Payload["uid"] != "42" {
		t.Fatalf("payload not restored: %+v", got.Payload)
	}
	if _, ok, _ := st.LastSubmission(context.Background(), "missing"); ok {
		t.Fatalf("unexpected hit for unknown task")
	}
}

func TestFileStore_RequiresTaskID(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.PutSubmission(context.Background(), Submission{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReportName_Sanitizes(t *testing.T) {
	t.Parallel()
	if got := ReportName("a/b", "20240301"); got != "report_a_b_20240301.log" {
		t.Fatalf("got %q", got)
	}
}

func TestSQLiteStore_UpsertAndLast(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db", "nrtool.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	sub := sampleSubmission(at)
	if err := st.PutSubmission(ctx, sub); err != nil {
		t.Fatalf("PutSubmission: %v", err)
	}
	sub.Attempts = 3
	sub.RunID = "run-1b"
	sub.At = at.Add(time.Minute)
	if err := st.PutSubmission(ctx, sub); err != nil {
		t.Fatalf("PutSubmission (upsert): %v", err)
	}

	got, ok, err := st.LastSubmission(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("LastSubmission ok=%v err=%v", ok, err)
	}
	if got.Attempts != 3 || got.RunID != "run-1b" || !got.At.Equal(at.Add(time.Minute)) {
		t.Fatalf("upsert not applied: %+v", got)
	}
	if got.Payload["note"] != "正常 <ok>" {
		t.Fatalf("payload=%v", got.Payload)
	}
	resp, _ := got.Response.(map[string]any)
	if resp["msg"] != "成功" {
		t.Fatalf("response=%v", got.Response)
	}

	if _, ok, err := st.LastSubmission(ctx, "2"); ok || err != nil {
		t.Fatalf("unknown task: ok=%v err=%v", ok, err)
	}
}
