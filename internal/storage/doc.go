package storage

// Package storage records the outcome of every form submission.
//
// Drivers:
//   - "file": one pretty-printed report_<task>_<date>.log per submission plus a
//     submissions.jsonl journal used to answer Last queries after a restart
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", Open returns a nil Store.
