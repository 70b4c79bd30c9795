package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultUserAgent mimics a mobile browser; the form endpoint serves mobile clients.
const DefaultUserAgent = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.132 Mobile Safari/532.12"

const (
	DefaultDataDir     = "/data"
	DefaultFormID      = "8749065"
	DefaultSyncAt      = "23:00"
	DefaultTasksFile   = "tasks.yaml"
	DefaultSubmitTries = 10
)

// Env holds the process-level settings read from NRTOOL_* environment variables.
//
// Defaults (when variables are unset or empty):
//   - NRTOOL_DATA_PATH: /data
//   - NRTOOL_LOG_PATH: <data>/log
//   - NRTOOL_USER_AGENT: DefaultUserAgent
//   - NRTOOL_API_TEST_ENDPOINT: NRTOOL_API_ENDPOINT
//   - NRTOOL_FORM_ID: 8749065
//   - NRTOOL_STORAGE_DRIVER: file
//   - NRTOOL_SUBMIT_ATTEMPTS: 10, NRTOOL_SUBMIT_RETRY_DELAY: 10s
//   - NRTOOL_REQUEST_TIMEOUT: 30s
//   - NRTOOL_SYNC_AT: 23:00
type Env struct {
	DataDir string
	LogDir  string

	UserAgent    string
	APIEndpoint  string
	TestEndpoint string
	FormID       string

	// Timezone is an IANA name used for trigger times and report dates. Empty means Local.
	Timezone string

	LogLevel string
	LogFile  string

	StorageDriver string
	StoragePath   string

	HTTPAddr  string
	HTTPToken string

	TelegramToken  string
	TelegramChatID int64

	SubmitAttempts   int
	SubmitRetryDelay time.Duration
	RequestTimeout   time.Duration
	SubmitRatePerSec float64

	SyncAt string
}

// TasksPath returns the tasks.yaml location under the data directory.
func (e Env) TasksPath() string { return filepath.Join(e.DataDir, DefaultTasksFile) }

// LoadDotenv seeds the process environment from a dotenv file.
// A missing file is not an error; variables already set win over the file.
func LoadDotenv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) { return EnvFromLookup(os.LookupEnv) }

// EnvFromLookup reads Env through lookup so tests can supply a map.
func EnvFromLookup(lookup func(string) (string, bool)) (Env, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	e := Env{
		DataDir:       get("NRTOOL_DATA_PATH", DefaultDataDir),
		UserAgent:     get("NRTOOL_USER_AGENT", DefaultUserAgent),
		APIEndpoint:   get("NRTOOL_API_ENDPOINT", ""),
		FormID:        get("NRTOOL_FORM_ID", DefaultFormID),
		Timezone:      get("NRTOOL_TIMEZONE", ""),
		LogLevel:      get("NRTOOL_LOG_LEVEL", "INFO"),
		LogFile:       get("NRTOOL_LOG_FILE", ""),
		StorageDriver: strings.ToLower(get("NRTOOL_STORAGE_DRIVER", "file")),
		StoragePath:   get("NRTOOL_STORAGE_PATH", ""),
		HTTPAddr:      get("NRTOOL_HTTP_ADDR", ""),
		HTTPToken:     get("NRTOOL_HTTP_TOKEN", ""),
		TelegramToken: get("NRTOOL_TELEGRAM_TOKEN", ""),
		SyncAt:        get("NRTOOL_SYNC_AT", DefaultSyncAt),
	}
	e.LogDir = get("NRTOOL_LOG_PATH", filepath.Join(e.DataDir, "log"))
	e.TestEndpoint = get("NRTOOL_API_TEST_ENDPOINT", e.APIEndpoint)

	if e.APIEndpoint == "" {
		return Env{}, errors.New("NRTOOL_API_ENDPOINT is not set")
	}
	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			return Env{}, fmt.Errorf("NRTOOL_TIMEZONE: invalid %q: %w", e.Timezone, err)
		}
	}

	var err error
	if raw := get("NRTOOL_TELEGRAM_CHAT_ID", ""); raw != "" {
		if e.TelegramChatID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Env{}, fmt.Errorf("NRTOOL_TELEGRAM_CHAT_ID: invalid %q: %w", raw, err)
		}
	}
	e.SubmitAttempts = DefaultSubmitTries
	if raw := get("NRTOOL_SUBMIT_ATTEMPTS", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Env{}, fmt.Errorf("NRTOOL_SUBMIT_ATTEMPTS: must be a positive integer, got %q", raw)
		}
		e.SubmitAttempts = n
	}
	if raw := get("NRTOOL_SUBMIT_RATE", ""); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return Env{}, fmt.Errorf("NRTOOL_SUBMIT_RATE: must be a non-negative number, got %q", raw)
		}
		e.SubmitRatePerSec = f
	}
	if e.SubmitRetryDelay, err = ParseDurationOrDefault("NRTOOL_SUBMIT_RETRY_DELAY", get("NRTOOL_SUBMIT_RETRY_DELAY", ""), 10*time.Second); err != nil {
		return Env{}, err
	}
	if e.RequestTimeout, err = ParseDurationOrDefault("NRTOOL_REQUEST_TIMEOUT", get("NRTOOL_REQUEST_TIMEOUT", ""), 30*time.Second); err != nil {
		return Env{}, err
	}
	if _, _, _, err := ParseClock(e.SyncAt); err != nil {
		return Env{}, fmt.Errorf("NRTOOL_SYNC_AT: %w", err)
	}
	return e, nil
}
