package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logx "nrtool/pkg/logx"
)

var (
	ErrTasksMissing = errors.New("task configuration does not exist")
	ErrTasksInvalid = errors.New("invalid task configuration file")
)

// TasksManager owns tasks.yaml: initial load, validation hook and hot reload.
type TasksManager struct {
	path string

	mu  sync.RWMutex
	cur *TaskFile

	subsMu sync.Mutex
	subs   []chan *TaskFile

	log       logx.Logger
	validator func(ctx context.Context, f *TaskFile) error

	// lastHash tracks the last committed content so editor write bursts
	// without content changes don't trigger a reload.
	lastHash uint64

	debounce time.Duration
}

func NewTasksManager(path string) *TasksManager {
	return &TasksManager{path: path, debounce: 250 * time.Millisecond}
}

func (m *TasksManager) Path() string { return m.path }

func (m *TasksManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *TasksManager) SetValidator(fn func(ctx context.Context, f *TaskFile) error) {
	m.validator = fn
}

// Parse reads and decodes tasks.yaml without committing it.
func (m *TasksManager) Parse() (*TaskFile, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTasksMissing, m.path)
		}
		return nil, err
	}
	return ParseTasks(b)
}

// ParseTasks decodes tasks.yaml content. Unknown keys are rejected and the
// top-level "tasks" key is required.
func ParseTasks(b []byte) (*TaskFile, error) {
	jb, err := yamlToJSON(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTasksInvalid, err)
	}

	var f TaskFile
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTasksInvalid, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrTasksInvalid)
	}
	if f.Tasks == nil {
		return nil, fmt.Errorf("%w: missing \"tasks\" list", ErrTasksInvalid)
	}
	return &f, nil
}

func (m *TasksManager) Commit(f *TaskFile) {
	m.mu.Lock()
	m.cur = f
	m.lastHash = hashTasks(f)
	m.mu.Unlock()
}

func (m *TasksManager) Load() (*TaskFile, error) {
	f, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(f)
	return f, nil
}

func (m *TasksManager) Get() *TaskFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *TasksManager) Subscribe(buffer int) chan *TaskFile {
	ch := make(chan *TaskFile, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *TasksManager) Unsubscribe(ch chan *TaskFile) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *TasksManager) publish(f *TaskFile) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Keep only the newest file if the subscriber lags.
		select {
		case ch <- f:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- f:
		default:
			m.log.Debug("tasks update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload parses, validates, commits and publishes tasks.yaml.
// Unchanged content is skipped; it returns false in that case.
func (m *TasksManager) Reload(ctx context.Context) (bool, error) {
	f, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashTasks(f)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, f)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.Commit(f)
	m.publish(f)
	return true, nil
}

// Watch reloads tasks.yaml on change until ctx ends.
// A broken watcher is recreated with a jittered exponential backoff.
func (m *TasksManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("tasks reload rejected; keeping previous tasks", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Debug("tasks published", logx.String("path", m.path))
			default:
				m.log.Debug("tasks unchanged; skipping publish", logx.String("path", m.path))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("tasks watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.log.Debug("tasks watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("tasks watch overflow; forcing reload", logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("tasks watch error", logx.Err(err), logx.String("dir", dir))
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		m.log.Warn("tasks watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func hashTasks(f *TaskFile) uint64 {
	if f == nil {
		return 0
	}
	b, err := json.Marshal(f)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
