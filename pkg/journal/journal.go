// Package journal records the completed stages of each run so an interrupted run
// can be resumed without repeating irreversible transactions.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/speedrun-hq/giwa-runner/pkg/config"
)

// ErrNotFound is returned when no record exists for a run id
var ErrNotFound = errors.New("run not found")

// Record is the journaled state of one run.
// Data holds the stage outputs needed to resume, such as transaction hashes and amounts.
type Record struct {
	RunID     string            `json:"runId"`
	Mode      string            `json:"mode"`
	Account   string            `json:"account"`
	Stage     string            `json:"stage"`
	Status    string            `json:"status"`
	Completed []string          `json:"completed,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Intent    json.RawMessage   `json:"intent,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Done reports whether stage was recorded as completed
func (r *Record) Done(stage string) bool {
	for _, s := range r.Completed {
		if s == stage {
			return true
		}
	}
	return false
}

// Store persists journal records
type Store interface {
	Get(ctx context.Context, runID string) (*Record, error)
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

// Open creates the store selected by the journal configuration
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown journal backend: %s", cfg.Backend)
}

func clone(r Record) Record {
	out := r
	out.Completed = append([]string(nil), r.Completed...)
	if r.Data != nil {
		out.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	out.Intent = append(json.RawMessage(nil), r.Intent...)
	return out
}

// newestFirst sorts records by update time, newest first, and applies limit when positive
func newestFirst(records []Record, limit int) []Record {
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.After(records[j].UpdatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// MemoryStore keeps records for the life of the process
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.RunID] = clone(record)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]Record, 0, len(m.data))
	for _, r := range m.data {
		records = append(records, clone(r))
	}
	return newestFirst(records, limit), nil
}

// FileStore persists records as one JSON document, for single-host deployments
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		path = config.DefaultJournalPath
	}
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist writes to a temporary file and renames it over the journal
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, runID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(record)
	return &out, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[record.RunID] = clone(record)
	return f.persist()
}

func (f *FileStore) List(_ context.Context, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]Record, 0, len(f.data))
	for _, r := range f.data {
		records = append(records, clone(r))
	}
	return newestFirst(records, limit), nil
}
