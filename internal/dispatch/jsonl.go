package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"sieve/internal/services"
)

// ExportRecord is one line of a jsonl target file.
type ExportRecord struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	ExternalRef    ExternalRef   `json:"externalRef"`
	ExportedAt     time.Time     `json:"exportedAt"`
	Requirement    ExportPayload `json:"requirement"`
}

// JSONLAdapter appends exports to a local file. The file is shared between
// processes through an advisory lock, and a key already present in the file
// is reported as a duplicate.
type JSONLAdapter struct {
	name string
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONLAdapter builds an adapter writing to path.
func NewJSONLAdapter(name, path string) *JSONLAdapter {
	return &JSONLAdapter{name: name, path: path, now: time.Now}
}

// Name implements Adapter.
func (j *JSONLAdapter) Name() string { return j.name }

// Path returns the export file.
func (j *JSONLAdapter) Path() string { return j.path }

// CreateIssue implements Adapter.
func (j *JSONLAdapter) CreateIssue(ctx context.Context, payload ExportPayload, key string) (ExternalRef, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return "", services.Wrap(services.ErrFatalConfig, "sync", j.name, "create export directory", err)
	}
	lock := flock.New(j.path + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "lock export file", err)
	}
	if !locked {
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "export file is locked", nil)
	}
	defer func() { _ = lock.Unlock() }()

	records, err := ReadExports(j.path)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "read export file", err)
	}
	for _, rec := range records {
		if rec.IdempotencyKey == key {
			return rec.ExternalRef, services.Wrap(services.ErrDuplicatePush, "sync", j.name, "already exported", nil)
		}
	}

	rec := ExportRecord{
		IdempotencyKey: key,
		ExternalRef:    ExternalRef("local-" + uuid.NewString()),
		ExportedAt:     j.now().UTC(),
		Requirement:    payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "sync", j.name, "encode export", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "open export file", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		file.Close()
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "append export", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "sync export file", err)
	}
	if err := file.Close(); err != nil {
		return "", services.Wrap(services.ErrTransient, "sync", j.name, "close export file", err)
	}
	return rec.ExternalRef, nil
}

// ReadExports returns the records of a jsonl export file, keeping the first
// record of each idempotency key. A missing file has no records.
func ReadExports(path string) ([]ExportRecord, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []ExportRecord
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec ExportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if _, dup := seen[rec.IdempotencyKey]; dup {
			continue
		}
		seen[rec.IdempotencyKey] = struct{}{}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
