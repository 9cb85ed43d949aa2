package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sieve/internal/services"
)

const defaultBatchSize = 500

// Dir reads newline-delimited JSON feedback files from a directory. Files are
// consumed in name order and are expected to be append-only; the cursor
// records the file and line count reached.
type Dir struct {
	name      string
	dir       string
	batchSize int
}

// NewDir builds a directory source.
func NewDir(name, dir string) *Dir {
	return &Dir{name: name, dir: dir, batchSize: defaultBatchSize}
}

// WithBatchSize caps the items returned per FetchSince call.
func (d *Dir) WithBatchSize(n int) *Dir {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

func (d *Dir) Name() string { return d.name }
func (d *Dir) Kind() Kind   { return KindJSONL }

// Authenticate checks that the directory is readable.
func (d *Dir) Authenticate(context.Context) (Credential, error) {
	info, err := os.Stat(d.dir)
	if err != nil {
		return Credential{}, services.Wrap(services.ErrFatalConfig, "source", d.name, "inbox directory unavailable", err)
	}
	if !info.IsDir() {
		return Credential{}, services.Wrap(services.ErrFatalConfig, "source", d.name, d.dir+" is not a directory", nil)
	}
	return Credential{Kind: KindJSONL}, nil
}

// ValidateWebhook always fails; directory sources are pull-only.
func (d *Dir) ValidateWebhook(string, []byte) bool { return false }

// FetchSince returns up to the batch size of items after cursor. Malformed
// lines are skipped past so one bad record cannot wedge the source.
func (d *Dir) FetchSince(ctx context.Context, cursor string) (Batch, error) {
	startFile, startLine, err := parseCursor(cursor)
	if err != nil {
		return Batch{}, services.Wrap(services.ErrValidation, "source", d.name, "bad cursor", err)
	}
	files, err := d.files()
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{NextCursor: cursor}
	for _, file := range files {
		if file < startFile {
			continue
		}
		skip := 0
		if file == startFile {
			skip = startLine
		}
		items, consumed, err := d.readFile(ctx, file, skip, d.batchSize-len(batch.Items))
		if err != nil {
			return Batch{}, err
		}
		batch.Items = append(batch.Items, items...)
		if consumed > skip || file != startFile {
			batch.NextCursor = formatCursor(file, consumed)
		}
		if len(batch.Items) >= d.batchSize {
			break
		}
	}
	return batch, nil
}

func (d *Dir) files() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, services.Wrap(services.ErrFatalConfig, "source", d.name, "inbox directory missing", err)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "source", d.name, "list inbox", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) readFile(ctx context.Context, name string, skip, limit int) ([]RawFeedback, int, error) {
	file, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		return nil, skip, services.Wrap(services.ErrTransient, "source", d.name, "open "+name, err)
	}
	defer file.Close()

	var items []RawFeedback
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		if line <= skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, skip, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw != "" {
			var item RawFeedback
			if err := json.Unmarshal([]byte(raw), &item); err == nil {
				items = append(items, item)
			}
		}
		if len(items) >= limit {
			return items, line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skip, services.Wrap(services.ErrTransient, "source", d.name, "read "+name, err)
	}
	return items, line, nil
}

func parseCursor(cursor string) (string, int, error) {
	if cursor == "" {
		return "", 0, nil
	}
	idx := strings.LastIndex(cursor, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("cursor %q has no line offset", cursor)
	}
	line, err := strconv.Atoi(cursor[idx+1:])
	if err != nil || line < 0 {
		return "", 0, fmt.Errorf("cursor %q has a bad line offset", cursor)
	}
	return cursor[:idx], line, nil
}

func formatCursor(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}
