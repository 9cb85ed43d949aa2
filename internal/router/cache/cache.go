// Package cache stores model results in badger keyed by content, tier, and
// task kind, with a per-entry TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"sieve/internal/config"
)

const (
	keyPrefix        = "analysis/"
	gcInterval       = 10 * time.Minute
	gcDiscardRatio   = 0.5
	defaultTTL       = 24 * time.Hour
	contentSeparator = "\x00"
)

// Entry is a cached model answer. Tier records the tier that actually
// answered, which may differ from the tier encoded in the key.
type Entry struct {
	Tier      string          `json:"tier"`
	Model     string          `json:"model"`
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Cache wraps a badger database.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	now    func() time.Time
	stopGC chan struct{}
	doneGC chan struct{}
}

// Key derives the cache key for normalized content at a tier for a task kind.
func Key(content, tier, taskKind string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeContent(content)))
	h.Write([]byte(contentSeparator))
	h.Write([]byte(tier))
	h.Write([]byte(contentSeparator))
	h.Write([]byte(taskKind))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeContent lower-cases and collapses whitespace so trivially
// different renderings share a key.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Open opens the cache described by cfg. In-memory mode keeps nothing on disk.
func Open(cfg config.Cache, logger *slog.Logger) (*Cache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, errors.New("cache dir is required for persistent cache")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(false)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open analysis cache: %w", err)
	}
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{db: db, ttl: ttl, now: time.Now}
	if !cfg.InMemory {
		c.stopGC = make(chan struct{})
		c.doneGC = make(chan struct{})
		go c.runGC()
	}
	return c, nil
}

// SetClock overrides the time source used for entry expiry.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the live entry for key.
func (c *Cache) Get(key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("decode cache entry: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if found && !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, found, nil
}

// Put stores entry under key for the cache TTL.
func (c *Cache) Put(key string, entry Entry) error {
	now := c.now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(c.ttl)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+key), raw).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete drops key.
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// Close stops value-log GC and closes the database.
func (c *Cache) Close() error {
	if c.stopGC != nil {
		close(c.stopGC)
		<-c.doneGC
	}
	return c.db.Close()
}

func (c *Cache) runGC() {
	defer close(c.doneGC)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			for c.db.RunValueLogGC(gcDiscardRatio) == nil {
			}
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
