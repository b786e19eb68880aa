package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// MessageCache persists the newest confirmed history of each conversation so
// a reopened conversation has content before the first fetch returns.
// Pending entries are never cached.
type MessageCache interface {
	// Load returns the cached messages, or nil when nothing is cached.
	Load(conversationID string) ([]Message, error)
	Save(conversationID string, msgs []Message) error
	// List returns the ids of every cached conversation.
	List() ([]string, error)
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-process MessageCache.
type MemoryCache struct {
	mu   sync.RWMutex
	logs map[string][]Message
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{logs: make(map[string][]Message)}
}

func (c *MemoryCache) Load(conversationID string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.logs[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]Message(nil), msgs...), nil
}

func (c *MemoryCache) Save(conversationID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[conversationID] = append([]Message(nil), msgs...)
	return nil
}

func (c *MemoryCache) List() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.logs))
	for id := range c.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// PebbleCache
// ============================================================================

const logKeyPrefix = "log/"

// PebbleCache is a MessageCache backed by a Pebble database on disk.
type PebbleCache struct {
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebbleCache opens (or creates) a cache under dir.
func OpenPebbleCache(dir string, log *zap.Logger) (*PebbleCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		log.Error("cache_open_failed", zap.String("path", dir), zap.Error(err))
		return nil, fmt.Errorf("open cache: %w", err)
	}
	log.Debug("cache_opened", zap.String("path", dir))
	return &PebbleCache{db: db, log: log}, nil
}

func logKey(conversationID string) []byte {
	return []byte(logKeyPrefix + conversationID)
}

func (c *PebbleCache) Load(conversationID string) ([]Message, error) {
	v, closer, err := c.db.Get(logKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached log %s: %w", conversationID, err)
	}
	defer closer.Close()
	var msgs []Message
	if err := json.Unmarshal(v, &msgs); err != nil {
		return nil, fmt.Errorf("decode cached log %s: %w", conversationID, err)
	}
	return msgs, nil
}

func (c *PebbleCache) Save(conversationID string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode log %s: %w", conversationID, err)
	}
	if err := c.db.Set(logKey(conversationID), data, pebble.Sync); err != nil {
		return fmt.Errorf("write cached log %s: %w", conversationID, err)
	}
	return nil
}

func (c *PebbleCache) List() ([]string, error) {
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logKeyPrefix),
		UpperBound: []byte("log0"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	prefix := []byte(logKeyPrefix)
	var ids []string
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, it.Error()
}

func (c *PebbleCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return err
	}
	c.db = nil
	c.log.Debug("cache_closed")
	return nil
}
