package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is one cached answer. Keys are normalized questions.
type Entry struct {
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	MaxEntries int
	TTL        time.Duration
	// Backend persists entries across sessions. Optional; all backend
	// failures are logged and the in-memory cache stays authoritative.
	Backend Backend
}

func DefaultConfig() Config {
	return Config{
		MaxEntries: 50,
		TTL:        time.Hour,
	}
}

// Cache maps normalized questions to previous answers with expiry and a hard
// size cap. Oldest-created entries are evicted first when over capacity.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]Entry
	now     func() time.Time
}

func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	c := &Cache{
		cfg:     cfg,
		entries: map[string]Entry{},
		now:     time.Now,
	}
	c.loadPersisted()
	return c
}

func normalizeKey(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}

// Lookup returns the cached response for message, or ok=false on a miss.
// Expired entries are never returned; they are dropped on sight.
func (c *Cache) Lookup(message string) (string, bool) {
	if c == nil {
		return "", false
	}
	key := normalizeKey(message)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.ExpiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.Response, true
}

// Store writes an entry for message and enforces the size cap, evicting the
// entries with the oldest creation time (ties broken by key order).
func (c *Cache) Store(message, response string) {
	if c == nil {
		return
	}
	key := normalizeKey(message)
	if key == "" {
		return
	}
	c.mu.Lock()
	now := c.now()
	c.entries[key] = Entry{
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.TTL),
	}
	c.evictOverCapLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(snapshot)
}

// Clear empties the cache and its persisted backing store.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.mu.Unlock()

	if c.cfg.Backend == nil {
		return
	}
	if err := c.cfg.Backend.Clear(); err != nil {
		log.Warn().Err(err).Str("component", "cache").Msg("failed to clear persisted cache")
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOverCapLocked() {
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, createdAt: e.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].createdAt.Before(all[j].createdAt)
		}
		return all[i].key < all[j].key
	})
	for _, a := range all {
		if len(c.entries) <= c.cfg.MaxEntries {
			break
		}
		delete(c.entries, a.key)
	}
}

func (c *Cache) snapshotLocked() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

func (c *Cache) persist(entries map[string]Entry) {
	if c.cfg.Backend == nil {
		return
	}
	if err := c.cfg.Backend.Save(entries); err != nil {
		log.Warn().Err(err).Str("component", "cache").Msg("failed to persist cache, continuing in-memory only")
	}
}

// loadPersisted restores entries from the backend, dropping expired ones and
// re-applying the size cap. Corrupt persisted data starts the cache empty.
func (c *Cache) loadPersisted() {
	if c.cfg.Backend == nil {
		return
	}
	loaded, err := c.cfg.Backend.Load()
	if err != nil {
		log.Warn().Err(err).Str("component", "cache").Msg("discarding unreadable persisted cache")
		return
	}
	now := c.now()
	c.mu.Lock()
	for k, e := range loaded {
		if k == "" || !now.Before(e.ExpiresAt) {
			continue
		}
		c.entries[normalizeKey(k)] = e
	}
	c.evictOverCapLocked()
	c.mu.Unlock()
}
