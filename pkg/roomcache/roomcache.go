package roomcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-roomclient/pkg/clock"
	"github.com/illmade-knight/go-roomclient/pkg/storage"
)

// The ledger lives outside the room_ namespace so no room slug can collide
// with it.
const (
	roomKeyPrefix = "room_"
	ledgerKey     = "cache_access_ledger"
)

// Config holds the capacity policy for the CacheStore.
type Config struct {
	// MaxEntries is the soft cap on the number of cached rooms.
	MaxEntries int
	// MaxTotalBytes is the soft cap on aggregate compressed payload size.
	MaxTotalBytes int
}

// DefaultConfig returns the reference capacity policy: 20 rooms, 5 MiB.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    20,
		MaxTotalBytes: 5 * 1024 * 1024,
	}
}

// cacheEntry is the stored representation of one room's content. The payload
// is gzip-compressed and base64-encoded so it survives any text-oriented
// backing store.
type cacheEntry struct {
	Payload      string `json:"payload"`
	Size         int    `json:"size"`
	LastAccessed int64  `json:"lastAccessed"`
}

// ledgerRow tracks when a room was last accessed and how much compressed
// space it occupies, so eviction can pick a victim without reading every
// entry back.
type ledgerRow struct {
	LastAccessed int64 `json:"lastAccessed"`
	Size         int   `json:"size"`
}

// CacheStore is a compressed, capacity-bounded cache of room content keyed
// by room slug. It is an optimization layer, not a source of truth: every
// failure path degrades to a cache miss or a dropped write, never an error
// crossing the CacheStore boundary.
type CacheStore struct {
	store  storage.KeyValueStore
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
}

// NewCacheStore creates a CacheStore over the given backing store.
func NewCacheStore(store storage.KeyValueStore, cfg Config, c clock.Clock, logger zerolog.Logger) (*CacheStore, error) {
	if store == nil {
		return nil, errors.New("backing store cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("MaxEntries must be greater than 0, got %d", cfg.MaxEntries)
	}
	if c == nil {
		c = clock.NewRealClock()
	}
	return &CacheStore{
		store:  store,
		cfg:    cfg,
		clock:  c,
		logger: logger.With().Str("component", "CacheStore").Logger(),
	}, nil
}

// Save compresses content and stores it under the room's slug. If the
// backing store reports a quota failure, the least-recently-accessed entry
// is evicted and the write retried exactly once; a second failure is logged
// and dropped, since the content still lives in the live document.
func (c *CacheStore) Save(ctx context.Context, roomSlug string, content string) {
	compressed, err := compress(content)
	if err != nil {
		c.logger.Error().Err(err).Str("room", roomSlug).Msg("Failed to compress room content.")
		return
	}

	entry := cacheEntry{
		Payload:      compressed,
		Size:         len(compressed),
		LastAccessed: c.clock.Now().UnixMilli(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error().Err(err).Str("room", roomSlug).Msg("Failed to encode cache entry.")
		return
	}

	ledger := c.readLedger(ctx)
	c.evictForCapacity(ctx, ledger, roomSlug, entry.Size)

	writeErr := c.store.Set(ctx, roomKeyPrefix+roomSlug, encoded)
	if errors.Is(writeErr, storage.ErrQuotaExceeded) {
		// Evict a single LRU victim and retry exactly once.
		if victim, ok := evictionVictim(ledger, roomSlug); ok {
			c.evict(ctx, ledger, victim)
		}
		writeErr = c.store.Set(ctx, roomKeyPrefix+roomSlug, encoded)
	}
	if writeErr != nil {
		c.logger.Warn().Err(writeErr).Str("room", roomSlug).Msg("Cache write dropped; room content remains live only.")
		// Evictions may have happened; keep the ledger consistent with them.
		c.writeLedger(ctx, ledger)
		return
	}

	ledger[roomSlug] = ledgerRow{LastAccessed: entry.LastAccessed, Size: entry.Size}
	c.writeLedger(ctx, ledger)
}

// Load retrieves and decompresses a room's cached content. The second return
// value reports whether the room was present. A corrupt entry is removed and
// treated as a miss; corruption never propagates past this boundary.
func (c *CacheStore) Load(ctx context.Context, roomSlug string) (string, bool) {
	raw, err := c.store.Get(ctx, roomKeyPrefix+roomSlug)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("room", roomSlug).Msg("Cache read failed; treating as miss.")
		}
		return "", false
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.dropCorrupt(ctx, roomSlug, err)
		return "", false
	}
	content, err := decompress(entry.Payload)
	if err != nil {
		c.dropCorrupt(ctx, roomSlug, err)
		return "", false
	}

	ledger := c.readLedger(ctx)
	row := ledger[roomSlug]
	row.LastAccessed = c.clock.Now().UnixMilli()
	row.Size = entry.Size
	ledger[roomSlug] = row
	c.writeLedger(ctx, ledger)

	return content, true
}

// Remove deletes a room's entry and its ledger row. Idempotent.
func (c *CacheStore) Remove(ctx context.Context, roomSlug string) {
	if err := c.store.Remove(ctx, roomKeyPrefix+roomSlug); err != nil {
		c.logger.Warn().Err(err).Str("room", roomSlug).Msg("Failed to remove cache entry.")
	}
	ledger := c.readLedger(ctx)
	if _, ok := ledger[roomSlug]; ok {
		delete(ledger, roomSlug)
		c.writeLedger(ctx, ledger)
	}
}

// ClearAll deletes every cached room under this store's namespace.
func (c *CacheStore) ClearAll(ctx context.Context) {
	keys, err := c.store.ListKeys(ctx, roomKeyPrefix)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list cache keys for clear.")
		return
	}
	for _, key := range keys {
		if err := c.store.Remove(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove cache key during clear.")
		}
	}
	if err := c.store.Remove(ctx, ledgerKey); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to remove access ledger during clear.")
	}
	c.logger.Info().Int("removed", len(keys)).Msg("Cleared all cached rooms.")
}

// RoomUsage describes one cached room's compressed footprint.
type RoomUsage struct {
	Slug string
	Size int
}

// Info summarises current cache occupancy.
type Info struct {
	RoomCount int
	TotalSize int
	Rooms     []RoomUsage
}

// StorageInfo reports how many rooms are cached and their aggregate
// compressed size.
func (c *CacheStore) StorageInfo(ctx context.Context) Info {
	ledger := c.readLedger(ctx)
	info := Info{RoomCount: len(ledger)}
	for slug, row := range ledger {
		info.TotalSize += row.Size
		info.Rooms = append(info.Rooms, RoomUsage{Slug: slug, Size: row.Size})
	}
	return info
}

// evictForCapacity removes LRU victims until the pending write fits within
// the configured entry and byte caps.
func (c *CacheStore) evictForCapacity(ctx context.Context, ledger map[string]ledgerRow, incomingSlug string, incomingSize int) {
	for {
		entries := len(ledger)
		totalBytes := incomingSize
		if row, ok := ledger[incomingSlug]; ok {
			// The incoming write replaces this entry.
			totalBytes -= row.Size
		} else {
			entries++
		}
		for _, row := range ledger {
			totalBytes += row.Size
		}

		overEntries := entries > c.cfg.MaxEntries
		overBytes := c.cfg.MaxTotalBytes > 0 && totalBytes > c.cfg.MaxTotalBytes
		if !overEntries && !overBytes {
			return
		}
		victim, ok := evictionVictim(ledger, incomingSlug)
		if !ok {
			return
		}
		c.evict(ctx, ledger, victim)
	}
}

func (c *CacheStore) evict(ctx context.Context, ledger map[string]ledgerRow, victim string) {
	if err := c.store.Remove(ctx, roomKeyPrefix+victim); err != nil {
		c.logger.Warn().Err(err).Str("room", victim).Msg("Failed to remove evicted entry.")
	}
	delete(ledger, victim)
	c.logger.Debug().Str("room", victim).Msg("Evicted least-recently-accessed room from cache.")
}

// evictionVictim picks the entry with the oldest lastAccessed timestamp,
// breaking ties by lexicographic slug order so the choice is deterministic.
// The slug currently being written is never a victim.
func evictionVictim(ledger map[string]ledgerRow, excludeSlug string) (string, bool) {
	var victim string
	var victimRow ledgerRow
	found := false
	for slug, row := range ledger {
		if slug == excludeSlug {
			continue
		}
		if !found || row.LastAccessed < victimRow.LastAccessed ||
			(row.LastAccessed == victimRow.LastAccessed && slug < victim) {
			victim, victimRow, found = slug, row, true
		}
	}
	return victim, found
}

func (c *CacheStore) dropCorrupt(ctx context.Context, roomSlug string, cause error) {
	c.logger.Warn().Err(cause).Str("room", roomSlug).Msg("Corrupt cache entry removed; treating as miss.")
	c.Remove(ctx, roomSlug)
}

func (c *CacheStore) readLedger(ctx context.Context) map[string]ledgerRow {
	ledger := make(map[string]ledgerRow)
	raw, err := c.store.Get(ctx, ledgerKey)
	if err != nil {
		return ledger
	}
	if err := json.Unmarshal(raw, &ledger); err != nil {
		// A corrupt ledger only costs eviction accuracy; start fresh.
		c.logger.Warn().Err(err).Msg("Corrupt access ledger; resetting.")
		return make(map[string]ledgerRow)
	}
	return ledger
}

func (c *CacheStore) writeLedger(ctx context.Context, ledger map[string]ledgerRow) {
	encoded, err := json.Marshal(ledger)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode access ledger.")
		return
	}
	if err := c.store.Set(ctx, ledgerKey, encoded); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist access ledger.")
	}
}

// compress gzips the content and base64-encodes the result so the payload is
// safe to store as text.
func compress(content string) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		return "", fmt.Errorf("gzip write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("gzip close failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(payload string) (string, error) {
	compressed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", fmt.Errorf("gzip open failed: %w", err)
	}
	defer func() { _ = gz.Close() }()
	content, err := io.ReadAll(gz)
	if err != nil {
		return "", fmt.Errorf("gzip read failed: %w", err)
	}
	return string(content), nil
}
