package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/stats"
	"spotify-time-machine-go/utils"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// ErrQuotaExceeded is returned internally when a write would push the namespace over its byte quota
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// Config configures a PersistentCache
type Config struct {
	Path           string
	BackupPath     string
	Namespace      string
	QuotaBytes     int64 // 0 disables the quota
	DefaultTTL     time.Duration
	Compression    bool
	MemoryCapacity uint64
	Now            func() time.Time // injectable clock, defaults to time.Now
}

// CacheEntry is the stored form of a value. Data is raw JSON, or a JSON string
// holding gzip+base64 text when Compressed is set.
type CacheEntry struct {
	Timestamp      int64           `json:"timestamp"` // epoch ms
	TTL            int64           `json:"ttl"`       // ms
	Data           json.RawMessage `json:"data"`
	Compressed     bool            `json:"compressed,omitempty"`
	OriginalSize   int             `json:"originalSize,omitempty"`
	CompressedSize int             `json:"compressedSize,omitempty"`
}

// Valid reports whether the entry is still within its TTL at the given time
func (e CacheEntry) Valid(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp <= e.TTL
}

// decode unmarshals the payload into out, falling back to a plain JSON parse
// when a compressed payload cannot be decompressed
func (e CacheEntry) decode(out any) error {
	if !e.Compressed {
		return json.Unmarshal(e.Data, out)
	}

	var encoded string
	if err := json.Unmarshal(e.Data, &encoded); err != nil {
		return json.Unmarshal(e.Data, out)
	}

	raw, err := utils.DecompressBytes(encoded)
	if err != nil {
		log.Debugf("%s Decompression failed, trying plain JSON: %v", logcolors.LogCache, err)
		return json.Unmarshal([]byte(encoded), out)
	}
	return json.Unmarshal(raw, out)
}

// CacheStats describes the namespace's occupancy
type CacheStats struct {
	Keys        int   `json:"keys"`
	MemoryKeys  int   `json:"memoryKeys"`
	UsedBytes   int64 `json:"usedBytes"`
	QuotaBytes  int64 `json:"quotaBytes"`
	Compression bool  `json:"compression"`
}

// PersistentCache wraps BoltDB with an in-memory tier for fast access
type PersistentCache struct {
	db         *bolt.DB
	memCache   *ttlcache.Cache[string, CacheEntry]
	dbPath     string
	backupPath string
	bucket     []byte
	quota      int64
	defaultTTL time.Duration
	compress   bool
	now        func() time.Time

	mu        sync.Mutex // guards usedBytes and serializes quota decisions
	usedBytes int64

	failCommit func() error // test hook: rolls back read-write transactions
}

// NewPersistentCache creates a new persistent cache
func NewPersistentCache(cfg Config) (*PersistentCache, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "stm_cache"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if cfg.BackupPath != "" {
		if err := os.MkdirAll(cfg.BackupPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
		log.Infof("%s Backup directory set to: %s", logcolors.LogCacheInit, cfg.BackupPath)
	}

	// Check if database file already exists
	if info, err := os.Stat(cfg.Path); err == nil {
		log.Infof("%s Found existing database file at: %s (size: %d bytes)", logcolors.LogCacheInit, cfg.Path, info.Size())
	} else {
		log.Infof("%s Creating new database file at: %s", logcolors.LogCacheInit, cfg.Path)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	bucket := []byte(cfg.Namespace)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	memOpts := []ttlcache.Option[string, CacheEntry]{ttlcache.WithDisableTouchOnHit[string, CacheEntry]()}
	if cfg.MemoryCapacity > 0 {
		memOpts = append(memOpts, ttlcache.WithCapacity[string, CacheEntry](cfg.MemoryCapacity))
	}

	pc := &PersistentCache{
		db:         db,
		memCache:   ttlcache.New[string, CacheEntry](memOpts...),
		dbPath:     cfg.Path,
		backupPath: cfg.BackupPath,
		bucket:     bucket,
		quota:      cfg.QuotaBytes,
		defaultTTL: cfg.DefaultTTL,
		compress:   cfg.Compression,
		now:        cfg.Now,
	}

	if err := pc.loadToMemory(); err != nil {
		log.Warnf("%s Failed to preload cache to memory: %v", logcolors.LogCache, err)
	}

	log.Infof("%s Persistent cache initialized at %s (namespace: %s, compression: %v, quota: %d bytes)",
		logcolors.LogCache, cfg.Path, cfg.Namespace, cfg.Compression, cfg.QuotaBytes)
	return pc, nil
}

// loadToMemory computes used bytes and warms the memory tier with valid entries
func (pc *PersistentCache) loadToMemory() error {
	now := pc.now()
	count := 0
	var used int64

	err := pc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			used += entrySize(k, v)

			var entry CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // left for Get to self-heal
			}
			if !entry.Valid(now) {
				return nil
			}
			pc.memCache.Set(string(k), entry, ttlcache.NoTTL)
			count++
			return nil
		})
	})
	if err != nil {
		return err
	}

	pc.mu.Lock()
	pc.usedBytes = used
	pc.mu.Unlock()

	log.Infof("%s Loaded %d entries from disk to memory (%d bytes on disk)", logcolors.LogCache, count, used)
	return nil
}

func entrySize(key, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Get loads the entry for key into out. Expired and corrupted entries are
// deleted and reported as misses.
func (pc *PersistentCache) Get(key string, out any) bool {
	now := pc.now()

	if item := pc.memCache.Get(key); item != nil {
		entry := item.Value()
		if !entry.Valid(now) {
			pc.expire(key)
			return false
		}
		if err := entry.decode(out); err != nil {
			pc.corrupt(key, err)
			return false
		}
		stats.Get().RecordCacheHit()
		return true
	}

	var raw []byte
	err := pc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		if data := b.Get([]byte(key)); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil || raw == nil {
		stats.Get().RecordCacheMiss()
		return false
	}

	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		pc.corrupt(key, err)
		return false
	}
	if !entry.Valid(now) {
		pc.expire(key)
		return false
	}
	if err := entry.decode(out); err != nil {
		pc.corrupt(key, err)
		return false
	}

	pc.memCache.Set(key, entry, ttlcache.NoTTL)
	stats.Get().RecordCacheHit()
	return true
}

func (pc *PersistentCache) expire(key string) {
	log.Debugf("%s Entry %s expired, removing", logcolors.LogCache, key)
	stats.Get().CacheExpired.Add(1)
	stats.Get().RecordCacheMiss()
	pc.Delete(key)
}

func (pc *PersistentCache) corrupt(key string, err error) {
	log.Warnf("%s Removing unreadable entry %s: %v", logcolors.LogCacheCorrupt, key, err)
	stats.Get().CacheCorrupted.Add(1)
	stats.Get().RecordCacheMiss()
	notifier.PublishCacheCorrupted(key, err)
	pc.Delete(key)
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0). Failures are
// logged and reported as false; they never surface as errors.
func (pc *PersistentCache) Set(key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = pc.defaultTTL
	}

	entry, err := pc.encode(value, ttl)
	if err != nil {
		log.Errorf("%s Failed to encode value for key %s: %v", logcolors.LogCache, key, err)
		stats.Get().CacheDroppedWrites.Add(1)
		return false
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Errorf("%s Failed to marshal entry for key %s: %v", logcolors.LogCache, key, err)
		stats.Get().CacheDroppedWrites.Add(1)
		return false
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	err = pc.write(key, data)
	if err != nil {
		log.Warnf("%s Write for %s failed (%v), evicting oldest entry", logcolors.LogCacheEvict, key, err)
		if !pc.evictOldest(key) {
			log.Warnf("%s Nothing to evict, dropping write for %s", logcolors.LogCacheEvict, key)
			stats.Get().CacheDroppedWrites.Add(1)
			return false
		}
		if err = pc.write(key, data); err != nil {
			log.Warnf("%s Retry failed, dropping write for %s: %v", logcolors.LogCacheEvict, key, err)
			stats.Get().CacheDroppedWrites.Add(1)
			return false
		}
	}

	pc.memCache.Set(key, entry, ttlcache.NoTTL)
	return true
}

// encode builds the stored entry, compressing only when it saves enough bytes
func (pc *PersistentCache) encode(value any, ttl time.Duration) (CacheEntry, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return CacheEntry{}, err
	}

	entry := CacheEntry{
		Timestamp: pc.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
		Data:      payload,
	}

	if !pc.compress {
		return entry, nil
	}

	compressed, err := utils.CompressBytes(payload)
	if err != nil {
		log.Debugf("%s Compression failed, storing raw: %v", logcolors.LogCache, err)
		return entry, nil
	}
	if !utils.WorthCompressing(len(payload), len(compressed)) {
		return entry, nil
	}

	quoted, err := json.Marshal(compressed)
	if err != nil {
		return entry, nil
	}

	entry.Data = quoted
	entry.Compressed = true
	entry.OriginalSize = len(payload)
	entry.CompressedSize = len(compressed)
	return entry, nil
}

// update runs fn in a read-write transaction. usedBytes must only be adjusted
// after it returns nil.
func (pc *PersistentCache) update(fn func(tx *bolt.Tx) error) error {
	return pc.db.Update(func(tx *bolt.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if pc.failCommit != nil {
			return pc.failCommit()
		}
		return nil
	})
}

// write puts data under key, enforcing the quota. Caller holds pc.mu.
func (pc *PersistentCache) write(key string, data []byte) error {
	var delta int64
	err := pc.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		var previous int64
		if existing := b.Get([]byte(key)); existing != nil {
			previous = entrySize([]byte(key), existing)
		}
		size := entrySize([]byte(key), data)

		if pc.quota > 0 && pc.usedBytes-previous+size > pc.quota {
			return ErrQuotaExceeded
		}

		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		delta = size - previous
		return nil
	})
	if err != nil {
		return err
	}
	pc.usedBytes += delta
	return nil
}

// evictOldest removes the entry with the oldest timestamp, never skip. Unreadable
// entries count as oldest. Caller holds pc.mu.
func (pc *PersistentCache) evictOldest(skip string) bool {
	var (
		oldestKey string
		oldestTS  int64
		found     bool
		freed     int64
	)

	err := pc.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		err := b.ForEach(func(k, v []byte) error {
			if string(k) == skip {
				return nil
			}
			var entry CacheEntry
			ts := int64(0)
			if json.Unmarshal(v, &entry) == nil {
				ts = entry.Timestamp
			}
			if !found || ts < oldestTS {
				oldestKey, oldestTS, found = string(k), ts, true
				freed = entrySize(k, v)
			}
			return nil
		})
		if err != nil || !found {
			return err
		}
		return b.Delete([]byte(oldestKey))
	})
	if err != nil || !found {
		return false
	}

	pc.usedBytes -= freed
	pc.memCache.Delete(oldestKey)
	stats.Get().CacheEvictions.Add(1)
	notifier.PublishCacheEvicted(oldestKey, int(freed))
	log.Infof("%s Evicted %s (%d bytes freed)", logcolors.LogCacheEvict, oldestKey, freed)
	return true
}

// Delete removes a key from cache
func (pc *PersistentCache) Delete(key string) {
	pc.memCache.Delete(key)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	var freed int64
	err := pc.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		if existing := b.Get([]byte(key)); existing != nil {
			freed = entrySize([]byte(key), existing)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		log.Warnf("%s Failed to delete %s: %v", logcolors.LogCache, key, err)
		return
	}
	pc.usedBytes -= freed
}

// ClearAll removes every entry in the namespace and returns how many were removed
func (pc *PersistentCache) ClearAll() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	removed := 0
	err := pc.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket(pc.bucket); b != nil {
			removed = b.Stats().KeyN
			if err := tx.DeleteBucket(pc.bucket); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(pc.bucket)
		return err
	})
	if err != nil {
		log.Errorf("%s Failed to clear cache: %v", logcolors.LogCacheClear, err)
		return 0
	}

	pc.memCache.DeleteAll()
	pc.usedBytes = 0

	notifier.PublishCacheCleared(removed)
	log.Infof("%s Cleared %d entries", logcolors.LogCacheClear, removed)
	return removed
}

// PurgeExpired deletes every expired or unreadable entry and returns how many were removed
func (pc *PersistentCache) PurgeExpired() int {
	now := pc.now()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	var (
		stale []string
		freed int64
	)
	err := pc.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pc.bucket)
		if b == nil {
			return nil
		}

		err := b.ForEach(func(k, v []byte) error {
			var entry CacheEntry
			if json.Unmarshal(v, &entry) != nil || !entry.Valid(now) {
				stale = append(stale, string(k))
				freed += entrySize(k, v)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Warnf("%s Failed to purge expired entries: %v", logcolors.LogCachePurge, err)
		return 0
	}
	pc.usedBytes -= freed

	for _, key := range stale {
		pc.memCache.Delete(key)
	}
	if len(stale) > 0 {
		log.Infof("%s Purged %d expired entries", logcolors.LogCachePurge, len(stale))
	}
	return len(stale)
}

// StartPurger runs PurgeExpired on the given interval until stop is closed
func (pc *PersistentCache) StartPurger(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pc.PurgeExpired()
			case <-stop:
				return
			}
		}
	}()
}

// Stats returns cache statistics
func (pc *PersistentCache) Stats() CacheStats {
	keys := 0
	_ = pc.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(pc.bucket); b != nil {
			keys = b.Stats().KeyN
		}
		return nil
	})

	pc.mu.Lock()
	used := pc.usedBytes
	pc.mu.Unlock()

	return CacheStats{
		Keys:        keys,
		MemoryKeys:  pc.memCache.Len(),
		UsedBytes:   used,
		QuotaBytes:  pc.quota,
		Compression: pc.compress,
	}
}

// Backup writes a consistent copy of the database into the backup directory
// and returns the backup file path
func (pc *PersistentCache) Backup() (string, error) {
	if pc.backupPath == "" {
		return "", fmt.Errorf("no backup path configured")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	backupFilePath := filepath.Join(pc.backupPath, fmt.Sprintf("cache_backup_%s.db", timestamp))

	log.Infof("%s Creating backup at: %s", logcolors.LogCacheBackup, backupFilePath)

	err := pc.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(backupFilePath, 0600)
	})
	if err != nil {
		notifier.PublishCacheBackupFailed(err)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	log.Infof("%s Backup created successfully: %s", logcolors.LogCacheBackup, backupFilePath)
	return backupFilePath, nil
}

// Close closes the database connection
func (pc *PersistentCache) Close() error {
	if pc.db != nil {
		return pc.db.Close()
	}
	return nil
}
