// Package media is the content-addressed attachment cache. Blobs are
// keyed by hex SHA-256 of their bytes, stored per agent and evicted by
// TTL plus an LRU byte budget. Pinned blobs (in-flight sends) survive
// eviction.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

// MetaMirror receives metadata writes so the cache contents survive in a
// queryable form. Usually *store.Store; nil disables mirroring.
type MetaMirror interface {
	UpsertMediaMeta(ctx context.Context, m *store.MediaMetaRecord) error
	DeleteMediaMeta(ctx context.Context, agentID, key string) error
}

// Blob is a handle to one cached attachment.
type Blob struct {
	Key      string `json:"key"`
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size"`
}

type entry struct {
	size     int64
	mime     string
	name     string
	lastUsed time.Time
	pins     int
}

type agentSet struct {
	entries map[string]*entry
	bytes   int64
}

// Cache stores attachments under <root>/<agentID>/media/<key[:2]>/<key>.
type Cache struct {
	root   string
	ttl    time.Duration
	budget int64
	mirror MetaMirror

	mu     sync.Mutex
	agents map[string]*agentSet
}

const sweepInterval = 5 * time.Minute

// NewCache opens the cache root and rebuilds the eviction index from disk
// so restarts do not leak previously cached bytes.
func NewCache(root string, ttl time.Duration, budget int64, mirror MetaMirror) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("media: root path required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create root: %w", err)
	}
	c := &Cache{
		root:   root,
		ttl:    ttl,
		budget: budget,
		mirror: mirror,
		agents: make(map[string]*agentSet),
	}
	c.restore()
	return c, nil
}

// Put sanitizes (for images), hashes and stores one attachment. Returns
// the content key. Re-putting identical bytes refreshes recency only.
func (c *Cache) Put(ctx context.Context, agentID string, data []byte, mime, name string) (string, error) {
	if len(data) == 0 {
		return "", fault.New(fault.Validation, "empty media payload")
	}
	if int64(len(data)) > c.budget {
		return "", fault.New(fault.Validation, "media payload %d bytes exceeds agent budget %d", len(data), c.budget)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	if sanitized, outMime, err := sanitizeImage(data, mime); err == nil {
		data, mime = sanitized, outMime
	} else if !errors.Is(err, errNotImage) {
		slog.Warn("media.sanitize_failed", "agent", agentID, "mime", mime, "error", err)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	path := c.blobPath(agentID, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("media: create shard dir: %w", err)
	}

	c.mu.Lock()
	set := c.agentSet(agentID)
	if e, ok := set.entries[key]; ok {
		e.lastUsed = time.Now()
		if name != "" {
			e.name = name
		}
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	if err := writeBlob(path, data); err != nil {
		return "", err
	}

	now := time.Now()
	c.mu.Lock()
	set = c.agentSet(agentID)
	set.entries[key] = &entry{size: int64(len(data)), mime: mime, name: name, lastUsed: now}
	set.bytes += int64(len(data))
	evicted := c.enforceBudgetLocked(agentID, set)
	c.mu.Unlock()

	c.dropMirrored(ctx, agentID, evicted)

	if c.mirror != nil {
		rec := &store.MediaMetaRecord{
			AgentID:      agentID,
			MediaKey:     key,
			MimeType:     mime,
			OriginalName: name,
			Size:         int64(len(data)),
			FirstSeenAt:  now.UnixMilli(),
		}
		if err := c.mirror.UpsertMediaMeta(ctx, rec); err != nil {
			slog.Warn("media.mirror_failed", "agent", agentID, "key", key, "error", err)
		}
	}
	return key, nil
}

// Get returns the blob handle and bumps its recency. After a restart the
// index self-heals from disk, sniffing the mime type from content.
func (c *Cache) Get(ctx context.Context, agentID, key string) (Blob, error) {
	path := c.blobPath(agentID, key)

	c.mu.Lock()
	set := c.agentSet(agentID)
	e, ok := set.entries[key]
	if ok {
		e.lastUsed = time.Now()
		blob := Blob{Key: key, Path: path, MimeType: e.mime, Name: e.name, Size: e.size}
		c.mu.Unlock()
		return blob, nil
	}
	c.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return Blob{}, fault.New(fault.Validation, "media %s not cached for agent %s", key, agentID)
	}
	mime := sniffFile(path)

	c.mu.Lock()
	set = c.agentSet(agentID)
	if _, exists := set.entries[key]; !exists {
		set.entries[key] = &entry{size: info.Size(), mime: mime, lastUsed: time.Now()}
		set.bytes += info.Size()
	}
	c.mu.Unlock()

	return Blob{Key: key, Path: path, MimeType: mime, Size: info.Size()}, nil
}

// Read returns the raw bytes for a cached blob.
func (c *Cache) Read(ctx context.Context, agentID, key string) ([]byte, Blob, error) {
	blob, err := c.Get(ctx, agentID, key)
	if err != nil {
		return nil, Blob{}, err
	}
	data, err := os.ReadFile(blob.Path)
	if err != nil {
		return nil, Blob{}, fmt.Errorf("media: read blob: %w", err)
	}
	return data, blob, nil
}

// Pin protects a blob from eviction while a send is in flight.
func (c *Cache) Pin(agentID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.agentSet(agentID).entries[key]; ok {
		e.pins++
	}
}

// Unpin releases a Pin. Recency is refreshed so the blob does not expire
// the moment the send completes.
func (c *Cache) Unpin(agentID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.agentSet(agentID).entries[key]; ok {
		if e.pins > 0 {
			e.pins--
		}
		e.lastUsed = time.Now()
	}
}

// Drop removes one blob regardless of TTL. Pinned blobs are kept.
func (c *Cache) Drop(ctx context.Context, agentID, key string) error {
	c.mu.Lock()
	set := c.agentSet(agentID)
	e, ok := set.entries[key]
	if ok && e.pins > 0 {
		c.mu.Unlock()
		return fault.New(fault.Busy, "media %s is pinned", key)
	}
	if ok {
		set.bytes -= e.size
		delete(set.entries, key)
	}
	c.mu.Unlock()

	os.Remove(c.blobPath(agentID, key))
	c.dropMirrored(ctx, agentID, []string{key})
	return nil
}

// DropAgent removes every blob for one agent, pinned or not. Used when
// the agent itself is deleted.
func (c *Cache) DropAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(c.root, agentID)); err != nil {
		return fmt.Errorf("media: drop agent: %w", err)
	}
	return nil
}

// Usage reports the current cached byte total for an agent.
func (c *Cache) Usage(agentID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.agents[agentID]; ok {
		return set.bytes
	}
	return 0
}

// Run sweeps expired blobs until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx, time.Now())
		}
	}
}

// sweep drops unpinned entries past the TTL, then re-enforces the budget.
func (c *Cache) sweep(ctx context.Context, now time.Time) {
	type victim struct {
		agent string
		keys  []string
	}
	var victims []victim

	c.mu.Lock()
	for agentID, set := range c.agents {
		var keys []string
		for key, e := range set.entries {
			if e.pins > 0 {
				continue
			}
			if now.Sub(e.lastUsed) > c.ttl {
				set.bytes -= e.size
				delete(set.entries, key)
				keys = append(keys, key)
			}
		}
		keys = append(keys, c.enforceBudgetLocked(agentID, set)...)
		if len(keys) > 0 {
			victims = append(victims, victim{agent: agentID, keys: keys})
		}
	}
	c.mu.Unlock()

	for _, v := range victims {
		for _, key := range v.keys {
			os.Remove(c.blobPath(v.agent, key))
		}
		c.dropMirrored(ctx, v.agent, v.keys)
		slog.Debug("media.swept", "agent", v.agent, "evicted", len(v.keys))
	}
}

// enforceBudgetLocked evicts coldest unpinned entries until the agent is
// under budget. Caller removes the files and mirror rows.
func (c *Cache) enforceBudgetLocked(agentID string, set *agentSet) []string {
	if set.bytes <= c.budget {
		return nil
	}

	type cand struct {
		key      string
		size     int64
		lastUsed time.Time
	}
	cands := make([]cand, 0, len(set.entries))
	for key, e := range set.entries {
		if e.pins > 0 {
			continue
		}
		cands = append(cands, cand{key: key, size: e.size, lastUsed: e.lastUsed})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].lastUsed.Before(cands[j].lastUsed) })

	var evicted []string
	for _, cd := range cands {
		if set.bytes <= c.budget {
			break
		}
		set.bytes -= cd.size
		delete(set.entries, cd.key)
		evicted = append(evicted, cd.key)
	}
	if len(evicted) > 0 {
		slog.Info("media.budget_evicted", "agent", agentID, "count", len(evicted), "bytes", set.bytes)
	}
	return evicted
}

func (c *Cache) dropMirrored(ctx context.Context, agentID string, keys []string) {
	if c.mirror == nil {
		return
	}
	for _, key := range keys {
		if err := c.mirror.DeleteMediaMeta(ctx, agentID, key); err != nil {
			slog.Warn("media.mirror_delete_failed", "agent", agentID, "key", key, "error", err)
		}
	}
}

// restore walks the root and seeds the index with sizes and mtimes so
// eviction accounting includes blobs from before the restart.
func (c *Cache) restore() {
	agents, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, a := range agents {
		if !a.IsDir() {
			continue
		}
		agentID := a.Name()
		mediaDir := filepath.Join(c.root, agentID, "media")
		set := c.agentSet(agentID)
		filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			set.entries[d.Name()] = &entry{size: info.Size(), lastUsed: info.ModTime()}
			set.bytes += info.Size()
			return nil
		})
	}
}

// agentSet returns the per-agent index, creating it if needed. Caller
// holds c.mu except during construction.
func (c *Cache) agentSet(agentID string) *agentSet {
	set, ok := c.agents[agentID]
	if !ok {
		set = &agentSet{entries: make(map[string]*entry)}
		c.agents[agentID] = set
	}
	return set
}

func (c *Cache) blobPath(agentID, key string) string {
	shard := key
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(c.root, agentID, "media", shard, key)
}

func sniffFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return http.DetectContentType(buf[:n])
}

func writeBlob(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("media: temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

