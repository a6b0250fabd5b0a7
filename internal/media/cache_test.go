package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

type fakeMirror struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (f *fakeMirror) UpsertMediaMeta(ctx context.Context, m *store.MediaMetaRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, m.MediaKey)
	return nil
}

func (f *fakeMirror) DeleteMediaMeta(ctx context.Context, agentID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	return nil
}

func newTestCache(t *testing.T, budget int64, mirror MetaMirror) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), time.Hour, budget, mirror)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	mirror := &fakeMirror{}
	c := newTestCache(t, 1<<20, mirror)

	data := []byte("%PDF-1.4 not an image")
	key, err := c.Put(ctx, "agent-1", data, "application/pdf", "doc.pdf")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); key != want {
		t.Errorf("key = %s, want %s", key, want)
	}

	got, blob, err := c.Read(ctx, "agent-1", key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("blob bytes differ")
	}
	if blob.MimeType != "application/pdf" || blob.Name != "doc.pdf" {
		t.Errorf("blob meta = %+v", blob)
	}

	if len(mirror.upserts) != 1 || mirror.upserts[0] != key {
		t.Errorf("mirror upserts = %v", mirror.upserts)
	}
}

func TestPutDeduplicates(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20, nil)

	data := []byte("same payload twice")
	k1, err := c.Put(ctx, "agent-1", data, "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	k2, err := c.Put(ctx, "agent-1", data, "text/plain", "b.txt")
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ: %s vs %s", k1, k2)
	}
	if got := c.Usage("agent-1"); got != int64(len(data)) {
		t.Errorf("usage = %d, want %d (single copy)", got, len(data))
	}
}

func TestPutRejectsEmptyAndOversized(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 16, nil)

	if _, err := c.Put(ctx, "agent-1", nil, "", ""); !fault.IsKind(err, fault.Validation) {
		t.Errorf("empty payload err = %v, want Validation", err)
	}
	if _, err := c.Put(ctx, "agent-1", make([]byte, 32), "application/octet-stream", ""); !fault.IsKind(err, fault.Validation) {
		t.Errorf("oversized payload err = %v, want Validation", err)
	}
}

func TestBudgetEvictsColdestFirst(t *testing.T) {
	ctx := context.Background()
	mirror := &fakeMirror{}
	c := newTestCache(t, 300, mirror)

	cold := bytes.Repeat([]byte("a"), 200)
	keyCold, err := c.Put(ctx, "agent-1", cold, "application/octet-stream", "")
	if err != nil {
		t.Fatalf("Put cold: %v", err)
	}

	// Backdate the first entry so eviction order is deterministic.
	c.mu.Lock()
	c.agents["agent-1"].entries[keyCold].lastUsed = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	warm := bytes.Repeat([]byte("b"), 200)
	keyWarm, err := c.Put(ctx, "agent-1", warm, "application/octet-stream", "")
	if err != nil {
		t.Fatalf("Put warm: %v", err)
	}

	if _, err := c.Get(ctx, "agent-1", keyCold); err == nil {
		t.Error("cold blob survived budget eviction")
	}
	if _, err := c.Get(ctx, "agent-1", keyWarm); err != nil {
		t.Errorf("warm blob evicted: %v", err)
	}
	if len(mirror.deletes) != 1 || mirror.deletes[0] != keyCold {
		t.Errorf("mirror deletes = %v, want [%s]", mirror.deletes, keyCold)
	}
}

func TestPinBlocksEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 300, nil)

	pinned := bytes.Repeat([]byte("a"), 200)
	keyPinned, err := c.Put(ctx, "agent-1", pinned, "application/octet-stream", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Pin("agent-1", keyPinned)

	c.mu.Lock()
	c.agents["agent-1"].entries[keyPinned].lastUsed = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	other := bytes.Repeat([]byte("b"), 200)
	if _, err := c.Put(ctx, "agent-1", other, "application/octet-stream", ""); err != nil {
		t.Fatalf("Put other: %v", err)
	}

	if _, err := c.Get(ctx, "agent-1", keyPinned); err != nil {
		t.Errorf("pinned blob evicted: %v", err)
	}

	if err := c.Drop(ctx, "agent-1", keyPinned); !fault.IsKind(err, fault.Busy) {
		t.Errorf("Drop pinned = %v, want Busy", err)
	}
	c.Unpin("agent-1", keyPinned)
	if err := c.Drop(ctx, "agent-1", keyPinned); err != nil {
		t.Errorf("Drop after unpin = %v", err)
	}
}

func TestSweepExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20, nil)

	key, err := c.Put(ctx, "agent-1", []byte("stale"), "text/plain", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	keep, err := c.Put(ctx, "agent-1", []byte("fresh and pinned"), "text/plain", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Pin("agent-1", keep)

	// Both entries look old from two hours in the future; only the
	// pinned one must survive.
	c.sweep(ctx, time.Now().Add(2*time.Hour))

	if _, err := c.Get(ctx, "agent-1", key); err == nil {
		t.Error("stale blob survived TTL sweep")
	}
	if _, err := c.Get(ctx, "agent-1", keep); err != nil {
		t.Errorf("pinned blob swept: %v", err)
	}
}

func TestRestoreRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	c1, err := NewCache(root, time.Hour, 1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	data := []byte("survives restart")
	key, err := c1.Put(ctx, "agent-1", data, "text/plain", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	c2, err := NewCache(root, time.Hour, 1<<20, nil)
	if err != nil {
		t.Fatalf("NewCache (restart): %v", err)
	}
	if got := c2.Usage("agent-1"); got != int64(len(data)) {
		t.Errorf("usage after restart = %d, want %d", got, len(data))
	}
	blob, err := c2.Get(ctx, "agent-1", key)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if blob.MimeType == "" {
		t.Error("mime not sniffed after restart")
	}
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t, 1<<20, nil)
	if _, err := c.Get(context.Background(), "agent-1", "deadbeef"); !fault.IsKind(err, fault.Validation) {
		t.Errorf("Get missing = %v, want Validation", err)
	}
}

func TestImageSanitized(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20, nil)

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	key, err := c.Put(ctx, "agent-1", buf.Bytes(), "image/png", "pic.png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	blob, err := c.Get(ctx, "agent-1", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blob.MimeType != "image/png" {
		t.Errorf("mime = %s, want image/png", blob.MimeType)
	}
}

func TestDropAgent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1<<20, nil)
	key, err := c.Put(ctx, "agent-1", []byte("bye"), "text/plain", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.DropAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("DropAgent: %v", err)
	}
	if _, err := c.Get(ctx, "agent-1", key); err == nil {
		t.Error("blob survived DropAgent")
	}
	if got := c.Usage("agent-1"); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}
