package router

import (
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/providers"
)

// Complexity tiers, cheapest first. The failover table maps each tier to
// an ordered provider chain.
const (
	TierTrivial  = "trivial"
	TierSimple   = "simple"
	TierModerate = "moderate"
	TierComplex  = "complex"
	TierCritical = "critical"
)

const (
	classifierTTL      = 24 * time.Hour
	classifierMaxCache = 4096
)

// classifier buckets tasks into tiers with cheap textual rules. Decisions
// that depend only on the prompt text are memoized by hash.
type classifier struct {
	mu    sync.Mutex
	cache map[[32]byte]cacheEntry
}

type cacheEntry struct {
	tier    string
	expires time.Time
}

func newClassifier() *classifier {
	return &classifier{cache: make(map[[32]byte]cacheEntry)}
}

func (c *classifier) classify(task providers.Task) string {
	if t := normalizeHint(task.ComplexityHint); t != "" {
		return t
	}

	// Media makes the decision input-dependent, so it is never cached.
	if len(task.Images) > 0 || len(task.Audio) > 0 ||
		task.Kind == providers.TaskTranscribe || task.Kind == providers.TaskSpeech {
		if tier := promptTier(task.Prompt); tier == TierComplex {
			return TierComplex
		}
		return TierModerate
	}

	key := sha256.Sum256([]byte(task.Prompt))
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.tier
	}
	c.mu.Unlock()

	tier := promptTier(task.Prompt)

	c.mu.Lock()
	if len(c.cache) >= classifierMaxCache {
		c.prune()
	}
	c.cache[key] = cacheEntry{tier: tier, expires: time.Now().Add(classifierTTL)}
	c.mu.Unlock()
	return tier
}

// prune drops expired entries, then arbitrary ones until under budget.
// Caller holds the lock.
func (c *classifier) prune() {
	now := time.Now()
	for k, e := range c.cache {
		if now.After(e.expires) {
			delete(c.cache, k)
		}
	}
	for k := range c.cache {
		if len(c.cache) < classifierMaxCache {
			break
		}
		delete(c.cache, k)
	}
}

func promptTier(prompt string) string {
	if strings.Contains(prompt, "```") {
		return TierComplex
	}
	switch n := len(prompt); {
	case n < 48:
		return TierTrivial
	case n < 400:
		return TierSimple
	case n < 2000:
		return TierModerate
	default:
		return TierComplex
	}
}

// normalizeHint maps caller hints onto tiers. Unknown hints are ignored.
func normalizeHint(hint string) string {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case TierTrivial, TierSimple, TierModerate, TierComplex, TierCritical:
		return strings.ToLower(strings.TrimSpace(hint))
	case "balanced":
		return TierModerate
	default:
		return ""
	}
}
