// Package plancache is the process-wide plan cache: an immutable snapshot
// keyed by normalized goal fingerprint, refreshed from persisted tasks
// every 24 hours with a 10-second warm-up, with an optional Redis-backed
// warm tier so a freshly started process can serve from a previous
// process's snapshot instead of cold-starting empty.
package plancache

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/telemetry"
)

const (
	refreshInterval   = 24 * time.Hour
	warmUp            = 10 * time.Second
	similarityCutoff  = 0.95
	redisSnapshotKey  = "planengine:plancache:snapshot"
)

// Entry is one cached goal, its declared response format, and its best
// known plan.
type Entry struct {
	Goal           string
	ResponseFormat map[string]string
	BestPlan       []planmodel.PlanStep
}

// Snapshot is the immutable structure writers swap under a mutex; readers
// read the current snapshot pointer without locking.
type Snapshot struct {
	byNorm map[string]Entry
	order  []string // normalized goals, insertion order
}

// Source loads every goal/response_format/best_plan triple that should
// seed the cache, typically backed by the task store.
type Source func(ctx context.Context) ([]Entry, error)

// Cache is the process-wide plan cache singleton. Construct one with New
// and call Start once at boot; inject the returned handle everywhere a
// lookup is needed.
type Cache struct {
	source Source
	redis  *redis.Client
	log    telemetry.Logger

	snapshot atomic.Pointer[Snapshot]
	mu       sync.Mutex
}

// New constructs a Cache. redisClient may be nil, in which case the cache
// operates purely in-process.
func New(source Source, redisClient *redis.Client, log telemetry.Logger) *Cache {
	c := &Cache{source: source, redis: redisClient, log: log}
	c.snapshot.Store(&Snapshot{byNorm: map[string]Entry{}})
	return c
}

// Start loads an initial snapshot (from Redis if available, else from the
// source) after warmUp, then refreshes from the source every
// refreshInterval until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		select {
		case <-time.After(warmUp):
		case <-ctx.Done():
			return
		}
		if c.redis == nil || c.LoadFromRedis(ctx) != nil {
			c.refresh(ctx)
		}

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Cache) refresh(ctx context.Context) {
	entries, err := c.source(ctx)
	if err != nil {
		c.log.Error(ctx, "plancache: refresh failed", "err", err)
		return
	}
	snap := buildSnapshot(entries)

	c.mu.Lock()
	c.snapshot.Store(snap)
	c.mu.Unlock()

	if c.redis != nil {
		if data, err := json.Marshal(entries); err == nil {
			if err := c.redis.Set(ctx, redisSnapshotKey, data, 2*refreshInterval).Err(); err != nil {
				c.log.Warn(ctx, "plancache: redis warm-tier write failed", "err", err)
			}
		}
	}
}

func buildSnapshot(entries []Entry) *Snapshot {
	snap := &Snapshot{byNorm: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		norm := Normalize(e.Goal)
		if _, exists := snap.byNorm[norm]; !exists {
			snap.order = append(snap.order, norm)
		}
		snap.byNorm[norm] = e
	}
	return snap
}

// LoadFromRedis seeds the in-process snapshot from the warm tier, useful
// immediately at boot before the first refresh completes.
func (c *Cache) LoadFromRedis(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, redisSnapshotKey).Bytes()
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	c.snapshot.Store(buildSnapshot(entries))
	return nil
}

// Lookup result.
type LookupResult struct {
	Entry   Entry
	Matched bool // true iff the response-format language also matched
	Found   bool
}

// Lookup normalizes goal and finds the closest cached entries above the
// similarity cutoff; among them it prefers one whose response-format
// language matches lang. If none match the language, the top similar entry
// is still returned as an unmatched reference for few-shot use.
func (c *Cache) Lookup(goal, lang string) LookupResult {
	snap := c.snapshot.Load()
	normGoal := Normalize(goal)

	type scored struct {
		entry Entry
		score float64
	}
	var candidates []scored
	for _, norm := range snap.order {
		score := similarity(normGoal, norm)
		if score >= similarityCutoff {
			candidates = append(candidates, scored{entry: snap.byNorm[norm], score: score})
		}
	}
	if len(candidates) == 0 {
		return LookupResult{}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, cand := range candidates {
		if languageMatches(cand.entry.ResponseFormat, lang) {
			return LookupResult{Entry: cand.entry, Matched: true, Found: true}
		}
	}
	return LookupResult{Entry: candidates[0].entry, Matched: false, Found: true}
}

func languageMatches(responseFormat map[string]string, lang string) bool {
	if lang == "" {
		return true
	}
	rfLang, ok := responseFormat["Lang"]
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(rfLang), strings.TrimSpace(lang))
}

var trailingPunct = regexp.MustCompile(`[.!?,;:]+$`)

// Normalize trims, strips trailing punctuation, and lowercases a goal for
// fingerprinting.
func Normalize(goal string) string {
	g := strings.TrimSpace(goal)
	g = trailingPunct.ReplaceAllString(g, "")
	return strings.ToLower(strings.TrimSpace(g))
}

// similarity is a trigram Jaccard ratio over the normalized strings. No
// suitable fuzzy-string-similarity library appears anywhere in the
// retrieved dependency surface, so this stays on the standard library.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersect := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			intersect++
		}
	}
	union := len(ta) + len(tb) - intersect
	if union == 0 {
		return 0
	}
	return float64(intersect) / float64(union)
}

func trigrams(s string) map[string]struct{} {
	padded := "  " + s + "  "
	out := make(map[string]struct{})
	for i := 0; i+3 <= len(padded); i++ {
		out[padded[i:i+3]] = struct{}{}
	}
	return out
}
