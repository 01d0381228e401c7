// Package cache implements the semantic cache from spec.md §4.6: a
// normalised-question key store with category-derived TTLs and
// score-based eviction. Key derivation hashes the normalised question
// (SHA-256) to a content-addressed key; the sweep loop periodically
// scans for expired entries.
package cache

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category is a cache entry's TTL bucket, per spec.md §4.6.
type Category string

const (
	CategoryFAQ       Category = "faq"
	CategoryGeneral   Category = "general"
	CategoryTransient Category = "transient"
)

// functionWords is the closed list stripped during normalisation. It is
// intentionally small: the normaliser only needs to collapse near-
// duplicate phrasing, not perform full stopword removal.
var functionWords = map[string]struct{}{
	"el": {}, "la": {}, "los": {}, "las": {}, "un": {}, "una": {}, "unos": {}, "unas": {},
	"de": {}, "del": {}, "a": {}, "en": {}, "por": {}, "para": {}, "con": {}, "que": {},
	"y": {}, "o": {}, "es": {}, "the": {}, "a ": {}, "an": {}, "of": {}, "to": {}, "is": {},
}

var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhoy\b`),
	regexp.MustCompile(`(?i)\bahora\b`),
	regexp.MustCompile(`(?i)mi pedido`),
	regexp.MustCompile(`(?i)mi orden`),
	regexp.MustCompile(`(?i)\btoday\b`),
	regexp.MustCompile(`(?i)\bright now\b`),
}

var faqPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhorario`),
	regexp.MustCompile(`(?i)\bprecio`),
	regexp.MustCompile(`(?i)\bcomo (puedo|funciona)`),
	regexp.MustCompile(`(?i)\bpricing\b`),
	regexp.MustCompile(`(?i)\bhours\b`),
}

var apologyMarkers = []string{
	"lo siento", "no pude", "disculpa", "i'm sorry", "i apologize", "unable to", "error",
}

var punctuationRE = regexp.MustCompile(`[^\w\s]`)
var whitespaceRE = regexp.MustCompile(`\s+`)

// Categorize assigns a Category to question, transient patterns taking
// precedence over faq, per spec.md §4.6.
func Categorize(question string) Category {
	for _, re := range transientPatterns {
		if re.MatchString(question) {
			return CategoryTransient
		}
	}
	for _, re := range faqPatterns {
		if re.MatchString(question) {
			return CategoryFAQ
		}
	}
	return CategoryGeneral
}

// Normalize lowercases, strips diacritics via Unicode NFD + mark removal,
// strips punctuation, collapses whitespace, and removes function words.
func Normalize(question string) string {
	lower := strings.ToLower(question)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, lower)
	if err != nil {
		stripped = lower
	}

	stripped = punctuationRE.ReplaceAllString(stripped, " ")
	stripped = whitespaceRE.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)

	words := strings.Fields(stripped)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if _, isFunctionWord := functionWords[w]; isFunctionWord {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// Key derives the cache key: SHA-256 of the normalised form, truncated
// to 16 hex characters, per spec.md §4.6.
func Key(question string) string {
	normalized := Normalize(question)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// LooksLikeApology reports whether response should be refused by Set,
// per spec.md §4.6's substring check against a small apology list.
func LooksLikeApology(response string) bool {
	lower := strings.ToLower(response)
	for _, marker := range apologyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// entry is the stored record behind one cache key.
type entry struct {
	response  string
	metadata  map[string]any
	category  Category
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// GetResult is the contract of Get, per spec.md §4.6.
type GetResult struct {
	Hit      bool
	Response string
	Metadata map[string]any
	Category Category
	CacheAge time.Duration
}

// TTLs configures the per-category retention, overridable from
// config.Config.Cache.
type TTLs struct {
	FAQ       time.Duration
	General   time.Duration
	Transient time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{FAQ: 24 * time.Hour, General: 4 * time.Hour, Transient: 30 * time.Minute}
}

func (t TTLs) forCategory(c Category) time.Duration {
	switch c {
	case CategoryFAQ:
		return t.FAQ
	case CategoryTransient:
		return t.Transient
	default:
		return t.General
	}
}

// Cache is the in-process semantic cache store. It is safe for
// concurrent use.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*entry
	ttls        TTLs
	maxEntries  int
	now         func() time.Time
}

func New(ttls TTLs, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &Cache{
		entries:    make(map[string]*entry),
		ttls:       ttls,
		maxEntries: maxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Get looks up question, lazily deleting the entry if it has expired.
func (c *Cache) Get(question string) GetResult {
	key := Key(question)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return GetResult{Hit: false}
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		return GetResult{Hit: false}
	}

	e.hits++
	return GetResult{
		Hit:      true,
		Response: e.response,
		Metadata: e.metadata,
		Category: e.category,
		CacheAge: now.Sub(e.createdAt),
	}
}

// Set stores response under question's normalised key unless it looks
// like an apology/error, per spec.md §4.6. Returns false when refused.
func (c *Cache) Set(question, response string, metadata map[string]any) bool {
	if LooksLikeApology(response) {
		return false
	}
	key := Key(question)
	category := Categorize(question)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		response:  response,
		metadata:  metadata,
		category:  category,
		createdAt: now,
		expiresAt: now.Add(c.ttls.forCategory(category)),
		hits:      0,
	}

	if len(c.entries) >= c.maxEntries {
		c.evictLowestScoringLocked(now)
	}
	return true
}

// Invalidate removes a single question's entry.
func (c *Cache) Invalidate(question string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(question))
}

// InvalidatePattern removes every entry whose stored response matches
// re. Matching against the response, not the (already-hashed) key, is
// the only way a caller can target entries by content after the fact.
func (c *Cache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if re.MatchString(e.response) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateCategory removes every entry in category cat.
func (c *Cache) InvalidateCategory(cat Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.category == cat {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type scoredEntry struct {
	key   string
	score float64
}

// scoredMaxHeap is a bounded max-heap keyed on score: it holds the
// lowest-scoring entries seen so far, with the current highest of that
// set at the root so a new lower score can displace it in O(log k).
type scoredMaxHeap []scoredEntry

func (h scoredMaxHeap) Len() int            { return len(h) }
func (h scoredMaxHeap) Less(i, j int) bool  { return h[i].score > h[j].score }
func (h scoredMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredMaxHeap) Push(x any)         { *h = append(*h, x.(scoredEntry)) }
func (h *scoredMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// evictLowestScoringLocked drops the lowest-scoring 10% of entries,
// where score = hits / age. It keeps only a bounded max-heap of that
// 10th percentile rather than sorting every entry, so the cost stays
// O(n log k) instead of O(n log n) as maxEntries grows. Caller must
// hold c.mu.
func (c *Cache) evictLowestScoringLocked(now time.Time) {
	evictCount := len(c.entries) / 10
	if evictCount == 0 {
		return
	}

	worst := make(scoredMaxHeap, 0, evictCount)
	for key, e := range c.entries {
		ageSeconds := now.Sub(e.createdAt).Seconds()
		if ageSeconds < 1 {
			ageSeconds = 1
		}
		score := float64(e.hits) / ageSeconds

		if worst.Len() < evictCount {
			heap.Push(&worst, scoredEntry{key: key, score: score})
			continue
		}
		if score < worst[0].score {
			worst[0] = scoredEntry{key: key, score: score}
			heap.Fix(&worst, 0)
		}
	}

	for _, s := range worst {
		delete(c.entries, s.key)
	}
}

// Sweep removes expired entries, meant to run on a 5-minute ticker per
// spec.md §4.6.
func (c *Cache) Sweep(_ context.Context) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// RunSweepLoop blocks, sweeping every interval until ctx is cancelled.
func (c *Cache) RunSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
