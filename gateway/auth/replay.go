package auth

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const persistencePruneInterval = time.Minute

// ReplayGuard claims (router, nonce) pairs. Claim is an atomic
// check-and-set: it returns true exactly once per pair within the
// retention window.
type ReplayGuard interface {
	Claim(ctx context.Context, routerID, nonce string, now time.Time) (bool, error)
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	RouterID   string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for router nonce usage.
// EnsureNonce must be atomic: of two concurrent calls for the same pair at
// most one reports existed == false.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (existed bool, err error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// NonceGuard fronts an optional NoncePersistence with per-router bounded
// caches. Without persistence the caches are authoritative and refuse new
// nonces while full of live entries.
type NonceGuard struct {
	ttl         time.Duration
	capacity    int
	persistence NoncePersistence

	mu     sync.Mutex
	caches map[string]*nonceCache

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewNonceGuard builds a guard that remembers nonces for ttl.
func NewNonceGuard(ttl time.Duration, capacity int, persistence NoncePersistence) *NonceGuard {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &NonceGuard{
		ttl:         ttl,
		capacity:    capacity,
		persistence: persistence,
		caches:      make(map[string]*nonceCache),
	}
}

// TTL reports the retention window.
func (g *NonceGuard) TTL() time.Duration {
	return g.ttl
}

// Claim implements ReplayGuard.
func (g *NonceGuard) Claim(ctx context.Context, routerID, nonce string, now time.Time) (bool, error) {
	cache := g.cache(routerID)
	if g.persistence == nil {
		return cache.Claim(nonce, now)
	}
	if cache.Contains(nonce, now) {
		return false, nil
	}
	if err := g.prune(ctx, now); err != nil {
		return false, err
	}
	existed, err := g.persistence.EnsureNonce(ctx, NonceRecord{RouterID: routerID, Nonce: nonce, ObservedAt: now})
	if err != nil {
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	cache.Add(nonce, now)
	return !existed, nil
}

// Hydrate warms the caches from persisted records observed after now-ttl.
func (g *NonceGuard) Hydrate(ctx context.Context, now time.Time) error {
	if g.persistence == nil {
		return nil
	}
	cutoff := now.Add(-g.ttl)
	records, err := g.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ObservedAt.Before(records[j].ObservedAt)
	})
	for _, rec := range records {
		if strings.TrimSpace(rec.RouterID) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		g.cache(rec.RouterID).Add(rec.Nonce, observed)
	}
	return nil
}

// Prune drops persisted nonces older than the retention window regardless
// of when the last prune ran.
func (g *NonceGuard) Prune(ctx context.Context, now time.Time) error {
	if g.persistence == nil {
		return nil
	}
	g.pruneMu.Lock()
	defer g.pruneMu.Unlock()
	if err := g.persistence.PruneNonces(ctx, now.Add(-g.ttl)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	g.lastPruned = now
	return nil
}

func (g *NonceGuard) prune(ctx context.Context, now time.Time) error {
	g.pruneMu.Lock()
	due := g.lastPruned.IsZero() || now.Sub(g.lastPruned) >= persistencePruneInterval
	g.pruneMu.Unlock()
	if !due {
		return nil
	}
	return g.Prune(ctx, now)
}

func (g *NonceGuard) cache(routerID string) *nonceCache {
	g.mu.Lock()
	defer g.mu.Unlock()
	cache, ok := g.caches[routerID]
	if !ok {
		cache = newNonceCache(g.ttl, g.capacity)
		g.caches[routerID] = cache
	}
	return cache
}

// nonceCache is an insertion-ordered TTL cache bounded by capacity.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Claim records key and reports true when it was not observed within the
// TTL. Live entries are never evicted: once capacity holds only unexpired
// nonces further claims fail with ErrNonceWindowFull until entries age out.
func (n *nonceCache) Claim(key string, now time.Time) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return false, nil
	}
	if n.order.Len() >= n.capacity {
		return false, ErrNonceWindowFull
	}
	n.insertLocked(key, now)
	return true, nil
}

// Contains reports whether key was observed within the TTL without recording it.
func (n *nonceCache) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add records key, evicting the oldest entries beyond capacity. Only used
// in front of a persistence layer, which stays authoritative for evicted
// nonces.
func (n *nonceCache) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceCache) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.order.Len()
}

func (n *nonceCache) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		entry := front.Value.(nonceEntry)
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceCache) evictExpired(cutoff time.Time) {
	for front := n.order.Front(); front != nil; front = n.order.Front() {
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
