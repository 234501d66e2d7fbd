// Package entitycache implements the fingerprint → subgraph-payload cache
// described in spec §4.5: an in-process LRU bounded by entry count and byte
// size with clock-based expiry, and a Redis backend sharing the same key
// space, both gated by a single-flight layer so concurrent requests for the
// same fingerprint share one outbound fetch.
package entitycache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies one entity representation: subgraph, type, and a
// stable hash over its canonically ordered key values.
type Fingerprint uint64

// Fingerprint computes (subgraph_id ‖ type_id ‖ canonical_key_json) per
// §3's Entity Fingerprint definition. keys is the representation map
// (including __typename); it is re-marshaled with sorted keys so that
// field order in the source query never affects the fingerprint.
func NewFingerprint(subgraphName, typeName string, keys map[string]interface{}) (Fingerprint, error) {
	canonical, err := canonicalize(keys)
	if err != nil {
		return 0, fmt.Errorf("failed to canonicalize entity keys: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(subgraphName))
	h.Write([]byte{0})
	h.Write([]byte(typeName))
	h.Write([]byte{0})
	h.Write(canonical)

	sum := h.Sum(nil)
	return Fingerprint(binary.BigEndian.Uint64(sum[:8])), nil
}

// canonicalize produces a deterministic JSON encoding of m by sorting keys
// recursively for any nested objects.
func canonicalize(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		var valJSON []byte
		if nested, ok := m[k].(map[string]interface{}); ok {
			valJSON, err = canonicalize(nested)
		} else {
			valJSON, err = json.Marshal(m[k])
		}
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// Store is the storage contract: get/put keyed by fingerprint. Never store
// a payload that carries subgraph errors — that invariant is enforced by
// the caller (the executor only calls Put on error-free responses).
type Store interface {
	Get(ctx context.Context, fp Fingerprint) ([]byte, bool, error)
	Put(ctx context.Context, fp Fingerprint, payload []byte, ttl time.Duration) error
}

// Cache wraps a Store with a single-flight layer so concurrent lookups for
// the same fingerprint collapse into one call to the loader function passed
// to GetOrLoad.
type Cache struct {
	store Store
	group singleflight.Group
}

// New wraps store with single-flight coalescing.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// GetOrLoad returns the cached payload for fp, or calls load exactly once
// across all concurrently-waiting callers and stores its result for ttl.
func (c *Cache) GetOrLoad(ctx context.Context, fp Fingerprint, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if payload, hit, err := c.store.Get(ctx, fp); err != nil {
		return nil, fmt.Errorf("entity cache get failed: %w", err)
	} else if hit {
		return payload, nil
	}

	key := fmt.Sprintf("%d", fp)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		payload, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if putErr := c.store.Put(ctx, fp, payload, ttl); putErr != nil {
			return nil, fmt.Errorf("entity cache put failed: %w", putErr)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// entry is one LRU slot.
type entry struct {
	fp        Fingerprint
	payload   []byte
	expiresAt time.Time
}

// LRU is a clock-expiring, count-and-byte-bounded in-process Store.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int
	usedBytes  int
	ll         *list.List
	items      map[Fingerprint]*list.Element
}

// NewLRU returns an in-process store bounded by maxEntries and maxBytes
// (either may be 0 to mean "unbounded on that axis").
func NewLRU(maxEntries, maxBytes int) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[Fingerprint]*list.Element),
	}
}

// Get implements Store.
func (l *LRU) Get(_ context.Context, fp Fingerprint) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[fp]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		l.removeElement(el)
		return nil, false, nil
	}
	l.ll.MoveToFront(el)
	return e.payload, true, nil
}

// Put implements Store.
func (l *LRU) Put(_ context.Context, fp Fingerprint, payload []byte, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[fp]; ok {
		l.removeElement(el)
	}

	e := &entry{fp: fp, payload: payload, expiresAt: time.Now().Add(ttl)}
	el := l.ll.PushFront(e)
	l.items[fp] = el
	l.usedBytes += len(payload)

	for (l.maxEntries > 0 && l.ll.Len() > l.maxEntries) || (l.maxBytes > 0 && l.usedBytes > l.maxBytes) {
		back := l.ll.Back()
		if back == nil {
			break
		}
		l.removeElement(back)
	}
	return nil
}

// removeElement must be called with l.mu held.
func (l *LRU) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	l.ll.Remove(el)
	delete(l.items, e.fp)
	l.usedBytes -= len(e.payload)
}

// RedisStore is a Store backed by Redis, sharing the key space with other
// gateway instances under a common key prefix.
type RedisStore struct {
	client    *goredis.Client
	keyPrefix string
}

// NewRedisStore returns a Redis-backed Store.
func NewRedisStore(client *goredis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) key(fp Fingerprint) string {
	return fmt.Sprintf("%s:entity:%d", r.keyPrefix, fp)
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, fp Fingerprint) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.key(fp)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, fp Fingerprint, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(fp), payload, ttl).Err()
}
