// Package idempotency makes retried submissions safe. The first response for
// an Idempotency-Key is cached and replayed byte-identical to later requests
// carrying the same key, so a client that resends after a network timeout
// cannot open a duplicate request.
package idempotency

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header names the request header clients set to deduplicate retries.
const Header = "Idempotency-Key"

type entry struct {
	status      int
	contentType string
	body        []byte
	storedAt    time.Time
}

// Cache stores first responses keyed by idempotency key.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewCache builds a replay cache. Entries older than ttl are forgotten;
// zero ttl defaults to one hour.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

// Middleware wraps a handler with replay semantics. Requests without the
// header get a fresh UUID key, which never repeats, so they are handled
// normally every time.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(Header)
		if key == "" {
			key = uuid.NewString()
		}

		if e, ok := c.lookup(key); ok {
			if e.contentType != "" {
				w.Header().Set("Content-Type", e.contentType)
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(e.status)
			w.Write(e.body)
			return
		}

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		c.store(key, entry{
			status:      rec.statusOr(http.StatusOK),
			contentType: w.Header().Get("Content-Type"),
			body:        rec.buf.Bytes(),
			storedAt:    c.now(),
		})
	})
}

func (c *Cache) lookup(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) store(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// First response wins when concurrent retries race past the lookup.
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = e
	}
	for k, old := range c.entries {
		if c.now().Sub(old.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// recorder tees the response so the cache can keep a copy.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) statusOr(fallback int) int {
	if r.status == 0 {
		return fallback
	}
	return r.status
}
