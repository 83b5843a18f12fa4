package idempotency

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// countingHandler returns a distinct body on every real invocation, which
// makes replays visible: a replayed response repeats an old body.
func countingHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	})
}

func post(t *testing.T, h http.Handler, key string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/request", nil)
	if key != "" {
		req.Header.Set(Header, key)
	}
	h.ServeHTTP(rec, req)
	return rec
}

func TestReplaySameKey(t *testing.T) {
	var calls int
	h := NewCache(time.Hour).Middleware(countingHandler(&calls))

	first := post(t, h, "abc-123")
	second := post(t, h, "abc-123")

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replayed status = %d, want 201", second.Code)
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replayed Content-Type = %q", second.Header().Get("Content-Type"))
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay marker header missing")
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response carries the replay marker")
	}
}

func TestDistinctKeysRunSeparately(t *testing.T) {
	var calls int
	h := NewCache(time.Hour).Middleware(countingHandler(&calls))

	post(t, h, "key-one")
	post(t, h, "key-two")

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestMissingHeaderNeverDedupes(t *testing.T) {
	var calls int
	h := NewCache(time.Hour).Middleware(countingHandler(&calls))

	post(t, h, "")
	post(t, h, "")

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestEntryExpires(t *testing.T) {
	var calls int
	cache := NewCache(time.Hour)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	h := cache.Middleware(countingHandler(&calls))

	post(t, h, "abc-123")
	base = base.Add(2 * time.Hour)
	rec := post(t, h, "abc-123")

	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2 after expiry", calls)
	}
	if rec.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("expired entry was replayed")
	}
}
