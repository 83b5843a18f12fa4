package reqnum

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

func newCounter(t *testing.T, props PropertyStore) (*Counter, *rowstore.Store) {
	t.Helper()
	backend := tabular.NewMemoryBackend()
	lm := locks.NewManager(locks.NewMemoryBackend(), locks.DefaultConfig(), zerolog.Nop())
	store := rowstore.New(backend, lm, mdm.ColRequestNumber, zerolog.Nop())
	if err := store.EnsureTable(context.Background(), mdm.TableTracker, mdm.TrackerColumns()); err != nil {
		t.Fatalf("ensure tracker: %v", err)
	}
	return New(props, store, lm, zerolog.Nop()), store
}

func TestNextStartsAtOneAndCounts(t *testing.T) {
	c, store := newCounter(t, NewMemoryProperties())
	ctx := context.Background()
	prefix := Prefix("BOM", "PT-A")

	for want := int64(1); want <= 3; want++ {
		if got := c.Next(ctx, prefix); got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}

	// The tracker table carries the advanced value.
	row, err := store.FindRowBy(ctx, mdm.TableTracker, mdm.TrackerColPrefix, prefix)
	if err != nil || row < 0 {
		t.Fatalf("tracker row = %d, err %v", row, err)
	}
	rec, err := store.ReadRowFresh(ctx, mdm.TableTracker, row)
	if err != nil {
		t.Fatalf("read tracker: %v", err)
	}
	if rec[mdm.TrackerColCounter] != "3" {
		t.Fatalf("tracker counter = %q, want 3", rec[mdm.TrackerColCounter])
	}
}

func TestNextReconcilesAcrossSources(t *testing.T) {
	props := NewMemoryProperties()
	c, store := newCounter(t, props)
	ctx := context.Background()
	prefix := Prefix("BOM", "PT-A")

	// Tracker is ahead of the property store; the next number must clear both.
	if err := props.SetInt(ctx, "reqnum:"+prefix, 40); err != nil {
		t.Fatalf("seed props: %v", err)
	}
	headers, _ := store.Headers(ctx, mdm.TableTracker)
	if _, err := store.Backend().AppendRow(ctx, mdm.TableTracker,
		tabular.UnzipRecord(headers, tabular.Record{mdm.TrackerColPrefix: prefix, mdm.TrackerColCounter: "41"})); err != nil {
		t.Fatalf("seed tracker: %v", err)
	}

	if got := c.Next(ctx, prefix); got != 42 {
		t.Fatalf("Next = %d, want 42", got)
	}
	if v, ok, _ := props.GetInt(ctx, "reqnum:"+prefix); !ok || v != 42 {
		t.Fatalf("props advanced to %d (ok %v), want 42", v, ok)
	}
	if got := c.Peek(ctx, prefix); got != 42 {
		t.Fatalf("Peek = %d, want 42", got)
	}
}

func TestMemoryCacheSurvivesWipedSources(t *testing.T) {
	props := NewMemoryProperties()
	c, store := newCounter(t, props)
	ctx := context.Background()
	prefix := Prefix("PRC", "PT-A")

	if got := c.Next(ctx, prefix); got != 1 {
		t.Fatalf("first Next = %d", got)
	}
	if got := c.Next(ctx, prefix); got != 2 {
		t.Fatalf("second Next = %d", got)
	}

	// Wipe the durable sources; the in-memory cache must keep the sequence.
	props.mu.Lock()
	props.vals = make(map[string]int64)
	props.mu.Unlock()
	row, _ := store.FindRowBy(ctx, mdm.TableTracker, mdm.TrackerColPrefix, prefix)
	if row > 0 {
		if err := store.SetCell(ctx, mdm.TableTracker, row, mdm.TrackerColCounter, "0"); err != nil {
			t.Fatalf("wipe tracker: %v", err)
		}
	}

	if got := c.Next(ctx, prefix); got != 3 {
		t.Fatalf("Next after wipe = %d, want 3", got)
	}
}

type failingProps struct{}

func (failingProps) GetInt(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (failingProps) SetInt(context.Context, string, int64) error {
	return errors.New("property store down")
}

func TestFallbackNumberOnWriteFailure(t *testing.T) {
	c, _ := newCounter(t, failingProps{})

	got := c.Next(context.Background(), Prefix("BOM", "PT-A"))
	if got < 0 || got >= 100000 {
		t.Fatalf("fallback = %d, want wall clock modulo 100000", got)
	}
}

func TestFormat(t *testing.T) {
	if got := Format("BOM", "C", 42); got != "BOM/MDM/C/00042" {
		t.Fatalf("Format = %q", got)
	}
	if got := Format("CST", "PT-A", 123456); got != "CST/MDM/PT-A/123456" {
		t.Fatalf("Format wide = %q", got)
	}
}

func TestRedisPropertiesRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	props := NewRedisProperties(client)
	ctx := context.Background()

	if _, ok, err := props.GetInt(ctx, "reqnum:BOM/PT-A"); err != nil || ok {
		t.Fatalf("missing key = ok %v err %v", ok, err)
	}
	if err := props.SetInt(ctx, "reqnum:BOM/PT-A", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := props.GetInt(ctx, "reqnum:BOM/PT-A")
	if err != nil || !ok || v != 7 {
		t.Fatalf("get = %d ok %v err %v", v, ok, err)
	}

	// Lower writes are ignored so counters never move backward.
	if err := props.SetInt(ctx, "reqnum:BOM/PT-A", 3); err != nil {
		t.Fatalf("lower set: %v", err)
	}
	v, _, _ = props.GetInt(ctx, "reqnum:BOM/PT-A")
	if v != 7 {
		t.Fatalf("value after lower write = %d, want 7", v)
	}
}
