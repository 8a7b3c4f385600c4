package onyx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reportgate/pkg/models"
	"reportgate/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSubscribeReturnsSnapshotWithoutCallback(t *testing.T) {
	t.Parallel()

	s := New()
	calls := 0
	sub, entry := s.Subscribe("report_1", func(Entry) { calls++ })
	defer sub.Unsubscribe()

	if entry.Resolved {
		t.Fatal("expected unresolved snapshot for unknown key")
	}
	if calls != 0 {
		t.Fatalf("subscribe must not invoke the callback, got %d calls", calls)
	}

	ctx := context.Background()
	if err := s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one callback, got %d", calls)
	}

	_, entry = s.Subscribe("report_1", nil)
	if !entry.Resolved || string(entry.Value) != `{"reportID":"1"}` {
		t.Fatalf("unexpected snapshot: %+v", entry)
	}
}

func TestSetEmptyValuesResolveAbsent(t *testing.T) {
	t.Parallel()

	s := New()
	var got Entry
	sub, _ := s.Subscribe("report_2", func(e Entry) { got = e })
	defer sub.Unsubscribe()

	if err := s.Set(context.Background(), "report_2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !got.Resolved || got.Value != nil || !got.Empty() {
		t.Fatalf("expected resolved empty entry, got %+v", got)
	}
}

func TestMergeDeepMergesAndDeletesNulls(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	key := models.PolicyKey("A")
	if err := s.Set(ctx, key, json.RawMessage(`{"id":"A","customUnits":{"u1":{"name":"Distance","attributes":{"unit":"mi"}}},"role":"admin"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Merge(ctx, key, json.RawMessage(`{"customUnits":{"u1":{"attributes":{"unit":"km"}}},"role":null}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	var policy models.Policy
	if err := json.Unmarshal(s.Get(key).Value, &policy); err != nil {
		t.Fatalf("decode: %v", err)
	}
	unit, ok := policy.DistanceUnit()
	if !ok || unit.Attributes.Unit != "km" {
		t.Fatalf("expected merged unit km, got %+v", policy)
	}
	if policy.Role != "" {
		t.Fatalf("expected role deleted by null, got %q", policy.Role)
	}
}

func TestMergeIntoUnknownKeyCreatesValue(t *testing.T) {
	t.Parallel()

	s := New()
	key := models.ReportMetadataKey("9")
	if err := s.Merge(context.Background(), key, json.RawMessage(`{"isLoadingInitialReportActions":true}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if string(s.Get(key).Value) != `{"isLoadingInitialReportActions":true}` {
		t.Fatalf("unexpected value %s", s.Get(key).Value)
	}
}

func TestRemoveResolvesAbsent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Set(ctx, "betas", json.RawMessage(`["all"]`))
	if err := s.Remove(ctx, "betas"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	e := s.Get("betas")
	if !e.Resolved || e.Value != nil {
		t.Fatalf("expected resolved absent entry, got %+v", e)
	}
}

func TestInvalidKeys(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Set(ctx, " ", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := s.Set(ctx, models.CollectionReport, json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for collection key, got %v", err)
	}
	if err := s.MergeCollection(ctx, "report_1", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for member key, got %v", err)
	}
}

func TestResolveWithoutBackendIsAuthoritative(t *testing.T) {
	t.Parallel()

	s := New()
	var got Entry
	sub, _ := s.Subscribe("report_404", func(e Entry) { got = e })
	defer sub.Unsubscribe()

	if err := s.Resolve(context.Background(), "report_404"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved || !got.Empty() {
		t.Fatalf("expected resolved absent, got %+v", got)
	}
}

func TestResolveDoesNotOverrideKnownValue(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1"}`))
	if err := s.Resolve(ctx, "report_1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Get("report_1").Empty() {
		t.Fatal("resolve must keep a known value")
	}
}

func TestResolveLoadsFromRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	backend := store.NewRedisCache(client, "onyx:")
	writer := New(WithBackend(backend, time.Hour))
	if err := writer.Set(ctx, "report_100", json.RawMessage(`{"reportID":"100"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("onyx:report_100") {
		t.Fatal("expected write-through to redis")
	}

	reader := New(WithBackend(backend, time.Hour))
	var got Entry
	sub, snap := reader.Subscribe("report_100", func(e Entry) { got = e })
	defer sub.Unsubscribe()
	if snap.Resolved {
		t.Fatal("fresh store must start unresolved")
	}
	if err := reader.Resolve(ctx, "report_100"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got.Value) != `{"reportID":"100"}` {
		t.Fatalf("expected value loaded from redis, got %+v", got)
	}

	if err := reader.Resolve(ctx, "report_missing"); err != nil {
		t.Fatalf("resolve miss: %v", err)
	}
	if e := reader.Get("report_missing"); !e.Resolved || !e.Empty() {
		t.Fatalf("expected miss to resolve absent, got %+v", e)
	}

	if err := writer.Remove(ctx, "report_100"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mr.Exists("onyx:report_100") {
		t.Fatal("expected remove to delete the redis key")
	}
}

func TestResolvePropagatesBackendErrors(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := New(WithBackend(store.NewRedisCache(client, ""), 0))
	mr.Close()

	if err := s.Resolve(context.Background(), "report_1"); err == nil {
		t.Fatal("expected backend error")
	}
	if s.Get("report_1").Resolved {
		t.Fatal("a failed resolve must leave the key unresolved")
	}
}

func TestSelectorSuppressesUnchangedProjections(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	pick := func(e Entry) Entry {
		var actions map[string]json.RawMessage
		_ = json.Unmarshal(e.Value, &actions)
		return Entry{Key: e.Key, Value: actions["5"], Resolved: e.Resolved}
	}
	var deliveries []Entry
	sub, _ := s.Subscribe("reportActions_1", func(e Entry) { deliveries = append(deliveries, e) }, WithSelector(pick))
	defer sub.Unsubscribe()

	_ = s.Set(ctx, "reportActions_1", json.RawMessage(`{"4":{"reportActionID":"4"}}`))
	_ = s.Merge(ctx, "reportActions_1", json.RawMessage(`{"3":{"reportActionID":"3"}}`))
	_ = s.Merge(ctx, "reportActions_1", json.RawMessage(`{"5":{"reportActionID":"5"}}`))

	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries (resolution, then action 5), got %d", len(deliveries))
	}
	if deliveries[0].Value != nil || !deliveries[0].Resolved {
		t.Fatalf("expected first delivery to be resolved-absent, got %+v", deliveries[0])
	}
	if string(deliveries[1].Value) != `{"reportActionID":"5"}` {
		t.Fatalf("unexpected projection: %s", deliveries[1].Value)
	}
}

func TestSubscribeCollection(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var got Entry
	sub, snap := s.SubscribeCollection(models.CollectionPolicy, func(e Entry) { got = e })
	defer sub.Unsubscribe()
	if snap.Resolved {
		t.Fatal("collection must start unresolved")
	}

	if err := s.ResolveCollection(ctx, models.CollectionPolicy); err != nil {
		t.Fatalf("resolve collection: %v", err)
	}
	if !got.Resolved || got.Value != nil {
		t.Fatalf("expected resolved empty collection, got %+v", got)
	}

	err := s.MergeCollection(ctx, models.CollectionPolicy, map[string]json.RawMessage{
		"A": json.RawMessage(`{"id":"A","type":"free"}`),
	})
	if err != nil {
		t.Fatalf("merge collection: %v", err)
	}
	var policies models.Policies
	if err := json.Unmarshal(got.Value, &policies); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if policies["A"].Type != models.PolicyTypeFree {
		t.Fatalf("unexpected policies: %+v", policies)
	}
}

func TestResolveCollectionLoadsBackendMembers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := store.NewMemoryCache()
	_ = backend.Set(ctx, "policy_A", `{"id":"A"}`, 0)
	s := New(WithBackend(backend, 0))

	if err := s.ResolveCollection(ctx, models.CollectionPolicy); err != nil {
		t.Fatalf("resolve collection: %v", err)
	}
	_, snap := s.SubscribeCollection(models.CollectionPolicy, nil)
	if string(snap.Value) != `{"A":{"id":"A"}}` {
		t.Fatalf("unexpected collection snapshot: %s", snap.Value)
	}
}

func TestEvictionSkipsPinnedKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := store.NewMemoryCache()
	s := New(WithBackend(backend, 0), WithMaxEvictableKeys(2))

	pinned, _ := s.Subscribe("reportActions_1", nil, WithCanEvict(false))
	defer pinned.Unsubscribe()

	_ = s.Set(ctx, "reportActions_1", json.RawMessage(`{"1":{"reportActionID":"1"}}`))
	_ = s.Set(ctx, "reportActions_2", json.RawMessage(`{"2":{"reportActionID":"2"}}`))
	_ = s.Set(ctx, "reportActions_3", json.RawMessage(`{"3":{"reportActionID":"3"}}`))
	_ = s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1"}`))

	if !s.Get("reportActions_1").Resolved {
		t.Fatal("pinned key must not be evicted")
	}
	if s.Get("reportActions_2").Resolved {
		t.Fatal("expected least recently written unpinned key to be evicted")
	}
	if !s.Get("reportActions_3").Resolved {
		t.Fatal("most recent key must stay")
	}
	if !s.Get("report_1").Resolved {
		t.Fatal("non-evictable collections must stay")
	}

	if err := s.Resolve(ctx, "reportActions_2"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Get("reportActions_2").Empty() {
		t.Fatal("evicted key must reload from the backend")
	}
}

func TestBackendKeepsLatestWriteWhenFlushesReorder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := store.NewMemoryCache()
	s := New(WithBackend(backend, 0))

	// The callback for the first write commits a second one, so the second
	// write reaches the backend before the first.
	rewrote := false
	sub, _ := s.Subscribe("report_1", func(e Entry) {
		if rewrote || string(e.Value) != `{"reportID":"1","v":1}` {
			return
		}
		rewrote = true
		if err := s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1","v":2}`)); err != nil {
			t.Errorf("nested set: %v", err)
		}
	})
	defer sub.Unsubscribe()

	if err := s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1","v":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !rewrote {
		t.Fatal("expected the callback to write again")
	}
	if got := string(s.Get("report_1").Value); got != `{"reportID":"1","v":2}` {
		t.Fatalf("memory value = %s", got)
	}
	got, err := backend.Get(ctx, "report_1")
	if err != nil || got != `{"reportID":"1","v":2}` {
		t.Fatalf("backend value = %q %v, want the latest write", got, err)
	}

	s.mu.Lock()
	pending := len(s.flushes)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("flush bookkeeping leaked %d keys", pending)
	}
}

func TestConcurrentWritesLeaveBackendOnMemoryValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := store.NewMemoryCache()
	s := New(WithBackend(backend, 0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(ctx, "report_1", json.RawMessage(fmt.Sprintf(`{"reportID":"1","v":%d}`, i)))
		}(i)
	}
	wg.Wait()

	got, err := backend.Get(ctx, "report_1")
	if err != nil || got != string(s.Get("report_1").Value) {
		t.Fatalf("backend %q (%v) differs from memory %s", got, err, s.Get("report_1").Value)
	}
}

func TestNoEvictionWithoutBackend(t *testing.T) {
	t.Parallel()

	s := New(WithMaxEvictableKeys(1))
	ctx := context.Background()
	_ = s.Set(ctx, "reportActions_1", json.RawMessage(`{"1":{}}`))
	_ = s.Set(ctx, "reportActions_2", json.RawMessage(`{"2":{}}`))
	if s.Len() != 2 {
		t.Fatalf("expected both keys kept without a backend, got %d", s.Len())
	}
}

func TestSubscribeInsideCallbackAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var inner *Subscription
	var innerSnap Entry
	outer, _ := s.Subscribe("report_1", func(e Entry) {
		inner, innerSnap = s.Subscribe("report_2", nil)
	})
	_ = s.Set(ctx, "report_2", json.RawMessage(`{"reportID":"2"}`))
	_ = s.Set(ctx, "report_1", json.RawMessage(`{"reportID":"1","parentReportID":"2"}`))

	if inner == nil || string(innerSnap.Value) != `{"reportID":"2"}` {
		t.Fatalf("expected nested subscription snapshot, got %+v", innerSnap)
	}
	outer.Unsubscribe()
	outer.Unsubscribe()
	inner.Unsubscribe()

	calls := 0
	sub, _ := s.Subscribe("report_3", func(Entry) { calls++ })
	sub.Unsubscribe()
	_ = s.Set(ctx, "report_3", json.RawMessage(`{"reportID":"3"}`))
	if calls != 0 {
		t.Fatalf("unsubscribed callback fired %d times", calls)
	}
}
