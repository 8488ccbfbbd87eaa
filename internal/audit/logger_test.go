package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainlog/internal/audit"
	"chainlog/internal/audit/cache"
	"chainlog/internal/audit/fallback"
	"chainlog/internal/audit/metrics"
	"chainlog/internal/audit/store/memory"
	"chainlog/pkg/requestcontext"
)

// unavailableStore fails every call the way an unreachable database would.
type unavailableStore struct{}

func (unavailableStore) LatestHash(context.Context, string) (string, error) {
	return "", audit.ErrStoreUnavailable
}

func (unavailableStore) Append(context.Context, *audit.Entry) error {
	return audit.ErrStoreUnavailable
}

func (unavailableStore) Query(context.Context, audit.Query) ([]*audit.Entry, error) {
	return nil, audit.ErrStoreUnavailable
}

func newTestLogger(t *testing.T, store audit.ChainStore, opts ...audit.Option) (*audit.Logger, *fallback.Log) {
	t.Helper()
	fb, err := fallback.New(t.TempDir())
	require.NoError(t, err)

	base := []audit.Option{
		audit.WithCache(cache.New()),
		audit.WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	return audit.NewLogger(store, fb, append(base, opts...)...), fb
}

func tenantCtx(tenant string) context.Context {
	return requestcontext.WithTenantID(context.Background(), tenant)
}

func loginEvent(name string) audit.Event {
	return audit.Event{
		EventType: audit.EventTypeAuth,
		EventName: name,
		Actor:     audit.Actor{UserID: "alice"},
		EventData: map[string]any{"method": "password"},
	}
}

func TestLogEvent_BuildsChain(t *testing.T) {
	store := memory.New()
	logger, _ := newTestLogger(t, store)
	ctx := tenantCtx("T1")

	first := logger.LogEvent(ctx, loginEvent("user.login"))
	require.NotNil(t, first)
	second := logger.LogEvent(ctx, loginEvent("user.login"))
	require.NotNil(t, second)
	third := logger.LogEvent(ctx, loginEvent("role.created"))
	require.NotNil(t, third)

	assert.Empty(t, first.PreviousHash)
	assert.Equal(t, first.CurrentHash, second.PreviousHash)
	assert.Equal(t, second.CurrentHash, third.PreviousHash)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "T1", first.TenantID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, first.CreatedAt.Add(730*24*time.Hour), first.RetentionUntil)
}

func TestLogEvent_TenantChainsAreIndependent(t *testing.T) {
	store := memory.New()
	logger, _ := newTestLogger(t, store)

	a := logger.LogEvent(tenantCtx("tenant-a"), loginEvent("user.login"))
	require.NotNil(t, a)
	b := logger.LogEvent(tenantCtx("tenant-b"), loginEvent("user.login"))
	require.NotNil(t, b)

	// Each tenant starts its own chain; neither references the other.
	assert.Empty(t, a.PreviousHash)
	assert.Empty(t, b.PreviousHash)
	assert.NotEqual(t, a.CurrentHash, b.CurrentHash)
}

func TestLogEvent_NoTenantGoesStraightToFallback(t *testing.T) {
	store := memory.New()
	logger, fb := newTestLogger(t, store)

	entry := logger.LogEvent(context.Background(), loginEvent("user.login"))
	assert.Nil(t, entry)

	records := pendingRecords(t, fb)
	require.Len(t, records, 1)
	assert.Equal(t, fallback.ReasonNoTenantContext, records[0].Reason)
	assert.Empty(t, records[0].TenantID)

	// Nothing reached the store.
	entries, err := store.Query(context.Background(), audit.Query{TenantID: ""})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogEvent_StoreFailureDivertsToFallback(t *testing.T) {
	logger, fb := newTestLogger(t, unavailableStore{})

	entry := logger.LogEvent(tenantCtx("T1"), loginEvent("user.login"))
	assert.Nil(t, entry, "log_event returns nil, never an error")

	records := pendingRecords(t, fb)
	require.Len(t, records, 1)
	assert.Equal(t, fallback.ReasonDatabaseError, records[0].Reason)
	assert.Equal(t, "T1", records[0].TenantID)

	var event audit.Event
	require.NoError(t, json.Unmarshal(records[0].Event, &event))
	assert.Equal(t, "user.login", event.EventName)
}

func TestLogEvent_RecoversFromStaleCache(t *testing.T) {
	store := memory.New()
	lastHash := cache.New()
	logger, fb := newTestLogger(t, store, audit.WithCache(lastHash))
	ctx := tenantCtx("T1")

	require.NotNil(t, logger.LogEvent(ctx, loginEvent("user.login")))

	// Poison the cache the way a concurrent writer in another process
	// would: the store has moved on from what we cached.
	lastHash.Set(ctx, "T1", "stale-hash")

	entry := logger.LogEvent(ctx, loginEvent("user.logout"))
	require.NotNil(t, entry, "CAS retry should recover from a stale cached hash")

	records := pendingRecords(t, fb)
	assert.Empty(t, records)

	entries, err := store.Query(ctx, audit.Query{TenantID: "T1", OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].CurrentHash, entries[1].PreviousHash)
}

func TestLogEvent_ConcurrentSameTenant(t *testing.T) {
	store := memory.New()
	logger, fb := newTestLogger(t, store)
	ctx := tenantCtx("T1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.LogEvent(ctx, loginEvent("user.login"))
		}()
	}
	wg.Wait()

	records := pendingRecords(t, fb)
	assert.Empty(t, records, "no event should fall back under pure contention")

	entries, err := store.Query(ctx, audit.Query{TenantID: "T1", OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, entries, n)

	prev := ""
	for _, e := range entries {
		assert.Equal(t, prev, e.PreviousHash)
		prev = e.CurrentHash
	}
}

func TestLogEvent_FallbackWriteFailureDoesNotPanic(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind for root")
	}

	dir := t.TempDir()
	fb, err := fallback.New(dir)
	require.NoError(t, err)

	// Revoke write permission after setup so the divert's file write fails.
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o750) })

	m := metrics.New(prometheus.NewRegistry())
	logger := audit.NewLogger(unavailableStore{}, fb,
		audit.WithCache(cache.New()),
		audit.WithMetrics(m),
	)

	// Store down and fallback unwritable: the event is at risk of loss, but
	// the caller still gets a calm nil.
	entry := logger.LogEvent(tenantCtx("T1"), loginEvent("user.login"))
	assert.Nil(t, entry)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.FallbackWriteFailures))

	files, err := fb.PendingFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLogEvent_UnserializableEventDiverts(t *testing.T) {
	store := memory.New()
	logger, fb := newTestLogger(t, store)

	event := loginEvent("user.login")
	event.EventData = map[string]any{"conn": make(chan int)}

	entry := logger.LogEvent(tenantCtx("T1"), event)
	assert.Nil(t, entry)

	records := pendingRecords(t, fb)
	require.Len(t, records, 1)
	assert.Equal(t, fallback.ReasonSerialization, records[0].Reason)
	// The payload itself cannot be marshalled either; the record keeps the
	// marshalling error instead so the failure stays diagnosable.
	assert.Empty(t, records[0].Event)
	assert.NotEmpty(t, records[0].Error)

	entries, err := store.Query(context.Background(), audit.Query{TenantID: "T1"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogEvent_ActorDefaultsFromContext(t *testing.T) {
	store := memory.New()
	logger, _ := newTestLogger(t, store)

	ctx := requestcontext.WithActorUserID(tenantCtx("T1"), "bob")
	ctx = requestcontext.WithServiceAccount(ctx, "svc-provisioner")

	event := loginEvent("user.login")
	event.Actor = audit.Actor{}
	entry := logger.LogEvent(ctx, event)
	require.NotNil(t, entry)
	assert.Equal(t, "bob", entry.Actor.UserID)
	assert.Equal(t, "svc-provisioner", entry.Actor.ServiceAccount)

	// An actor named by the event wins over the context identity.
	entry = logger.LogEvent(ctx, loginEvent("user.login"))
	require.NotNil(t, entry)
	assert.Equal(t, "alice", entry.Actor.UserID)
}

func TestLogEvent_UsesRequestScopedTime(t *testing.T) {
	store := memory.New()
	logger, _ := newTestLogger(t, store)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ctx := requestcontext.WithTime(tenantCtx("T1"), at)

	first := logger.LogEvent(ctx, loginEvent("user.login"))
	require.NotNil(t, first)
	second := logger.LogEvent(ctx, loginEvent("user.logout"))
	require.NotNil(t, second)

	assert.True(t, at.Equal(first.CreatedAt))
	assert.True(t, at.Equal(second.CreatedAt), "entries in one request share the request timestamp")
}

// blockingMirror stalls its first publish until released; later publishes
// return immediately.
type blockingMirror struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMirror) Publish(context.Context, *audit.Entry) error {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()
	if first {
		close(m.entered)
		<-m.release
	}
	return nil
}

func TestLogEvent_SlowMirrorDoesNotBlockOtherWriters(t *testing.T) {
	store := memory.New()
	mirror := &blockingMirror{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	logger, _ := newTestLogger(t, store, audit.WithMirror(mirror))
	ctx := tenantCtx("T1")

	firstDone := make(chan *audit.Entry, 1)
	go func() {
		firstDone <- logger.LogEvent(ctx, loginEvent("user.login"))
	}()

	select {
	case <-mirror.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first publish never started")
	}

	// The first call is parked inside its mirror publish. A second append on
	// the same tenant must still go through.
	secondDone := make(chan *audit.Entry, 1)
	go func() {
		secondDone <- logger.LogEvent(ctx, loginEvent("user.logout"))
	}()

	select {
	case entry := <-secondDone:
		require.NotNil(t, entry)
	case <-time.After(5 * time.Second):
		t.Fatal("append blocked behind a slow mirror publish")
	}

	close(mirror.release)
	select {
	case entry := <-firstDone:
		require.NotNil(t, entry)
	case <-time.After(5 * time.Second):
		t.Fatal("first log call never finished")
	}

	entries, err := store.Query(ctx, audit.Query{TenantID: "T1", OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].CurrentHash, entries[1].PreviousHash)
}

func pendingRecords(t *testing.T, fb *fallback.Log) []fallback.Record {
	t.Helper()
	files, err := fb.PendingFiles()
	require.NoError(t, err)

	var records []fallback.Record
	for _, path := range files {
		recs, errs := fb.ReadRecords(path)
		require.Empty(t, errs)
		records = append(records, recs...)
	}
	return records
}
