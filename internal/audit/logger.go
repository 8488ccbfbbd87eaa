package audit

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainlog/internal/audit/fallback"
	"chainlog/internal/audit/metrics"
	"chainlog/pkg/requestcontext"
)

const (
	// casRetries bounds how often LogEvent refetches the chain head after a
	// lost compare-and-swap before giving up and falling back.
	casRetries = 3

	tenantLockStripes = 64
)

// Logger is the audit orchestrator. For each event it resolves the tenant,
// fetches the previous hash (cache then store), computes retention and the
// content hash, and appends to the chain store; any failure diverts the
// event to the fallback log instead.
//
// LogEvent never returns an error: audit logging is best-effort from the
// caller's perspective and must not abort the business operation that
// triggered it.
type Logger struct {
	store    ChainStore
	fallback *fallback.Log
	cache    LastHashCache
	mirror   EntryMirror
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	storeTimeout time.Duration

	// tenantLocks serializes same-tenant read-hash-append sequences within
	// this process so concurrent writers don't burn CAS retries against
	// each other. The store's conditional append remains the real guard.
	tenantLocks [tenantLockStripes]sync.Mutex

	clock func() time.Time
	newID func() uuid.UUID
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithCache sets the last-hash cache.
func WithCache(cache LastHashCache) Option {
	return func(l *Logger) { l.cache = cache }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithMirror sets the best-effort entry mirror.
func WithMirror(mirror EntryMirror) Option {
	return func(l *Logger) { l.mirror = mirror }
}

// WithStoreTimeout bounds each chain store call. A timeout is treated the
// same as the store being unavailable.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Logger) { l.storeTimeout = d }
}

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLogger constructs the audit orchestrator.
func NewLogger(store ChainStore, fb *fallback.Log, opts ...Option) *Logger {
	l := &Logger{
		store:        store,
		fallback:     fb,
		logger:       slog.Default(),
		tracer:       otel.Tracer("chainlog/audit"),
		storeTimeout: 5 * time.Second,
		newID:        uuid.New,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent records one audit event. It returns the persisted entry, or nil
// when the event was diverted to the fallback log. It is safe for concurrent
// use, including concurrent calls for the same tenant.
func (l *Logger) LogEvent(ctx context.Context, event Event) *Entry {
	ctx, span := l.tracer.Start(ctx, "audit.LogEvent",
		trace.WithAttributes(attribute.String("audit.event_name", event.EventName)))
	defer span.End()

	// When the caller names no actor, fall back to the identity the ingest
	// middleware resolved into the context.
	if event.Actor.UserID == "" {
		event.Actor.UserID = requestcontext.ActorUserID(ctx)
	}
	if event.Actor.ServiceAccount == "" {
		event.Actor.ServiceAccount = requestcontext.ServiceAccount(ctx)
	}

	tenantID := requestcontext.TenantID(ctx)
	if tenantID == "" {
		// A missing tenant makes the chain meaningless; skip the doomed
		// store write and go straight to fallback.
		l.divert(ctx, "", event, fallback.ReasonNoTenantContext, errors.New("no tenant in context"))
		return nil
	}
	span.SetAttributes(attribute.String("audit.tenant_id", tenantID))

	entry := l.appendChained(ctx, tenantID, event)
	if entry != nil {
		// The entry is durable by now; publishing outside the stripe lock
		// keeps a slow mirror from stalling other writers on this stripe.
		l.publishMirror(ctx, entry)
	}
	return entry
}

// appendChained runs the lock-fetch-hash-append sequence; it returns nil
// after diverting the event to the fallback log.
func (l *Logger) appendChained(ctx context.Context, tenantID string, event Event) *Entry {
	lock := &l.tenantLocks[stripeFor(tenantID)]
	lock.Lock()
	defer lock.Unlock()

	prevHash, ok := l.cachedHash(ctx, tenantID)
	if !ok {
		var err error
		prevHash, err = l.latestHash(ctx, tenantID)
		if err != nil {
			l.divert(ctx, tenantID, event, fallback.ReasonDatabaseError, err)
			return nil
		}
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		entry, err := l.buildEntry(ctx, tenantID, event, prevHash)
		if err != nil {
			l.divert(ctx, tenantID, event, fallback.ReasonSerialization, err)
			return nil
		}

		err = l.append(ctx, entry)
		switch {
		case err == nil:
			if l.cache != nil {
				l.cache.Set(ctx, tenantID, entry.CurrentHash)
			}
			if l.metrics != nil {
				l.metrics.EntriesLogged.Inc()
			}
			return entry

		case errors.Is(err, ErrChainConflict):
			// Another writer advanced the chain head; drop the cached hash
			// and rebuild against the store's view.
			if l.metrics != nil {
				l.metrics.ChainConflicts.Inc()
			}
			if l.cache != nil {
				l.cache.Forget(tenantID)
			}
			prevHash, err = l.latestHash(ctx, tenantID)
			if err != nil {
				l.divert(ctx, tenantID, event, fallback.ReasonDatabaseError, err)
				return nil
			}

		default:
			l.divert(ctx, tenantID, event, fallback.ReasonDatabaseError, err)
			return nil
		}
	}

	l.divert(ctx, tenantID, event, fallback.ReasonChainConflict,
		errors.New("chain head kept moving"))
	return nil
}

func (l *Logger) buildEntry(ctx context.Context, tenantID string, event Event, prevHash string) (*Entry, error) {
	entry := &Entry{
		ID:             l.newID(),
		TenantID:       tenantID,
		Actor:          event.Actor,
		EventType:      event.EventType,
		EventName:      event.EventName,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		EventData:      event.EventData,
		Changes:        event.Changes,
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		ComplianceTags: event.ComplianceTags,
		PreviousHash:   prevHash,
		// Microsecond precision matches what timestamptz can store, so a hash
		// recomputed from a persisted row equals the hash computed here.
		CreatedAt: l.now(ctx).UTC().Truncate(time.Microsecond),
	}
	entry.RetentionUntil = ResolveRetention(entry.ComplianceTags, entry.CreatedAt)

	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, err
	}
	entry.CurrentHash = hash
	return entry, nil
}

// now prefers an explicit test clock, then the request-scoped time the
// middleware stamped into the context, so every entry logged in one request
// shares a timestamp.
func (l *Logger) now(ctx context.Context) time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return requestcontext.Now(ctx)
}

func (l *Logger) cachedHash(ctx context.Context, tenantID string) (string, bool) {
	if l.cache == nil {
		return "", false
	}
	return l.cache.Get(ctx, tenantID)
}

func (l *Logger) latestHash(ctx context.Context, tenantID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	return l.store.LatestHash(ctx, tenantID)
}

func (l *Logger) append(ctx context.Context, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	start := time.Now()
	err := l.store.Append(ctx, entry)
	if l.metrics != nil {
		l.metrics.StoreLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

// divert writes the event to the fallback log. A fallback write failure is
// the single highest-severity condition in this system: the event is now
// genuinely at risk of loss, so it is logged at ERROR and counted, but still
// not surfaced to the caller.
func (l *Logger) divert(ctx context.Context, tenantID string, event Event, reason string, cause error) {
	if l.metrics != nil {
		l.metrics.FallbackWrites.WithLabelValues(reason).Inc()
	}
	l.logger.WarnContext(ctx, "audit event diverted to fallback",
		"tenant_id", tenantID,
		"event_name", event.EventName,
		"reason", reason,
		"error", cause,
	)

	rec := &fallback.Record{
		Reason:    reason,
		Timestamp: l.now(ctx).UTC(),
		TenantID:  tenantID,
		EventName: event.EventName,
	}
	if raw, err := json.Marshal(event); err != nil {
		rec.Error = err.Error()
	} else {
		rec.Event = raw
	}

	if err := l.fallback.Write(rec); err != nil {
		if l.metrics != nil {
			l.metrics.FallbackWriteFailures.Inc()
		}
		l.logger.ErrorContext(ctx, "CRITICAL: fallback write failed, audit event may be lost",
			"tenant_id", tenantID,
			"event_name", event.EventName,
			"reason", reason,
			"error", err,
		)
	}
}

func (l *Logger) publishMirror(ctx context.Context, entry *Entry) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Publish(ctx, entry); err != nil {
		if l.metrics != nil {
			l.metrics.MirrorFailures.Inc()
		}
		l.logger.WarnContext(ctx, "mirror publish failed",
			"tenant_id", entry.TenantID,
			"entry_id", entry.ID,
			"error", err,
		)
	}
}

func stripeFor(tenantID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return h.Sum32() % tenantLockStripes
}
