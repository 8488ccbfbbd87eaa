package audit

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable marks chain store failures the logger recovers
	// from by writing to the fallback log. Implementations wrap it around
	// the underlying driver error.
	ErrStoreUnavailable = errors.New("chain store unavailable")

	// ErrChainConflict reports a lost compare-and-swap: another writer
	// appended to the same tenant chain between the previous-hash read and
	// this append. The logger refetches the latest hash and retries.
	ErrChainConflict = errors.New("chain head moved")
)

// ChainStore is the durable, shared persistence behind each tenant's chain.
//
// Append must be linearizable with respect to LatestHash for the same
// tenant: once Append returns nil, a subsequent LatestHash call from any
// process observes the new hash. Implementations enforce this with a
// conditional write on the chain head; violating it silently breaks the
// chain for concurrent writers.
type ChainStore interface {
	// LatestHash returns the CurrentHash of the tenant's newest entry, or
	// the empty string when the tenant has no entries yet.
	LatestHash(ctx context.Context, tenantID string) (string, error)

	// Append durably persists one fully-populated entry. It fails with
	// ErrChainConflict when entry.PreviousHash no longer matches the chain
	// head, and with ErrStoreUnavailable when the write cannot be committed.
	Append(ctx context.Context, entry *Entry) error

	// Query returns matching entries, newest-first unless q.OldestFirst.
	Query(ctx context.Context, q Query) ([]*Entry, error)
}

// LastHashCache is the in-process (optionally Redis-tiered) latest-hash
// cache. It is a latency optimization only and is never authoritative; the
// chain store's conditional append catches any staleness.
type LastHashCache interface {
	// Get returns the cached hash for a tenant and whether one was present.
	Get(ctx context.Context, tenantID string) (string, bool)
	// Set records the latest hash for a tenant after a successful append.
	Set(ctx context.Context, tenantID, hash string)
	// Forget drops a tenant's cached hash, forcing a store read next time.
	Forget(tenantID string)
}

// EntryMirror forwards successfully appended entries to a secondary sink
// (e.g. a SIEM ingest topic). Mirroring is best-effort and never affects the
// outcome of LogEvent.
type EntryMirror interface {
	Publish(ctx context.Context, entry *Entry) error
}
