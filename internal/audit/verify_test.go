package audit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainlog/internal/audit"
	"chainlog/internal/audit/store/memory"
)

func buildChain(t *testing.T, store *memory.Store, tenant string, n int) []*audit.Entry {
	t.Helper()
	logger, _ := newTestLogger(t, store)
	ctx := tenantCtx(tenant)

	entries := make([]*audit.Entry, 0, n)
	for i := 0; i < n; i++ {
		entry := logger.LogEvent(ctx, loginEvent("user.login"))
		require.NotNil(t, entry)
		entries = append(entries, entry)
	}
	return entries
}

func TestVerifyChain_ValidChain(t *testing.T) {
	store := memory.New()
	buildChain(t, store, "T1", 5)

	report, err := audit.NewVerifier(store).VerifyChain(tenantCtx("T1"), "T1", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.True(t, report.Verified)
	assert.Equal(t, 5, report.TotalEntries)
	assert.Empty(t, report.Violations)
	assert.False(t, report.FirstEntry.IsZero())
	assert.False(t, report.LastEntry.IsZero())
}

func TestVerifyChain_EmptyTenantIsVerified(t *testing.T) {
	store := memory.New()

	report, err := audit.NewVerifier(store).VerifyChain(tenantCtx("T-empty"), "T-empty", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.True(t, report.Verified)
	assert.Equal(t, 0, report.TotalEntries)
	assert.NotEmpty(t, report.Message, "absence of entries is explained, not flagged")
}

func TestVerifyChain_DetectsTamperedEntry(t *testing.T) {
	store := memory.New()
	buildChain(t, store, "T1", 4)

	// Mutate entry 1's payload directly in the store, bypassing the logger,
	// the way a direct database edit would.
	require.True(t, store.Tamper("T1", 1, func(e *audit.Entry) {
		e.EventData = map[string]any{"method": "forged"}
	}))

	report, err := audit.NewVerifier(store).VerifyChain(tenantCtx("T1"), "T1", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.False(t, report.Verified)
	assert.Equal(t, 4, report.TotalEntries)
	require.Len(t, report.Violations, 2)

	// The tampered entry no longer hashes to its stored value.
	assert.Equal(t, audit.ViolationHashMismatch, report.Violations[0].Kind)
	assert.Equal(t, 1, report.Violations[0].Position)

	// And its successor's recorded previous_hash no longer matches the
	// recomputed hash, so that link is broken.
	assert.Equal(t, audit.ViolationBrokenLink, report.Violations[1].Kind)
	assert.Equal(t, 2, report.Violations[1].Position)
}

func TestVerifyChain_TamperDoesNotCascade(t *testing.T) {
	store := memory.New()
	buildChain(t, store, "T1", 6)

	require.True(t, store.Tamper("T1", 2, func(e *audit.Entry) {
		e.EventData = map[string]any{"x": "y"}
	}))

	report, err := audit.NewVerifier(store).VerifyChain(tenantCtx("T1"), "T1", time.Time{}, time.Time{})
	require.NoError(t, err)

	// Entries 0-1 and 4-5 stay clean; only positions 2 and 3 are flagged.
	require.Len(t, report.Violations, 2)
	assert.Equal(t, 2, report.Violations[0].Position)
	assert.Equal(t, 3, report.Violations[1].Position)
}

func TestVerifyChain_DetectsRewrittenHash(t *testing.T) {
	store := memory.New()
	buildChain(t, store, "T1", 3)

	// An attacker who recomputes the tampered entry's hash still breaks the
	// link into its successor.
	require.True(t, store.Tamper("T1", 0, func(e *audit.Entry) {
		e.EventData = map[string]any{"method": "forged"}
		hash, err := audit.ComputeHash(e)
		require.NoError(t, err)
		e.CurrentHash = hash
	}))

	report, err := audit.NewVerifier(store).VerifyChain(tenantCtx("T1"), "T1", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.False(t, report.Verified)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, audit.ViolationBrokenLink, report.Violations[0].Kind)
	assert.Equal(t, 1, report.Violations[0].Position)
}
