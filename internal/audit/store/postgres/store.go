// Package postgres implements the chain store on PostgreSQL via database/sql.
//
// Linearizability between Append and LatestHash is enforced in a single
// statement: the insert only commits when the tenant's chain head still
// equals the entry's previous_hash, and a unique index on
// (tenant_id, previous_hash) rejects two appends claiming the same
// predecessor. Either guard failing surfaces as audit.ErrChainConflict.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"chainlog/internal/audit"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the chain store schema. All statements are
// IF NOT EXISTS, so running it on every startup is safe.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

const entryColumns = `
	id, tenant_id, actor_user_id, service_account, event_type, event_name,
	resource_type, resource_id, event_data, changes, ip_address, user_agent,
	compliance_tags, previous_hash, current_hash, created_at, retention_until`

func (s *Store) LatestHash(ctx context.Context, tenantID string) (string, error) {
	query := `
		SELECT current_hash FROM audit_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	var hash string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: latest hash: %w", audit.ErrStoreUnavailable, err)
	}
	return hash, nil
}

func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	eventData, err := marshalNullable(entry.EventData)
	if err != nil {
		return fmt.Errorf("marshal event_data: %w", err)
	}
	changes, err := marshalNullable(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}

	// The insert is conditional on the chain head: it matches exactly when
	// the newest entry for the tenant still carries previous_hash, or when
	// the chain is empty and previous_hash is ''.
	query := `
		INSERT INTO audit_entries (` + entryColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		WHERE COALESCE((
			SELECT current_hash FROM audit_entries
			WHERE tenant_id = $2
			ORDER BY created_at DESC, seq DESC
			LIMIT 1
		), '') = $14
	`
	res, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Actor.UserID,
		entry.Actor.ServiceAccount,
		string(entry.EventType),
		entry.EventName,
		entry.ResourceType,
		entry.ResourceID,
		eventData,
		changes,
		entry.IPAddress,
		entry.UserAgent,
		pq.Array(entry.ComplianceTags),
		entry.PreviousHash,
		entry.CurrentHash,
		entry.CreatedAt,
		entry.RetentionUntil,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return audit.ErrChainConflict
		}
		return fmt.Errorf("%w: append: %w", audit.ErrStoreUnavailable, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: append result: %w", audit.ErrStoreUnavailable, err)
	}
	if rows == 0 {
		return audit.ErrChainConflict
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{q.TenantID}
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, clause+"$"+strconv.Itoa(len(args)))
	}

	if q.Filter.ActorUserID != "" {
		add("actor_user_id = ", q.Filter.ActorUserID)
	}
	if q.Filter.EventType != "" {
		add("event_type = ", string(q.Filter.EventType))
	}
	if q.Filter.EventName != "" {
		add("event_name = ", q.Filter.EventName)
	}
	if q.Filter.ResourceType != "" {
		add("resource_type = ", q.Filter.ResourceType)
	}
	if q.Filter.ResourceID != "" {
		add("resource_id = ", q.Filter.ResourceID)
	}
	if q.Filter.ComplianceTag != "" {
		add("compliance_tags @> ARRAY[", q.Filter.ComplianceTag)
		where[len(where)-1] += "]::text[]"
	}
	if !q.From.IsZero() {
		add("created_at >= ", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= ", q.To)
	}

	order := "ORDER BY created_at DESC, seq DESC"
	if q.OldestFirst {
		order = "ORDER BY created_at ASC, seq ASC"
	}

	query := "SELECT " + entryColumns + " FROM audit_entries WHERE " +
		strings.Join(where, " AND ") + " " + order
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", audit.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %w", audit.ErrStoreUnavailable, err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*audit.Entry, error) {
	var (
		entry     audit.Entry
		eventType string
		eventData []byte
		changes   []byte
		tags      pq.StringArray
	)
	err := rows.Scan(
		&entry.ID,
		&entry.TenantID,
		&entry.Actor.UserID,
		&entry.Actor.ServiceAccount,
		&eventType,
		&entry.EventName,
		&entry.ResourceType,
		&entry.ResourceID,
		&eventData,
		&changes,
		&entry.IPAddress,
		&entry.UserAgent,
		&tags,
		&entry.PreviousHash,
		&entry.CurrentHash,
		&entry.CreatedAt,
		&entry.RetentionUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.EventType = audit.EventType(eventType)
	entry.ComplianceTags = tags
	if len(eventData) > 0 {
		if err := json.Unmarshal(eventData, &entry.EventData); err != nil {
			return nil, fmt.Errorf("decode event_data: %w", err)
		}
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &entry.Changes); err != nil {
			return nil, fmt.Errorf("decode changes: %w", err)
		}
	}
	return &entry, nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *audit.Changes:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
