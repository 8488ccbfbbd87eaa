// Package audit implements a tenant-partitioned, hash-chained audit log.
//
// Each tenant owns an independent append-only chain: every entry embeds the
// hash of its predecessor and a hash over its own content, so retroactive
// modification of any stored entry is detectable by recomputing the chain.
// When the chain store is unreachable, events are diverted to a local
// newline-delimited JSON fallback log and replayed later.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the coarse category of an audited action.
type EventType string

const (
	EventTypeAuth   EventType = "AUTH"
	EventTypeAccess EventType = "ACCESS"
	EventTypeModify EventType = "MODIFY"
	EventTypeAdmin  EventType = "ADMIN"
)

// Compliance tags recognized by the retention resolver. Unknown tags are
// carried on the entry but do not affect retention.
const (
	TagHIPAA  = "HIPAA"
	TagSOC2   = "SOC2"
	TagGDPR   = "GDPR"
	TagPCIDSS = "PCI-DSS"
)

// Actor identifies who triggered an event. Both fields may be empty for
// system-triggered events; both may be set when a service acts for a user.
type Actor struct {
	UserID         string `json:"user_id,omitempty"`
	ServiceAccount string `json:"service_account,omitempty"`
}

// Changes is an optional before/after snapshot for modification events.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// Event is the caller-supplied description of something that happened.
// Tenant identity, provenance and timestamps come from request context;
// the logger assigns everything chain-related.
type Event struct {
	Actor          Actor          `json:"actor"`
	EventType      EventType      `json:"event_type"`
	EventName      string         `json:"event_name"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Changes        *Changes       `json:"changes,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	ComplianceTags []string       `json:"compliance_tags,omitempty"`
}

// Entry is one immutable record in a tenant's chain. ID, CreatedAt,
// PreviousHash, CurrentHash and RetentionUntil are assigned exactly once by
// the Logger; callers never set them.
type Entry struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Actor          Actor          `json:"actor"`
	EventType      EventType      `json:"event_type"`
	EventName      string         `json:"event_name"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Changes        *Changes       `json:"changes,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	ComplianceTags []string       `json:"compliance_tags,omitempty"`
	PreviousHash   string         `json:"previous_hash"`
	CurrentHash    string         `json:"current_hash"`
	CreatedAt      time.Time      `json:"created_at"`
	RetentionUntil time.Time      `json:"retention_until"`
}

// Filter narrows a chain store query. Zero-valued fields are ignored.
type Filter struct {
	ActorUserID   string
	EventType     EventType
	EventName     string
	ResourceType  string
	ResourceID    string
	ComplianceTag string
}

// Query describes one chain store read.
type Query struct {
	TenantID string
	Filter   Filter
	From     time.Time
	To       time.Time
	// OldestFirst orders ascending by creation; the integrity verifier
	// requires it for chain walking. General queries default to newest-first.
	OldestFirst bool
	Limit       int
	Offset      int
}
