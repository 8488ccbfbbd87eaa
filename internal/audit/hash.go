package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// hashPayload is the canonical serialization input for ComputeHash.
// encoding/json marshals struct fields in declaration order and map keys in
// lexicographic order, so the same logical entry always serializes to the
// same bytes regardless of how the in-memory maps were built.
type hashPayload struct {
	ActorUserID  string         `json:"actor_user_id"`
	Changes      *Changes       `json:"changes"`
	CreatedAt    string         `json:"created_at"`
	EventData    map[string]any `json:"event_data"`
	EventName    string         `json:"event_name"`
	EventType    EventType      `json:"event_type"`
	IPAddress    string         `json:"ip_address"`
	PreviousHash string         `json:"previous_hash"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type"`
	TenantID     string         `json:"tenant_id"`
}

// ComputeHash returns the SHA-256 hex digest over the entry's chained fields
// plus its PreviousHash. It is a pure function of its input: no I/O, no
// randomness, no clock access beyond the entry's own CreatedAt.
func ComputeHash(e *Entry) (string, error) {
	payload := hashPayload{
		ActorUserID:  e.Actor.UserID,
		Changes:      e.Changes,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		EventData:    e.EventData,
		EventName:    e.EventName,
		EventType:    e.EventType,
		IPAddress:    e.IPAddress,
		PreviousHash: e.PreviousHash,
		ResourceID:   e.ResourceID,
		ResourceType: e.ResourceType,
		TenantID:     e.TenantID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize entry for hashing: %w", err)
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}
