package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format selects an export rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	// FormatCEF renders one ArcSight CEF line per entry for SIEM ingestion.
	FormatCEF Format = "cef"
)

// ParseFormat validates a caller-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatCEF:
		return FormatCEF, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the HTTP content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatCEF:
		return "text/plain"
	default:
		return "application/json"
	}
}

// exportEntry is the JSON export shape. Field names follow the external
// export contract, which predates this implementation (organization_id,
// hash), not the internal entry shape.
type exportEntry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	EventName      string         `json:"event_name"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Changes        *Changes       `json:"changes,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	ComplianceTags []string       `json:"compliance_tags,omitempty"`
	Hash           string         `json:"hash"`
}

// Export renders entries to w in the requested format. It is read-only and
// works on whatever query result the caller supplies.
func Export(w io.Writer, entries []*Entry, format Format) error {
	switch format {
	case FormatCSV:
		return exportCSV(w, entries)
	case FormatCEF:
		return exportCEF(w, entries)
	case FormatJSON, "":
		return exportJSON(w, entries)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func exportJSON(w io.Writer, entries []*Entry) error {
	out := make([]exportEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, exportEntry{
			ID:             e.ID.String(),
			Timestamp:      e.CreatedAt,
			OrganizationID: e.TenantID,
			UserID:         e.Actor.UserID,
			EventType:      e.EventType,
			EventName:      e.EventName,
			ResourceType:   e.ResourceType,
			ResourceID:     e.ResourceID,
			EventData:      e.EventData,
			Changes:        e.Changes,
			IPAddress:      e.IPAddress,
			UserAgent:      e.UserAgent,
			ComplianceTags: e.ComplianceTags,
			Hash:           e.CurrentHash,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var csvHeader = []string{
	"Timestamp", "Organization ID", "User ID", "Event Type", "Event Name",
	"Resource Type", "Resource ID", "IP Address", "Compliance Tags", "Hash",
}

func exportCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.TenantID,
			e.Actor.UserID,
			string(e.EventType),
			e.EventName,
			e.ResourceType,
			e.ResourceID,
			e.IPAddress,
			strings.Join(e.ComplianceTags, ";"),
			e.CurrentHash,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

const (
	cefVendor  = "Chainlog"
	cefProduct = "AuditLog"
	cefVersion = "1.0"
	// cefSeverity is fixed: audit entries are informational findings, not
	// graded alerts.
	cefSeverity = "3"
)

func exportCEF(w io.Writer, entries []*Entry) error {
	for _, e := range entries {
		line := fmt.Sprintf(
			"CEF:0|%s|%s|%s|%s|%s|%s|duid=%s src=%s act=%s dvc=%s cs1Label=ResourceType cs1=%s cs2Label=ResourceID cs2=%s cs3Label=Hash cs3=%s\n",
			cefVendor,
			cefProduct,
			cefVersion,
			cefEscape(string(e.EventType)),
			cefEscape(e.EventName),
			cefSeverity,
			cefEscapeExt(e.Actor.UserID),
			cefEscapeExt(e.IPAddress),
			cefEscapeExt(e.EventName),
			cefEscapeExt(e.TenantID),
			cefEscapeExt(e.ResourceType),
			cefEscapeExt(e.ResourceID),
			cefEscapeExt(e.CurrentHash),
		)
		if _, err := io.WriteString(w, line); err != nil {
			return fmt.Errorf("write cef line: %w", err)
		}
	}
	return nil
}

// cefEscape escapes the CEF header delimiters.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

// cefExtReplacer escapes the CEF extension delimiters: backslash, the
// key=value separator, and line breaks.
var cefExtReplacer = strings.NewReplacer(
	`\`, `\\`,
	`=`, `\=`,
	"\n", `\n`,
	"\r", `\r`,
)

func cefEscapeExt(s string) string {
	return cefExtReplacer.Replace(s)
}
