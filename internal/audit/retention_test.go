package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveRetention(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tags []string
		want time.Time
	}{
		{"no tags defaults to 730 days", nil, now.Add(730 * day)},
		{"unrecognized tags default to 730 days", []string{"ISO-27001"}, now.Add(730 * day)},
		{"hipaa", []string{TagHIPAA}, now.Add(2190 * day)},
		{"soc2", []string{TagSOC2}, now.Add(2555 * day)},
		{"gdpr", []string{TagGDPR}, now.Add(1095 * day)},
		{"pci-dss", []string{TagPCIDSS}, now.Add(365 * day)},
		{"longest retention wins", []string{TagPCIDSS, TagSOC2, TagGDPR}, now.Add(2555 * day)},
		{"order does not matter", []string{TagSOC2, TagPCIDSS, TagGDPR}, now.Add(2555 * day)},
		{"recognized beats default even when shorter", []string{TagPCIDSS}, now.Add(365 * day)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveRetention(tt.tags, now))
		})
	}
}

func TestResolveRetention_Deterministic(t *testing.T) {
	now := time.Now()
	first := ResolveRetention([]string{TagHIPAA, TagGDPR}, now)
	second := ResolveRetention([]string{TagHIPAA, TagGDPR}, now)
	assert.Equal(t, first, second)
}
