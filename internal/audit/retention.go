package audit

import "time"

const day = 24 * time.Hour

// defaultRetention applies when no recognized compliance tag is present.
const defaultRetention = 730 * day

// retentionByTag maps recognized compliance tags to their retention horizon.
var retentionByTag = map[string]time.Duration{
	TagHIPAA:  2190 * day,
	TagSOC2:   2555 * day,
	TagGDPR:   1095 * day,
	TagPCIDSS: 365 * day,
}

// ResolveRetention returns the earliest time the entry may be purged.
// When multiple recognized tags are present the longest retention wins, so
// the result never depends on tag order. Unrecognized tags are ignored.
func ResolveRetention(tags []string, now time.Time) time.Time {
	retention := time.Duration(0)
	for _, tag := range tags {
		if d, ok := retentionByTag[tag]; ok && d > retention {
			retention = d
		}
	}
	if retention == 0 {
		retention = defaultRetention
	}
	return now.Add(retention)
}
