// Package fallback is the local durable sink used when the chain store is
// unreachable. It deliberately depends on nothing but the filesystem: its
// entire purpose is to survive every other dependency being down.
//
// Records are newline-delimited JSON, one file per UTC calendar day. A fully
// replayed file is archived by renaming it with a ".replayed" suffix and
// left in place, retaining an audit trail of the audit system itself.
package fallback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reason codes recorded on fallback records.
const (
	ReasonNoTenantContext = "no_tenant_context"
	ReasonDatabaseError   = "database_error"
	ReasonSerialization   = "serialization_error"
	ReasonChainConflict   = "chain_conflict"
)

const (
	filePrefix     = "fallback-"
	fileExt        = ".ndjson"
	archivedSuffix = ".replayed"
	// stagedSuffix marks a file being replayed. Staging renames the file out
	// of the active append path, so events re-diverted during replay land in
	// a fresh daily file instead of the one being drained.
	stagedSuffix = ".replaying"

	fallbackDirMode = 0o750
	// Owner read/write only: fallback files hold the same sensitive payloads
	// as the audit store and must not be world-readable.
	fallbackFileMode = 0o600
)

// Record is one fallback line: the original event payload plus routing
// metadata. Event stays raw so a record survives round-tripping even when
// the payload could not be decoded.
type Record struct {
	Fallback  bool      `json:"_fallback"`
	Reason    string    `json:"_fallback_reason"`
	Timestamp time.Time `json:"_fallback_timestamp"`
	// Replayed marks a line as already processed. The replay path itself
	// tracks completion per file (archival rename), never by rewriting
	// lines; this flag exists for files marked line-by-line outside the
	// service, e.g. by operator tooling that salvages a partial file.
	Replayed  bool            `json:"_replayed,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	EventName string          `json:"event_name,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	// Error carries marshalling detail when Event is absent.
	Error string `json:"error,omitempty"`
}

// Log appends records to per-day NDJSON files under a single directory.
type Log struct {
	dir string

	// mu serializes writers within this process. Across processes the
	// O_APPEND single-write discipline keeps lines whole.
	mu sync.Mutex
}

func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, fallbackDirMode); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Dir returns the directory the log writes to.
func (l *Log) Dir() string {
	return l.dir
}

// Write appends one record as a single line to today's file. A returned
// error means the event is genuinely at risk of loss; callers must escalate
// it loudly.
func (l *Log) Write(rec *Record) error {
	rec.Fallback = true
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fallback record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, fileNameFor(rec.Timestamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fallbackFileMode)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append fallback record: %w", err)
	}
	return nil
}

// PendingFiles lists not-yet-archived daily files, oldest first. The date in
// the file name sorts lexicographically, so a plain sort is chronological.
func (l *Log) PendingFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list fallback dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		// Staged files count as pending: they survive a crash mid-replay
		// and are picked up again on the next pass.
		if !strings.HasSuffix(name, fileExt) && !strings.HasSuffix(name, fileExt+stagedSuffix) {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Stage renames a pending file out of the active append path before replay.
// Staging an already-staged file returns its path unchanged.
func (l *Log) Stage(path string) (string, error) {
	if strings.HasSuffix(path, stagedSuffix) {
		return path, nil
	}
	staged := path + stagedSuffix
	if err := os.Rename(path, staged); err != nil {
		return "", fmt.Errorf("stage %s: %w", path, err)
	}
	return staged, nil
}

// ReadRecords parses a fallback file line by line. Malformed lines are
// returned as errors alongside the records that did parse; one bad line
// never hides the rest of the file.
func (l *Log) ReadRecords(path string) ([]Record, []error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, []error{fmt.Errorf("open %s: %w", path, err)}
	}
	defer f.Close()

	var (
		records []Record
		errs    []error
		lineNo  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", filepath.Base(path), lineNo, err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("read %s: %w", path, err))
	}
	return records, errs
}

// Archive renames a fully-processed file out of the pending set. Archiving
// an already-archived or missing file is a no-op.
func (l *Log) Archive(path string) error {
	if strings.HasSuffix(path, archivedSuffix) {
		return nil
	}
	target := strings.TrimSuffix(path, stagedSuffix) + archivedSuffix
	err := os.Rename(path, target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}

// Stats summarizes the pending backlog for operational monitoring.
type Stats struct {
	PendingFiles   int `json:"pending_files"`
	PendingRecords int `json:"pending_records"`
}

// Stat counts pending files and their records.
func (l *Log) Stat() (Stats, error) {
	files, err := l.PendingFiles()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{PendingFiles: len(files)}
	for _, path := range files {
		records, _ := l.ReadRecords(path)
		stats.PendingRecords += len(records)
	}
	return stats, nil
}

func fileNameFor(t time.Time) string {
	return filePrefix + t.UTC().Format("2006-01-02") + fileExt
}
