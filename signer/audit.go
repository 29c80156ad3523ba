package signer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
)

// AuditEvent is what an audit record reports.
type AuditEvent int

const (
	// EventActivated: a provider passed its probe and became active.
	EventActivated AuditEvent = iota

	// EventFallback: a provider was found unavailable and the chain
	// moved past it.
	EventFallback

	// EventExhausted: no provider is left.
	EventExhausted

	EventSigned
	EventPolicyRejected
	EventFailed
	EventKeyGenerated
	EventKeyDestroyed
)

var auditEventStrings = map[AuditEvent]string{
	EventActivated:      "activated",
	EventFallback:       "fallback",
	EventExhausted:      "exhausted",
	EventSigned:         "signed",
	EventPolicyRejected: "policy-rejected",
	EventFailed:         "failed",
	EventKeyGenerated:   "key-generated",
	EventKeyDestroyed:   "key-destroyed",
}

func (e AuditEvent) String() string {
	if s, ok := auditEventStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("AuditEvent(%d)", int(e))
}

// MarshalText encodes the event by name.
func (e AuditEvent) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// AuditRecord is one append-only audit entry.
type AuditRecord struct {
	Time      time.Time  `json:"time"`
	Provider  string     `json:"provider"`
	Event     AuditEvent `json:"event"`
	Operation string     `json:"operation,omitempty"`
	KeyID     string     `json:"key,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

func (r AuditRecord) String() string {
	return fmt.Sprintf("%s %s %s %s %s %s", r.Time.UTC().Format(time.RFC3339Nano),
		r.Provider, r.Event, r.Operation, r.KeyID, r.Detail)
}

// AuditSink receives audit records in order.
type AuditSink interface {
	Record(rec AuditRecord) error
}

// MemoryAudit keeps records in memory.
type MemoryAudit struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (m *MemoryAudit) Record(rec AuditRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of every record so far.
func (m *MemoryAudit) Records() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditRecord(nil), m.records...)
}

// Count returns the number of records of kind ev.
func (m *MemoryAudit) Count(ev AuditEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Event == ev {
			n++
		}
	}
	return n
}

// FileAudit appends JSON lines to a size rotated file.
type FileAudit struct {
	mu sync.Mutex
	r  *rotator.Rotator
}

// NewFileAudit opens path for appending, rotating it every thresholdKB
// kilobytes and keeping maxRolls old files.
func NewFileAudit(path string, thresholdKB int64, maxRolls int) (*FileAudit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	r, err := rotator.New(path, thresholdKB, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("audit file: %w", err)
	}
	return &FileAudit{r: r}, nil
}

func (f *FileAudit) Record(rec AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.r.Write(line)
	return err
}

// Close flushes and closes the file.
func (f *FileAudit) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.r.Close()
}

// multiAudit fans records out to several sinks and returns the first
// error.
type multiAudit []AuditSink

func (m multiAudit) Record(rec AuditRecord) error {
	var first error
	for _, s := range m {
		if err := s.Record(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MultiAudit records to every sink.
func MultiAudit(sinks ...AuditSink) AuditSink {
	return multiAudit(sinks)
}
