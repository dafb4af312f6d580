// Package storage defines durable persistence for audit records. The
// postgres and sqlite packages implement it; AuditSink adapts any
// implementation to the audit batcher.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/porthorian/openguard/pkg/audit"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var ErrNilStore = errors.New("storage: audit log store is nil")

type AuditRecord struct {
	ID          string
	DateAdded   time.Time
	OccurredAt  time.Time
	Action      string
	PrincipalID string
	Resource    string
	Outcome     string
	IPAddress   string
	Metadata    map[string]string
}

// AuditQuery selects records newest first. An empty PrincipalID matches
// every principal and a zero Since matches every time.
type AuditQuery struct {
	PrincipalID string
	Since       time.Time
	Limit       int
}

// EffectiveLimit clamps Limit into [1, MaxListLimit], zero meaning the default.
func (q AuditQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return q.Limit
	}
}

type AuditLogStore interface {
	// PutAuditBatch writes every record or none of them.
	PutAuditBatch(ctx context.Context, records []AuditRecord) error
	ListAudit(ctx context.Context, query AuditQuery) ([]AuditRecord, error)
}

type Store interface {
	AuditLogStore
	Close() error
}

func RecordFromEvent(event audit.Event) AuditRecord {
	return AuditRecord{
		ID:          event.ID,
		OccurredAt:  event.Timestamp.UTC(),
		Action:      event.Action,
		PrincipalID: event.PrincipalID,
		Resource:    event.Resource,
		Outcome:     string(event.Outcome),
		IPAddress:   event.IP,
		Metadata:    event.Metadata,
	}
}

// AuditSink writes audit batches to an AuditLogStore.
type AuditSink struct {
	Store AuditLogStore
}

var _ audit.Sink = AuditSink{}

func (s AuditSink) WriteBatch(ctx context.Context, events []audit.Event) error {
	if s.Store == nil {
		return ErrNilStore
	}
	if len(events) == 0 {
		return nil
	}

	records := make([]AuditRecord, 0, len(events))
	for _, event := range events {
		records = append(records, RecordFromEvent(event))
	}
	return s.Store.PutAuditBatch(ctx, records)
}

// EncodeMetadata renders metadata as a JSON object, nil becoming "{}".
func EncodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}
