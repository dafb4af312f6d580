// Package audit buffers audit events and hands them to a Sink in batches.
package audit

import (
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

type Event struct {
	ID          string
	Action      string
	PrincipalID string
	Resource    string
	Outcome     Outcome
	IP          string
	Timestamp   time.Time
	Metadata    map[string]string
}
