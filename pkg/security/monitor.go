// Package security records security-relevant events in a bounded ring
// buffer and escalates principals and IPs that cross failure thresholds.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/porthorian/openguard/pkg/store"
)

const (
	DefaultCapacity            = 1000
	DefaultFailedAuthThreshold = 5
	DefaultRateLimitThreshold  = 10
)

type Details struct {
	PrincipalID string
	IP          string
	Message     string
	Metadata    map[string]string
}

type Event struct {
	Type        EventType
	Severity    Severity
	PrincipalID string
	IP          string
	Message     string
	Metadata    map[string]string
	Timestamp   time.Time
}

// Observer is told about every event the monitor records, derived ones included.
type Observer interface {
	SecurityEvent(ctx context.Context, event Event)
}

type Config struct {
	Capacity            int
	FailedAuthThreshold int
	RateLimitThreshold  int
	// Store, when set, also keeps per-type counters shared across processes.
	Store     store.Store
	Namespace string
	Observer  Observer
	Logger    logr.Logger
	Now       func() time.Time
}

type Monitor struct {
	mu         sync.Mutex
	ring       []Event
	next       int
	size       int
	counts     map[EventType]int64
	suspicious map[string]struct{}
	blocked    map[string]struct{}

	failedAuthThreshold int
	rateLimitThreshold  int
	store               store.Store
	namespace           string
	observer            Observer
	logger              logr.Logger
	now                 func() time.Time
}

func NewMonitor(config Config) *Monitor {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.FailedAuthThreshold <= 0 {
		config.FailedAuthThreshold = DefaultFailedAuthThreshold
	}
	if config.RateLimitThreshold <= 0 {
		config.RateLimitThreshold = DefaultRateLimitThreshold
	}
	if config.Namespace == "" {
		config.Namespace = "security"
	}
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Monitor{
		ring:                make([]Event, config.Capacity),
		counts:              map[EventType]int64{},
		suspicious:          map[string]struct{}{},
		blocked:             map[string]struct{}{},
		failedAuthThreshold: config.FailedAuthThreshold,
		rateLimitThreshold:  config.RateLimitThreshold,
		store:               config.Store,
		namespace:           config.Namespace,
		observer:            config.Observer,
		logger:              config.Logger.WithName("security"),
		now:                 config.Now,
	}
}

// Log records an event and applies the escalation rules. Any derived event
// is recorded after it and is not itself re-evaluated.
func (m *Monitor) Log(ctx context.Context, eventType EventType, details Details) Event {
	m.mu.Lock()
	event := m.appendLocked(eventType, details)
	recorded := []Event{event}
	if derived, ok := m.evaluateLocked(event); ok {
		recorded = append(recorded, m.appendLocked(derived.Type, Details{
			PrincipalID: derived.PrincipalID,
			IP:          derived.IP,
			Message:     derived.Message,
		}))
	}
	m.mu.Unlock()

	for _, e := range recorded {
		m.emit(ctx, e)
	}
	return event
}

func (m *Monitor) IsSuspicious(principalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suspicious[principalID]
	return ok
}

func (m *Monitor) IsBlocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[ip]
	return ok
}

func (m *Monitor) Block(ip string) {
	if ip == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[ip] = struct{}{}
}

// Unblock lifts a block. Rate-limit events still in the buffer count toward
// the next escalation.
func (m *Monitor) Unblock(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, ip)
}

func (m *Monitor) ClearSuspicious(principalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspicious, principalID)
}

func (m *Monitor) Suspicious() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.suspicious)
}

func (m *Monitor) Blocked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.blocked)
}

// Recent returns up to n of the newest buffered events, newest first. n <= 0
// returns the whole buffer.
func (m *Monitor) Recent(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.ring[(m.next-i+len(m.ring))%len(m.ring)])
	}
	return out
}

// Counts returns the per-type totals recorded by this process since start.
func (m *Monitor) Counts() map[EventType]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[EventType]int64, len(m.counts))
	for eventType, count := range m.counts {
		out[eventType] = count
	}
	return out
}

// SharedCount reads the cross-process total for eventType. Without a store
// it is the local count.
func (m *Monitor) SharedCount(ctx context.Context, eventType EventType) (int64, error) {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.counts[eventType], nil
	}

	data, ok, err := m.store.Get(ctx, m.counterKey(eventType))
	if err != nil {
		return 0, fmt.Errorf("security: read %s counter: %w", eventType, err)
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("security: decode %s counter: %w", eventType, err)
	}
	return count, nil
}

// SecurityScore is 100 minus 10 per high and 5 per medium severity event in
// the buffer, 15 per suspicious principal and 20 per blocked IP, floored at 0.
func (m *Monitor) SecurityScore() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked()
}

type Summary struct {
	Score      int                 `json:"score"`
	Buffered   int                 `json:"buffered"`
	BySeverity map[Severity]int    `json:"by_severity"`
	ByType     map[EventType]int   `json:"by_type"`
	Totals     map[EventType]int64 `json:"totals"`
	Suspicious []string            `json:"suspicious"`
	Blocked    []string            `json:"blocked"`
}

func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := Summary{
		Score:      m.scoreLocked(),
		Buffered:   m.size,
		BySeverity: map[Severity]int{},
		ByType:     map[EventType]int{},
		Totals:     make(map[EventType]int64, len(m.counts)),
		Suspicious: sortedKeys(m.suspicious),
		Blocked:    sortedKeys(m.blocked),
	}
	m.eachLocked(func(e Event) {
		summary.BySeverity[e.Severity]++
		summary.ByType[e.Type]++
	})
	for eventType, count := range m.counts {
		summary.Totals[eventType] = count
	}
	return summary
}

func (m *Monitor) appendLocked(eventType EventType, details Details) Event {
	event := Event{
		Type:        eventType,
		Severity:    SeverityOf(eventType),
		PrincipalID: details.PrincipalID,
		IP:          details.IP,
		Message:     details.Message,
		Metadata:    details.Metadata,
		Timestamp:   m.now(),
	}

	m.ring[m.next] = event
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	m.counts[eventType]++
	return event
}

func (m *Monitor) evaluateLocked(event Event) (Event, bool) {
	switch event.Type {
	case EventAuthFailure:
		if event.PrincipalID == "" {
			return Event{}, false
		}
		if _, already := m.suspicious[event.PrincipalID]; already {
			return Event{}, false
		}
		if m.countLocked(event.Type, func(e Event) bool { return e.PrincipalID == event.PrincipalID }) < m.failedAuthThreshold {
			return Event{}, false
		}
		m.suspicious[event.PrincipalID] = struct{}{}
		return Event{
			Type:        EventSuspiciousActivity,
			PrincipalID: event.PrincipalID,
			IP:          event.IP,
			Message:     fmt.Sprintf("%d failed authentications", m.failedAuthThreshold),
		}, true
	case EventRateLimitExceeded:
		if event.IP == "" {
			return Event{}, false
		}
		if _, already := m.blocked[event.IP]; already {
			return Event{}, false
		}
		if m.countLocked(event.Type, func(e Event) bool { return e.IP == event.IP }) < m.rateLimitThreshold {
			return Event{}, false
		}
		m.blocked[event.IP] = struct{}{}
		return Event{
			Type:        EventIPAutoBlocked,
			PrincipalID: event.PrincipalID,
			IP:          event.IP,
			Message:     fmt.Sprintf("%d rate limit violations", m.rateLimitThreshold),
		}, true
	}
	return Event{}, false
}

func (m *Monitor) countLocked(eventType EventType, match func(Event) bool) int {
	count := 0
	m.eachLocked(func(e Event) {
		if e.Type == eventType && match(e) {
			count++
		}
	})
	return count
}

func (m *Monitor) eachLocked(fn func(Event)) {
	start := (m.next - m.size + len(m.ring)) % len(m.ring)
	for i := 0; i < m.size; i++ {
		fn(m.ring[(start+i)%len(m.ring)])
	}
}

func (m *Monitor) scoreLocked() int {
	high, medium := 0, 0
	m.eachLocked(func(e Event) {
		switch e.Severity {
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	})

	score := 100 - 10*high - 5*medium - 15*len(m.suspicious) - 20*len(m.blocked)
	if score < 0 {
		return 0
	}
	return score
}

func (m *Monitor) emit(ctx context.Context, event Event) {
	keys := []any{
		"event_type", event.Type,
		"severity", event.Severity,
		"principal_id_hash", HashForLogging(event.PrincipalID),
		"ip", event.IP,
	}
	if event.Message != "" {
		keys = append(keys, "message", event.Message)
	}
	if event.Severity == SeverityLow {
		m.logger.V(1).Info("security event", keys...)
	} else {
		m.logger.Info("security event", keys...)
	}

	if m.store != nil {
		if _, err := m.store.Increment(ctx, m.counterKey(event.Type), 0); err != nil {
			m.logger.Error(err, "security counter increment failed", "event_type", event.Type)
		}
	}
	if m.observer != nil {
		m.observer.SecurityEvent(ctx, event)
	}
}

func (m *Monitor) counterKey(eventType EventType) string {
	return store.Key(m.namespace, "count", url.QueryEscape(string(eventType)))
}

// HashForLogging returns the first 16 hex characters of the sha256 of
// sensitive, so logs can correlate identities without recording them.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
