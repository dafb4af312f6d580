package security

type EventType string

// Event types recorded by the monitor. Types not listed here are accepted
// and treated as low severity.
const (
	EventAuthFailure       EventType = "auth_failure"
	EventTokenBlacklisted  EventType = "token_blacklisted"
	EventSessionInvalid    EventType = "session_invalid"
	EventPermissionDenied  EventType = "permission_denied"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventIPBlocked         EventType = "ip_blocked"
	EventPayloadTooLarge   EventType = "payload_too_large"
	EventValidationFailed  EventType = "validation_failed"
	EventInternalError     EventType = "internal_error"

	// Derived by threshold rules.
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventIPAutoBlocked      EventType = "ip_auto_blocked"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severities = map[EventType]Severity{
	EventAuthFailure:        SeverityMedium,
	EventTokenBlacklisted:   SeverityMedium,
	EventSessionInvalid:     SeverityMedium,
	EventPermissionDenied:   SeverityLow,
	EventRateLimitExceeded:  SeverityMedium,
	EventIPBlocked:          SeverityHigh,
	EventPayloadTooLarge:    SeverityLow,
	EventValidationFailed:   SeverityLow,
	EventInternalError:      SeverityHigh,
	EventSuspiciousActivity: SeverityHigh,
	EventIPAutoBlocked:      SeverityHigh,
}

func SeverityOf(eventType EventType) Severity {
	if severity, ok := severities[eventType]; ok {
		return severity
	}
	return SeverityLow
}
