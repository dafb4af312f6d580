package postgres

const putAuditEventQuery = `
INSERT INTO openguard.audit_event (
	id, occurred_at, action, principal_id, resource, outcome, ip_address, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`

const listAuditByPrincipalQuery = `
SELECT id::text, date_added, occurred_at, action, principal_id, resource, outcome, ip_address, metadata::text
FROM openguard.audit_event
WHERE principal_id = $1 AND occurred_at >= $2
ORDER BY occurred_at DESC, id
LIMIT $3`

const listAuditSinceQuery = `
SELECT id::text, date_added, occurred_at, action, principal_id, resource, outcome, ip_address, metadata::text
FROM openguard.audit_event
WHERE occurred_at >= $1
ORDER BY occurred_at DESC, id
LIMIT $2`
