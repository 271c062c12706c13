package messaging

// Subject constants for the abuse engine message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	SubjectSecurityEvents     = "abuse.events.security"     // Security events reported by other services
	SubjectMitigationsApplied = "abuse.mitigations.applied" // Audit records of applied/expired mitigations
	SubjectAlertsCreated      = "abuse.alerts.created"      // Threat pattern alerts
)

// QueueEventWorkers is the queue group shared by engine instances consuming
// security events; each event is processed once.
const QueueEventWorkers = "abuse-event-workers"
