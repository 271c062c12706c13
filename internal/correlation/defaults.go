package correlation

import (
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// DefaultPatterns returns the built-in threat patterns.
func DefaultPatterns() []ThreatPattern {
	return []ThreatPattern{
		{
			ID:          "brute_force_login",
			Name:        "Brute force login",
			Description: "Repeated authentication failures from one source",
			Severity:    models.SeverityHigh,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventAuthFailure))},
				{Field: fieldIdentity, Operator: OpEq, Value: Ref(fieldIdentity)},
			},
			Window:    15 * time.Minute,
			Threshold: 5,
			Actions: []Action{
				{Type: ActionBlockIP, Duration: time.Hour},
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "excessive_request_rate",
			Name:        "Excessive request rate",
			Description: "Source keeps hitting rate limits or risk rejections",
			Severity:    models.SeverityMedium,
			Conditions: []Condition{
				{Field: "type", Operator: OpIn, Value: Literal([]string{
					string(models.EventRateLimitExceeded),
					string(models.EventSuspiciousTraffic),
				})},
				{Field: fieldIdentity, Operator: OpEq, Value: Ref(fieldIdentity)},
			},
			Window:    5 * time.Minute,
			Threshold: 10,
			Actions: []Action{
				{Type: ActionTightenRateLimit, Factor: 0.5, Duration: 30 * time.Minute},
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "csp_violation_burst",
			Name:        "CSP violation burst",
			Description: "Many content security policy reports from one source",
			Severity:    models.SeverityMedium,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventCSPViolation))},
				{Field: fieldIdentity, Operator: OpEq, Value: Ref(fieldIdentity)},
			},
			Window:    10 * time.Minute,
			Threshold: 20,
			Actions: []Action{
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "malicious_file_uploads",
			Name:        "Malicious file uploads",
			Description: "An account uploads several files flagged as malicious",
			Severity:    models.SeverityCritical,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventMaliciousFile))},
				{Field: fieldAccountID, Operator: OpEq, Value: Ref(fieldAccountID)},
			},
			Window:    time.Hour,
			Threshold: 3,
			Actions: []Action{
				{Type: ActionSuspendAccount, Duration: 24 * time.Hour},
				{Type: ActionBlockIP, Duration: 24 * time.Hour},
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "anonymous_malicious_uploads",
			Name:        "Anonymous malicious uploads",
			Description: "A source without an account uploads several files flagged as malicious",
			Severity:    models.SeverityCritical,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventMaliciousFile))},
				{Field: fieldAccountID, Operator: OpEq, Value: Literal("")},
				{Field: fieldIdentity, Operator: OpEq, Value: Ref(fieldIdentity)},
			},
			Window:    time.Hour,
			Threshold: 3,
			Actions: []Action{
				{Type: ActionBlockIP, Duration: 24 * time.Hour},
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "admin_action_burst",
			Name:        "Admin action burst",
			Description: "Unusual volume of administrative actions by one account",
			Severity:    models.SeverityHigh,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventAdminAction))},
				{Field: fieldAccountID, Operator: OpEq, Value: Ref(fieldAccountID)},
			},
			Window:    10 * time.Minute,
			Threshold: 50,
			Actions: []Action{
				{Type: ActionSuspendAccount, Duration: time.Hour},
				{Type: ActionAlert},
			},
			Active: true,
		},
		{
			ID:          "payment_failure_burst",
			Name:        "Payment failure burst",
			Description: "Repeated payment failures, typical of card testing",
			Severity:    models.SeverityHigh,
			Conditions: []Condition{
				{Field: "type", Operator: OpEq, Value: Literal(string(models.EventPaymentFailure))},
				{Field: fieldIdentity, Operator: OpEq, Value: Ref(fieldIdentity)},
			},
			Window:    time.Hour,
			Threshold: 5,
			Actions: []Action{
				{Type: ActionTightenRateLimit, Factor: 0.2, Duration: 2 * time.Hour},
				{Type: ActionAlert},
			},
			Active: true,
		},
	}
}
