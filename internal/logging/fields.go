package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across components.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldIdentity  = "identity"
	FieldAccountID = "account_id"
	FieldIP        = "ip"
	FieldPolicy    = "policy"
	FieldPatternID = "pattern_id"
	FieldAlertID   = "alert_id"
	FieldEventType = "event_type"
	FieldAction    = "action"
	FieldScore     = "score"
	FieldReason    = "reason"
	FieldDuration  = "duration_ms"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldError     = "error"
)

func Service(name string) slog.Attr { return slog.String(FieldService, name) }

func Identity(id string) slog.Attr { return slog.String(FieldIdentity, id) }

func AccountID(id string) slog.Attr { return slog.String(FieldAccountID, id) }

func IP(ip string) slog.Attr { return slog.String(FieldIP, ip) }

func Policy(name string) slog.Attr { return slog.String(FieldPolicy, name) }

func PatternID(id string) slog.Attr { return slog.String(FieldPatternID, id) }

func AlertID(id string) slog.Attr { return slog.String(FieldAlertID, id) }

func EventType(t string) slog.Attr { return slog.String(FieldEventType, t) }

func Action(a string) slog.Attr { return slog.String(FieldAction, a) }

func Score(s int) slog.Attr { return slog.Int(FieldScore, s) }

func Reason(r string) slog.Attr { return slog.String(FieldReason, r) }

func Method(m string) slog.Attr { return slog.String(FieldMethod, m) }

func Path(p string) slog.Attr { return slog.String(FieldPath, p) }

func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
