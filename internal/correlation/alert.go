package correlation

import (
	"errors"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// ErrAlertNotFound is returned when resolving an unknown alert.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is created when a pattern's threshold is met.
type Alert struct {
	ID          string                 `json:"id"`
	PatternID   string                 `json:"pattern_id"`
	PatternName string                 `json:"pattern_name"`
	Severity    models.Severity        `json:"severity"`
	TriggeredAt time.Time              `json:"triggered_at"`
	Identity    string                 `json:"identity"`
	AccountID   string                 `json:"account_id,omitempty"`
	Events      []models.SecurityEvent `json:"events"`
	Metadata    AlertMetadata          `json:"metadata"`
	Actions     []ActionResult         `json:"actions,omitempty"`
	Resolved    bool                   `json:"resolved"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// AlertMetadata is derived from the matching events.
type AlertMetadata struct {
	EventCount    int           `json:"event_count"`
	UniqueSources int           `json:"unique_sources"`
	FirstEvent    time.Time     `json:"first_event"`
	LastEvent     time.Time     `json:"last_event"`
	TimeSpan      time.Duration `json:"time_span"`
}

// ActionResult records the outcome of one executed action.
type ActionResult struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func newMetadata(events []models.SecurityEvent) AlertMetadata {
	md := AlertMetadata{EventCount: len(events)}
	if len(events) == 0 {
		return md
	}
	sources := make(map[string]struct{}, len(events))
	for _, e := range events {
		sources[e.Identity] = struct{}{}
	}
	md.UniqueSources = len(sources)
	md.FirstEvent = events[0].Timestamp
	md.LastEvent = events[len(events)-1].Timestamp
	md.TimeSpan = md.LastEvent.Sub(md.FirstEvent)
	return md
}

func (a *Alert) clone() *Alert {
	out := *a
	out.Events = append([]models.SecurityEvent(nil), a.Events...)
	out.Actions = append([]ActionResult(nil), a.Actions...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
