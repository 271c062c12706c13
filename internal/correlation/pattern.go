package correlation

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

var (
	// ErrInvalidPattern is returned for patterns that fail validation.
	ErrInvalidPattern = errors.New("invalid threat pattern")
	// ErrPatternNotFound is returned by admin operations on unknown ids.
	ErrPatternNotFound = errors.New("threat pattern not found")
)

var patternIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Operator compares an event field with a condition value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
)

// IsValid checks if the operator is known
func (o Operator) IsValid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpPrefix:
		return true
	default:
		return false
	}
}

// Value is a condition operand: either a literal or a reference to a field
// of the triggering event.
type Value struct {
	Literal  interface{} `json:"literal,omitempty"`
	FieldRef string      `json:"field_ref,omitempty"`
}

// Literal returns a literal condition value.
func Literal(v interface{}) Value { return Value{Literal: v} }

// Ref returns a value resolved from the triggering event's field.
func Ref(field string) Value { return Value{FieldRef: field} }

// IsRef reports whether the value is a field reference.
func (v Value) IsRef() bool { return v.FieldRef != "" }

// Resolve returns the operand for matching against historical events.
func (v Value) Resolve(current *models.SecurityEvent) interface{} {
	if v.IsRef() {
		return fieldValue(current, v.FieldRef)
	}
	return v.Literal
}

// Condition is one field test of a pattern.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

// ActionType names a mitigation executed when a pattern triggers.
type ActionType string

const (
	ActionBlockIP          ActionType = "block_ip"
	ActionSuspendAccount   ActionType = "suspend_account"
	ActionTightenRateLimit ActionType = "tighten_rate_limit"
	ActionAlert            ActionType = "alert"
)

// IsValid checks if the action type is known
func (a ActionType) IsValid() bool {
	switch a {
	case ActionBlockIP, ActionSuspendAccount, ActionTightenRateLimit, ActionAlert:
		return true
	default:
		return false
	}
}

// Action is one step of a pattern's response.
type Action struct {
	Type     ActionType    `json:"type"`
	Duration time.Duration `json:"duration,omitempty"`
	Factor   float64       `json:"factor,omitempty"` // tighten_rate_limit only
}

// Validate validates an action
func (a Action) Validate() error {
	if !a.Type.IsValid() {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionBlockIP, ActionSuspendAccount:
		if a.Duration <= 0 {
			return fmt.Errorf("%s requires a positive duration", a.Type)
		}
	case ActionTightenRateLimit:
		if a.Duration <= 0 {
			return fmt.Errorf("%s requires a positive duration", a.Type)
		}
		if a.Factor <= 0 || a.Factor >= 1 {
			return fmt.Errorf("%s factor must be in (0, 1), got %v", a.Type, a.Factor)
		}
	}
	return nil
}

// ThreatPattern is a declarative correlation rule.
type ThreatPattern struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Severity    models.Severity `json:"severity"`
	Conditions  []Condition     `json:"conditions"`
	Window      time.Duration   `json:"window"`
	Threshold   int             `json:"threshold"`
	Cooldown    time.Duration   `json:"cooldown,omitempty"`
	Actions     []Action        `json:"actions"`
	Active      bool            `json:"active"`

	TriggerCount  int64      `json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	LoadError     string     `json:"load_error,omitempty"`
}

// Validate validates a threat pattern
func (p *ThreatPattern) Validate() error {
	if !patternIDRe.MatchString(p.ID) {
		return fmt.Errorf("%w: id %q must be lowercase letters, digits, '_' or '-'", ErrInvalidPattern, p.ID)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidPattern, p.ID, p.Severity)
	}
	if len(p.Conditions) == 0 {
		return fmt.Errorf("%w: %s: at least one condition is required", ErrInvalidPattern, p.ID)
	}
	for i, c := range p.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: %s: condition %d: field is required", ErrInvalidPattern, p.ID, i)
		}
		if !c.Operator.IsValid() {
			return fmt.Errorf("%w: %s: condition %d: unknown operator %q", ErrInvalidPattern, p.ID, i, c.Operator)
		}
		if !c.Value.IsRef() && c.Value.Literal == nil {
			return fmt.Errorf("%w: %s: condition %d: value or value_from is required", ErrInvalidPattern, p.ID, i)
		}
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidPattern, p.ID)
	}
	if p.Threshold <= 0 {
		return fmt.Errorf("%w: %s: threshold must be greater than 0", ErrInvalidPattern, p.ID)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: %s: cooldown must not be negative", ErrInvalidPattern, p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: %s: at least one action is required", ErrInvalidPattern, p.ID)
	}
	for i, a := range p.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %s: action %d: %v", ErrInvalidPattern, p.ID, i, err)
		}
	}
	return nil
}

// cooldown returns the pause after a trigger; it defaults to the window.
func (p *ThreatPattern) cooldown() time.Duration {
	if p.Cooldown > 0 {
		return p.Cooldown
	}
	return p.Window
}

// clone returns a deep copy safe to hand to callers.
func (p *ThreatPattern) clone() ThreatPattern {
	out := *p
	out.Conditions = append([]Condition(nil), p.Conditions...)
	out.Actions = append([]Action(nil), p.Actions...)
	if p.LastTriggered != nil {
		t := *p.LastTriggered
		out.LastTriggered = &t
	}
	return out
}
