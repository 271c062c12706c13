package correlation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// patternFile is the on-disk layout of a threat pattern file.
type patternFile struct {
	Patterns []patternDoc `yaml:"patterns"`
}

type patternDoc struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Severity    string         `yaml:"severity"`
	Conditions  []conditionDoc `yaml:"conditions"`
	Window      string         `yaml:"window"`
	Threshold   int            `yaml:"threshold"`
	Cooldown    string         `yaml:"cooldown"`
	Actions     []actionDoc    `yaml:"actions"`
	Active      *bool          `yaml:"active"`
}

type conditionDoc struct {
	Field     string      `yaml:"field"`
	Operator  string      `yaml:"operator"`
	Value     interface{} `yaml:"value"`
	ValueFrom string      `yaml:"value_from"`
}

type actionDoc struct {
	Type     string  `yaml:"type"`
	Duration string  `yaml:"duration"`
	Factor   float64 `yaml:"factor"`
}

// ParsePatterns decodes a YAML pattern document. Patterns whose fields
// cannot be converted are returned inactive with LoadError set, so one bad
// entry never hides the rest of the file.
func ParsePatterns(data []byte) ([]ThreatPattern, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}

	out := make([]ThreatPattern, 0, len(file.Patterns))
	for _, doc := range file.Patterns {
		p, err := doc.toPattern()
		if err == nil {
			err = p.Validate()
		}
		if err != nil {
			p.Active = false
			p.LoadError = err.Error()
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadPatternsFile reads and parses a YAML pattern file.
func LoadPatternsFile(path string) ([]ThreatPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return ParsePatterns(data)
}

func (d patternDoc) toPattern() (ThreatPattern, error) {
	p := ThreatPattern{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Severity:    models.Severity(d.Severity),
		Threshold:   d.Threshold,
		Active:      d.Active == nil || *d.Active,
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	var err error
	if p.Window, err = parseDuration(d.Window); err != nil {
		return p, fmt.Errorf("%w: %s: window: %v", ErrInvalidPattern, d.ID, err)
	}
	if d.Cooldown != "" {
		if p.Cooldown, err = parseDuration(d.Cooldown); err != nil {
			return p, fmt.Errorf("%w: %s: cooldown: %v", ErrInvalidPattern, d.ID, err)
		}
	}

	for i, c := range d.Conditions {
		cond := Condition{Field: c.Field, Operator: Operator(c.Operator)}
		switch {
		case c.ValueFrom != "" && c.Value != nil:
			return p, fmt.Errorf("%w: %s: condition %d: value and value_from are exclusive", ErrInvalidPattern, d.ID, i)
		case c.ValueFrom != "":
			cond.Value = Ref(c.ValueFrom)
		default:
			cond.Value = Literal(c.Value)
		}
		p.Conditions = append(p.Conditions, cond)
	}

	for i, a := range d.Actions {
		act := Action{Type: ActionType(a.Type), Factor: a.Factor}
		if a.Duration != "" {
			if act.Duration, err = parseDuration(a.Duration); err != nil {
				return p, fmt.Errorf("%w: %s: action %d: %v", ErrInvalidPattern, d.ID, i, err)
			}
		}
		p.Actions = append(p.Actions, act)
	}
	return p, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration is required")
	}
	return time.ParseDuration(s)
}
