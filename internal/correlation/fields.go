package correlation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

const (
	fieldIdentity  = "identity"
	fieldAccountID = "account_id"
)

// fieldValue resolves a field of a security event. Top-level fields are
// addressed by name; details are addressed as "details.a.b". Unknown
// top-level names fall back to the details map.
func fieldValue(e *models.SecurityEvent, path string) interface{} {
	if e == nil {
		return nil
	}
	path = strings.TrimPrefix(path, ".")
	switch path {
	case "id":
		return e.ID
	case "type":
		return string(e.Type)
	case "severity":
		return string(e.Severity)
	case fieldIdentity:
		return e.Identity
	case fieldAccountID:
		return e.AccountID
	}
	path = strings.TrimPrefix(path, "details.")
	return getFieldValue(e.Details, path)
}

// getFieldValue retrieves a value from nested map using dot-notation path
func getFieldValue(fields map[string]interface{}, fieldPath string) interface{} {
	if fields == nil || fieldPath == "" {
		return nil
	}
	parts := strings.Split(fieldPath, ".")
	current := fields
	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// matches evaluates one condition operator.
func matches(op Operator, actual, expected interface{}) bool {
	if actual == nil || expected == nil {
		return false
	}
	switch op {
	case OpEq:
		return toString(actual) == toString(expected)
	case OpNe:
		return toString(actual) != toString(expected)
	case OpGt, OpGte, OpLt, OpLte:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(expected)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		for _, candidate := range toList(expected) {
			if toString(actual) == toString(candidate) {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(toString(actual), toString(expected))
	case OpPrefix:
		return strings.HasPrefix(toString(actual), toString(expected))
	default:
		return false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toList(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	default:
		return []interface{}{v}
	}
}

// empty reports whether a resolved reference carries no value.
func empty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
