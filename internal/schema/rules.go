package schema

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// coerce checks value against the normalized type name and returns the
// converted value. ok=false means the value cannot be read as that type.
// An empty type accepts the value unchanged.
func coerce(value any, typ string) (any, bool) {
	switch typ {
	case "":
		return value, true
	case TypeString:
		s, ok := value.(string)
		return s, ok
	case TypeNumber:
		return coerceNumber(value)
	case TypeBoolean:
		return coerceBool(value)
	case TypeDate:
		return coerceDate(value)
	case TypeArray:
		arr, ok := value.([]any)
		return arr, ok
	case TypeObject:
		m, ok := value.(map[string]any)
		return m, ok
	case TypeIP:
		s, ok := value.(string)
		if !ok || net.ParseIP(s) == nil {
			return nil, false
		}
		return s, true
	case TypeCIDR:
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		if _, _, err := net.ParseCIDR(s); err != nil {
			return nil, false
		}
		return s, true
	default:
		return nil, false
	}
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func coerceBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	default:
		return false, false
	}
}

// dateLayouts tried in order for string dates, matching the permissive
// constructor-based parse of the original contract.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
	time.RFC1123Z,
}

func coerceDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		// Numbers are unix epoch milliseconds.
		if n, ok := coerceNumber(value); ok {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Time{}, false
	}
}

// checkLength verifies MinLength/MaxLength for string values. Returns the
// failed error code, or "".
func checkLength(n *Node, value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	if n.MinLength != nil && len(s) < *n.MinLength {
		return "min"
	}
	if n.MaxLength != nil && len(s) > *n.MaxLength {
		return "max"
	}
	return ""
}

// checkRange verifies Min/Max for numeric values. Returns "min", "max" or "".
func checkRange(n *Node, value any) string {
	num, ok := coerceNumber(value)
	if !ok {
		return ""
	}
	if n.Min != nil && num < *n.Min {
		return "min"
	}
	if n.Max != nil && num > *n.Max {
		return "max"
	}
	return ""
}

// checkAllowDeny verifies the allow and deny lists, case-insensitively for
// strings. Returns false when the value is denied or not in a non-empty allow
// list.
func checkAllowDeny(n *Node, value any) bool {
	if len(n.Deny) > 0 && containsFold(n.Deny, value) {
		return false
	}
	if len(n.Allow) > 0 && !containsFold(n.Allow, value) {
		return false
	}
	return true
}

func containsFold(list []any, value any) bool {
	vs, vIsString := value.(string)
	for _, item := range list {
		if is, ok := item.(string); ok && vIsString {
			if strings.EqualFold(is, vs) {
				return true
			}
			continue
		}
		if equalScalar(item, value) {
			return true
		}
	}
	return false
}

// equalScalar compares scalars with numeric widening so int 5 equals
// float64 5.
func equalScalar(a, b any) bool {
	if a == b {
		return true
	}
	an, aok := coerceNumber(a)
	bn, bok := coerceNumber(b)
	if aok && bok {
		return an == bn
	}
	return false
}

// checkPattern verifies the Match expression against the value's string form.
// An uncompilable pattern counts as a mismatch.
func checkPattern(n *Node, value any) bool {
	re, err := n.pattern()
	if err != nil {
		return false
	}
	return re.MatchString(fmt.Sprintf("%v", value))
}

// applyConvert runs the node's string conversions in declaration order.
func applyConvert(n *Node, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	for _, c := range n.Convert {
		switch strings.ToLower(c) {
		case ConvertUpper:
			s = strings.ToUpper(s)
		case ConvertLower:
			s = strings.ToLower(s)
		case ConvertTrim:
			s = strings.TrimSpace(s)
		}
	}
	return s
}

// resolveDefault produces the node's default value, invoking a zero-arg
// producer when one was declared.
func resolveDefault(n *Node) any {
	if fn, ok := n.Default.(func() any); ok {
		return fn()
	}
	return n.Default
}
