package flow

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate resolves every {{path}} reference in s. Paths support
// dotted segments, numeric indices (both `a.0.b` and `a[0].b`) and one
// `||` fallback. Unresolved references become the empty string and the
// originating template is recorded in the debug log.
func (c *Context) Interpolate(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := templateRe.FindStringSubmatch(match)[1]
		v, ok := c.resolveExpr(expr)
		if !ok {
			c.debugf("unresolved template %s", match)
			return ""
		}
		return stringify(v)
	})
}

// InterpolateValue resolves s preserving the value's type when s is a
// single bare template, so `{{items}}` can yield an array rather than
// its string rendering.
func (c *Context) InterpolateValue(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			v, ok := c.resolveExpr(inner)
			if !ok {
				c.debugf("unresolved template {{%s}}", inner)
				return ""
			}
			return v
		}
	}
	return c.Interpolate(s)
}

// InterpolateTree walks a decoded JSON value and interpolates every
// string leaf. Node configs use it for structured fields like payloads.
func (c *Context) InterpolateTree(v any) any {
	switch t := v.(type) {
	case string:
		return c.InterpolateValue(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = c.InterpolateTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = c.InterpolateTree(val)
		}
		return out
	}
	return v
}

// resolveExpr resolves a template expression: a path, a quoted literal,
// a number, or alternatives joined by ||.
func (c *Context) resolveExpr(expr string) (any, bool) {
	for _, alt := range strings.Split(expr, "||") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if lit, ok := literal(alt); ok {
			return lit, true
		}
		if v, ok := c.Lookup(alt); ok && !isEmpty(v) {
			return v, true
		}
	}
	return nil, false
}

// EvalCondition evaluates an edge predicate. Templates are interpolated
// first; then a single comparison (==, !=, >=, <=, >, <, contains) or a
// bare truthiness test decides the edge.
func (c *Context) EvalCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	resolved := c.Interpolate(expr)

	for _, op := range []string{"==", "!=", ">=", "<=", " contains ", ">", "<"} {
		if i := strings.Index(resolved, op); i >= 0 {
			left := strings.TrimSpace(resolved[:i])
			right := strings.TrimSpace(resolved[i+len(op):])
			return compare(left, right, strings.TrimSpace(op))
		}
	}
	return truthy(resolved)
}

func compare(left, right, op string) bool {
	left, right = unquote(left), unquote(right)

	if lf, lerr := strconv.ParseFloat(left, 64); lerr == nil {
		if rf, rerr := strconv.ParseFloat(right, 64); rerr == nil {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case ">":
				return lf > rf
			case "<":
				return lf < rf
			case ">=":
				return lf >= rf
			case "<=":
				return lf <= rf
			}
		}
	}

	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "contains":
		return strings.Contains(left, right)
	case ">":
		return left > right
	case "<":
		return left < right
	case ">=":
		return left >= right
	case "<=":
		return left <= right
	}
	return false
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}

// literal parses quoted strings and numbers inside template expressions.
func literal(s string) (any, bool) {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && looksNumeric(s) {
		return f, true
	}
	return nil, false
}

// looksNumeric guards against paths like `0arm` parsing as numbers.
func looksNumeric(s string) bool {
	for i, r := range s {
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || (i == 0 && (r == '-' || r == '+')) {
			continue
		}
		return false
	}
	return s != ""
}

func unquote(s string) string {
	if v, ok := literal(s); ok {
		if str, isStr := v.(string); isStr {
			return str
		}
	}
	return s
}

// splitPath turns `a.b[0].c` into ["a","b","0","c"].
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// walkPath descends JSON-shaped values by map key or slice index.
func walkPath(v any, segs []string) (any, bool) {
	for _, seg := range segs {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, false
			}
			v = cur[idx]
		default:
			return nil, false
		}
	}
	return v, true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// stringify renders a value for template substitution. Whole numbers
// print without a decimal point; compound values render as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.RawMessage:
		return string(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
