package flow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

func parseConfig(node *Node, dst any) error {
	if len(node.Config) == 0 {
		return fault.New(fault.Validation, "node %s has no config", node.NodeID)
	}
	if err := json.Unmarshal(node.Config, dst); err != nil {
		return fault.Wrap(fault.Validation, err, "node %s config", node.NodeID)
	}
	return nil
}

// numberArg resolves a config value that may be a literal number or a
// template string.
func numberArg(ec *Context, v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		resolved := ec.InterpolateValue(t)
		switch r := resolved.(type) {
		case float64:
			return r, true
		case string:
			n, err := strconv.ParseFloat(r, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func (e *Executor) nodeCondition(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Expr string `json:"expr"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if cfg.Expr == "" {
		return nil, "", fault.New(fault.Validation, "condition %s: expr required", node.NodeID)
	}
	branch := LabelFalse
	value := ec.EvalCondition(cfg.Expr)
	if value {
		branch = LabelTrue
	}
	return map[string]any{"branch": branch, "value": value}, branch, nil
}

func (e *Executor) nodeSwitch(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Value string `json:"value"`
		Cases []struct {
			Equals string `json:"equals,omitempty"`
			Match  string `json:"match,omitempty"`
			Label  string `json:"label"`
		} `json:"cases"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if len(cfg.Cases) == 0 {
		return nil, "", fault.New(fault.Validation, "switch %s: cases required", node.NodeID)
	}
	value := ec.Interpolate(cfg.Value)
	branch := "default"
	for _, c := range cfg.Cases {
		if c.Label == "" {
			return nil, "", fault.New(fault.Validation, "switch %s: case without label", node.NodeID)
		}
		if c.Equals != "" && ec.Interpolate(c.Equals) == value {
			branch = c.Label
			break
		}
		if c.Match != "" {
			re, err := regexp.Compile(c.Match)
			if err != nil {
				return nil, "", fault.Wrap(fault.Validation, err, "switch %s: case pattern", node.NodeID)
			}
			if re.MatchString(value) {
				branch = c.Label
				break
			}
		}
	}
	return map[string]any{"branch": branch, "value": value}, branch, nil
}

func (e *Executor) nodeDelay(ctx context.Context, rs *runState, node *Node) (any, string, error) {
	var cfg struct {
		DurationMs any    `json:"durationMs,omitempty"`
		Until      string `json:"until,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}

	var dur time.Duration
	switch {
	case cfg.Until != "":
		raw := rs.ec.Interpolate(cfg.Until)
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ms, merr := strconv.ParseInt(raw, 10, 64)
			if merr != nil {
				return nil, "", fault.New(fault.Validation, "delay %s: until %q is not RFC3339 or epoch millis", node.NodeID, raw)
			}
			at = time.UnixMilli(ms)
		}
		dur = time.Until(at)
	case cfg.DurationMs != nil:
		ms, ok := numberArg(rs.ec, cfg.DurationMs)
		if !ok {
			return nil, "", fault.New(fault.Validation, "delay %s: durationMs is not a number", node.NodeID)
		}
		dur = time.Duration(ms) * time.Millisecond
	default:
		return nil, "", fault.New(fault.Validation, "delay %s: need durationMs or until", node.NodeID)
	}

	if dur <= 0 {
		return map[string]any{"sleptMs": 0}, "", nil
	}
	if dur > inlineDelayMax && !rs.nested {
		return nil, "", &suspendError{nodeID: node.NodeID, wakeAt: time.Now().Add(dur)}
	}
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(dur):
	}
	return map[string]any{"sleptMs": dur.Milliseconds()}, "", nil
}

func (e *Executor) nodeSet(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Var    string         `json:"var,omitempty"`
		Value  any            `json:"value,omitempty"`
		Values map[string]any `json:"values,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if cfg.Var == "" && len(cfg.Values) == 0 {
		return nil, "", fault.New(fault.Validation, "set %s: need var or values", node.NodeID)
	}
	var paths []any
	if cfg.Var != "" {
		path := ec.Interpolate(cfg.Var)
		ec.Set(path, ec.InterpolateTree(cfg.Value))
		paths = append(paths, path)
	}
	for rawPath, value := range cfg.Values {
		path := ec.Interpolate(rawPath)
		ec.Set(path, ec.InterpolateTree(value))
		paths = append(paths, path)
	}
	return map[string]any{"set": paths}, "", nil
}

func (e *Executor) nodeTemplate(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Template string `json:"template"`
		Var      string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	text := ec.Interpolate(cfg.Template)
	if cfg.Var != "" {
		ec.Set(cfg.Var, text)
	}
	return map[string]any{"text": text}, "", nil
}

// nodeJSONPath extracts a value by dotted path. A miss is not a failure;
// downstream conditions branch on `found`.
func (e *Executor) nodeJSONPath(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Input any    `json:"input"`
		Path  string `json:"path"`
		Var   string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if cfg.Path == "" {
		return nil, "", fault.New(fault.Validation, "json-path %s: path required", node.NodeID)
	}
	input := ec.InterpolateTree(cfg.Input)
	if s, ok := input.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			input = decoded
		}
	}
	value, found := walkPath(input, splitPath(cfg.Path))
	if !found {
		value = nil
	}
	if cfg.Var != "" && found {
		ec.Set(cfg.Var, value)
	}
	return map[string]any{"found": found, "value": value}, "", nil
}

func (e *Executor) nodeRegex(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Input   string `json:"input"`
		Pattern string `json:"pattern"`
		All     bool   `json:"all,omitempty"`
		Var     string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, "", fault.Wrap(fault.Validation, err, "regex %s: pattern", node.NodeID)
	}
	input := ec.Interpolate(cfg.Input)

	result := map[string]any{"matched": false}
	if cfg.All {
		found := re.FindAllString(input, -1)
		matches := make([]any, len(found))
		for i, m := range found {
			matches[i] = m
		}
		result["matched"] = len(found) > 0
		result["matches"] = matches
	} else if m := re.FindStringSubmatch(input); m != nil {
		groups := make([]any, len(m))
		for i, g := range m {
			groups[i] = g
		}
		result["matched"] = true
		result["match"] = m[0]
		result["groups"] = groups
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, result)
	}
	return result, "", nil
}

func (e *Executor) nodeEncode(ec *Context, node *Node) (any, string, error) {
	var cfg struct {
		Input     any    `json:"input"`
		Operation string `json:"operation"`
		Var       string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	input := ec.InterpolateTree(cfg.Input)

	var value any
	switch cfg.Operation {
	case "base64-encode":
		value = base64.StdEncoding.EncodeToString([]byte(stringify(input)))
	case "base64-decode":
		data, err := base64.StdEncoding.DecodeString(stringify(input))
		if err != nil {
			return nil, "", fault.Wrap(fault.Validation, err, "encode %s: base64", node.NodeID)
		}
		value = string(data)
	case "url-encode":
		value = url.QueryEscape(stringify(input))
	case "url-decode":
		s, err := url.QueryUnescape(stringify(input))
		if err != nil {
			return nil, "", fault.Wrap(fault.Validation, err, "encode %s: url", node.NodeID)
		}
		value = s
	case "json-encode":
		data, err := json.Marshal(input)
		if err != nil {
			return nil, "", fault.Wrap(fault.Validation, err, "encode %s: json", node.NodeID)
		}
		value = string(data)
	case "json-decode":
		var decoded any
		if err := json.Unmarshal([]byte(stringify(input)), &decoded); err != nil {
			return nil, "", fault.Wrap(fault.Validation, err, "encode %s: json", node.NodeID)
		}
		value = decoded
	case "sha256":
		sum := sha256.Sum256([]byte(stringify(input)))
		value = hex.EncodeToString(sum[:])
	default:
		return nil, "", fault.New(fault.Validation, "encode %s: unknown operation %q", node.NodeID, cfg.Operation)
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, value)
	}
	return map[string]any{"value": value}, "", nil
}
