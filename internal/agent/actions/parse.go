package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// nameAliases folds the variant spellings older prompt sets produced
// onto the canonical names. finish -> done is load-bearing: half the
// vision prompts in the wild still close with finish(message=...).
var nameAliases = map[string]string{
	"finish":       "done",
	"click":        "tap",
	"type":         "input_text",
	"type_text":    "input_text",
	"launch":       "launch_app",
	"open_app":     "launch_app",
	"longpress":    "long_press",
	"doubletap":    "double_tap",
	"update_todos": "generate_or_update_todos",
}

// keyRenames maps loose payload keys onto canonical ones. A rename
// never clobbers a canonical key the payload already carries.
var keyRenames = [][2]string{
	{"start_coordinates", "start"},
	{"end_coordinates", "end"},
	{"app_name", "app"},
	{"content", "text"},
	{"todos", "markdown"},
	{"target", "target_index"},
	{"target_element", "target_index"},
	{"keycode", "key"},
}

// Parse builds a typed Action from a decoded tool-call payload. The
// payload is normalized first: the variant name is resolved from its
// alias spellings, the legacy element key becomes coordinates or
// index, and loose key spellings collapse onto the canonical ones.
func Parse(payload map[string]interface{}) (*Action, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty action payload")
	}
	m := normalize(payload)

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode action payload: %w", err)
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode action payload: %w", err)
	}
	if a.Type == "" {
		return nil, errors.New("action payload names no action")
	}
	if !a.Type.Valid() {
		return nil, fmt.Errorf("unknown action %q", a.Type)
	}
	return &a, nil
}

func normalize(payload map[string]interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}

	name := ""
	for _, k := range []string{"action", "action_type", "type"} {
		if s, ok := m[k].(string); ok && s != "" {
			name = s
			delete(m, k)
			break
		}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if alias, ok := nameAliases[name]; ok {
		name = alias
	}
	m["action"] = name

	// element carried either a point or a 1-based element index.
	if v, ok := m["element"]; ok {
		delete(m, "element")
		if _, taken := m["coordinates"]; !taken {
			if _, isList := v.([]interface{}); isList {
				m["coordinates"] = v
			} else if _, taken := m["index"]; !taken {
				m["index"] = v
			}
		}
	}

	for _, r := range keyRenames {
		v, ok := m[r[0]]
		if !ok {
			continue
		}
		delete(m, r[0])
		if _, taken := m[r[1]]; !taken {
			m[r[1]] = v
		}
	}

	// A bare duration means milliseconds everywhere except wait.
	if v, ok := m["duration"]; ok {
		delete(m, "duration")
		target := "duration_ms"
		if name == string(TypeWait) {
			target = "seconds"
		}
		if _, taken := m[target]; !taken {
			m[target] = v
		}
	}

	if name == string(TypeLaunchApp) {
		if v, ok := m["name"]; ok {
			delete(m, "name")
			if _, taken := m["app"]; !taken {
				m["app"] = v
			}
		}
	}

	// Numeric keycodes arrive as JSON numbers.
	if f, ok := m["key"].(float64); ok {
		m["key"] = strconv.Itoa(int(f))
	}
	if d, ok := m["direction"].(string); ok {
		m["direction"] = strings.ToLower(strings.TrimSpace(d))
	}
	return m
}

// ParseText interprets a string-form action: the do()/finish() call
// syntax first, then a bare JSON object.
func ParseText(s string) (*Action, error) {
	if a, err := ParseCall(s); err == nil {
		return a, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &m); err == nil {
		return Parse(m)
	}
	return nil, fmt.Errorf("unparseable action text %q", truncate(s, 60))
}

var callRe = regexp.MustCompile(`(?s)\b(do|finish)\s*\((.*)\)`)

// ParseCall interprets the legacy do(...)/finish(...) call syntax some
// models emit in place of a JSON tool call.
func ParseCall(s string) (*Action, error) {
	match := callRe.FindStringSubmatch(s)
	if match == nil {
		return nil, fmt.Errorf("no action call in %q", truncate(s, 60))
	}
	args := parseCallArgs(match[2])
	if match[1] == "finish" {
		args["action"] = "done"
	}
	return Parse(args)
}

// parseCallArgs scans key=value pairs, splitting on commas outside
// quotes and brackets. Values are quoted strings, numbers, booleans or
// bracketed lists.
func parseCallArgs(s string) map[string]interface{} {
	args := make(map[string]interface{})
	for _, part := range splitTopLevel(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		args[key] = parseArgValue(strings.TrimSpace(v))
	}
	return args
}

func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && s[i-1] != '\\' {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '(' || c == '{':
			depth++
		case c == ']' || c == ')' || c == '}':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseArgValue(s string) interface{} {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		body := s[1 : len(s)-1]
		body = strings.ReplaceAll(body, `\"`, `"`)
		body = strings.ReplaceAll(body, `\'`, `'`)
		return body
	}
	switch s {
	case "true", "True":
		return true
	case "false", "False":
		return false
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		var list []interface{}
		for _, p := range splitTopLevel(s[1 : len(s)-1]) {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, parseArgValue(p))
			}
		}
		return list
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
