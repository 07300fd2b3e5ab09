// Package parser recovers (thinking, action) pairs from raw model
// output. Models are prompted for the thinking/tool_call form but the
// fleet runs against several providers and older fine-tunes, so the
// parser tries the documented formats in a fixed order and the first
// match wins. It never errors: an unusable reply comes back as an
// empty Result and the kernel decides what a parse failure costs.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Result is the parsed form of one model reply. At most one of Action
// and ActionText is set; both empty is a total parse failure.
type Result struct {
	Thinking   string
	Action     map[string]interface{}
	ActionText string
}

// Empty reports whether the reply yielded no usable action.
func (r Result) Empty() bool {
	return r.Action == nil && r.ActionText == ""
}

// Parse tries each documented reply format in order.
func Parse(s string) Result {
	s = stripFences(s)

	if r, ok := parseThinkingToolCall(s); ok {
		return r
	}
	if r, ok := parseThinkAnswer(s); ok {
		return r
	}
	if r, ok := parsePureJSON(s); ok {
		return r
	}
	if r, ok := parseBoxed(s); ok {
		return r
	}
	if r, ok := parseBraceTags(s); ok {
		return r
	}
	if r, ok := parseTrailingCall(s); ok {
		return r
	}
	return Result{}
}

// parseThinkingToolCall handles the preferred form and its tolerant
// variants: a missing </thinking>, a missing </tool_call>, or no
// <tool_call> wrapper at all with a bare object following the
// thinking block. It matches only when a JSON object is recovered.
func parseThinkingToolCall(s string) (Result, bool) {
	th := strings.Index(s, "<thinking>")
	tc := strings.Index(s, "<tool_call>")
	if th < 0 && tc < 0 {
		return Result{}, false
	}

	thinking := ""
	rest := s
	if th >= 0 {
		body := s[th+len("<thinking>"):]
		switch {
		case strings.Contains(body, "</thinking>"):
			end := strings.Index(body, "</thinking>")
			thinking = body[:end]
			rest = body[end+len("</thinking>"):]
		case strings.Contains(body, "<tool_call>"):
			cut := strings.Index(body, "<tool_call>")
			thinking = body[:cut]
			rest = body[cut:]
		case strings.Contains(body, "{"):
			cut := strings.Index(body, "{")
			thinking = body[:cut]
			rest = body[cut:]
		default:
			return Result{}, false
		}
	}

	if i := strings.Index(rest, "<tool_call>"); i >= 0 {
		rest = rest[i+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end >= 0 {
			rest = rest[:end]
		}
	}

	dict, ok := decodeObject(rest)
	if !ok {
		return Result{}, false
	}
	return Result{Thinking: strings.TrimSpace(thinking), Action: dict}, true
}

var (
	thinkAnswerRe     = regexp.MustCompile(`(?s)<think>(.*?)</think>\s*<answer>(.*?)</answer>`)
	thinkAnswerOpenRe = regexp.MustCompile(`(?s)<think>(.*?)</think>\s*<answer>(.*)`)
)

func parseThinkAnswer(s string) (Result, bool) {
	m := thinkAnswerRe.FindStringSubmatch(s)
	if m == nil {
		m = thinkAnswerOpenRe.FindStringSubmatch(s)
	}
	if m == nil {
		return Result{}, false
	}
	return Result{
		Thinking:   strings.TrimSpace(m[1]),
		ActionText: strings.TrimSpace(m[2]),
	}, true
}

// parsePureJSON handles a reply that is one JSON object. The object is
// either {"think":..., "action":...} or the action payload itself.
func parsePureJSON(s string) (Result, bool) {
	if !strings.HasPrefix(s, "{") {
		return Result{}, false
	}
	m, ok := decodeObject(s)
	if !ok {
		return Result{}, false
	}

	thinking := ""
	for _, k := range []string{"think", "thinking"} {
		if v, isStr := m[k].(string); isStr {
			thinking = strings.TrimSpace(v)
			delete(m, k)
			break
		}
	}

	switch v := m["action"].(type) {
	case map[string]interface{}:
		return Result{Thinking: thinking, Action: v}, true
	case string:
		// A call string under "action" is the legacy dict-in-dict
		// form; a bare variant name means the object is the payload.
		if strings.Contains(v, "(") {
			return Result{Thinking: thinking, ActionText: strings.TrimSpace(v)}, true
		}
	}
	return Result{Thinking: thinking, Action: m}, true
}

func parseBoxed(s string) (Result, bool) {
	const boxOpen, boxClose = "<|begin_of_box|>", "<|end_of_box|>"
	i := strings.Index(s, boxOpen)
	if i < 0 {
		return Result{}, false
	}
	body := s[i+len(boxOpen):]
	if end := strings.Index(body, boxClose); end >= 0 {
		body = body[:end]
	}
	return Result{
		Thinking:   strings.TrimSpace(s[:i]),
		ActionText: strings.TrimSpace(body),
	}, true
}

func parseBraceTags(s string) (Result, bool) {
	ti := strings.Index(s, "{think}")
	ai := strings.Index(s, "{action}")
	if ti < 0 || ai < 0 || ai < ti {
		return Result{}, false
	}
	return Result{
		Thinking:   strings.TrimSpace(s[ti+len("{think}") : ai]),
		ActionText: strings.TrimSpace(s[ai+len("{action}"):]),
	}, true
}

var (
	trailingCallRe = regexp.MustCompile(`(?s)\b(?:do|finish)\s*\(.*\)`)
	thinkingTagRe  = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)
)

// parseTrailingCall is the last resort: a do()/finish() call anywhere
// in the prose, or at least a thinking tag worth keeping. The latter
// still counts as a parse failure for the kernel (empty action) but
// preserves the model's reasoning in the step record.
func parseTrailingCall(s string) (Result, bool) {
	thinking := ""
	call := ""
	if loc := trailingCallRe.FindStringIndex(s); loc != nil {
		call = strings.TrimSpace(s[loc[0]:loc[1]])
		thinking = strings.TrimSpace(s[:loc[0]])
	}
	if m := thinkingTagRe.FindStringSubmatch(s); m != nil {
		thinking = strings.TrimSpace(m[1])
	} else if call == "" {
		return Result{}, false
	}
	return Result{Thinking: thinking, ActionText: call}, true
}

// decodeObject finds the first JSON object in s and decodes it. A
// reply cut off right before the final brace gets single-brace
// completion; deeper truncation stays a failure.
func decodeObject(s string) (map[string]interface{}, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return nil, false
	}
	s = s[start:]

	end := -1
	depth := 0
	inStr := false
	esc := false
scan:
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
				break scan
			}
		}
	}

	raw := s
	switch {
	case end >= 0:
		raw = s[:end+1]
	case depth == 1 && !inStr:
		raw += "}"
	default:
		return nil, false
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false
	}
	return m, true
}

// stripFences removes a leading markdown code fence and its closer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{<") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
