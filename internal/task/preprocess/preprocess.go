// Package preprocess is the rule engine consulted before a kernel
// starts. It recognizes instructions (or instruction prefixes) that
// are plain system commands and turns them into a launch_app action
// the executor can run without an LLM round-trip.
package preprocess

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/autofleet/autofleet/internal/agent/actions"
)

// Confidence thresholds. A pure system command must clear the higher
// bar because it finishes the task outright; a compound only borrows
// the first step.
const (
	pureThreshold     = 0.90
	compoundThreshold = 0.85
)

// Rule names recorded on the preprocessing step for the audit trail.
const (
	RulePureLaunch     = "pure_launch"
	RuleCompoundLaunch = "compound_launch"
)

// maxAppNameRunes rejects matches where the captured "app name" is
// clearly a sentence, not a launch target.
const maxAppNameRunes = 30

// Plan is a matched rule. Action is the system command to execute;
// SkipLLM finishes the task after it, otherwise Remainder is handed to
// the kernel as the instruction to continue with.
type Plan struct {
	Rule       string
	Action     *actions.Action
	Confidence float64
	SkipLLM    bool
	Remainder  string
}

// launchPatterns capture the app name from a launch-style clause.
// English forms tolerate politeness prefixes and a trailing "app";
// Chinese forms tolerate 请/帮我 prefixes and 应用/软件 suffixes.
var launchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:please\s+)?(?:open|launch|start)\s+(?:the\s+)?(.+?)(?:\s+app)?\s*$`),
	regexp.MustCompile(`^(?:请)?(?:帮我)?(?:打开|启动|运行)\s*(.+?)(?:应用|软件|app)?\s*$`),
}

// compoundConnectors split a compound instruction into the system part
// and the remainder. Ordered by specificity: longer connectors are
// tried first so " and then " wins over " then ".
var compoundConnectors = []string{
	"然后",
	"接着",
	"之后",
	", and then ",
	" and then ",
	", then ",
	" then ",
	"，然后",
	"，再",
}

// Analyze applies the rule tables. It returns nil when no rule clears
// its threshold; the scheduler then goes straight to the kernel.
func Analyze(instruction string) *Plan {
	text := strings.TrimSpace(instruction)
	if text == "" {
		return nil
	}

	// Compound first: a pure-launch pattern would otherwise swallow
	// the whole sentence including the remainder.
	if head, rest, found := splitCompound(text); found {
		if head == "" || rest == "" {
			return nil
		}
		if app, conf := matchLaunch(head); app != "" {
			conf -= 0.07 // splitting adds uncertainty
			if conf >= compoundThreshold {
				return &Plan{
					Rule:       RuleCompoundLaunch,
					Action:     &actions.Action{Type: actions.TypeLaunchApp, App: app},
					Confidence: conf,
					Remainder:  rest,
				}
			}
		}
		return nil
	}

	if app, conf := matchLaunch(text); app != "" && conf >= pureThreshold {
		return &Plan{
			Rule:       RulePureLaunch,
			Action:     &actions.Action{Type: actions.TypeLaunchApp, App: app},
			Confidence: conf,
			SkipLLM:    true,
		}
	}
	return nil
}

// splitCompound cuts at the earliest connector occurrence. found is
// true whenever a connector appears mid-text, even if one side ends up
// empty; an unsplittable compound is no match rather than food for the
// pure-launch patterns.
func splitCompound(text string) (head, rest string, found bool) {
	cut := -1
	width := 0
	for _, conn := range compoundConnectors {
		idx := strings.Index(text, conn)
		if idx <= 0 {
			continue
		}
		if cut == -1 || idx < cut || (idx == cut && len(conn) > width) {
			cut = idx
			width = len(conn)
		}
	}
	if cut == -1 {
		return "", "", false
	}
	head = strings.TrimSpace(text[:cut])
	rest = strings.TrimSpace(text[cut+width:])
	return head, rest, true
}

// matchLaunch returns the captured app name and a confidence score, or
// "" when no pattern matches. Single-token names score highest; names
// that read like sentences are rejected.
func matchLaunch(clause string) (string, float64) {
	for _, re := range launchPatterns {
		m := re.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		app := strings.Trim(strings.TrimSpace(m[1]), `"'“”`)
		if app == "" || utf8.RuneCountInString(app) > maxAppNameRunes {
			return "", 0
		}
		switch words := len(strings.Fields(app)); {
		case words <= 1:
			return app, 0.95
		case words <= 3:
			return app, 0.92
		default:
			// Four or more words is almost certainly a task
			// description, not an app name.
			return "", 0
		}
	}
	return "", 0
}
