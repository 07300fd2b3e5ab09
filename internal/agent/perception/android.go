package perception

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// uiNode mirrors one node of a uiautomator dump.
type uiNode struct {
	Class     string   `xml:"class,attr"`
	Text      string   `xml:"text,attr"`
	Desc      string   `xml:"content-desc,attr"`
	Clickable string   `xml:"clickable,attr"`
	LongClick string   `xml:"long-clickable,attr"`
	Focusable string   `xml:"focusable,attr"`
	Bounds    string   `xml:"bounds,attr"`
	Children  []uiNode `xml:"node"`
}

type uiHierarchy struct {
	Nodes []uiNode `xml:"node"`
}

func androidCandidates(data []byte) ([]candidate, error) {
	var h uiHierarchy
	if err := xml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse ui hierarchy: %w", err)
	}
	var cands []candidate
	for i := range h.Nodes {
		collectAndroid(&h.Nodes[i], false, &cands)
	}
	return cands, nil
}

// collectAndroid gathers interactive nodes plus text leaves that no
// interactive ancestor will claim.
func collectAndroid(n *uiNode, underInteractive bool, out *[]candidate) {
	interactive := n.Clickable == "true" || n.LongClick == "true" || n.Focusable == "true"

	if bounds, ok := parseBounds(n.Bounds); ok && bounds.Area() > 0 {
		switch {
		case interactive:
			c := candidate{bounds: bounds, class: n.Class, ownText: nodeText(n)}
			c.text = c.ownText
			if c.text == "" {
				c.text = descendantText(n, 1)
			}
			*out = append(*out, c)
		case len(n.Children) == 0 && !underInteractive && nodeText(n) != "":
			t := nodeText(n)
			*out = append(*out, candidate{bounds: bounds, class: n.Class, ownText: t, text: t})
		}
	}

	for i := range n.Children {
		collectAndroid(&n.Children[i], underInteractive || interactive, out)
	}
}

func nodeText(n *uiNode) string {
	text := strings.TrimSpace(n.Text)
	desc := strings.TrimSpace(n.Desc)
	switch {
	case text == "":
		return desc
	case desc == "" || desc == text:
		return text
	default:
		return text + " " + desc
	}
}

// descendantText joins text from non-interactive descendants, three
// levels deep at most.
func descendantText(n *uiNode, depth int) string {
	if depth > 3 {
		return ""
	}
	var parts []string
	for i := range n.Children {
		c := &n.Children[i]
		if c.Clickable == "true" || c.LongClick == "true" || c.Focusable == "true" {
			continue
		}
		if t := nodeText(c); t != "" {
			parts = append(parts, t)
		}
		if t := descendantText(c, depth+1); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

var boundsRe = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// parseBounds reads the uiautomator "[x1,y1][x2,y2]" form.
func parseBounds(s string) (Rect, bool) {
	m := boundsRe.FindStringSubmatch(s)
	if m == nil {
		return Rect{}, false
	}
	var vals [4]int
	for i := range vals {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Rect{}, false
		}
		vals[i] = v
	}
	return Rect{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]}, true
}
