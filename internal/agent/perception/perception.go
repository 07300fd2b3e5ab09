// Package perception turns raw device UI snapshots into the ordered,
// de-duplicated element list the structured kernel prompts with.
// Phones hand us a uiautomator XML dump, PCs a pre-listed element
// array; both normalize into the same Element type and run the same
// geometric filters, so element indices mean the same thing on every
// platform.
package perception

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/autofleet/autofleet/internal/device/channel"
)

// Rect is a pixel-space bounding box.
type Rect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (r Rect) Area() int {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

func (r Rect) CenterX() int { return (r.X1 + r.X2) / 2 }
func (r Rect) CenterY() int { return (r.Y1 + r.Y2) / 2 }

func intersectArea(a, b Rect) int {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

func iou(a, b Rect) float64 {
	inter := intersectArea(a, b)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	return float64(inter) / float64(union)
}

// Element is one interactive UI element in reading order. Index is
// 1-based; models reference elements by it and the executor resolves
// it back to the pixel center.
type Element struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Class  string `json:"class,omitempty"`
	Bounds Rect   `json:"bounds"`
}

// candidate is an element before filtering. ownText is the node's own
// attributes only; text includes inherited descendant text.
type candidate struct {
	bounds  Rect
	class   string
	ownText string
	text    string
}

// Snapshot is one perception pass over a device screen.
type Snapshot struct {
	Elements []Element
	Screen   channel.Screen
}

// Parse normalizes a raw UI snapshot into an ordered element list.
// Zero elements is a valid result, not an error; the kernel counts
// consecutive empties itself.
func Parse(snap *channel.UISnapshot) (*Snapshot, error) {
	var cands []candidate
	var err error
	switch snap.Format {
	case channel.FormatUIAutomatorXML:
		cands, err = androidCandidates(snap.Data)
	case channel.FormatElementsJSON:
		cands, err = pcCandidates(snap.Data)
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", snap.Format)
	}
	if err != nil {
		return nil, err
	}
	els := index(deoverlap(dropWrappers(cands)))
	return &Snapshot{Elements: els, Screen: snap.Screen}, nil
}

// Empty reports whether the pass found nothing actionable.
func (s *Snapshot) Empty() bool { return len(s.Elements) == 0 }

// CenterOf returns the pixel center of a 1-based element index.
func (s *Snapshot) CenterOf(index int) (int, int, bool) {
	if s == nil || index < 1 || index > len(s.Elements) {
		return 0, 0, false
	}
	b := s.Elements[index-1].Bounds
	return b.CenterX(), b.CenterY(), true
}

// PromptLine is the per-element JSON shape embedded in the structured
// prompt. Center is normalized to the [0,1000] coordinate space.
type PromptLine struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Class  string `json:"class,omitempty"`
	Center [2]int `json:"center"`
}

// PromptJSON renders the element list for the model.
func (s *Snapshot) PromptJSON() string {
	lines := make([]PromptLine, 0, len(s.Elements))
	for _, e := range s.Elements {
		lines = append(lines, PromptLine{
			Index: e.Index,
			Text:  e.Text,
			Class: e.Class,
			Center: [2]int{
				normCoord(e.Bounds.CenterX(), s.Screen.Width),
				normCoord(e.Bounds.CenterY(), s.Screen.Height),
			},
		})
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func normCoord(px, dim int) int {
	if dim <= 0 {
		return 0
	}
	n := px * 1000 / dim
	return min(max(n, 0), 1000)
}

// dropWrappers removes containers that merely hold several smaller
// candidates and say nothing themselves: a candidate with no own text
// is dropped when at least three others sit almost entirely inside it
// while covering under half of its area each.
func dropWrappers(cands []candidate) []candidate {
	out := make([]candidate, 0, len(cands))
	for i, a := range cands {
		if a.ownText != "" {
			out = append(out, a)
			continue
		}
		areaA := a.bounds.Area()
		contained := 0
		for j, b := range cands {
			if i == j {
				continue
			}
			inter := intersectArea(a.bounds, b.bounds)
			if inter == 0 {
				continue
			}
			iouA := float64(inter) / float64(areaA)
			iouB := float64(inter) / float64(b.bounds.Area())
			if iouA < 0.5 && iouB > 0.9 {
				contained++
			}
		}
		if contained < 3 {
			out = append(out, a)
		}
	}
	return out
}

// deoverlap sorts candidates into reading order and drops any that
// sit on top of one already kept.
func deoverlap(cands []candidate) []candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].bounds, sorted[j].bounds
		if a.CenterY() != b.CenterY() {
			return a.CenterY() < b.CenterY()
		}
		return a.CenterX() < b.CenterX()
	})

	out := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		clash := false
		for _, kept := range out {
			if iou(c.bounds, kept.bounds) > 0.7 {
				clash = true
				break
			}
		}
		if !clash {
			out = append(out, c)
		}
	}
	return out
}

func index(cands []candidate) []Element {
	els := make([]Element, 0, len(cands))
	for i, c := range cands {
		text := strings.TrimSpace(c.text)
		if text == "" {
			text = classLabel(c.class)
		}
		els = append(els, Element{Index: i + 1, Text: text, Class: c.class, Bounds: c.bounds})
	}
	return els
}

// classLabel is the last dotted segment of a widget class name.
func classLabel(class string) string {
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		return class[i+1:]
	}
	return class
}
