package perception

import (
	"encoding/json"
	"fmt"
)

// pcElement tolerates the field spellings desktop clients emit.
type pcElement struct {
	Text        string          `json:"text"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Role        string          `json:"role"`
	ControlType string          `json:"control_type"`
	Type        string          `json:"type"`
	Bounds      json.RawMessage `json:"bounds"`
	Rect        json.RawMessage `json:"rect"`
}

func pcCandidates(data []byte) ([]candidate, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var els []pcElement
	if err := json.Unmarshal(data, &els); err != nil {
		return nil, fmt.Errorf("parse pc elements: %w", err)
	}

	cands := make([]candidate, 0, len(els))
	for _, e := range els {
		bounds, ok := parsePCBounds(e.Bounds)
		if !ok {
			bounds, ok = parsePCBounds(e.Rect)
		}
		if !ok || bounds.Area() <= 0 {
			continue
		}
		text := firstNonEmpty(e.Text, e.Name, e.Title)
		class := firstNonEmpty(e.ControlType, e.Role, e.Type)
		cands = append(cands, candidate{bounds: bounds, class: class, ownText: text, text: text})
	}
	return cands, nil
}

// parsePCBounds accepts [x1,y1,x2,y2], {x1,y1,x2,y2},
// {left,top,right,bottom} and {x,y,width,height}.
func parsePCBounds(raw json.RawMessage) (Rect, bool) {
	if len(raw) == 0 {
		return Rect{}, false
	}

	var arr []float64
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) >= 4 {
		return Rect{X1: int(arr[0]), Y1: int(arr[1]), X2: int(arr[2]), Y2: int(arr[3])}, true
	}

	var obj struct {
		X1     *float64 `json:"x1"`
		Y1     *float64 `json:"y1"`
		X2     *float64 `json:"x2"`
		Y2     *float64 `json:"y2"`
		Left   *float64 `json:"left"`
		Top    *float64 `json:"top"`
		Right  *float64 `json:"right"`
		Bottom *float64 `json:"bottom"`
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Rect{}, false
	}
	switch {
	case obj.X1 != nil && obj.Y1 != nil && obj.X2 != nil && obj.Y2 != nil:
		return Rect{X1: int(*obj.X1), Y1: int(*obj.Y1), X2: int(*obj.X2), Y2: int(*obj.Y2)}, true
	case obj.Left != nil && obj.Top != nil && obj.Right != nil && obj.Bottom != nil:
		return Rect{X1: int(*obj.Left), Y1: int(*obj.Top), X2: int(*obj.Right), Y2: int(*obj.Bottom)}, true
	case obj.X != nil && obj.Y != nil && obj.Width != nil && obj.Height != nil:
		x, y := int(*obj.X), int(*obj.Y)
		return Rect{X1: x, Y1: y, X2: x + int(*obj.Width), Y2: y + int(*obj.Height)}, true
	}
	return Rect{}, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
