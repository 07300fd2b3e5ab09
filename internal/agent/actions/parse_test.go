package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElementBecomesCoordinates(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":  "tap",
		"element": []interface{}{float64(500), float64(600)},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeTap, a.Type)
	require.NotNil(t, a.Coordinates)
	assert.Equal(t, 500, a.Coordinates.X)
	assert.Equal(t, 600, a.Coordinates.Y)
	assert.Zero(t, a.Index)
}

func TestParseElementNumberBecomesIndex(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":  "tap",
		"element": float64(4),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, a.Index)
	assert.Nil(t, a.Coordinates)
}

func TestParseFinishBecomesDone(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":  "finish",
		"message": "all set",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeDone, a.Type)
	assert.Equal(t, "all set", a.Message)
	assert.True(t, a.Succeeded())
}

func TestParseNameSpellings(t *testing.T) {
	cases := map[string]Type{
		"Tap":          TypeTap,
		"Long Press":   TypeLongPress,
		"double-tap":   TypeDoubleTap,
		"click":        TypeTap,
		"type":         TypeInputText,
		"launch":       TypeLaunchApp,
		"update_todos": TypeUpdateTodos,
	}
	for name, want := range cases {
		a, err := Parse(map[string]interface{}{
			"action":   name,
			"text":     "x",
			"app":      "x",
			"markdown": "x",
			"element":  []interface{}{float64(1), float64(2)},
		})
		require.NoError(t, err, name)
		assert.Equal(t, want, a.Type, name)
	}
}

func TestParseActionTypeKey(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action_type": "press_key",
		"key":         "home",
	})
	require.NoError(t, err)
	assert.Equal(t, TypePressKey, a.Type)
	assert.Equal(t, "home", a.Key)
}

func TestParseKeyRenames(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":            "drag",
		"start_coordinates": []interface{}{float64(100), float64(100)},
		"end_coordinates":   []interface{}{float64(100), float64(700)},
		"duration":          float64(800),
	})
	require.NoError(t, err)
	require.NotNil(t, a.Start)
	require.NotNil(t, a.End)
	assert.Equal(t, 700, a.End.Y)
	assert.Equal(t, 800, a.DurationMS)
}

func TestParseDurationMeansSecondsForWait(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":   "wait",
		"duration": float64(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, a.Seconds)
}

func TestParseNumericKeycode(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action": "key_event",
		"key":    float64(66),
	})
	require.NoError(t, err)
	assert.Equal(t, "66", a.Key)
}

func TestParseObjectCoordinates(t *testing.T) {
	a, err := Parse(map[string]interface{}{
		"action":      "tap",
		"coordinates": map[string]interface{}{"x": float64(10), "y": float64(20)},
	})
	require.NoError(t, err)
	require.NotNil(t, a.Coordinates)
	assert.Equal(t, Point{X: 10, Y: 20}, *a.Coordinates)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)

	_, err = Parse(map[string]interface{}{"reason": "no action here"})
	assert.Error(t, err)

	_, err = Parse(map[string]interface{}{"action": "teleport"})
	assert.Error(t, err)
}

func TestParseCallDo(t *testing.T) {
	a, err := ParseCall(`do(action="Tap", element=[500, 600])`)
	require.NoError(t, err)
	assert.Equal(t, TypeTap, a.Type)
	require.NotNil(t, a.Coordinates)
	assert.Equal(t, Point{X: 500, Y: 600}, *a.Coordinates)
}

func TestParseCallQuotedCommas(t *testing.T) {
	a, err := ParseCall(`do(action="Type", text="milk, eggs, bread")`)
	require.NoError(t, err)
	assert.Equal(t, TypeInputText, a.Type)
	assert.Equal(t, "milk, eggs, bread", a.Text)
}

func TestParseCallFinish(t *testing.T) {
	a, err := ParseCall(`finish(message="Settings opened")`)
	require.NoError(t, err)
	assert.Equal(t, TypeDone, a.Type)
	assert.Equal(t, "Settings opened", a.Message)
}

func TestParseCallNoMatch(t *testing.T) {
	_, err := ParseCall("I will now tap the button")
	assert.Error(t, err)
}
