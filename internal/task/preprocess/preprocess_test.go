package preprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/agent/actions"
)

func TestAnalyzePureLaunch(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
		wantApp     string
	}{
		{"english simple", "open WeChat", "WeChat"},
		{"english launch", "launch Spotify", "Spotify"},
		{"english start", "start Chrome", "Chrome"},
		{"english polite", "please open the Settings app", "Settings"},
		{"english multiword", "open google maps", "google maps"},
		{"english mixed case", "OPEN Telegram", "Telegram"},
		{"chinese simple", "打开微信", "微信"},
		{"chinese polite", "请帮我打开支付宝", "支付宝"},
		{"chinese app suffix", "启动抖音应用", "抖音"},
		{"chinese run", "运行计算器", "计算器"},
		{"trailing space", "open WeChat  ", "WeChat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Analyze(tt.instruction)
			require.NotNil(t, plan)
			assert.Equal(t, RulePureLaunch, plan.Rule)
			assert.True(t, plan.SkipLLM)
			assert.Empty(t, plan.Remainder)
			assert.GreaterOrEqual(t, plan.Confidence, pureThreshold)
			require.NotNil(t, plan.Action)
			assert.Equal(t, actions.TypeLaunchApp, plan.Action.Type)
			assert.Equal(t, tt.wantApp, plan.Action.App)
		})
	}
}

func TestAnalyzeCompound(t *testing.T) {
	tests := []struct {
		name          string
		instruction   string
		wantApp       string
		wantRemainder string
	}{
		{
			"chinese ranhou",
			"打开微信然后给张三发消息",
			"微信",
			"给张三发消息",
		},
		{
			"chinese jiezhe",
			"启动淘宝接着搜索蓝牙耳机",
			"淘宝",
			"搜索蓝牙耳机",
		},
		{
			"english and then",
			"open WhatsApp and then send a message to Bob",
			"WhatsApp",
			"send a message to Bob",
		},
		{
			"english comma then",
			"launch Chrome, then search for the weather",
			"Chrome",
			"search for the weather",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Analyze(tt.instruction)
			require.NotNil(t, plan)
			assert.Equal(t, RuleCompoundLaunch, plan.Rule)
			assert.False(t, plan.SkipLLM)
			assert.Equal(t, tt.wantRemainder, plan.Remainder)
			assert.GreaterOrEqual(t, plan.Confidence, compoundThreshold)
			require.NotNil(t, plan.Action)
			assert.Equal(t, actions.TypeLaunchApp, plan.Action.Type)
			assert.Equal(t, tt.wantApp, plan.Action.App)
		})
	}
}

func TestAnalyzeNoMatch(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"plain task", "book a flight to Tokyo for next Friday"},
		{"question", "what is the battery level"},
		{"chinese task", "帮我查一下明天的天气"},
		{"launch verb without target", "open"},
		{"sentence as app name", "open the door and let the sunshine in please now"},
		{"compound without launch head", "search for restaurants and then book one"},
		{"compound with empty remainder", "打开微信然后"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Analyze(tt.instruction))
		})
	}
}

func TestCompoundConfidenceBelowPure(t *testing.T) {
	pure := Analyze("open WeChat")
	compound := Analyze("open WeChat and then check moments")
	require.NotNil(t, pure)
	require.NotNil(t, compound)
	assert.Greater(t, pure.Confidence, compound.Confidence)
}

func TestSplitCompoundPicksEarliestConnector(t *testing.T) {
	head, rest, ok := splitCompound("open Notes and then write hello then save")
	require.True(t, ok)
	assert.Equal(t, "open Notes", head)
	assert.Equal(t, "write hello then save", rest)
}

func TestMatchLaunchRejectsLongNames(t *testing.T) {
	app, _ := matchLaunch("open " + strings.Repeat("x", maxAppNameRunes+1))
	assert.Empty(t, app)

	app, conf := matchLaunch("open the report I was reading yesterday evening")
	assert.Empty(t, app)
	assert.Zero(t, conf)
}
