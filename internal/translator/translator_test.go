package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/kiro"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(0))
	assert.Equal(t, 0, EstimateTokens(-1))
	assert.Equal(t, 1, EstimateTokens(1))
	assert.Equal(t, 1, EstimateTokens(4))
	assert.Equal(t, 2, EstimateTokens(5))
	assert.Equal(t, 25, EstimateTokens(100))
}

func TestAffinitySeed(t *testing.T) {
	msgs := gjson.Parse(`[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"},{"role":"assistant","content":"d"}]`).Array()

	seed := AffinitySeed(msgs)
	assert.Contains(t, seed, `"a"`)
	assert.Contains(t, seed, `"c"`)
	assert.NotContains(t, seed, `"d"`)

	// The fourth message must not influence the seed.
	shorter := AffinitySeed(msgs[:3])
	assert.Equal(t, shorter, seed)

	assert.Empty(t, AffinitySeed(nil))
}

func TestNormalizeToolInput(t *testing.T) {
	assert.Equal(t, `{}`, NormalizeToolInput(""))
	assert.Equal(t, `{}`, NormalizeToolInput("   "))
	assert.Equal(t, `{"a":1}`, NormalizeToolInput(`{"a":1}`))
	assert.Equal(t, `[1,2]`, NormalizeToolInput(`[1,2]`))

	wrapped := NormalizeToolInput(`{"a":`)
	require.True(t, gjson.Valid(wrapped))
	assert.Equal(t, `{"a":`, gjson.Get(wrapped, "raw").String())
}

func TestTurnsCollapseSameRole(t *testing.T) {
	var turns Turns
	first := turns.Next("user")
	first.Text = append(first.Text, "one")
	second := turns.Next("user")
	second.Text = append(second.Text, "two")
	assert.Same(t, first, second)
	turns.Next("assistant").Text = []string{"reply"}
	turns.Next("user").Text = []string{"three"}

	current, history := turns.Split()
	require.Len(t, history, 2)
	assert.Equal(t, []string{"one", "two"}, history[0].Text)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, []string{"three"}, current.Text)
}

func TestTurnsSplitPromotesTrailingAssistant(t *testing.T) {
	var turns Turns
	a := turns.Next("assistant")
	a.Text = append(a.Text, "only assistant text")

	current, history := turns.Split()
	assert.Empty(t, history)
	assert.Equal(t, "user", current.Role)
	assert.Equal(t, []string{"only assistant text"}, current.Text)
}

func TestTurnsSplitRemovesCurrentFromHistory(t *testing.T) {
	var turns Turns
	turns.Next("user").Text = []string{"q1"}
	turns.Next("assistant").Text = []string{"a1"}
	turns.Next("user").Text = []string{"q2"}
	turns.Next("assistant").Text = []string{"a2"}

	current, history := turns.Split()
	assert.Equal(t, []string{"q2"}, current.Text)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"q1"}, history[0].Text)
	assert.Equal(t, []string{"a1"}, history[1].Text)
	assert.Equal(t, []string{"a2"}, history[2].Text)
}

func TestInlineSystemPrefersHistoryUser(t *testing.T) {
	first := &Turn{Role: "user", Text: []string{"hello"}}
	mid := &Turn{Role: "assistant", Text: []string{"hi"}}
	current := &Turn{Role: "user", Text: []string{"again"}}

	InlineSystem("be brief", current, []*Turn{first, mid})
	assert.Equal(t, []string{"be brief", "hello"}, first.Text)
	assert.Equal(t, []string{"again"}, current.Text)
}

func TestInlineSystemFallsBackToCurrent(t *testing.T) {
	current := &Turn{Role: "user", Text: []string{"hello"}}
	InlineSystem("be brief", current, nil)
	assert.Equal(t, []string{"be brief", "hello"}, current.Text)

	InlineSystem("", current, nil)
	assert.Equal(t, []string{"be brief", "hello"}, current.Text)
}

func TestBuildConversation(t *testing.T) {
	current := &Turn{
		Role:    "user",
		Text:    []string{"what is the weather"},
		Images:  []kiro.Image{{Format: "png", Source: kiro.ImageSource{Bytes: "aGk="}}},
		Results: []kiro.ToolResult{{ToolUseID: "t1", Status: "success"}},
	}
	history := []*Turn{
		{Role: "user", Text: []string{"hi"}},
		{Role: "assistant", Text: []string{"hello"}, Uses: []kiro.ToolUse{{ToolUseID: "t1", Name: "get_weather"}}},
	}
	tools := []kiro.Tool{{ToolSpecification: kiro.ToolSpecification{Name: "get_weather"}}}

	conv := BuildConversation("claude-sonnet-4", current, history, tools)
	state := conv.ConversationState

	assert.NotEmpty(t, state.ConversationID)
	assert.NotEmpty(t, state.AgentContinuationID)
	assert.Equal(t, "vibe", state.AgentTaskType)
	assert.Equal(t, "MANUAL", state.ChatTriggerType)

	msg := state.CurrentMessage.UserInputMessage
	assert.Equal(t, "what is the weather", msg.Content)
	assert.Equal(t, "claude-sonnet-4", msg.ModelID)
	assert.Equal(t, kiro.OriginAIEditor, msg.Origin)
	require.NotNil(t, msg.Context)
	assert.Equal(t, tools, msg.Context.Tools)
	assert.Equal(t, current.Results, msg.Context.ToolResults)
	assert.Len(t, msg.Images, 1)

	require.Len(t, state.History, 2)
	require.NotNil(t, state.History[0].UserInputMessage)
	assert.Equal(t, "hi", state.History[0].UserInputMessage.Content)
	assert.Equal(t, "claude-sonnet-4", state.History[0].UserInputMessage.ModelID)
	require.NotNil(t, state.History[1].AssistantResponseMessage)
	assert.Len(t, state.History[1].AssistantResponseMessage.ToolUses, 1)
}

func TestWrapToolResult(t *testing.T) {
	jsonResult := WrapToolResult("t1", "success", `{"ok":true}`)
	require.Len(t, jsonResult.Content, 1)
	assert.Empty(t, jsonResult.Content[0].Text)
	assert.JSONEq(t, `{"ok":true}`, string(jsonResult.Content[0].JSON))

	textResult := WrapToolResult("t2", "error", "plain words")
	require.Len(t, textResult.Content, 1)
	assert.Equal(t, "plain words", textResult.Content[0].Text)
	assert.Nil(t, textResult.Content[0].JSON)
	assert.Equal(t, "error", textResult.Status)

	// Bare scalars are valid JSON but ride as text for readability.
	scalar := WrapToolResult("t3", "success", "42")
	assert.Equal(t, "42", scalar.Content[0].Text)
}

func TestRandomID(t *testing.T) {
	id := RandomID("msg_", 24)
	assert.Len(t, id, len("msg_")+24)
	assert.NotEqual(t, id, RandomID("msg_", 24))
}
