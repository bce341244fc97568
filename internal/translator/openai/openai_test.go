package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
)

func TestConvertChatCompletionsRequest(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"stream": true,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "what is the weather in kyoto"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"kyoto\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"temp\": 21}"},
			{"role": "user", "content": "and tomorrow?"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "weather lookup", "parameters": {"type": "object"}}}
		]
	}`

	req, err := ConvertChatCompletionsRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.ClientModel)
	assert.Equal(t, "claude-sonnet-4", req.UpstreamModel)
	assert.True(t, req.Stream)
	assert.NotEmpty(t, req.SessionSeed)
	assert.Greater(t, req.InputChars, 0)

	state := req.Conversation.ConversationState
	msg := state.CurrentMessage.UserInputMessage
	assert.Equal(t, "and tomorrow?", msg.Content)
	assert.Equal(t, "claude-sonnet-4", msg.ModelID)

	require.NotNil(t, msg.Context)
	require.Len(t, msg.Context.Tools, 1)
	spec := msg.Context.Tools[0].ToolSpecification
	assert.Equal(t, "get_weather", spec.Name)
	assert.Equal(t, "weather lookup", spec.Description)
	assert.JSONEq(t, `{"type":"object"}`, string(spec.InputSchema.JSON))

	// The tool message collapses into the same user turn as the follow-up
	// question, so the result rides on the current message.
	require.Len(t, msg.Context.ToolResults, 1)
	result := msg.Context.ToolResults[0]
	assert.Equal(t, "call_1", result.ToolUseID)
	assert.JSONEq(t, `{"temp":21}`, string(result.Content[0].JSON))

	// system prefixes the first user message, which lives in history.
	require.Len(t, state.History, 2)
	first := state.History[0].UserInputMessage
	require.NotNil(t, first)
	assert.Equal(t, "be terse\nwhat is the weather in kyoto", first.Content)

	second := state.History[1].AssistantResponseMessage
	require.NotNil(t, second)
	require.Len(t, second.ToolUses, 1)
	assert.Equal(t, "call_1", second.ToolUses[0].ToolUseID)
	assert.Equal(t, "get_weather", second.ToolUses[0].Name)
	assert.JSONEq(t, `{"city":"kyoto"}`, string(second.ToolUses[0].Input))
}

func TestConvertChatCompletionsRequestToolResultsOnCurrent(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_9", "type": "function", "function": {"name": "get_weather", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_9", "content": "sunny"}
		]
	}`

	req, err := ConvertChatCompletionsRequest([]byte(body))
	require.NoError(t, err)

	msg := req.Conversation.ConversationState.CurrentMessage.UserInputMessage
	assert.Empty(t, msg.Content)
	require.NotNil(t, msg.Context)
	require.Len(t, msg.Context.ToolResults, 1)
	assert.Equal(t, "call_9", msg.Context.ToolResults[0].ToolUseID)
	assert.Equal(t, "sunny", msg.Context.ToolResults[0].Content[0].Text)
	assert.Len(t, req.Conversation.ConversationState.History, 2)
}

func TestConvertChatCompletionsRequestCollapsesRoles(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "first"},
			{"role": "user", "content": "second"}
		]
	}`

	req, err := ConvertChatCompletionsRequest([]byte(body))
	require.NoError(t, err)
	assert.Empty(t, req.Conversation.ConversationState.History)
	assert.Equal(t, "first\nsecond", req.Conversation.ConversationState.CurrentMessage.UserInputMessage.Content)
}

func TestConvertChatCompletionsRequestInlinesSystemOnSingleMessage(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		]
	}`

	req, err := ConvertChatCompletionsRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "be terse\nhello", req.Conversation.ConversationState.CurrentMessage.UserInputMessage.Content)
	assert.Empty(t, req.Conversation.System)
}

func TestConvertChatCompletionsRequestImages(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is"},
				{"type": "text", "text": "in this picture"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}},
				{"type": "image_url", "image_url": {"url": "https://example.com/a.png"}}
			]}
		]
	}`

	req, err := ConvertChatCompletionsRequest([]byte(body))
	require.NoError(t, err)

	msg := req.Conversation.ConversationState.CurrentMessage.UserInputMessage
	assert.Equal(t, "what is in this picture", msg.Content)
	require.Len(t, msg.Images, 1)
	assert.Equal(t, "png", msg.Images[0].Format)
	assert.Equal(t, "aGVsbG8=", msg.Images[0].Source.Bytes)
}

func TestConvertChatCompletionsRequestRejectsEmpty(t *testing.T) {
	_, err := ConvertChatCompletionsRequest([]byte(`{"model":"gpt-4o","messages":[]}`))
	require.Error(t, err)
	assert.Equal(t, interfaces.ErrProtocolTranslation, interfaces.KindOf(err))
}

func TestStreamTextChunks(t *testing.T) {
	param := NewStreamParams("claude-sonnet-4", 0)

	chunks := ConvertKiroEventToChatCompletions(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Hel"}, param)
	require.Len(t, chunks, 1)
	first := chunks[0].Data
	assert.Empty(t, chunks[0].Event)
	assert.Equal(t, "chat.completion.chunk", gjson.Get(first, "object").String())
	assert.Equal(t, "assistant", gjson.Get(first, "choices.0.delta.role").String())
	assert.Equal(t, "Hel", gjson.Get(first, "choices.0.delta.content").String())
	assert.Equal(t, "claude-sonnet-4", gjson.Get(first, "model").String())
	assert.Equal(t, param.ID, gjson.Get(first, "id").String())

	chunks = ConvertKiroEventToChatCompletions(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "lo"}, param)
	require.Len(t, chunks, 1)
	assert.False(t, gjson.Get(chunks[0].Data, "choices.0.delta.role").Exists())
	assert.Equal(t, "lo", gjson.Get(chunks[0].Data, "choices.0.delta.content").String())

	final := FinishChatCompletions(param)
	require.Len(t, final, 2)
	assert.Equal(t, "stop", gjson.Get(final[0].Data, "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", final[1].Data)
}

func TestStreamToolCallFragments(t *testing.T) {
	param := NewStreamParams("claude-sonnet-4", 0)

	chunks := ConvertKiroEventToChatCompletions(&kiro.Event{
		Type: kiro.EventToolUse, ToolUseID: "X", Name: "get_weather", Input: `{"a":`,
	}, param)
	require.Len(t, chunks, 2)

	header := chunks[0].Data
	assert.Equal(t, "assistant", gjson.Get(header, "choices.0.delta.role").String())
	call := gjson.Get(header, "choices.0.delta.tool_calls.0")
	assert.Equal(t, int64(0), call.Get("index").Int())
	assert.Equal(t, "X", call.Get("id").String())
	assert.Equal(t, "function", call.Get("type").String())
	assert.Equal(t, "get_weather", call.Get("function.name").String())

	assert.Equal(t, `{"a":`, gjson.Get(chunks[1].Data, "choices.0.delta.tool_calls.0.function.arguments").String())

	chunks = ConvertKiroEventToChatCompletions(&kiro.Event{
		Type: kiro.EventToolUse, ToolUseID: "X", Input: `1}`, Stop: true,
	}, param)
	require.Len(t, chunks, 1)
	assert.Equal(t, `1}`, gjson.Get(chunks[0].Data, "choices.0.delta.tool_calls.0.function.arguments").String())
	assert.False(t, gjson.Get(chunks[0].Data, "choices.0.delta.tool_calls.0.id").Exists())

	final := FinishChatCompletions(param)
	require.Len(t, final, 2)
	assert.Equal(t, "tool_calls", gjson.Get(final[0].Data, "choices.0.finish_reason").String())
}

func TestStreamToolCallOrdering(t *testing.T) {
	param := NewStreamParams("claude-sonnet-4", 0)

	first := ConvertKiroEventToChatCompletions(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "A", Name: "alpha", Input: "{}", Stop: true}, param)
	second := ConvertKiroEventToChatCompletions(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "B", Name: "beta", Input: "{}", Stop: true}, param)

	assert.Equal(t, int64(0), gjson.Get(first[0].Data, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, "alpha", gjson.Get(first[0].Data, "choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, int64(1), gjson.Get(second[0].Data, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, "beta", gjson.Get(second[0].Data, "choices.0.delta.tool_calls.0.function.name").String())
}

func TestAggregateNonStream(t *testing.T) {
	param := NewStreamParams("claude-sonnet-4", 50)
	agg := NewAggregate()

	agg.Add(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Let me check. "})
	agg.Add(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Name: "get_weather", Input: `{"a":`})
	agg.Add(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Input: `1,"b":`})
	agg.Add(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Input: `2}`, Stop: true})

	out := agg.Final(param)
	require.True(t, gjson.ValidBytes(out))

	root := gjson.ParseBytes(out)
	assert.Equal(t, "chat.completion", root.Get("object").String())
	assert.Equal(t, "Let me check. ", root.Get("choices.0.message.content").String())
	assert.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())

	call := root.Get("choices.0.message.tool_calls.0")
	assert.Equal(t, "X", call.Get("id").String())
	assert.Equal(t, "get_weather", call.Get("function.name").String())

	var args map[string]int
	require.NoError(t, json.Unmarshal([]byte(call.Get("function.arguments").String()), &args))
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, args)

	assert.Equal(t, int64(50), root.Get("usage.prompt_tokens").Int())
	assert.Greater(t, root.Get("usage.completion_tokens").Int(), int64(0))
	assert.Equal(t, root.Get("usage.prompt_tokens").Int()+root.Get("usage.completion_tokens").Int(), root.Get("usage.total_tokens").Int())
}

func TestAggregateTextOnly(t *testing.T) {
	param := NewStreamParams("claude-sonnet-4", 10)
	agg := NewAggregate()
	agg.Add(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Hello"})

	root := gjson.ParseBytes(agg.Final(param))
	assert.Equal(t, "Hello", root.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	assert.False(t, root.Get("choices.0.message.tool_calls").Exists())
}

func TestErrorChunk(t *testing.T) {
	chunk := ErrorChunk(interfaces.ErrQuotaExceeded, "MONTHLY_REQUEST_COUNT limit hit")
	assert.Equal(t, "quota_exceeded", gjson.Get(chunk.Data, "error.type").String())
	assert.Contains(t, gjson.Get(chunk.Data, "error.message").String(), "MONTHLY_REQUEST_COUNT")
}
