package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
)

func TestConvertGenerateContentRequest(t *testing.T) {
	body := `{
		"systemInstruction": {"parts": [{"text": "be terse"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "what is"}, {"text": "the weather"}]},
			{"role": "model", "parts": [
				{"text": "Checking."},
				{"functionCall": {"name": "get_weather", "args": {"city": "kyoto"}}}
			]},
			{"role": "user", "parts": [
				{"functionResponse": {"name": "get_weather", "response": {"temp": 21}}}
			]}
		],
		"tools": [
			{"functionDeclarations": [{"name": "get_weather", "description": "lookup", "parameters": {"type": "object"}}]}
		]
	}`

	req, err := ConvertGenerateContentRequest("gemini-2.5-pro", []byte(body), true)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", req.ClientModel)
	assert.Equal(t, "claude-sonnet-4", req.UpstreamModel)
	assert.True(t, req.Stream)

	state := req.Conversation.ConversationState
	msg := state.CurrentMessage.UserInputMessage
	assert.Empty(t, msg.Content)
	require.NotNil(t, msg.Context)
	require.Len(t, msg.Context.ToolResults, 1)
	assert.Equal(t, "get_weather", msg.Context.ToolResults[0].ToolUseID)
	assert.JSONEq(t, `{"temp":21}`, string(msg.Context.ToolResults[0].Content[0].JSON))
	require.Len(t, msg.Context.Tools, 1)
	assert.Equal(t, "get_weather", msg.Context.Tools[0].ToolSpecification.Name)

	require.Len(t, state.History, 2)
	first := state.History[0].UserInputMessage
	require.NotNil(t, first)
	assert.Equal(t, "be terse\nwhat is the weather", first.Content)

	second := state.History[1].AssistantResponseMessage
	require.NotNil(t, second)
	assert.Equal(t, "Checking.", second.Content)
	require.Len(t, second.ToolUses, 1)
	assert.Equal(t, "get_weather", second.ToolUses[0].Name)
	assert.JSONEq(t, `{"city":"kyoto"}`, string(second.ToolUses[0].Input))
}

func TestConvertGenerateContentRequestSnakeCase(t *testing.T) {
	body := `{
		"system_instruction": {"parts": [{"text": "short"}]},
		"contents": [
			{"role": "user", "parts": [
				{"text": "describe"},
				{"inline_data": {"mime_type": "image/png", "data": "aGVsbG8="}}
			]}
		]
	}`

	req, err := ConvertGenerateContentRequest("gemini-2.0-flash", []byte(body), false)
	require.NoError(t, err)

	msg := req.Conversation.ConversationState.CurrentMessage.UserInputMessage
	assert.Equal(t, "short\ndescribe", msg.Content)
	require.Len(t, msg.Images, 1)
	assert.Equal(t, "png", msg.Images[0].Format)
	assert.False(t, req.Stream)
}

func TestConvertGenerateContentRequestRejectsEmpty(t *testing.T) {
	_, err := ConvertGenerateContentRequest("gemini-2.5-pro", []byte(`{"contents":[]}`), false)
	require.Error(t, err)
	assert.Equal(t, interfaces.ErrProtocolTranslation, interfaces.KindOf(err))
}

func TestStreamTextFragments(t *testing.T) {
	param := NewStreamParams("gemini-2.5-pro", 0)

	chunks := ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Hel"}, param)
	require.Len(t, chunks, 1)
	root := gjson.Parse(chunks[0].Data)
	assert.Equal(t, "Hel", root.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "model", root.Get("candidates.0.content.role").String())
	assert.False(t, root.Get("candidates.0.finishReason").Exists())

	final := FinishGenerateContent(param)
	require.Len(t, final, 1)
	assert.Equal(t, "STOP", gjson.Get(final[0].Data, "candidates.0.finishReason").String())
}

func TestStreamBuffersToolCall(t *testing.T) {
	param := NewStreamParams("gemini-2.5-pro", 0)

	// Fragments stay buffered until the tool use completes.
	chunks := ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Name: "get_weather", Input: `{"a":`}, param)
	assert.Empty(t, chunks)
	chunks = ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Input: `1,"b":`}, param)
	assert.Empty(t, chunks)

	chunks = ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Input: `2}`, Stop: true}, param)
	require.Len(t, chunks, 1)
	call := gjson.Get(chunks[0].Data, "candidates.0.content.parts.0.functionCall")
	assert.Equal(t, "get_weather", call.Get("name").String())
	assert.Equal(t, int64(1), call.Get("args.a").Int())
	assert.Equal(t, int64(2), call.Get("args.b").Int())
}

func TestStreamFlushesToolOnTextAndFinish(t *testing.T) {
	param := NewStreamParams("gemini-2.5-pro", 0)

	// A text event after tool fragments forces the buffered call out first.
	ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Name: "alpha", Input: `{}`}, param)
	chunks := ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "done"}, param)
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha", gjson.Get(chunks[0].Data, "candidates.0.content.parts.0.functionCall.name").String())
	assert.Equal(t, "done", gjson.Get(chunks[1].Data, "candidates.0.content.parts.0.text").String())

	// A dangling buffer at end of stream flushes before the final frame.
	ConvertKiroEventToGenerateContent(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "Y", Name: "beta", Input: `{}`}, param)
	final := FinishGenerateContent(param)
	require.Len(t, final, 2)
	assert.Equal(t, "beta", gjson.Get(final[0].Data, "candidates.0.content.parts.0.functionCall.name").String())
	assert.Equal(t, "STOP", gjson.Get(final[1].Data, "candidates.0.finishReason").String())
}

// Two text deltas aggregate into a single response with finishReason STOP.
func TestAggregateNonStream(t *testing.T) {
	param := NewStreamParams("gemini-2.5-pro", 30)
	agg := NewAggregate()
	agg.Add(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Hel"})
	agg.Add(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "lo"})

	out := agg.Final(param)
	require.True(t, gjson.ValidBytes(out))
	root := gjson.ParseBytes(out)

	assert.Equal(t, "Hello", root.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "model", root.Get("candidates.0.content.role").String())
	assert.Equal(t, "STOP", root.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(30), root.Get("usageMetadata.promptTokenCount").Int())
	assert.Equal(t, int64(2), root.Get("usageMetadata.candidatesTokenCount").Int())
	assert.Equal(t, int64(32), root.Get("usageMetadata.totalTokenCount").Int())
}

func TestAggregateWithToolCalls(t *testing.T) {
	param := NewStreamParams("gemini-2.5-pro", 0)
	agg := NewAggregate()
	agg.Add(&kiro.Event{Type: kiro.EventAssistantResponse, Content: "Checking"})
	agg.Add(&kiro.Event{Type: kiro.EventToolUse, ToolUseID: "X", Name: "get_weather", Input: `{"city":"kyoto"}`, Stop: true})

	root := gjson.ParseBytes(agg.Final(param))
	parts := root.Get("candidates.0.content.parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "Checking", parts[0].Get("text").String())
	assert.Equal(t, "get_weather", parts[1].Get("functionCall.name").String())
	assert.Equal(t, "kyoto", parts[1].Get("functionCall.args.city").String())
}

func TestErrorShapes(t *testing.T) {
	chunk := ErrorChunk(interfaces.ErrQuotaExceeded, "limit hit")
	root := gjson.Parse(chunk.Data)
	assert.Equal(t, "OTHER", root.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(429), root.Get("error.code").Int())
	assert.Equal(t, "RESOURCE_EXHAUSTED", root.Get("error.status").String())

	body := gjson.ParseBytes(ErrorBody(interfaces.ErrNoAccountAvailable, "pool empty"))
	assert.Equal(t, int64(503), body.Get("error.code").Int())
	assert.Equal(t, "UNAVAILABLE", body.Get("error.status").String())
	assert.False(t, body.Get("candidates").Exists())
}
