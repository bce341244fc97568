package openai

import (
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

const (
	chunkTemplate      = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	completionTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
)

// StreamParams carries accumulator state across one streamed response.
type StreamParams struct {
	ID          string
	Model       string
	Created     int64
	InputTokens int

	toolIndex map[string]int
	nextTool  int
	sawTool   bool
	started   bool
}

// NewStreamParams seeds per-response identifiers. Model is echoed verbatim
// in every chunk; inputTokens feeds the non-streaming usage block.
func NewStreamParams(model string, inputTokens int) *StreamParams {
	return &StreamParams{
		ID:          translator.RandomID("chatcmpl-", 8),
		Model:       model,
		Created:     time.Now().Unix(),
		InputTokens: inputTokens,
		toolIndex:   make(map[string]int),
	}
}

func (p *StreamParams) base() string {
	out := chunkTemplate
	out, _ = sjson.Set(out, "id", p.ID)
	out, _ = sjson.Set(out, "created", p.Created)
	out, _ = sjson.Set(out, "model", p.Model)
	return out
}

// ConvertKiroEventToChatCompletions renders one upstream event as zero or
// more chat.completion chunks. The first chunk of the response carries the
// assistant role; tool-use fragments keyed by toolUseId become incremental
// tool_calls deltas in arrival order.
func ConvertKiroEventToChatCompletions(ev *kiro.Event, param *StreamParams) []translator.Chunk {
	switch ev.Type {
	case kiro.EventAssistantResponse:
		if ev.Content == "" {
			return nil
		}
		out := param.base()
		if !param.started {
			param.started = true
			out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
		}
		out, _ = sjson.Set(out, "choices.0.delta.content", ev.Content)
		return []translator.Chunk{{Data: out}}

	case kiro.EventToolUse:
		var chunks []translator.Chunk
		idx, known := param.toolIndex[ev.ToolUseID]
		if !known {
			idx = param.nextTool
			param.nextTool++
			param.toolIndex[ev.ToolUseID] = idx
			param.sawTool = true

			out := param.base()
			if !param.started {
				param.started = true
				out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
			}
			out, _ = sjson.Set(out, "choices.0.delta.tool_calls", []interface{}{map[string]interface{}{
				"index": idx,
				"id":    ev.ToolUseID,
				"type":  "function",
				"function": map[string]interface{}{
					"name":      ev.Name,
					"arguments": "",
				},
			}})
			chunks = append(chunks, translator.Chunk{Data: out})
		}
		if ev.Input != "" {
			out := param.base()
			out, _ = sjson.Set(out, "choices.0.delta.tool_calls", []interface{}{map[string]interface{}{
				"index": idx,
				"function": map[string]interface{}{
					"arguments": ev.Input,
				},
			}})
			chunks = append(chunks, translator.Chunk{Data: out})
		}
		return chunks
	}
	return nil
}

// FinishChatCompletions emits the closing chunk and the stream terminator.
func FinishChatCompletions(param *StreamParams) []translator.Chunk {
	reason := "stop"
	if param.sawTool {
		reason = "tool_calls"
	}
	out := param.base()
	out, _ = sjson.Set(out, "choices.0.finish_reason", reason)
	return []translator.Chunk{{Data: out}, {Data: "[DONE]"}}
}

// ErrorChunk renders a mid-stream failure as an in-band error frame.
func ErrorChunk(kind interfaces.ErrorKind, message string) translator.Chunk {
	out := `{"error":{"message":"","type":""}}`
	out, _ = sjson.Set(out, "error.message", message)
	out, _ = sjson.Set(out, "error.type", string(kind))
	return translator.Chunk{Data: out}
}

// Aggregate folds a full event stream into one chat.completion response.
type Aggregate struct {
	content strings.Builder
	order   []string
	tools   map[string]*toolCall
}

type toolCall struct {
	name string
	args strings.Builder
}

func NewAggregate() *Aggregate {
	return &Aggregate{tools: make(map[string]*toolCall)}
}

// Add consumes one upstream event.
func (a *Aggregate) Add(ev *kiro.Event) {
	switch ev.Type {
	case kiro.EventAssistantResponse:
		a.content.WriteString(ev.Content)
	case kiro.EventToolUse:
		tc, ok := a.tools[ev.ToolUseID]
		if !ok {
			tc = &toolCall{name: ev.Name}
			a.tools[ev.ToolUseID] = tc
			a.order = append(a.order, ev.ToolUseID)
		}
		tc.args.WriteString(ev.Input)
	}
}

// Final renders the aggregated completion. Completion tokens are estimated
// from the aggregated output.
func (a *Aggregate) Final(param *StreamParams) []byte {
	out := completionTemplate
	out, _ = sjson.Set(out, "id", param.ID)
	out, _ = sjson.Set(out, "created", param.Created)
	out, _ = sjson.Set(out, "model", param.Model)

	content := a.content.String()
	outputChars := len(content)
	out, _ = sjson.Set(out, "choices.0.message.content", content)

	if len(a.order) > 0 {
		calls := make([]interface{}, 0, len(a.order))
		for _, id := range a.order {
			tc := a.tools[id]
			args := translator.NormalizeToolInput(tc.args.String())
			outputChars += len(args)
			calls = append(calls, map[string]interface{}{
				"id":   id,
				"type": "function",
				"function": map[string]interface{}{
					"name":      tc.name,
					"arguments": args,
				},
			})
		}
		out, _ = sjson.Set(out, "choices.0.message.tool_calls", calls)
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	}

	completion := translator.EstimateTokens(outputChars)
	out, _ = sjson.Set(out, "usage.prompt_tokens", param.InputTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", param.InputTokens+completion)
	return []byte(out)
}
