package claude

import (
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// Templates for the Anthropic streaming event vocabulary.
const (
	messageStartTemplate    = `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	blockStartTextTemplate  = `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	blockStartToolTemplate  = `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
	blockDeltaTextTemplate  = `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	blockDeltaInputTemplate = `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
	blockStopTemplate       = `{"type":"content_block_stop","index":0}`
	messageDeltaTemplate    = `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`
	messageStopTemplate     = `{"type":"message_stop"}`
	messageTemplate         = `{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
)

// StreamParams tracks content-block state across one streamed response.
type StreamParams struct {
	ID          string
	Model       string
	InputTokens int

	index       int
	blockOpen   bool
	blockTool   bool
	toolID      string
	started     bool
	sawTool     bool
	outputChars int
}

// NewStreamParams seeds per-response identifiers. inputTokens is the
// request-side estimate echoed in message_start.
func NewStreamParams(model string, inputTokens int) *StreamParams {
	return &StreamParams{
		ID:          translator.RandomID("msg_", 24),
		Model:       model,
		InputTokens: inputTokens,
	}
}

// begin emits message_start before the first content event.
func (p *StreamParams) begin(chunks []translator.Chunk) []translator.Chunk {
	if p.started {
		return chunks
	}
	p.started = true
	out := messageStartTemplate
	out, _ = sjson.Set(out, "message.id", p.ID)
	out, _ = sjson.Set(out, "message.model", p.Model)
	out, _ = sjson.Set(out, "message.usage.input_tokens", p.InputTokens)
	return append(chunks, translator.Chunk{Event: "message_start", Data: out})
}

// closeBlock stops the open content block, if any, and advances the index.
func (p *StreamParams) closeBlock(chunks []translator.Chunk) []translator.Chunk {
	if !p.blockOpen {
		return chunks
	}
	out, _ := sjson.Set(blockStopTemplate, "index", p.index)
	p.index++
	p.blockOpen = false
	p.blockTool = false
	p.toolID = ""
	return append(chunks, translator.Chunk{Event: "content_block_stop", Data: out})
}

// ConvertKiroEventToMessages renders one upstream event as Anthropic stream
// events. A new content block opens whenever the stream switches between
// text and tool use, or between two tool uses; tool input fragments become
// input_json_delta events on the block of their toolUseId.
func ConvertKiroEventToMessages(ev *kiro.Event, param *StreamParams) []translator.Chunk {
	var chunks []translator.Chunk
	switch ev.Type {
	case kiro.EventAssistantResponse:
		if ev.Content == "" {
			return nil
		}
		chunks = param.begin(chunks)
		if !param.blockOpen || param.blockTool {
			chunks = param.closeBlock(chunks)
			out, _ := sjson.Set(blockStartTextTemplate, "index", param.index)
			chunks = append(chunks, translator.Chunk{Event: "content_block_start", Data: out})
			param.blockOpen = true
		}
		out, _ := sjson.Set(blockDeltaTextTemplate, "index", param.index)
		out, _ = sjson.Set(out, "delta.text", ev.Content)
		param.outputChars += len(ev.Content)
		chunks = append(chunks, translator.Chunk{Event: "content_block_delta", Data: out})

	case kiro.EventToolUse:
		chunks = param.begin(chunks)
		if !param.blockOpen || !param.blockTool || param.toolID != ev.ToolUseID {
			chunks = param.closeBlock(chunks)
			out, _ := sjson.Set(blockStartToolTemplate, "index", param.index)
			out, _ = sjson.Set(out, "content_block.id", ev.ToolUseID)
			out, _ = sjson.Set(out, "content_block.name", ev.Name)
			chunks = append(chunks, translator.Chunk{Event: "content_block_start", Data: out})
			param.blockOpen = true
			param.blockTool = true
			param.toolID = ev.ToolUseID
			param.sawTool = true
		}
		if ev.Input != "" {
			out, _ := sjson.Set(blockDeltaInputTemplate, "index", param.index)
			out, _ = sjson.Set(out, "delta.partial_json", ev.Input)
			param.outputChars += len(ev.Input)
			chunks = append(chunks, translator.Chunk{Event: "content_block_delta", Data: out})
		}
		if ev.Stop {
			chunks = param.closeBlock(chunks)
		}
	}
	return chunks
}

// FinishMessages closes any open block and terminates the message. An empty
// upstream stream still yields a complete message; message_stop appears
// exactly once per response.
func FinishMessages(param *StreamParams) []translator.Chunk {
	var chunks []translator.Chunk
	chunks = param.begin(chunks)
	chunks = param.closeBlock(chunks)

	reason := "end_turn"
	if param.sawTool {
		reason = "tool_use"
	}
	out := messageDeltaTemplate
	out, _ = sjson.Set(out, "delta.stop_reason", reason)
	out, _ = sjson.Set(out, "usage.output_tokens", translator.EstimateTokens(param.outputChars))
	chunks = append(chunks, translator.Chunk{Event: "message_delta", Data: out})
	return append(chunks, translator.Chunk{Event: "message_stop", Data: messageStopTemplate})
}

// ErrorChunk renders a mid-stream failure as an Anthropic error event.
func ErrorChunk(kind interfaces.ErrorKind, message string) translator.Chunk {
	out := `{"type":"error","error":{"type":"","message":""}}`
	out, _ = sjson.Set(out, "error.type", errorType(kind))
	out, _ = sjson.Set(out, "error.message", message)
	return translator.Chunk{Event: "error", Data: out}
}

func errorType(kind interfaces.ErrorKind) string {
	switch kind {
	case interfaces.ErrQuotaExceeded:
		return "rate_limit_error"
	case interfaces.ErrContentTooLong, interfaces.ErrProtocolTranslation:
		return "invalid_request_error"
	case interfaces.ErrAuthExpired, interfaces.ErrInvalidRefreshToken:
		return "authentication_error"
	case interfaces.ErrNoAccountAvailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// Aggregate folds a full event stream into one Messages response.
type Aggregate struct {
	text  []string
	order []string
	tools map[string]*toolCall
}

type toolCall struct {
	name string
	args []string
}

func NewAggregate() *Aggregate {
	return &Aggregate{tools: make(map[string]*toolCall)}
}

// Add consumes one upstream event.
func (a *Aggregate) Add(ev *kiro.Event) {
	switch ev.Type {
	case kiro.EventAssistantResponse:
		a.text = append(a.text, ev.Content)
	case kiro.EventToolUse:
		tc, ok := a.tools[ev.ToolUseID]
		if !ok {
			tc = &toolCall{name: ev.Name}
			a.tools[ev.ToolUseID] = tc
			a.order = append(a.order, ev.ToolUseID)
		}
		if ev.Input != "" {
			tc.args = append(tc.args, ev.Input)
		}
	}
}

// Final renders the aggregated message. Tool input is re-parsed into a JSON
// object, matching the non-streaming Messages shape.
func (a *Aggregate) Final(param *StreamParams) []byte {
	out := messageTemplate
	out, _ = sjson.Set(out, "id", param.ID)
	out, _ = sjson.Set(out, "model", param.Model)

	outputChars := 0
	blocks := 0
	if text := strings.Join(a.text, ""); text != "" {
		outputChars += len(text)
		out, _ = sjson.Set(out, "content.0", map[string]interface{}{"type": "text", "text": text})
		blocks++
	}
	for _, id := range a.order {
		tc := a.tools[id]
		input := translator.NormalizeToolInput(strings.Join(tc.args, ""))
		outputChars += len(input)
		block, _ := sjson.Set(`{"type":"tool_use","id":"","name":"","input":{}}`, "id", id)
		block, _ = sjson.Set(block, "name", tc.name)
		block, _ = sjson.SetRaw(block, "input", input)
		out, _ = sjson.SetRaw(out, "content."+strconv.Itoa(blocks), block)
		blocks++
	}
	if len(a.order) > 0 {
		out, _ = sjson.Set(out, "stop_reason", "tool_use")
	}

	out, _ = sjson.Set(out, "usage.input_tokens", param.InputTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", translator.EstimateTokens(outputChars))
	return []byte(out)
}
