package gemini

import (
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

const (
	fragmentTemplate = `{"candidates":[{"content":{"parts":[],"role":"model"},"index":0}]}`
	finalTemplate    = `{"candidates":[{"content":{"parts":[],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":0,"candidatesTokenCount":0,"totalTokenCount":0}}`
	partTemplate     = `{"functionCall":{"name":"","args":{}}}`
)

// StreamParams carries accumulator state across one streamed response.
// Function-call arguments are buffered per toolUseId and emitted as one
// complete part: Gemini carries args as an object, so partial JSON cannot be
// streamed.
type StreamParams struct {
	Model       string
	InputTokens int

	openTool    string
	openName    string
	args        strings.Builder
	outputChars int
}

func NewStreamParams(model string, inputTokens int) *StreamParams {
	return &StreamParams{Model: model, InputTokens: inputTokens}
}

// flushTool emits the buffered function call, if any.
func (p *StreamParams) flushTool(chunks []translator.Chunk) []translator.Chunk {
	if p.openTool == "" {
		return chunks
	}
	input := translator.NormalizeToolInput(p.args.String())
	p.outputChars += len(input)

	part, _ := sjson.Set(partTemplate, "functionCall.name", p.openName)
	part, _ = sjson.SetRaw(part, "functionCall.args", input)
	out, _ := sjson.SetRaw(fragmentTemplate, "candidates.0.content.parts.0", part)

	p.openTool = ""
	p.openName = ""
	p.args.Reset()
	return append(chunks, translator.Chunk{Data: out})
}

// ConvertKiroEventToGenerateContent renders one upstream event as
// GenerateContentResponse fragments, each carrying a single part.
func ConvertKiroEventToGenerateContent(ev *kiro.Event, param *StreamParams) []translator.Chunk {
	var chunks []translator.Chunk
	switch ev.Type {
	case kiro.EventAssistantResponse:
		chunks = param.flushTool(chunks)
		if ev.Content == "" {
			return chunks
		}
		out, _ := sjson.Set(fragmentTemplate, "candidates.0.content.parts.0", map[string]interface{}{"text": ev.Content})
		param.outputChars += len(ev.Content)
		chunks = append(chunks, translator.Chunk{Data: out})

	case kiro.EventToolUse:
		if param.openTool != "" && param.openTool != ev.ToolUseID {
			chunks = param.flushTool(chunks)
		}
		if param.openTool == "" {
			param.openTool = ev.ToolUseID
			param.openName = ev.Name
		}
		param.args.WriteString(ev.Input)
		if ev.Stop {
			chunks = param.flushTool(chunks)
		}
	}
	return chunks
}

// FinishGenerateContent flushes any buffered function call and closes the
// stream with the final candidate and usage metadata.
func FinishGenerateContent(param *StreamParams) []translator.Chunk {
	chunks := param.flushTool(nil)
	candidates := translator.EstimateTokens(param.outputChars)

	out := finalTemplate
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", param.InputTokens)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", candidates)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", param.InputTokens+candidates)
	return append(chunks, translator.Chunk{Data: out})
}

// ErrorChunk renders a mid-stream failure as a terminal candidate plus an
// error object.
func ErrorChunk(kind interfaces.ErrorKind, message string) translator.Chunk {
	out := `{"candidates":[{"finishReason":"OTHER","index":0}],"error":{"code":0,"message":"","status":""}}`
	out, _ = sjson.Set(out, "error.code", kind.HTTPStatus())
	out, _ = sjson.Set(out, "error.message", message)
	out, _ = sjson.Set(out, "error.status", statusName(kind))
	return translator.Chunk{Data: out}
}

// ErrorBody renders a pre-stream failure in the Google error envelope.
func ErrorBody(kind interfaces.ErrorKind, message string) []byte {
	out := `{"error":{"code":0,"message":"","status":""}}`
	out, _ = sjson.Set(out, "error.code", kind.HTTPStatus())
	out, _ = sjson.Set(out, "error.message", message)
	out, _ = sjson.Set(out, "error.status", statusName(kind))
	return []byte(out)
}

func statusName(kind interfaces.ErrorKind) string {
	switch kind {
	case interfaces.ErrQuotaExceeded:
		return "RESOURCE_EXHAUSTED"
	case interfaces.ErrContentTooLong, interfaces.ErrProtocolTranslation:
		return "INVALID_ARGUMENT"
	case interfaces.ErrAuthExpired, interfaces.ErrInvalidRefreshToken:
		return "UNAUTHENTICATED"
	case interfaces.ErrNoAccountAvailable, interfaces.ErrUpstreamServerError, interfaces.ErrNetwork:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// Aggregate folds a full event stream into one GenerateContentResponse.
type Aggregate struct {
	text  strings.Builder
	order []string
	tools map[string]*toolCall
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
		a.text.WriteString(ev.Content)
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

// Final renders the aggregated response with a single candidate.
func (a *Aggregate) Final(param *StreamParams) []byte {
	out := finalTemplate
	outputChars := 0
	parts := 0
	if text := a.text.String(); text != "" {
		outputChars += len(text)
		out, _ = sjson.Set(out, "candidates.0.content.parts.0", map[string]interface{}{"text": text})
		parts++
	}
	for _, id := range a.order {
		tc := a.tools[id]
		input := translator.NormalizeToolInput(tc.args.String())
		outputChars += len(input)
		part, _ := sjson.Set(partTemplate, "functionCall.name", tc.name)
		part, _ = sjson.SetRaw(part, "functionCall.args", input)
		out, _ = sjson.SetRaw(out, "candidates.0.content.parts."+strconv.Itoa(parts), part)
		parts++
	}

	candidates := translator.EstimateTokens(outputChars)
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", param.InputTokens)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", candidates)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", param.InputTokens+candidates)
	return []byte(out)
}
