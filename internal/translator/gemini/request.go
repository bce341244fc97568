// Package gemini translates Gemini GenerateContent traffic to and from the
// upstream conversation format. The model name comes from the URL path, not
// the body, and tool calls carry no ids, so the function name doubles as the
// upstream toolUseId.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// ConvertGenerateContentRequest translates a Gemini body into an upstream
// conversation request. stream reflects which endpoint the client hit.
func ConvertGenerateContentRequest(modelName string, rawJSON []byte, stream bool) (*translator.Request, error) {
	root := gjson.ParseBytes(rawJSON)
	contents := root.Get("contents").Array()
	if len(contents) == 0 {
		return nil, interfaces.Errorf(interfaces.ErrProtocolTranslation, "contents is required")
	}

	upstream := registry.MapModel(modelName)
	system := systemText(root)

	var (
		turns translator.Turns
		chars int
	)
	for _, content := range contents {
		if content.Get("role").String() == "model" {
			t := turns.Next("assistant")
			chars += walkModelParts(t, content.Get("parts"))
			continue
		}
		// Role may be omitted on single-turn requests; treat as user.
		t := turns.Next("user")
		chars += walkUserParts(t, content.Get("parts"))
	}

	current, history := turns.Split()
	translator.InlineSystem(system, current, history)
	conv := translator.BuildConversation(upstream, current, history, convertTools(root.Get("tools")))

	return &translator.Request{
		Conversation:  conv,
		ClientModel:   modelName,
		UpstreamModel: upstream,
		Stream:        stream,
		SessionSeed:   translator.AffinitySeed(contents),
		InputChars:    chars + len(system),
	}, nil
}

func walkUserParts(t *translator.Turn, parts gjson.Result) int {
	chars := 0
	var texts []string
	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			chars += len(text.String())
			if text.String() != "" {
				texts = append(texts, text.String())
			}
			continue
		}
		if inline := firstOf(part, "inlineData", "inline_data"); inline.Exists() {
			format := strings.TrimPrefix(firstOf(inline, "mimeType", "mime_type").String(), "image/")
			data := inline.Get("data").String()
			if format == "" || data == "" {
				continue
			}
			t.Images = append(t.Images, kiro.Image{Format: format, Source: kiro.ImageSource{Bytes: data}})
			continue
		}
		if fr := firstOf(part, "functionResponse", "function_response"); fr.Exists() {
			name := fr.Get("name").String()
			response := fr.Get("response").Raw
			chars += len(response)
			t.Results = append(t.Results, translator.WrapToolResult(name, "success", response))
		}
	}
	if len(texts) > 0 {
		t.Text = append(t.Text, strings.Join(texts, " "))
	}
	return chars
}

func walkModelParts(t *translator.Turn, parts gjson.Result) int {
	chars := 0
	var texts []string
	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			chars += len(text.String())
			if text.String() != "" {
				texts = append(texts, text.String())
			}
			continue
		}
		if fc := firstOf(part, "functionCall", "function_call"); fc.Exists() {
			name := fc.Get("name").String()
			input := json.RawMessage(`{}`)
			if args := fc.Get("args"); args.Exists() {
				input = json.RawMessage(args.Raw)
			}
			t.Uses = append(t.Uses, kiro.ToolUse{ToolUseID: name, Name: name, Input: input})
		}
	}
	if len(texts) > 0 {
		t.Text = append(t.Text, strings.Join(texts, " "))
	}
	return chars
}

func systemText(root gjson.Result) string {
	instruction := firstOf(root, "systemInstruction", "system_instruction")
	if !instruction.Exists() {
		return ""
	}
	if instruction.Type == gjson.String {
		return instruction.String()
	}
	var parts []string
	for _, part := range instruction.Get("parts").Array() {
		if text := part.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func convertTools(tools gjson.Result) []kiro.Tool {
	if !tools.IsArray() {
		return nil
	}
	var out []kiro.Tool
	for _, group := range tools.Array() {
		for _, decl := range firstOf(group, "functionDeclarations", "function_declarations").Array() {
			name := decl.Get("name").String()
			if name == "" {
				continue
			}
			schema := json.RawMessage(`{}`)
			if params := decl.Get("parameters"); params.Exists() {
				schema = json.RawMessage(params.Raw)
			}
			out = append(out, kiro.Tool{ToolSpecification: kiro.ToolSpecification{
				Name:        name,
				Description: decl.Get("description").String(),
				InputSchema: kiro.InputSchema{JSON: schema},
			}})
		}
	}
	return out
}

// firstOf returns the first existing field, tolerating both camelCase and
// snake_case client bodies.
func firstOf(result gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if v := result.Get(key); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
