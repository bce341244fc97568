// Package claude translates Anthropic Messages traffic to and from the
// upstream conversation format. Unlike the OpenAI and Gemini translators,
// the system prompt is not inlined: it passes through on the payload's
// top-level system field.
package claude

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// ConvertMessagesRequest translates an Anthropic Messages body into an
// upstream conversation request.
func ConvertMessagesRequest(rawJSON []byte) (*translator.Request, error) {
	root := gjson.ParseBytes(rawJSON)
	messages := root.Get("messages").Array()
	if len(messages) == 0 {
		return nil, interfaces.Errorf(interfaces.ErrProtocolTranslation, "messages is required")
	}

	clientModel := root.Get("model").String()
	upstream := registry.MapModel(clientModel)
	system := systemText(root.Get("system"))

	var (
		turns translator.Turns
		chars int
	)
	for _, message := range messages {
		role := message.Get("role").String()
		content := message.Get("content")
		switch role {
		case "user":
			t := turns.Next("user")
			chars += walkUserContent(t, content)
		case "assistant":
			t := turns.Next("assistant")
			chars += walkAssistantContent(t, content)
		}
	}

	current, history := turns.Split()
	conv := translator.BuildConversation(upstream, current, history, convertTools(root.Get("tools")))
	conv.System = system

	return &translator.Request{
		Conversation:  conv,
		ClientModel:   clientModel,
		UpstreamModel: upstream,
		Stream:        root.Get("stream").Bool(),
		SessionSeed:   translator.AffinitySeed(messages),
		InputChars:    chars + len(system),
	}, nil
}

// CountTokens estimates the token cost of a Messages body the same way the
// request translator counts input: per text piece, summed.
func CountTokens(rawJSON []byte) int {
	root := gjson.ParseBytes(rawJSON)
	total := translator.EstimateTokens(len(systemText(root.Get("system"))))
	for _, message := range root.Get("messages").Array() {
		content := message.Get("content")
		if content.Type == gjson.String {
			total += translator.EstimateTokens(len(content.String()))
			continue
		}
		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "text":
				total += translator.EstimateTokens(len(block.Get("text").String()))
			case "tool_result":
				total += translator.EstimateTokens(len(blockText(block.Get("content"))))
			case "tool_use":
				total += translator.EstimateTokens(len(block.Get("input").Raw))
			}
		}
	}
	return total
}

// walkUserContent folds the blocks of a user message into the turn and
// returns the text characters seen.
func walkUserContent(t *translator.Turn, content gjson.Result) int {
	if content.Type == gjson.String {
		text := content.String()
		if text != "" {
			t.Text = append(t.Text, text)
		}
		return len(text)
	}
	chars := 0
	var texts []string
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			text := block.Get("text").String()
			chars += len(text)
			if text != "" {
				texts = append(texts, text)
			}
		case "image":
			source := block.Get("source")
			if source.Get("type").String() != "base64" {
				continue
			}
			format := strings.TrimPrefix(source.Get("media_type").String(), "image/")
			data := source.Get("data").String()
			if format == "" || data == "" {
				continue
			}
			t.Images = append(t.Images, kiro.Image{Format: format, Source: kiro.ImageSource{Bytes: data}})
		case "tool_result":
			text := blockText(block.Get("content"))
			chars += len(text)
			status := "success"
			if block.Get("is_error").Bool() {
				status = "error"
			}
			t.Results = append(t.Results, translator.WrapToolResult(block.Get("tool_use_id").String(), status, text))
		}
	}
	if len(texts) > 0 {
		t.Text = append(t.Text, strings.Join(texts, "\n"))
	}
	return chars
}

func walkAssistantContent(t *translator.Turn, content gjson.Result) int {
	if content.Type == gjson.String {
		text := content.String()
		if text != "" {
			t.Text = append(t.Text, text)
		}
		return len(text)
	}
	chars := 0
	var texts []string
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			text := block.Get("text").String()
			chars += len(text)
			if text != "" {
				texts = append(texts, text)
			}
		case "tool_use":
			input := json.RawMessage(`{}`)
			if in := block.Get("input"); in.Exists() {
				input = json.RawMessage(in.Raw)
			}
			t.Uses = append(t.Uses, kiro.ToolUse{
				ToolUseID: block.Get("id").String(),
				Name:      block.Get("name").String(),
				Input:     input,
			})
		}
	}
	if len(texts) > 0 {
		t.Text = append(t.Text, strings.Join(texts, "\n"))
	}
	return chars
}

// systemText flattens the system field, which is a string or a list of text
// blocks.
func systemText(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	if !system.IsArray() {
		return ""
	}
	var parts []string
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}

// blockText flattens tool_result content, which is a string or a list of
// text blocks.
func blockText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}

func convertTools(tools gjson.Result) []kiro.Tool {
	if !tools.IsArray() {
		return nil
	}
	var out []kiro.Tool
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		schema := json.RawMessage(`{}`)
		if params := tool.Get("input_schema"); params.Exists() {
			schema = json.RawMessage(params.Raw)
		}
		out = append(out, kiro.Tool{ToolSpecification: kiro.ToolSpecification{
			Name:        name,
			Description: tool.Get("description").String(),
			InputSchema: kiro.InputSchema{JSON: schema},
		}})
	}
	return out
}
