// Package openai translates OpenAI Chat Completions traffic to and from the
// upstream conversation format. The request side folds the client message
// list into the upstream history structure; the response side renders the
// upstream event stream as chat.completion chunks.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// ConvertChatCompletionsRequest translates an OpenAI Chat Completions body
// into an upstream conversation request. System and developer messages are
// inlined as a prefix of the first user message; tool messages become tool
// results on the user turn that follows the assistant's tool calls.
func ConvertChatCompletionsRequest(rawJSON []byte) (*translator.Request, error) {
	root := gjson.ParseBytes(rawJSON)
	messages := root.Get("messages").Array()
	if len(messages) == 0 {
		return nil, interfaces.Errorf(interfaces.ErrProtocolTranslation, "messages is required")
	}

	clientModel := root.Get("model").String()
	upstream := registry.MapModel(clientModel)

	var (
		turns       translator.Turns
		systemParts []string
		chars       int
	)
	for _, message := range messages {
		role := message.Get("role").String()
		content := message.Get("content")
		switch role {
		case "system", "developer":
			text := contentText(content)
			chars += len(text)
			if text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			t := turns.Next("user")
			text := contentText(content)
			chars += len(text)
			if text != "" {
				t.Text = append(t.Text, text)
			}
			t.Images = append(t.Images, contentImages(content)...)
		case "assistant":
			t := turns.Next("assistant")
			text := contentText(content)
			chars += len(text)
			if text != "" {
				t.Text = append(t.Text, text)
			}
			for _, call := range message.Get("tool_calls").Array() {
				fn := call.Get("function")
				t.Uses = append(t.Uses, kiro.ToolUse{
					ToolUseID: call.Get("id").String(),
					Name:      fn.Get("name").String(),
					Input:     json.RawMessage(translator.NormalizeToolInput(fn.Get("arguments").String())),
				})
			}
		case "tool":
			t := turns.Next("user")
			text := contentText(content)
			chars += len(text)
			t.Results = append(t.Results, translator.WrapToolResult(message.Get("tool_call_id").String(), "success", text))
		}
	}

	system := strings.Join(systemParts, "\n")
	current, history := turns.Split()
	translator.InlineSystem(system, current, history)
	conv := translator.BuildConversation(upstream, current, history, convertTools(root.Get("tools")))

	return &translator.Request{
		Conversation:  conv,
		ClientModel:   clientModel,
		UpstreamModel: upstream,
		Stream:        root.Get("stream").Bool(),
		SessionSeed:   translator.AffinitySeed(messages),
		InputChars:    chars + len(system),
	}, nil
}

// contentText flattens a string-or-parts content field into plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
	}
	return strings.Join(parts, " ")
}

func contentImages(content gjson.Result) []kiro.Image {
	if !content.IsArray() {
		return nil
	}
	var images []kiro.Image
	for _, part := range content.Array() {
		if part.Get("type").String() != "image_url" {
			continue
		}
		if img, ok := dataURLImage(part.Get("image_url.url").String()); ok {
			images = append(images, img)
		}
	}
	return images
}

// dataURLImage parses a data:image/<fmt>;base64,<payload> URL. Remote URLs
// are dropped: the upstream accepts inline bytes only.
func dataURLImage(url string) (kiro.Image, bool) {
	const prefix = "data:image/"
	if !strings.HasPrefix(url, prefix) {
		return kiro.Image{}, false
	}
	format, data, ok := strings.Cut(url[len(prefix):], ";base64,")
	if !ok || format == "" || data == "" {
		return kiro.Image{}, false
	}
	return kiro.Image{Format: format, Source: kiro.ImageSource{Bytes: data}}, true
}

func convertTools(tools gjson.Result) []kiro.Tool {
	if !tools.IsArray() {
		return nil
	}
	var out []kiro.Tool
	for _, tool := range tools.Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			continue
		}
		schema := json.RawMessage(`{}`)
		if params := fn.Get("parameters"); params.Exists() {
			schema = json.RawMessage(params.Raw)
		}
		out = append(out, kiro.Tool{ToolSpecification: kiro.ToolSpecification{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			InputSchema: kiro.InputSchema{JSON: schema},
		}})
	}
	return out
}
