package translator

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/kiro"
)

// Turn is one collapsed same-role run of client messages. Request
// translators build turns while walking the client message list, then split
// off the current message.
type Turn struct {
	Role    string
	Text    []string
	Images  []kiro.Image
	Uses    []kiro.ToolUse
	Results []kiro.ToolResult
}

// Turns accumulates turns, merging consecutive same-role messages.
type Turns struct {
	list []*Turn
}

// Next returns the turn for role, reusing the open turn when the role
// repeats.
func (ts *Turns) Next(role string) *Turn {
	if n := len(ts.list); n > 0 && ts.list[n-1].Role == role {
		return ts.list[n-1]
	}
	t := &Turn{Role: role}
	ts.list = append(ts.list, t)
	return t
}

// Split picks the current message: the last user turn, or a synthetic turn
// promoting the final message's text when the list ends without one. The
// remaining turns become history in order.
func (ts *Turns) Split() (*Turn, []*Turn) {
	last := -1
	for i, t := range ts.list {
		if t.Role == "user" {
			last = i
		}
	}
	if last == -1 {
		if n := len(ts.list); n > 0 {
			t := ts.list[n-1]
			return &Turn{Role: "user", Text: t.Text}, ts.list[:n-1]
		}
		return &Turn{Role: "user"}, nil
	}
	current := ts.list[last]
	history := make([]*Turn, 0, len(ts.list)-1)
	history = append(history, ts.list[:last]...)
	history = append(history, ts.list[last+1:]...)
	return current, history
}

// InlineSystem prefixes the system text onto the first user turn of the
// conversation, which may live in history or be the current message.
func InlineSystem(system string, current *Turn, history []*Turn) {
	if system == "" {
		return
	}
	for _, t := range history {
		if t.Role == "user" {
			t.Text = append([]string{system}, t.Text...)
			return
		}
	}
	current.Text = append([]string{system}, current.Text...)
}

// BuildConversation assembles the upstream payload from the split turns.
// Images ride only on the current message, never in history.
func BuildConversation(upstream string, current *Turn, history []*Turn, tools []kiro.Tool) *kiro.ConversationPayload {
	conv := kiro.NewConversation(upstream)
	msg := &conv.ConversationState.CurrentMessage.UserInputMessage
	msg.Content = strings.Join(current.Text, "\n")
	msg.Images = current.Images
	msg.Context.Tools = tools
	msg.Context.ToolResults = current.Results
	conv.ConversationState.History = historyEntries(history, upstream)
	return conv
}

func historyEntries(turns []*Turn, upstream string) []kiro.HistoryEntry {
	entries := make([]kiro.HistoryEntry, 0, len(turns))
	for _, t := range turns {
		if t.Role == "user" {
			msg := &kiro.UserInputMessage{
				Content: strings.Join(t.Text, "\n"),
				ModelID: upstream,
				Origin:  kiro.OriginAIEditor,
			}
			if len(t.Results) > 0 {
				msg.Context = &kiro.UserInputMessageContext{ToolResults: t.Results}
			}
			entries = append(entries, kiro.HistoryEntry{UserInputMessage: msg})
			continue
		}
		entries = append(entries, kiro.HistoryEntry{AssistantResponseMessage: &kiro.AssistantResponseMessage{
			Content:  strings.Join(t.Text, "\n"),
			ToolUses: t.Uses,
		}})
	}
	return entries
}

// WrapToolResult packages tool output for the upstream. JSON documents pass
// through structured; anything else rides as text.
func WrapToolResult(id, status, text string) kiro.ToolResult {
	content := kiro.ToolResultContent{Text: text}
	if trimmed := strings.TrimSpace(text); gjson.Valid(trimmed) &&
		(strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		content = kiro.ToolResultContent{JSON: json.RawMessage(trimmed)}
	}
	return kiro.ToolResult{
		ToolUseID: id,
		Status:    status,
		Content:   []kiro.ToolResultContent{content},
	}
}
