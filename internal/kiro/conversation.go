package kiro

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Wire shapes for the upstream conversation endpoint. Translators assemble a
// ConversationPayload from the client request; the dispatcher marshals it and
// hands it to Client.Converse.

const (
	chatTriggerManual = "MANUAL"
	agentTaskVibe     = "vibe"

	// OriginAIEditor is the origin tag the upstream expects on every
	// user input message.
	OriginAIEditor = "AI_EDITOR"
)

// ConversationPayload is the top-level body of POST /conversation. System
// carries an Anthropic-style system prompt; the other client protocols have
// their system content inlined into the first user message instead.
type ConversationPayload struct {
	ConversationState ConversationState `json:"conversationState"`
	System            string            `json:"system,omitempty"`
}

type ConversationState struct {
	AgentContinuationID string         `json:"agentContinuationId"`
	AgentTaskType       string         `json:"agentTaskType"`
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
	History             []HistoryEntry `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type UserInputMessage struct {
	Content string                   `json:"content"`
	ModelID string                   `json:"modelId"`
	Origin  string                   `json:"origin"`
	Images  []Image                  `json:"images,omitempty"`
	Context *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool declarations on the current message
// and tool results that answer the assistant's previous tool uses.
type UserInputMessageContext struct {
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the tool's parameter schema. The schema is passed
// through verbatim from the client request.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status"`
	Content   []ToolResultContent `json:"content"`
}

// ToolResultContent holds exactly one of Text or JSON.
type ToolResultContent struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

// HistoryEntry holds exactly one of the two message arms.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// NewConversation returns an empty payload with the fixed trigger and task
// types and fresh ids. Translators fill in the current message and history.
// The context object is always present on the current message, even when the
// request carries no tools or tool results.
func NewConversation(upstreamModel string) *ConversationPayload {
	return &ConversationPayload{
		ConversationState: ConversationState{
			AgentContinuationID: uuid.NewString(),
			AgentTaskType:       agentTaskVibe,
			ChatTriggerType:     chatTriggerManual,
			ConversationID:      uuid.NewString(),
			CurrentMessage: CurrentMessage{
				UserInputMessage: UserInputMessage{
					ModelID: upstreamModel,
					Origin:  OriginAIEditor,
					Context: &UserInputMessageContext{},
				},
			},
		},
	}
}

// Marshal renders the payload as the upstream JSON body.
func (p *ConversationPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
