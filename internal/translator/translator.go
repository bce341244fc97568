// Package translator converts between the client-facing chat protocols and
// the upstream conversation format. Each subpackage owns one protocol; this
// package holds the pieces they share.
package translator

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/kiro"
)

// Request is a fully translated client request, ready for dispatch.
type Request struct {
	// Conversation is the upstream payload assembled from the client
	// message list.
	Conversation *kiro.ConversationPayload

	// ClientModel is the name the client asked for; UpstreamModel is what
	// it resolved to. Responses echo UpstreamModel.
	ClientModel   string
	UpstreamModel string

	// Stream records whether the client asked for a streamed response.
	Stream bool

	// SessionSeed is the affinity-key material: the raw JSON of the leading
	// messages of the conversation. Empty disables session stickiness.
	SessionSeed string

	// InputChars counts the request's text characters for token estimates.
	InputChars int
}

// Chunk is one server-sent frame. Event names the SSE event type for
// protocols that use named events; it is empty for bare data frames.
type Chunk struct {
	Event string
	Data  string
}

// EstimateTokens approximates a token count from a character count.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// AffinitySeed concatenates the raw JSON of up to the first three messages.
// Requests that share an opening exchange produce the same seed and stick to
// the same upstream account.
func AffinitySeed(messages []gjson.Result) string {
	n := len(messages)
	if n > 3 {
		n = 3
	}
	var b strings.Builder
	for _, m := range messages[:n] {
		b.WriteString(m.Raw)
	}
	return b.String()
}

// RandomID returns prefix followed by n hex characters.
func RandomID(prefix string, n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return prefix + s[:n]
}

// NormalizeToolInput returns accumulated tool-argument fragments as one valid
// JSON document. Empty input becomes an empty object; input that does not
// parse is wrapped verbatim so the client still sees it.
func NormalizeToolInput(input string) string {
	if strings.TrimSpace(input) == "" {
		return "{}"
	}
	if gjson.Valid(input) {
		return input
	}
	quoted, _ := json.Marshal(input)
	return `{"raw":` + string(quoted) + `}`
}
