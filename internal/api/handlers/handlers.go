// Package handlers holds the plumbing shared by the protocol endpoint
// handlers: the base handler carrying the dispatcher and configuration, the
// generic error envelope, and the server-sent-event writer.
package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/dispatch"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// Protocol labels recorded on flow records, one per client-facing dialect.
const (
	ProtocolOpenAI = "openai"
	ProtocolClaude = "claude"
	ProtocolGemini = "gemini"
)

// Base carries what every protocol handler needs: the dispatcher that runs
// requests against the account pool and the live configuration.
type Base struct {
	Dispatcher *dispatch.Dispatcher
	Cfg        *config.Config
}

// NewBase creates the shared handler state.
func NewBase(d *dispatch.Dispatcher, cfg *config.Config) *Base {
	return &Base{Dispatcher: d, Cfg: cfg}
}

// ErrorResponse is the generic error envelope used by the OpenAI-flavoured
// endpoints and anywhere no protocol-specific shape applies.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the human-readable message and a machine-readable type.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// WriteSSE writes one server-sent event frame and flushes it to the client.
// Chunks with an Event name get the two-line "event:/data:" framing used by
// the Anthropic dialect; bare chunks get a single data line.
func WriteSSE(w io.Writer, flusher http.Flusher, chunk translator.Chunk) {
	if chunk.Event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", chunk.Event)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
	flusher.Flush()
}
