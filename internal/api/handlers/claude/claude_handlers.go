// Package claude serves the Anthropic-compatible endpoints: /v1/messages in
// streaming and non-streaming form, the token-count estimate, and the
// Anthropic-flavoured model listing. Errors use the Anthropic error envelope
// throughout.
package claude

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	translatorClaude "github.com/kiroproxy/kiroproxy/internal/translator/claude"
)

// Handler contains the handlers for the Anthropic-compatible endpoints.
type Handler struct {
	*handlers.Base
}

// NewHandler creates a Claude endpoint handler over the shared base.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// writeError answers with the Anthropic error envelope and the HTTP status
// derived from the error kind.
func writeError(c *gin.Context, kind interfaces.ErrorKind, message string) {
	chunk := translatorClaude.ErrorChunk(kind, message)
	c.Data(kind.HTTPStatus(), "application/json", []byte(chunk.Data))
}

// ClaudeModels handles GET /v1/models for clients speaking the Anthropic
// dialect. The same catalogue as the OpenAI listing, reshaped.
func (h *Handler) ClaudeModels(c *gin.Context) {
	models := registry.ClientModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"type":         "model",
			"id":           m.ID,
			"display_name": m.DisplayName,
			"created_at":   time.Unix(m.Created, 0).UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":     data,
		"has_more": false,
	})
}

// CountTokens handles POST /v1/messages/count_tokens. The estimate counts
// text characters across system and messages; no upstream call is made.
func (h *Handler) CountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, interfaces.ErrProtocolTranslation, "invalid request body")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"input_tokens": translatorClaude.CountTokens(rawJSON),
	})
}

// ClaudeMessages handles POST /v1/messages.
func (h *Handler) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, interfaces.ErrProtocolTranslation, "invalid request body")
		return
	}

	req, err := translatorClaude.ConvertMessagesRequest(rawJSON)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}

	if req.Stream {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// handleStreamingResponse renders the upstream events as the Anthropic event
// vocabulary: message_start, content blocks, message_delta, message_stop.
func (h *Handler) handleStreamingResponse(c *gin.Context, req *translator.Request) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, interfaces.ErrInternal, "streaming not supported")
		return
	}

	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolClaude, req)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}
	defer func() {
		_ = x.Close()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	param := translatorClaude.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				for _, chunk := range translatorClaude.FinishMessages(param) {
					handlers.WriteSSE(c.Writer, flusher, chunk)
				}
				x.Succeed()
				return
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("messages client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			handlers.WriteSSE(c.Writer, flusher, translatorClaude.ErrorChunk(kind, errNext.Error()))
			x.Fail(errNext)
			return
		}
		for _, chunk := range translatorClaude.ConvertKiroEventToMessages(ev, param) {
			handlers.WriteSSE(c.Writer, flusher, chunk)
		}
	}
}

// handleNonStreamingResponse drains the upstream exchange and answers with a
// single aggregated message object.
func (h *Handler) handleNonStreamingResponse(c *gin.Context, req *translator.Request) {
	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolClaude, req)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}
	defer func() {
		_ = x.Close()
	}()

	agg := translatorClaude.NewAggregate()
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				break
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("messages client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			x.Fail(errNext)
			writeError(c, kind, errNext.Error())
			return
		}
		agg.Add(ev)
	}

	param := translatorClaude.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	x.Succeed()
	c.Data(http.StatusOK, "application/json", agg.Final(param))
}
