// Package openai serves the OpenAI-compatible endpoints: the model listing
// and /v1/chat/completions in both streaming and non-streaming form. Requests
// are translated to the upstream conversation format, run through the
// dispatcher, and the upstream event stream is rendered back as
// chat.completion chunks.
package openai

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	translatorOpenAI "github.com/kiroproxy/kiroproxy/internal/translator/openai"
)

// Handler contains the handlers for the OpenAI-compatible endpoints.
type Handler struct {
	*handlers.Base
}

// NewHandler creates an OpenAI endpoint handler over the shared base.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// OpenAIModels handles GET /v1/models. The list is static: every model the
// proxy knows how to map is advertised.
func (h *Handler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.ClientModels(),
	})
}

// ChatCompletions handles POST /v1/chat/completions. The stream flag in the
// request body selects between server-sent events and a single aggregated
// response.
func (h *Handler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	req, err := translatorOpenAI.ConvertChatCompletionsRequest(rawJSON)
	if err != nil {
		kind := interfaces.KindOf(err)
		c.JSON(kind.HTTPStatus(), handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: err.Error(),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	if req.Stream {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// handleStreamingResponse opens the upstream exchange and forwards its events
// as chat.completion chunks. The upstream connection is established before
// any response byte goes out, so selection and retry failures still surface
// as plain HTTP errors.
func (h *Handler) handleStreamingResponse(c *gin.Context, req *translator.Request) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "streaming not supported",
				Type:    "server_error",
			},
		})
		return
	}

	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolOpenAI, req)
	if err != nil {
		kind := interfaces.KindOf(err)
		c.JSON(kind.HTTPStatus(), handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: err.Error(),
				Type:    string(kind),
			},
		})
		return
	}
	defer func() {
		_ = x.Close()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	param := translatorOpenAI.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				for _, chunk := range translatorOpenAI.FinishChatCompletions(param) {
					handlers.WriteSSE(c.Writer, flusher, chunk)
				}
				x.Succeed()
				return
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("chat completions client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			handlers.WriteSSE(c.Writer, flusher, translatorOpenAI.ErrorChunk(kind, errNext.Error()))
			x.Fail(errNext)
			return
		}
		for _, chunk := range translatorOpenAI.ConvertKiroEventToChatCompletions(ev, param) {
			handlers.WriteSSE(c.Writer, flusher, chunk)
		}
	}
}

// handleNonStreamingResponse drains the upstream exchange and answers with a
// single aggregated chat.completion object.
func (h *Handler) handleNonStreamingResponse(c *gin.Context, req *translator.Request) {
	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolOpenAI, req)
	if err != nil {
		kind := interfaces.KindOf(err)
		c.JSON(kind.HTTPStatus(), handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: err.Error(),
				Type:    string(kind),
			},
		})
		return
	}
	defer func() {
		_ = x.Close()
	}()

	agg := translatorOpenAI.NewAggregate()
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				break
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("chat completions client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			x.Fail(errNext)
			c.JSON(kind.HTTPStatus(), handlers.ErrorResponse{
				Error: handlers.ErrorDetail{
					Message: errNext.Error(),
					Type:    string(kind),
				},
			})
			return
		}
		agg.Add(ev)
	}

	param := translatorOpenAI.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	x.Succeed()
	c.Data(http.StatusOK, "application/json", agg.Final(param))
}
