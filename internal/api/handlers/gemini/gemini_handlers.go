// Package gemini serves the Gemini-compatible generateContent endpoints. The
// model and method arrive as one path segment ("model:generateContent"), the
// way Google's API addresses them; streaming honours ?alt=sse and otherwise
// answers with an incrementally written JSON array.
package gemini

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	translatorGemini "github.com/kiroproxy/kiroproxy/internal/translator/gemini"
)

// Handler contains the handlers for the Gemini-compatible endpoints.
type Handler struct {
	*handlers.Base
}

// NewHandler creates a Gemini endpoint handler over the shared base.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// writeError answers with the Google error envelope and the HTTP status
// derived from the error kind.
func writeError(c *gin.Context, kind interfaces.ErrorKind, message string) {
	c.Data(kind.HTTPStatus(), "application/json", translatorGemini.ErrorBody(kind, message))
}

// writeNotFound answers a request addressing an unknown model:method pair.
func writeNotFound(c *gin.Context, message string) {
	out := `{"error":{"code":404,"message":"","status":"NOT_FOUND"}}`
	out, _ = sjson.Set(out, "error.message", message)
	c.Data(http.StatusNotFound, "application/json", []byte(out))
}

// wantsSSE reports whether the client asked for server-sent events via the
// alt query parameter ("alt" or "$alt", value "sse").
func wantsSSE(c *gin.Context) bool {
	alt, ok := c.GetQuery("alt")
	if !ok {
		alt, _ = c.GetQuery("$alt")
	}
	return strings.EqualFold(alt, "sse")
}

// Generate handles POST /v1(beta)/models/:action where action is
// "model:method". generateContent answers with one aggregated response;
// streamGenerateContent streams fragments as they arrive.
func (h *Handler) Generate(c *gin.Context) {
	var request struct {
		Action string `uri:"action" binding:"required"`
	}
	if err := c.ShouldBindUri(&request); err != nil {
		writeNotFound(c, fmt.Sprintf("invalid request: %v", err))
		return
	}
	action := strings.Split(request.Action, ":")
	if len(action) != 2 {
		writeNotFound(c, fmt.Sprintf("%s not found", c.Request.URL.Path))
		return
	}
	modelName := action[0]
	method := action[1]

	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, interfaces.ErrProtocolTranslation, "invalid request body")
		return
	}

	switch method {
	case "generateContent":
		h.handleGenerateContent(c, modelName, rawJSON)
	case "streamGenerateContent":
		h.handleStreamGenerateContent(c, modelName, rawJSON)
	default:
		writeNotFound(c, fmt.Sprintf("unknown method %q", method))
	}
}

// handleStreamGenerateContent opens the upstream exchange and forwards
// response fragments. With ?alt=sse each fragment is one event frame;
// without it the fragments form a JSON array written element by element.
func (h *Handler) handleStreamGenerateContent(c *gin.Context, modelName string, rawJSON []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, interfaces.ErrInternal, "streaming not supported")
		return
	}

	req, err := translatorGemini.ConvertGenerateContentRequest(modelName, rawJSON, true)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}

	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolGemini, req)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}
	defer func() {
		_ = x.Close()
	}()

	sse := wantsSSE(c)
	if sse {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
	} else {
		c.Header("Content-Type", "application/json")
	}

	// In array mode the opening bracket and separators are owed before each
	// element, the closing bracket once at the end whatever happened.
	wrote := false
	writeFragment := func(chunk translator.Chunk) {
		if sse {
			handlers.WriteSSE(c.Writer, flusher, chunk)
			return
		}
		if wrote {
			_, _ = c.Writer.Write([]byte(","))
		} else {
			_, _ = c.Writer.Write([]byte("["))
			wrote = true
		}
		_, _ = c.Writer.Write([]byte(chunk.Data))
		flusher.Flush()
	}
	closeArray := func() {
		if sse {
			return
		}
		if !wrote {
			_, _ = c.Writer.Write([]byte("["))
		}
		_, _ = c.Writer.Write([]byte("]"))
		flusher.Flush()
	}

	param := translatorGemini.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				for _, chunk := range translatorGemini.FinishGenerateContent(param) {
					writeFragment(chunk)
				}
				closeArray()
				x.Succeed()
				return
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("generateContent client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			writeFragment(translatorGemini.ErrorChunk(kind, errNext.Error()))
			closeArray()
			x.Fail(errNext)
			return
		}
		for _, chunk := range translatorGemini.ConvertKiroEventToGenerateContent(ev, param) {
			writeFragment(chunk)
		}
	}
}

// handleGenerateContent drains the upstream exchange and answers with a
// single aggregated GenerateContentResponse.
func (h *Handler) handleGenerateContent(c *gin.Context, modelName string, rawJSON []byte) {
	req, err := translatorGemini.ConvertGenerateContentRequest(modelName, rawJSON, false)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}

	x, err := h.Dispatcher.Open(c.Request.Context(), handlers.ProtocolGemini, req)
	if err != nil {
		writeError(c, interfaces.KindOf(err), err.Error())
		return
	}
	defer func() {
		_ = x.Close()
	}()

	agg := translatorGemini.NewAggregate()
	for {
		ev, errNext := x.Next()
		if errNext != nil {
			if errors.Is(errNext, io.EOF) {
				break
			}
			kind := interfaces.KindOf(errNext)
			if kind == interfaces.ErrClientCancelled {
				log.Debugf("generateContent client disconnected: %v", errNext)
				x.Cancel()
				return
			}
			x.Fail(errNext)
			writeError(c, kind, errNext.Error())
			return
		}
		agg.Add(ev)
	}

	param := translatorGemini.NewStreamParams(req.UpstreamModel, translator.EstimateTokens(req.InputChars))
	x.Succeed()
	c.Data(http.StatusOK, "application/json", agg.Final(param))
}
