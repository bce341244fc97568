package kiro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

// Upstream event types carried in the frame's :event-type header.
const (
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventFollowupPrompt    = "followupPromptEvent"
)

// Event is one decoded frame of the upstream response stream.
type Event struct {
	Type    string
	Content string

	// Tool-use fragment fields. Input is an incremental slice of the tool's
	// argument JSON; fragments for one ToolUseID concatenate to a full value.
	ToolUseID string
	Name      string
	Input     string
	Stop      bool
}

// Stream decodes the event-stream body of one conversation response. It owns
// the response body and the request's cancel func; Close releases both.
// Next and Close must not be called concurrently.
type Stream struct {
	body      io.ReadCloser
	decoder   *eventstream.Decoder
	cancel    context.CancelFunc
	idleDur   time.Duration
	idle      *time.Timer
	idleFired atomic.Bool
	buf       []byte
	done      bool
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, idleDur time.Duration) *Stream {
	s := &Stream{
		body:    body,
		decoder: eventstream.NewDecoder(),
		cancel:  cancel,
		idleDur: idleDur,
		buf:     make([]byte, 0, 4096),
	}
	if idleDur > 0 {
		s.idle = time.AfterFunc(idleDur, func() {
			s.idleFired.Store(true)
			cancel()
		})
	}
	return s
}

// Next blocks until the next recognised upstream event. io.EOF marks a clean
// end of stream; any other error terminates the stream.
func (s *Stream) Next() (*Event, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		msg, err := s.decoder.Decode(s.body, s.buf[:0])
		if s.idle != nil {
			s.idle.Reset(s.idleDur)
		}
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if s.idleFired.Load() {
				return nil, interfaces.Errorf(interfaces.ErrNetwork, "stream idle for %s: %w", s.idleDur, err)
			}
			if errors.Is(err, context.Canceled) {
				return nil, interfaces.NewError(interfaces.ErrClientCancelled, err)
			}
			return nil, interfaces.NewError(interfaces.ErrNetwork, fmt.Errorf("decode event frame: %w", err))
		}
		ev, fatal := parseFrame(msg)
		if fatal != nil {
			s.done = true
			return nil, fatal
		}
		if ev == nil {
			continue
		}
		return ev, nil
	}
}

// Close aborts the upstream request and releases the response body. Safe to
// call after Next returned an error.
func (s *Stream) Close() error {
	s.done = true
	if s.idle != nil {
		s.idle.Stop()
	}
	s.cancel()
	return s.body.Close()
}

// parseFrame interprets one event-stream message. It returns a nil event for
// frames the proxy tolerates but does not surface (unknown event types).
func parseFrame(msg eventstream.Message) (*Event, *interfaces.ErrorMessage) {
	switch headerString(msg.Headers, ":message-type") {
	case "exception", "error":
		name := headerString(msg.Headers, ":exception-type")
		if name == "" {
			name = headerString(msg.Headers, ":error-code")
		}
		return nil, classifyException(name, msg.Payload)
	}
	switch headerString(msg.Headers, ":event-type") {
	case EventAssistantResponse:
		// Some deployments nest the payload under the event name.
		content := gjson.GetBytes(msg.Payload, "content")
		if !content.Exists() {
			content = gjson.GetBytes(msg.Payload, "assistantResponseEvent.content")
		}
		return &Event{
			Type:    EventAssistantResponse,
			Content: content.String(),
		}, nil
	case EventToolUse:
		return &Event{
			Type:      EventToolUse,
			ToolUseID: gjson.GetBytes(msg.Payload, "toolUseId").String(),
			Name:      gjson.GetBytes(msg.Payload, "name").String(),
			Input:     gjson.GetBytes(msg.Payload, "input").String(),
			Stop:      gjson.GetBytes(msg.Payload, "stop").Bool(),
		}, nil
	case EventFollowupPrompt:
		return &Event{
			Type:    EventFollowupPrompt,
			Content: gjson.GetBytes(msg.Payload, "followupPrompt.content").String(),
		}, nil
	default:
		return nil, nil
	}
}

func headerString(headers eventstream.Headers, name string) string {
	if v, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(v)
	}
	return ""
}
