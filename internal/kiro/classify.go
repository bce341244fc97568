package kiro

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

// Markers the upstream embeds in throttle and validation failures.
const (
	MarkerMonthlyRequestCount  = "MONTHLY_REQUEST_COUNT"
	MarkerContentLengthExceeds = "CONTENT_LENGTH_EXCEEDS_THRESHOLD"
)

const errorBodyLimit = 512

// ClassifyStatus maps a non-2xx upstream response to an error kind. The
// content-length marker wins over the status code: retrying an oversized
// request on another account would not help.
func ClassifyStatus(status int, body []byte) *interfaces.ErrorMessage {
	em := func(kind interfaces.ErrorKind, format string) *interfaces.ErrorMessage {
		e := interfaces.Errorf(kind, format, status, trimBody(body))
		e.StatusCode = status
		return e
	}
	switch {
	case bytes.Contains(body, []byte(MarkerContentLengthExceeds)):
		return em(interfaces.ErrContentTooLong, "upstream rejected oversized request (%d): %s")
	case status == http.StatusTooManyRequests || bytes.Contains(body, []byte(MarkerMonthlyRequestCount)):
		return em(interfaces.ErrQuotaExceeded, "upstream quota exhausted (%d): %s")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return em(interfaces.ErrAuthExpired, "upstream rejected credentials (%d): %s")
	case status == http.StatusRequestTimeout:
		return em(interfaces.ErrNetwork, "upstream request timeout (%d): %s")
	default:
		return em(interfaces.ErrUpstreamServerError, "upstream error (%d): %s")
	}
}

// classifyException maps an in-stream exception frame to an error kind.
func classifyException(name string, payload []byte) *interfaces.ErrorMessage {
	switch {
	case bytes.Contains(payload, []byte(MarkerContentLengthExceeds)):
		return interfaces.Errorf(interfaces.ErrContentTooLong, "upstream exception %s: %s", name, trimBody(payload))
	case bytes.Contains(payload, []byte(MarkerMonthlyRequestCount)), name == "ThrottlingException":
		return interfaces.Errorf(interfaces.ErrQuotaExceeded, "upstream exception %s: %s", name, trimBody(payload))
	case name == "AccessDeniedException", name == "UnauthorizedException":
		return interfaces.Errorf(interfaces.ErrAuthExpired, "upstream exception %s: %s", name, trimBody(payload))
	default:
		return interfaces.Errorf(interfaces.ErrUpstreamServerError, "upstream exception %s: %s", name, trimBody(payload))
	}
}

// classifyTransport maps a failed HTTP exchange. A caller-aborted context is
// a cancellation; everything else, deadlines included, is a network failure.
func classifyTransport(ctx context.Context, err error) *interfaces.ErrorMessage {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return interfaces.NewError(interfaces.ErrClientCancelled, err)
	}
	return interfaces.NewError(interfaces.ErrNetwork, err)
}

func trimBody(body []byte) string {
	b := bytes.TrimSpace(body)
	if len(b) > errorBodyLimit {
		b = b[:errorBodyLimit]
	}
	return string(b)
}
