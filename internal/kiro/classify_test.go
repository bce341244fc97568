package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   interfaces.ErrorKind
	}{
		{"throttle status", 429, `{"message":"slow down"}`, interfaces.ErrQuotaExceeded},
		{"monthly marker", 400, `{"reason":"MONTHLY_REQUEST_COUNT"}`, interfaces.ErrQuotaExceeded},
		{"content length marker", 400, `{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`, interfaces.ErrContentTooLong},
		{"content length wins over throttle status", 429, `{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`, interfaces.ErrContentTooLong},
		{"unauthorized", 401, "", interfaces.ErrAuthExpired},
		{"forbidden", 403, "", interfaces.ErrAuthExpired},
		{"request timeout", 408, "", interfaces.ErrNetwork},
		{"server error", 500, "", interfaces.ErrUpstreamServerError},
		{"bad gateway", 502, "", interfaces.ErrUpstreamServerError},
		{"unexpected 4xx", 400, `{"message":"validation"}`, interfaces.ErrUpstreamServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			em := ClassifyStatus(tc.status, []byte(tc.body))
			assert.Equal(t, tc.kind, em.Kind)
			assert.Equal(t, tc.status, em.StatusCode)
		})
	}
}

func TestClassifyException(t *testing.T) {
	cases := []struct {
		name    string
		excName string
		payload string
		kind    interfaces.ErrorKind
	}{
		{"throttling exception", "ThrottlingException", `{}`, interfaces.ErrQuotaExceeded},
		{"monthly marker payload", "ServiceQuotaExceededException", `{"reason":"MONTHLY_REQUEST_COUNT"}`, interfaces.ErrQuotaExceeded},
		{"content length payload", "ValidationException", `{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`, interfaces.ErrContentTooLong},
		{"access denied", "AccessDeniedException", `{}`, interfaces.ErrAuthExpired},
		{"internal failure", "InternalServerException", `{}`, interfaces.ErrUpstreamServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			em := classifyException(tc.excName, []byte(tc.payload))
			assert.Equal(t, tc.kind, em.Kind)
		})
	}
}
