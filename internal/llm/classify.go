package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/recovery-companion/internal/resilience"
)

// Patient-facing fallback messages. They never contain error detail.
const (
	MessageUnavailable    = "I'm having trouble responding right now. A care team member will follow up if needed."
	MessageBusy           = "I'm receiving a lot of messages right now. Please try again in a moment, and contact your care team directly if anything feels urgent."
	MessageInvalidRequest = "I wasn't able to process that message. Could you try rephrasing it?"
)

var patientMessages = map[resilience.Kind]string{
	resilience.KindRateLimited:      MessageBusy,
	resilience.KindInvalidRequest:   MessageInvalidRequest,
	resilience.KindTimeout:          MessageUnavailable,
	resilience.KindTransientNetwork: MessageUnavailable,
	resilience.KindServerFault:      MessageUnavailable,
	resilience.KindCircuitOpen:      MessageUnavailable,
	resilience.KindUnknown:          MessageUnavailable,
	resilience.KindCapacityExceeded: MessageBusy,
	resilience.KindCanceled:         MessageUnavailable,
}

// PatientMessage returns the fixed patient-safe message for a kind.
func PatientMessage(kind resilience.Kind) string {
	if msg, ok := patientMessages[kind]; ok {
		return msg
	}
	return MessageUnavailable
}

// StatusError is an upstream HTTP failure with an optional wait hint. Fakes
// and OpenAI-compatible gateways can return it directly.
type StatusError struct {
	Code  int
	After time.Duration
	Msg   string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// RetryAfter returns the upstream wait hint.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// Classify maps a raw failure to the bounded taxonomy. Rules apply in
// priority order: capacity, malformed request, deadline, connection,
// server fault, then unknown.
func Classify(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}

	kind := classifyKind(err)
	c := resilience.Classification{
		Kind:           kind,
		Retryable:      isRetryable(kind),
		PatientMessage: PatientMessage(kind),
	}
	if kind == resilience.KindRateLimited {
		c.RetryAfter = retryAfterHint(err)
	}
	return c
}

func isRetryable(kind resilience.Kind) bool {
	switch kind {
	case resilience.KindRateLimited,
		resilience.KindTimeout,
		resilience.KindTransientNetwork,
		resilience.KindServerFault:
		return true
	default:
		return false
	}
}

func classifyKind(err error) resilience.Kind {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return resilience.KindCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return resilience.KindCanceled
	}

	status := statusCode(err)
	text := strings.ToLower(err.Error())

	switch {
	case status == http.StatusTooManyRequests,
		strings.Contains(text, "rate limit"),
		strings.Contains(text, "too many requests"),
		strings.Contains(text, "quota"):
		return resilience.KindRateLimited

	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity,
		strings.Contains(text, "invalid_request"),
		strings.Contains(text, "invalid request"):
		return resilience.KindInvalidRequest

	case isDeadline(err),
		status == http.StatusRequestTimeout,
		status == http.StatusGatewayTimeout:
		return resilience.KindTimeout

	case isConnectionFailure(err, text):
		return resilience.KindTransientNetwork

	case status >= 500:
		return resilience.KindServerFault
	}

	return resilience.KindUnknown
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}

	return 0
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionFailure(err error, text string) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(text, "connection reset") ||
		strings.Contains(text, "connection refused") ||
		strings.Contains(text, "broken pipe")
}

func retryAfterHint(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter()
	}

	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) && anthErr.Response != nil {
		if secs, convErr := strconv.Atoi(anthErr.Response.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return 0
}
