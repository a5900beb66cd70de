package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/recovery-companion/internal/resilience"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      resilience.Kind
		retryable bool
	}{
		{"status 429", &StatusError{Code: 429}, resilience.KindRateLimited, true},
		{"openai quota", &openai.APIError{HTTPStatusCode: 429, Message: "You exceeded your current quota"}, resilience.KindRateLimited, true},
		{"rate limit text beats 400", &StatusError{Code: 400, Msg: "rate limit reached"}, resilience.KindRateLimited, true},
		{"status 400", &StatusError{Code: 400}, resilience.KindInvalidRequest, false},
		{"openai 422", &openai.APIError{HTTPStatusCode: 422, Message: "bad"}, resilience.KindInvalidRequest, false},
		{"openai request error 404", &openai.RequestError{HTTPStatusCode: 404, Err: errors.New("not found")}, resilience.KindInvalidRequest, false},
		{"deadline", context.DeadlineExceeded, resilience.KindTimeout, true},
		{"wrapped deadline", fmt.Errorf("stream: %w", context.DeadlineExceeded), resilience.KindTimeout, true},
		{"net timeout", timeoutErr{}, resilience.KindTimeout, true},
		{"gateway timeout", &StatusError{Code: 504}, resilience.KindTimeout, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, resilience.KindTransientNetwork, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), resilience.KindTransientNetwork, true},
		{"unexpected eof", io.ErrUnexpectedEOF, resilience.KindTransientNetwork, true},
		{"status 500", &StatusError{Code: 500}, resilience.KindServerFault, true},
		{"overloaded 529", &StatusError{Code: 529}, resilience.KindServerFault, true},
		{"unauthorized", &StatusError{Code: 401}, resilience.KindUnknown, false},
		{"opaque", errors.New("something odd"), resilience.KindUnknown, false},
		{"circuit open", fmt.Errorf("call: %w", resilience.ErrCircuitOpen), resilience.KindCircuitOpen, false},
		{"canceled", context.Canceled, resilience.KindCanceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.NotEmpty(t, c.PatientMessage)
		})
	}
}

func TestClassify_PatientMessageHidesDetail(t *testing.T) {
	c := Classify(&StatusError{Code: 500, Msg: "stack trace: panic in worker 7"})

	assert.Equal(t, MessageUnavailable, c.PatientMessage)
	assert.NotContains(t, c.PatientMessage, "panic")
}

func TestClassify_RateLimitHint(t *testing.T) {
	c := Classify(&StatusError{Code: 429, After: 3 * time.Second})

	assert.Equal(t, 3*time.Second, c.RetryAfter)
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, resilience.Classification{}, Classify(nil))
}
