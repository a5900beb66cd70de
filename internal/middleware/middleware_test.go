package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		wantStatus  int
		wantPatient string
	}{
		{"anonymous", "", http.StatusOK, ""},
		{"valid token", "Bearer " + signToken(t, testSecret, "patient-7"), http.StatusOK, "patient-7"},
		{"wrong secret", "Bearer " + signToken(t, "other", "patient-7"), http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetPatientID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantPatient, seen)
		})
	}
}

func TestLogging_CorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Correlation-ID", "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	})

	t.Run("generated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
	})
}

func TestLogging_KeepsFlusher(t *testing.T) {
	var flushable bool
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", nil))
	assert.True(t, flushable)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), "rate limit exceeded")

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	req.RemoteAddr = "192.0.2.11:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateChatRequest(t *testing.T) {
	day := func(v int) *int { return &v }

	tests := []struct {
		name    string
		req     *model.ChatRequest
		wantErr string
	}{
		{"valid", &model.ChatRequest{Message: "hello", ConversationID: "conv-1"}, ""},
		{"nil", nil, "required"},
		{"blank", &model.ChatRequest{Message: "   "}, "empty"},
		{"too long", &model.ChatRequest{Message: strings.Repeat("a", MaxMessageLength+1)}, "maximum length"},
		{"invalid utf8", &model.ChatRequest{Message: "hi \xff"}, "UTF-8"},
		{"id with space", &model.ChatRequest{Message: "hi", PatientID: "a b"}, "patientId"},
		{"negative day", &model.ChatRequest{Message: "hi", Context: model.PatientContext{RecoveryDay: day(-1)}}, "recoveryDay"},
		{"pain above 10", &model.ChatRequest{Message: "hi", Context: model.PatientContext{LastPainLevel: day(11)}}, "lastPainLevel"},
		{"system turn", &model.ChatRequest{Message: "hi", Context: model.PatientContext{
			ConversationHistory: []model.Turn{{Role: model.RoleSystem, Content: "x"}},
		}}, "invalid role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatRequest(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
