package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/internal/middleware"
	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/internal/service"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

const (
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
)

// Pipeline produces replies for patient messages.
type Pipeline interface {
	Stream(ctx context.Context, req *model.ChatRequest) (<-chan model.StreamEvent, error)
	Respond(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)
}

// ChatHandler handles the chat endpoints.
type ChatHandler struct {
	pipeline  Pipeline
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(pipeline Pipeline, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		pipeline:  pipeline,
		logger:    log,
		heartbeat: heartbeatInterval,
	}
}

// Stream handles POST /api/v1/chat/stream
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// Canceled on the first failed write so the pipeline stops generating
	// for a client that is gone.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.pipeline.Stream(ctx, req)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}

	// The server write timeout bounds ordinary responses. A stream lasts as
	// long as the upstream retries do, so it runs without a write deadline.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("failed to clear stream write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var terminal, broken bool
	fail := func(event string, err error) {
		broken = true
		cancel()
		h.logger.Warn("failed to write stream event",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.String("event", event),
			zap.Error(err),
		)
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				if terminal && !broken {
					fmt.Fprintf(w, "data: %s\n\n", model.StreamSentinel)
					flusher.Flush()
				}
				return
			}
			if model.IsTerminal(ev) {
				terminal = true
			}
			if broken {
				// Drain until the canceled pipeline closes the channel.
				continue
			}
			if err := sendSSEEvent(w, flusher, ev); err != nil {
				fail(string(ev.Type()), err)
			}

		case <-heartbeat.C:
			if broken {
				continue
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				fail("heartbeat", err)
				continue
			}
			flusher.Flush()
		}
	}
}

// Chat handles POST /api/v1/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	resp, err := h.pipeline.Respond(r.Context(), req)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// decode reads and validates the request body. An authenticated patient id
// fills a missing patientId.
func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request) (*model.ChatRequest, bool) {
	var req model.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	if req.PatientID == "" {
		req.PatientID = middleware.GetPatientID(r.Context())
	}

	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

func (h *ChatHandler) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var capacity *service.CapacityError
	switch {
	case errors.As(err, &capacity):
		w.Header().Set("Retry-After", strconv.Itoa(capacity.RetryAfterSeconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      capacity.Message(),
			"retryAfter": capacity.RetryAfterSeconds(),
		})

	case errors.Is(err, service.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		h.logger.Debug("client canceled request",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)

	default:
		h.logger.Error("chat request failed",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev model.StreamEvent) error {
	data, err := model.MarshalEvent(ev)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
