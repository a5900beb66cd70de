package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/recovery-companion/internal/detector"
	"github.com/capitalize-ai/recovery-companion/internal/llm"
	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/internal/resilience"
	"github.com/capitalize-ai/recovery-companion/internal/stream"
	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
	"github.com/capitalize-ai/recovery-companion/pkg/tracing"
)

// ReasonAssistantUnavailable escalates a conversation the assistant could not answer.
const ReasonAssistantUnavailable = "assistant_unavailable"

// CapacityError is returned by Stream when the upstream admission limiter
// denies a request. Nothing has been sent upstream.
type CapacityError struct {
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded, retry after %s", e.RetryAfter)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// RetryAfterSeconds rounds the wait up to whole seconds, at least 1.
func (e *CapacityError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Message is the patient-facing wait message.
func (e *CapacityError) Message() string {
	secs := e.RetryAfterSeconds()
	unit := "seconds"
	if secs == 1 {
		unit = "second"
	}
	return fmt.Sprintf("I'm receiving a lot of messages right now. Please try again in %d %s, and contact your care team directly if anything feels urgent.", secs, unit)
}

// PipelineConfig holds the per-call completion settings.
type PipelineConfig struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
	StreamBuffer    int
	NextTaskLimit   int
}

// Dependencies are the collaborators a Pipeline is built from. Limiter and
// Executor (with its breaker) are shared by every request in the process.
// Tasks, Contexts and Notifier are optional.
type Dependencies struct {
	Client   llm.Client
	Limiter  *resilience.Limiter
	Executor *resilience.Executor
	Classify resilience.Classifier
	Detector *detector.Detector
	Prompts  *PromptBuilder
	Tasks    TaskService
	Contexts ContextService
	Notifier EscalationNotifier
}

// Pipeline turns one patient message into an ordered event stream.
type Pipeline struct {
	cfg       PipelineConfig
	client    llm.Client
	limiter   *resilience.Limiter
	executor  *resilience.Executor
	classify  resilience.Classifier
	detector  *detector.Detector
	prompts   *PromptBuilder
	tasks     TaskService
	contexts  ContextService
	notifier  EscalationNotifier
	completer *TaskCompleter
	tracer    trace.Tracer
	logger    *logger.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig, deps Dependencies, log *logger.Logger) *Pipeline {
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModel(deps.Client)
	}
	if deps.Classify == nil {
		deps.Classify = llm.Classify
	}

	p := &Pipeline{
		cfg:      cfg,
		client:   deps.Client,
		limiter:  deps.Limiter,
		executor: deps.Executor,
		classify: deps.Classify,
		detector: deps.Detector,
		prompts:  deps.Prompts,
		tasks:    deps.Tasks,
		contexts: deps.Contexts,
		notifier: deps.Notifier,
		tracer:   tracing.Tracer("recovery-companion/pipeline"),
		logger:   log,
		now:      time.Now,
	}
	if deps.Tasks != nil {
		p.completer = NewTaskCompleter(deps.Tasks, log)
	}
	return p
}

// Stream admits the request and starts producing its events. A denied
// admission returns *CapacityError before any event exists. The returned
// channel yields metadata, content fragments, then one completion or error
// event, and is closed afterwards. Cancelling ctx stops the upstream call
// and closes the channel without a terminal event.
func (p *Pipeline) Stream(ctx context.Context, req *model.ChatRequest) (<-chan model.StreamEvent, error) {
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	decision := p.limiter.TryAcquire()
	if !decision.Allowed {
		metrics.RateLimitRejectionsTotal.Inc()
		return nil, &CapacityError{RetryAfter: decision.RetryAfter}
	}

	asm := stream.New(ctx, p.cfg.StreamBuffer)
	go p.run(ctx, req, asm)
	return asm.Events(), nil
}

// Respond is the non-streaming form of Stream.
func (p *Pipeline) Respond(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *model.ChatResponse
	for ev := range events {
		switch e := ev.(type) {
		case model.CompletionEvent:
			resp = &model.ChatResponse{Reply: e.Text, Actions: e.Actions}
		case model.ErrorEvent:
			resp = &model.ChatResponse{Reply: e.Message, Actions: e.Actions}
		}
	}

	if resp == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stream ended without a terminal event")
	}
	return resp, nil
}

// requestState is what one request learns before calling upstream.
type requestState struct {
	day         int
	surgery     string
	pain        *int
	pending     []model.Task
	history     []model.Turn
	input       detector.Verdict
	recentNotes string
}

func (p *Pipeline) run(ctx context.Context, req *model.ChatRequest, asm *stream.Assembler) {
	defer asm.Close()

	requestID := uuid.Must(uuid.NewV7()).String()
	ctx, span := p.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	log := p.logger.WithRequest(requestID, req.PatientID, req.ConversationID)
	log.Debug("request state", zap.String("state", "prompting"))

	st := p.gather(ctx, req, log)

	meta := model.MetadataEvent{
		RequestID:      requestID,
		ConversationID: req.ConversationID,
		Model:          p.cfg.Model,
		Provider:       p.client.Name(),
		Timestamp:      p.now().UTC(),
	}
	if st.input.Triggered {
		meta.EscalationHint = escalationInfo(st.input)
	}
	if err := asm.Metadata(meta); err != nil {
		log.Debug("caller left before metadata", zap.Error(err))
		return
	}

	turns := p.prompts.Build(PromptInput{
		Message:        req.Message,
		SurgeryType:    st.surgery,
		RecoveryDay:    st.day,
		PainLevel:      st.pain,
		RecentProgress: st.recentNotes,
		CurrentTask:    req.CurrentTask,
		History:        st.history,
		Pending:        st.pending,
	})
	completionReq := &llm.CompletionRequest{
		Model:       p.cfg.Model,
		Messages:    toChatMessages(turns),
		MaxTokens:   p.cfg.MaxOutputTokens,
		Temperature: p.cfg.Temperature,
		Stream:      true,
	}

	log.Debug("request state", zap.String("state", "calling"), zap.Int("prompt_turns", len(turns)))
	start := p.now()

	var resp *llm.CompletionResponse
	attempts, err := p.executor.Execute(ctx, func(actx context.Context, attempt int) error {
		actx, aspan := p.tracer.Start(actx, "upstream.attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("provider", p.client.Name()),
		))
		defer aspan.End()

		r, err := p.client.CompleteStream(actx, completionReq, func(token string, index int) error {
			return asm.Content(token)
		})
		if err != nil {
			aspan.RecordError(err)
			aspan.SetStatus(codes.Error, "upstream attempt failed")
			if asm.Started() {
				return resilience.AfterFirstByte(err)
			}
			return err
		}
		resp = r
		return nil
	})
	elapsed := p.now().Sub(start).Seconds()
	span.SetAttributes(attribute.Int("upstream.attempts", attempts))

	if err != nil {
		metrics.RecordLLMStream(p.cfg.Model, "error", elapsed, llm.EstimateTokens(req.Message), llm.EstimateTokens(asm.Text()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		p.fail(ctx, req, asm, st, err, log)
		return
	}

	metrics.RecordLLMStream(resp.Model, "success", elapsed, resp.TokensIn, resp.TokensOut)
	log.Debug("request state", zap.String("state", "finalizing"), zap.Int("attempts", attempts))

	err = asm.Finish(func(text string) model.CompletionEvent {
		return p.finalize(ctx, req, st, text, log)
	})
	if err != nil {
		log.Debug("caller left before completion", zap.Error(err))
		return
	}
	log.Debug("request state", zap.String("state", "done"))
}

// gather reads patient context. Collaborator failures degrade the prompt
// but never fail the request.
func (p *Pipeline) gather(ctx context.Context, req *model.ChatRequest, log *logger.Logger) requestState {
	st := requestState{
		surgery:     req.Context.SurgeryType,
		recentNotes: req.Context.RecentProgress,
		history:     req.Context.ConversationHistory,
		pain:        detector.MaxPain(req.Context.LastPainLevel, detector.ExtractPainLevel(req.Message)),
	}

	var profile *model.Profile
	if p.contexts != nil && req.PatientID != "" {
		var err error
		profile, err = p.contexts.PatientProfile(ctx, req.PatientID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn("failed to load patient profile", zap.Error(err))
		}
	}

	switch {
	case req.Context.RecoveryDay != nil:
		st.day = *req.Context.RecoveryDay
	default:
		if day, ok := profile.RecoveryDay(p.now()); ok {
			st.day = day
		}
	}

	if st.surgery == "" && profile != nil {
		st.surgery = profile.SurgeryType
	}
	if st.surgery == "" {
		st.surgery = model.DefaultSurgeryType
	}

	if len(st.history) == 0 && p.contexts != nil && req.ConversationID != "" {
		history, err := p.contexts.RecentHistory(ctx, req.ConversationID)
		if err != nil {
			log.Warn("failed to load conversation history", zap.Error(err))
		}
		st.history = history
	}

	if p.tasks != nil && req.PatientID != "" {
		pending, err := p.tasks.PendingTasks(ctx, req.PatientID, st.day)
		if err != nil {
			log.Warn("failed to load pending tasks", zap.Error(err))
		}
		st.pending = pending
	}

	st.input = p.detector.Detect(req.Message, st.pain, detector.DetectContext{RecoveryDay: st.day})
	return st
}

// finalize runs the detectors over the input and reply, performs side
// effects and builds the completion event.
func (p *Pipeline) finalize(ctx context.Context, req *model.ChatRequest, st requestState, text string, log *logger.Logger) model.CompletionEvent {
	ev := model.CompletionEvent{ShouldEscalate: st.input.Triggered}
	var actions []model.Action

	if st.input.Triggered {
		ev.Escalation = escalationInfo(st.input)
		actions = append(actions, escalateAction(string(st.input.Reason), st.input.Evidence))
	} else {
		if phrase, ok := p.detector.DetectPositiveProgress(req.Message); ok {
			actions = append(actions, model.Action{
				Type: model.ActionRecordPositiveProgress,
				Data: map[string]any{"phrase": phrase},
			})
		}
		if phrase, ok := p.detector.DetectContactRequest(req.Message); ok {
			actions = append(actions, model.Action{
				Type: model.ActionOfferProviderContact,
				Data: map[string]any{"phrase": phrase},
			})
		}
	}

	intent := p.detector.DetectTaskIntent(req.Message, st.pending)

	var completed bool
	var g errgroup.Group

	if intent != nil && p.completer != nil {
		g.Go(func() error {
			err := p.completer.Complete(ctx, intent.TaskID, model.CompletionMetadata{
				ConversationID: req.ConversationID,
				MatchedPhrase:  intent.MatchedPhrase,
				Source:         "conversation",
				CompletedAt:    p.now().UTC(),
			})
			if err != nil {
				log.Error("task completion failed", zap.String("task_id", intent.TaskID), zap.Error(err))
				return nil
			}
			completed = true
			return nil
		})
	}

	if st.input.Triggered {
		g.Go(func() error {
			p.notify(ctx, req, string(st.input.Reason), st.input.Evidence, log)
			return nil
		})
	}

	if p.contexts != nil && req.ConversationID != "" {
		g.Go(func() error {
			err := p.contexts.AppendTurns(ctx, req.ConversationID,
				model.Turn{Role: model.RoleUser, Content: req.Message},
				model.Turn{Role: model.RoleAssistant, Content: text},
			)
			if err != nil {
				log.Warn("failed to append conversation turns", zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()

	if completed {
		task := intent.Task
		task.Status = model.TaskStatusCompleted
		ev.TaskCompleted = true
		ev.CompletedTask = &task
		ev.NextTasks = detector.NextTasks(st.pending, intent.TaskID, p.cfg.NextTaskLimit)
		actions = append(actions, model.Action{
			Type: model.ActionCompleteTask,
			Data: map[string]any{
				"taskId":        intent.TaskID,
				"taskTitle":     intent.Task.Title,
				"matchedPhrase": intent.MatchedPhrase,
			},
		})
	}

	ev.Actions = actions
	return ev
}

// fail reports a terminal failure. A caller that went away gets nothing.
func (p *Pipeline) fail(ctx context.Context, req *model.ChatRequest, asm *stream.Assembler, st requestState, err error, log *logger.Logger) {
	var failure *resilience.Failure
	var class resilience.Classification
	attempts := 0
	exhausted := false
	if errors.As(err, &failure) {
		class = failure.Classification
		attempts = failure.Attempts
		exhausted = failure.Exhausted
	} else {
		class = p.classify(err)
	}

	if class.Kind == resilience.KindCanceled || ctx.Err() != nil {
		log.Info("request cancelled by caller", zap.Int("attempts", attempts))
		return
	}

	log.Error("chat reply failed",
		zap.String("kind", string(class.Kind)),
		zap.Int("attempts", attempts),
		zap.Bool("exhausted", exhausted),
		zap.Bool("after_first_byte", resilience.IsAfterFirstByte(err)),
		zap.Error(err),
	)

	var actions []model.Action
	switch {
	case st.input.Triggered:
		actions = append(actions, escalateAction(string(st.input.Reason), st.input.Evidence))
		p.notify(ctx, req, string(st.input.Reason), st.input.Evidence, log)
	case escalatesOnFailure(class.Kind):
		actions = append(actions, escalateAction(ReasonAssistantUnavailable, ""))
		p.notify(ctx, req, ReasonAssistantUnavailable, string(class.Kind), log)
	}

	message := class.PatientMessage
	if message == "" {
		message = llm.PatientMessage(class.Kind)
	}

	if err := asm.Fail(model.ErrorEvent{
		Kind:      string(class.Kind),
		Message:   message,
		Retryable: class.Retryable,
		Actions:   actions,
	}); err != nil {
		log.Debug("caller left before error event", zap.Error(err))
	}
}

// escalatesOnFailure reports whether a failure of kind leaves the patient
// without an answer for reasons outside their control.
func escalatesOnFailure(kind resilience.Kind) bool {
	switch kind {
	case resilience.KindInvalidRequest, resilience.KindCanceled:
		return false
	default:
		return true
	}
}

func (p *Pipeline) notify(ctx context.Context, req *model.ChatRequest, reason, evidence string, log *logger.Logger) {
	metrics.EscalationsTotal.WithLabelValues(reason).Inc()
	if p.notifier == nil {
		return
	}

	err := p.notifier.NotifyEscalation(ctx, model.Escalation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		PatientID:      req.PatientID,
		ConversationID: req.ConversationID,
		Reason:         reason,
		Evidence:       evidence,
		Message:        req.Message,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		log.Error("escalation notification failed", zap.String("reason", reason), zap.Error(err))
	}
}

func escalationInfo(v detector.Verdict) *model.EscalationInfo {
	return &model.EscalationInfo{Reason: string(v.Reason), Evidence: v.Evidence}
}

func escalateAction(reason, evidence string) model.Action {
	a := model.Action{Type: model.ActionEscalateToProvider, Reason: reason}
	if evidence != "" {
		a.Data = map[string]any{"evidence": evidence}
	}
	return a
}
