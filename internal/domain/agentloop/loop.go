// Package agentloop implements AgentLoop (spec §4.6): the top-level
// controller that drives turns — call the provider, classify the result,
// dispatch tools or terminate — handling retry, compaction, timeout, and
// cancellation.
//
// Grounded on the teacher's internal/domain/service/agent_loop.go (the
// per-turn algorithm shape: progress injection, compaction checks, retry
// with backoff, concurrent tool dispatch, reflection injection on repeated
// failure) and state_machine.go (map-based valid-transition table with
// outside-lock listener notification, generalized here to the spec's exact
// status vocabulary instead of the teacher's richer internal state set).
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/respval"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/service"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/tooldispatch"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/validate"
	domaintool "github.com/wangrenren611/coding-agent-sub001/internal/domain/tool"
	"go.uber.org/zap"
)

// Status is the loop's externally observable lifecycle state (spec §4.6).
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusThinking  Status = "THINKING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

var validStatusTransitions = map[Status]map[Status]bool{
	StatusIdle:      {StatusRunning: true},
	StatusRunning:   {StatusThinking: true, StatusRetrying: true, StatusCompleted: true, StatusFailed: true, StatusAborted: true},
	StatusThinking:  {StatusThinking: true, StatusRetrying: true, StatusCompleted: true, StatusFailed: true, StatusAborted: true},
	StatusRetrying:  {StatusThinking: true, StatusCompleted: true, StatusFailed: true, StatusAborted: true},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusAborted:   {},
}

// ErrorCode is the stable machine-readable code attached to a FAILED result.
type ErrorCode string

const (
	CodeNone                ErrorCode = ""
	CodeLLMResponseInvalid  ErrorCode = "LLM_RESPONSE_INVALID"
	CodeMaxRetriesExceeded  ErrorCode = "AGENT_MAX_RETRIES_EXCEEDED"
	CodeMaxLoopsExceeded    ErrorCode = "AGENT_MAX_LOOPS_EXCEEDED"
)

// Config holds the AgentLoop's tunables (spec §4.6).
type Config struct {
	MaxLoops               int
	MaxRetries             int
	MaxCompensationRetries int
	RetryDelay             time.Duration
	RequestTimeout         time.Duration
	IdleTimeout            time.Duration
	MaxParallelTools       int
	ToolTimeout            time.Duration

	// Policy gates which tools the dispatcher will run (allow/deny list,
	// ask-before-mutate). Nil means unrestricted.
	Policy *domaintool.Policy
}

func DefaultConfig() Config {
	return Config{
		MaxLoops:               10,
		MaxRetries:             5,
		MaxCompensationRetries: 1,
		RetryDelay:             10 * time.Minute,
		RequestTimeout:         2 * time.Minute,
		IdleTimeout:            5 * time.Minute,
		MaxParallelTools:       4,
	}
}

// Request is what the loop sends to the LLMProvider for one turn.
type Request struct {
	Messages []session.Message
	Tools    []domaintool.Definition
	Stream   bool
}

// RetryAfterError is implemented by provider errors that carry a
// server-suggested backoff, surfaced via errors.As.
type RetryAfterError interface {
	error
	RetryAfterMs() int64
}

// LLMProvider is the minimum external surface the loop consumes (spec §6).
type LLMProvider interface {
	Generate(ctx context.Context, req Request) (stream.Chunk, error)
	// GenerateStream sends chunks as they arrive and returns once the stream
	// ends (error or not). It must NOT close chunks — the caller owns that,
	// so completion is always signalled by the returned error, never by a
	// channel close racing against an in-flight chunk.
	GenerateStream(ctx context.Context, req Request, chunks chan<- stream.Chunk) error
	GetTimeout() time.Duration
	GetMaxTokens() int
	GetMaxOutputTokens() int
	GetModelName() string
}

// Event is one observation-stream item (spec §4.6 "Observation stream").
type Event struct {
	Type       stream.EventType
	Status     Status
	Step       int
	Reason     string
	Code       ErrorCode
	Err        error
	ToolResult *tooldispatch.ResultEvent
	StreamEvt  *stream.Event
}

// Result is what Execute returns on every terminal status.
type Result struct {
	Status       Status
	Code         ErrorCode
	FinalContent string
	Loops        int
	SessionID    string
}

// Loop is the top-level agent controller.
type Loop struct {
	provider   LLMProvider
	sess       *session.Session
	registry   domaintool.Registry
	dispatcher *tooldispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	status Status
}

func New(provider LLMProvider, sess *session.Session, registry domaintool.Registry, cfg Config, logger *zap.Logger) *Loop {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxCompensationRetries <= 0 {
		cfg.MaxCompensationRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 4
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Loop{
		provider:   provider,
		sess:       sess,
		registry:   registry,
		dispatcher: tooldispatch.New(registry, cfg.MaxParallelTools, cfg.ToolTimeout, cfg.Policy, logger),
		cfg:        cfg,
		logger:     logger,
		status:     StatusIdle,
	}
}

func (l *Loop) transition(to Status) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.status
	if allowed, ok := validStatusTransitions[from]; !ok || !allowed[to] {
		// Self-transitions within THINKING/RETRYING across turns are allowed
		// above; anything else invalid is simply clamped rather than panicking,
		// mirroring the teacher's state machine which logs and rejects rather
		// than crashing the loop.
		if from == to {
			return from
		}
		l.logger.Warn("agentloop: invalid status transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return from
	}
	l.status = to
	return to
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Execute runs one full execute(query) call end to end (spec §4.6).
func (l *Loop) Execute(ctx context.Context, query string, parts []session.ContentPart, onEvent func(Event)) Result {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	// Step 1: input validation.
	vr := validate.Query(query, parts)
	if !vr.Valid {
		onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Code: CodeNone, Err: errors.New(vr.Message)})
		return Result{Status: StatusFailed, FinalContent: vr.Message, SessionID: l.sess.ID()}
	}

	l.transition(StatusRunning)
	onEvent(Event{Type: stream.EventType("status"), Status: StatusRunning})

	// Step 2: pre-turn hook.
	l.sess.SaveCurrentContext(ctx)
	l.sess.RepairOnLoad()

	userMsg := session.NewUserMessage(query, parts)
	if err := l.sess.Append(ctx, userMsg); err != nil {
		onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Err: err})
		return Result{Status: StatusFailed, FinalContent: err.Error(), SessionID: l.sess.ID()}
	}

	validator := respval.New(respval.DefaultConfig())
	compensationRetries := 0
	retryCredits := l.cfg.MaxRetries
	consecutiveToolFailures := 0

	for loopCount := 1; loopCount <= l.cfg.MaxLoops; loopCount++ {
		if ctx.Err() != nil {
			l.transition(StatusAborted)
			onEvent(Event{Type: stream.EventType("status"), Status: StatusAborted})
			return Result{Status: StatusAborted, Loops: loopCount, SessionID: l.sess.ID()}
		}

		if l.sess.NeedsCompaction() {
			_ = l.sess.CompactBeforeNextLLMCall(ctx, "token_ratio_threshold")
		}

		req := Request{
			Messages: l.sess.ContextForLLM(),
			Tools:    l.registry.List(),
			Stream:   true,
		}

		l.transition(StatusThinking)
		onEvent(Event{Type: stream.EventType("status"), Status: StatusThinking, Step: loopCount})

		turnCtx, cancel := l.withTurnTimeout(ctx)
		msg, err := l.runTurn(turnCtx, req, validator, onEvent)
		cancel()

		if err != nil {
			if errors.Is(err, stream.ErrContextCompressionNeeded) {
				_ = l.sess.CompactBeforeNextLLMCall(ctx, "llm_context_compression")
				l.transition(StatusRetrying)
				onEvent(Event{Type: stream.EventType("status"), Status: StatusRetrying, Reason: "compression"})
				l.transition(StatusThinking)
				continue // no generic retry credit consumed
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				l.transition(StatusAborted)
				onEvent(Event{Type: stream.EventType("status"), Status: StatusAborted})
				return Result{Status: StatusAborted, Loops: loopCount, SessionID: l.sess.ID()}
			}

			classified := service.ClassifyError(err, l.provider.GetModelName(), l.provider.GetModelName())
			if classified.IsRetryable() && retryCredits > 0 {
				retryCredits--
				delay := l.retryDelay(classified)
				l.transition(StatusRetrying)
				onEvent(Event{Type: stream.EventType("status"), Status: StatusRetrying, Reason: sanitizedReason(classified)})
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					l.transition(StatusAborted)
					return Result{Status: StatusAborted, Loops: loopCount, SessionID: l.sess.ID()}
				}
				l.transition(StatusThinking)
				continue
			}
			if classified.IsRetryable() {
				l.transition(StatusFailed)
				onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Code: CodeMaxRetriesExceeded, Err: classified})
				return Result{Status: StatusFailed, Code: CodeMaxRetriesExceeded, FinalContent: classified.Error(), Loops: loopCount, SessionID: l.sess.ID()}
			}

			l.transition(StatusFailed)
			userMessage := "An unexpected error occurred. Please try again."
			onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Err: classified})
			return Result{Status: StatusFailed, FinalContent: userMessage, Loops: loopCount, SessionID: l.sess.ID()}
		}

		if msg == nil {
			l.transition(StatusFailed)
			onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Code: CodeLLMResponseInvalid})
			return Result{Status: StatusFailed, Code: CodeLLMResponseInvalid, Loops: loopCount, SessionID: l.sess.ID()}
		}

		// Empty-response compensation (spec §4.6 step 5).
		if msg.FinishReason == session.FinishStop && strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
			compensationRetries++
			if compensationRetries > l.cfg.MaxCompensationRetries {
				l.transition(StatusFailed)
				onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Code: CodeMaxRetriesExceeded})
				return Result{Status: StatusFailed, Code: CodeMaxRetriesExceeded, FinalContent: "maximum compensation retries exceeded", Loops: loopCount, SessionID: l.sess.ID()}
			}
			if err := l.sess.Append(ctx, *msg); err == nil {
				l.sess.MarkExcluded(ctx, msg.MessageID, "empty_response")
			}
			continue
		}

		if len(msg.ToolCalls) == 0 {
			if err := l.sess.Append(ctx, *msg); err != nil {
				l.logger.Warn("agentloop: append final message failed", zap.Error(err))
			}
			l.transition(StatusCompleted)
			onEvent(Event{Type: stream.EventType("status"), Status: StatusCompleted})
			return Result{Status: StatusCompleted, FinalContent: msg.Content, Loops: loopCount, SessionID: l.sess.ID()}
		}

		// Tool calls present.
		if err := l.sess.Append(ctx, *msg); err != nil {
			l.logger.Warn("agentloop: append assistant-with-tools failed", zap.Error(err))
		}

		toolMessages, events := l.dispatcher.Dispatch(ctx, tooldispatch.DispatchContext{SessionID: l.sess.ID()}, msg.ToolCalls)
		allFailed := len(toolMessages) > 0
		for i, ev := range events {
			onEvent(Event{Type: "tool_call_result", ToolResult: &events[i]})
			if err := l.sess.Append(ctx, toolMessages[i]); err != nil {
				l.logger.Warn("agentloop: append tool result failed", zap.Error(err))
			}
			if ev.Outcome.Success {
				allFailed = false
			}
		}
		if allFailed {
			consecutiveToolFailures++
		} else {
			consecutiveToolFailures = 0
		}
		if consecutiveToolFailures >= 3 {
			_ = l.sess.Append(ctx, session.NewUserMessage(
				"Tools have failed for 3 consecutive rounds. Stop retrying and explain to the user what was attempted and what went wrong.",
				nil,
			))
			consecutiveToolFailures = 0
		}

		// Loop continues — no retry credit consumed for a tool-call turn.
		_ = loopCount
	}

	l.transition(StatusFailed)
	onEvent(Event{Type: stream.EventType("error"), Status: StatusFailed, Code: CodeMaxLoopsExceeded})
	return Result{Status: StatusFailed, Code: CodeMaxLoopsExceeded, Loops: l.cfg.MaxLoops, SessionID: l.sess.ID()}
}

// runTurn issues one LLM request (streamed or not) and returns the assembled
// assistant message, folding the response through stream.Processor so both
// paths share one code path (spec §4.6 step 4).
func (l *Loop) runTurn(ctx context.Context, req Request, validator *respval.Validator, onEvent func(Event)) (*session.Message, error) {
	validator.Reset()
	proc := stream.New(fmt.Sprintf("turn-%d", time.Now().UnixNano()), stream.DefaultConfig(), validator, func(e stream.Event) {
		onEvent(Event{Type: e.Type, StreamEvt: &e})
	})

	if !req.Stream {
		chunk, err := l.provider.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := proc.Consume(chunk); err != nil {
			return nil, l.mapStreamErr(proc, err)
		}
		msg := proc.BuildResponse()
		return &msg, nil
	}

	// The goroutine below closes chunks exactly once, after GenerateStream
	// returns (error or not), and the final error is read from streamErr
	// only after chunks is closed. This avoids a select race between "a chunk
	// arrived" and "the stream finished" when both become ready at once.
	chunks := make(chan stream.Chunk, 16)
	streamErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		streamErr <- l.provider.GenerateStream(ctx, req, chunks)
	}()

	idleTimer := time.NewTimer(l.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				err := <-streamErr
				if err != nil {
					return nil, err
				}
				msg := proc.BuildResponse()
				return &msg, nil
			}
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(l.cfg.IdleTimeout)
			if err := proc.Consume(c); err != nil {
				return nil, l.mapStreamErr(proc, err)
			}
		case <-idleTimer.C:
			return nil, fmt.Errorf("agentloop: idle timeout after %s", l.cfg.IdleTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Loop) mapStreamErr(proc *stream.Processor, err error) error {
	if errors.Is(err, stream.ErrContextCompressionNeeded) {
		return err
	}
	aborted, reason := proc.Aborted()
	if aborted {
		return fmt.Errorf("agentloop: turn aborted: %s", reason)
	}
	return err
}

func (l *Loop) withTurnTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := l.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = l.provider.GetTimeout()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (l *Loop) retryDelay(classified *service.LLMError) time.Duration {
	var withRetryAfter RetryAfterError
	if errors.As(error(classified), &withRetryAfter) {
		if ms := withRetryAfter.RetryAfterMs(); ms > 0 {
			if d := time.Duration(ms) * time.Millisecond; d > l.cfg.RetryDelay {
				return d
			}
		}
	}
	return l.cfg.RetryDelay
}

func sanitizedReason(classified *service.LLMError) string {
	code := classified.StatusCode
	if code == 0 {
		code = 500
	}
	return fmt.Sprintf("[%d] %s", code, classified.Message)
}
