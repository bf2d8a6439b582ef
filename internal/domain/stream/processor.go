// Package stream implements StreamProcessor (spec §4.2): a single-consumer
// state machine folding an asynchronous Chunk sequence into one assembled
// assistant turn, with incremental pathological-output checks delegated to
// respval.Validator/Recovery.
//
// Grounded on the teacher's index-based tool-call accumulation in
// internal/infrastructure/llm/openai_builtin.go's parseSSEStream, and on
// the standalone accumulator shape in the pack's stream-processor example
// (CaptainPhantasy-Floyd), adapted to a standalone domain-layer component
// decoupled from any one provider's wire format.
package stream

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/respval"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

// ErrBufferOverflow is returned (and also reflected in Processor.Aborted())
// when a reasoning or content buffer would exceed MaxBufferSize.
var ErrBufferOverflow = errors.New("stream: buffer overflow")

// ErrValidationAbort is returned when the Recovery module decides to abort
// the turn outright.
var ErrValidationAbort = errors.New("stream: validation violation, turn aborted")

// ErrContextCompressionNeeded signals the AgentLoop must call
// Session.compact_before_next_llm_call() and retry the turn without
// consuming a generic retry credit (spec §4.3 Recovery / §7.4).
var ErrContextCompressionNeeded = errors.New("stream: LLMContextCompressionError")

// FunctionDelta is the {name, arguments} fragment of a streamed tool call.
type FunctionDelta struct {
	Name      string
	Arguments string
}

// ToolCallDelta is one streamed tool-call fragment, keyed by Index.
type ToolCallDelta struct {
	Index    int
	ID       string
	Type     string
	Function FunctionDelta
}

// Delta is the incremental payload of a Chunk (choices[0].delta).
type Delta struct {
	Role             string
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCallDelta
}

// Chunk is one incremental piece of a streaming LLM response.
type Chunk struct {
	ID           string
	Model        string
	Created      int64
	Usage        *session.Usage
	Delta        Delta
	FinishReason session.FinishReason
}

// EventType discriminates the observation events StreamProcessor emits.
type EventType string

const (
	EventReasoningStart      EventType = "reasoning_start"
	EventReasoningDelta      EventType = "reasoning_delta"
	EventReasoningComplete   EventType = "reasoning_complete"
	EventTextStart           EventType = "text_start"
	EventTextDelta           EventType = "text_delta"
	EventTextComplete        EventType = "text_complete"
	EventToolCallCreated     EventType = "tool_call_created"
	EventUsageUpdate         EventType = "usage_update"
	EventValidationViolation EventType = "validation_violation"
)

// Event is one observation-stream event emitted by the Processor.
type Event struct {
	Type      EventType
	MessageID string
	Delta     string
	Usage     *session.Usage
	ToolCall  *session.ToolCall
	Content   string // current assistant content, for tool_call_created snapshots
	Violation *respval.Result
}

// Config holds the StreamProcessor's tunables.
type Config struct {
	MaxBufferSize   int // per-buffer (reasoning, content) cap; 0 = unlimited
	CheckFrequency  int // invoke incremental validation every N new chars (default 100)
	CheckWindowSize int // not read by the Processor: it passes the whole content buffer and the validator applies its own window (default 1000)
}

func DefaultConfig() Config {
	return Config{
		MaxBufferSize:   0,
		CheckFrequency:  100,
		CheckWindowSize: 1000,
	}
}

// Processor is the per-turn stream-folding state machine.
type Processor struct {
	mu sync.Mutex

	cfg       Config
	validator *respval.Validator
	onEvent   func(Event)

	messageID string
	id        string
	model     string
	created   int64

	reasoningBuf strings.Builder
	contentBuf   strings.Builder

	toolCalls map[int]*session.ToolCall

	aborted      bool
	abortReason  string
	reasoningOn  bool
	reasoningFin bool
	textOn       bool
	textFin      bool
	toolCallsOn  bool

	finishReason session.FinishReason
	usage        *session.Usage

	charsSinceCheck int

	kept []session.ToolCall // tool calls surviving a partial-recover decision
	recovered bool
}

// New creates a StreamProcessor for one turn. onEvent may be nil.
func New(messageID string, cfg Config, validator *respval.Validator, onEvent func(Event)) *Processor {
	if cfg.CheckFrequency <= 0 {
		cfg.CheckFrequency = 100
	}
	if cfg.CheckWindowSize <= 0 {
		cfg.CheckWindowSize = 1000
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Processor{
		cfg:       cfg,
		validator: validator,
		onEvent:   onEvent,
		messageID: messageID,
		toolCalls: make(map[int]*session.ToolCall),
	}
}

func (p *Processor) Aborted() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted, p.abortReason
}

// Consume applies one Chunk in order, per the §4.2 contract.
func (p *Processor) Consume(c Chunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aborted {
		return nil
	}

	if c.ID != "" {
		p.id = c.ID
	}
	if c.Model != "" {
		p.model = c.Model
	}
	if c.Created != 0 {
		p.created = c.Created
	}
	if c.FinishReason != "" {
		p.finishReason = c.FinishReason
	}
	if c.Usage != nil {
		p.usage = c.Usage
		p.onEvent(Event{Type: EventUsageUpdate, MessageID: p.messageID, Usage: c.Usage})
	}

	hasReasoning := c.Delta.ReasoningContent != ""
	hasText := c.Delta.Content != ""
	hasToolCalls := len(c.Delta.ToolCalls) > 0

	if hasReasoning {
		if err := p.appendReasoning(c.Delta.ReasoningContent); err != nil {
			return err
		}
	}

	if hasText {
		p.completeReasoning()
		if err := p.appendText(c.Delta.Content); err != nil {
			return err
		}
	}

	if hasToolCalls {
		if !p.toolCallsOn {
			p.completeText()
			p.completeReasoning()
			p.toolCallsOn = true
		}
		for _, td := range c.Delta.ToolCalls {
			p.applyToolCallDelta(td)
		}
		p.onEvent(Event{
			Type:      EventToolCallCreated,
			MessageID: p.messageID,
			Content:   p.contentBuf.String(),
		})
	}

	if !hasReasoning && !hasText && !hasToolCalls && c.FinishReason != "" {
		p.completeText()
		p.completeReasoning()
	}

	return nil
}

func (p *Processor) appendReasoning(delta string) error {
	if p.cfg.MaxBufferSize > 0 && p.reasoningBuf.Len()+len(delta) > p.cfg.MaxBufferSize {
		p.abort("buffer_overflow")
		return ErrBufferOverflow
	}
	if !p.reasoningOn {
		p.reasoningOn = true
		p.onEvent(Event{Type: EventReasoningStart, MessageID: p.messageID})
	}
	p.reasoningBuf.WriteString(delta)
	p.onEvent(Event{Type: EventReasoningDelta, MessageID: p.messageID, Delta: delta})
	return p.runIncrementalValidation(len(delta))
}

func (p *Processor) appendText(delta string) error {
	if p.cfg.MaxBufferSize > 0 && p.contentBuf.Len()+len(delta) > p.cfg.MaxBufferSize {
		p.abort("buffer_overflow")
		return ErrBufferOverflow
	}
	if !p.textOn {
		p.textOn = true
		p.onEvent(Event{Type: EventTextStart, MessageID: p.messageID})
	}
	p.contentBuf.WriteString(delta)
	p.onEvent(Event{Type: EventTextDelta, MessageID: p.messageID, Delta: delta})
	return p.runIncrementalValidation(len(delta))
}

func (p *Processor) completeReasoning() {
	if p.reasoningOn && !p.reasoningFin {
		p.reasoningFin = true
		p.onEvent(Event{Type: EventReasoningComplete, MessageID: p.messageID})
	}
}

func (p *Processor) completeText() {
	if p.textOn && !p.textFin {
		p.textFin = true
		p.onEvent(Event{Type: EventTextComplete, MessageID: p.messageID})
	}
}

func (p *Processor) abort(reason string) {
	p.aborted = true
	p.abortReason = reason
}

// runIncrementalValidation invokes the validator every CheckFrequency
// characters of total output and applies Recovery's decision.
func (p *Processor) runIncrementalValidation(newChars int) error {
	if p.validator == nil {
		return nil
	}
	p.charsSinceCheck += newChars
	if p.charsSinceCheck < p.cfg.CheckFrequency {
		return nil
	}
	p.charsSinceCheck = 0

	result := p.validator.ValidateIncremental(p.contentBuf.String())
	if result.Valid {
		return nil
	}

	p.onEvent(Event{Type: EventValidationViolation, MessageID: p.messageID, Violation: &result})

	outcome := respval.Decide(result, p.contentBuf.String(), p.currentToolCalls(), 200)
	switch outcome.Strategy {
	case respval.StrategyAbort:
		p.abort("validation_violation")
		return ErrValidationAbort
	case respval.StrategyCompactRetry:
		return ErrContextCompressionNeeded
	default: // partial-recover
		p.contentBuf.Reset()
		p.contentBuf.WriteString(outcome.SanitizedContent)
		p.kept = outcome.KeptToolCalls
		p.recovered = true
		return nil
	}
}

// applyToolCallDelta implements the create-on-first-sight /
// replace-id-or-name / concatenate-arguments accumulation contract.
func (p *Processor) applyToolCallDelta(td ToolCallDelta) {
	tc, ok := p.toolCalls[td.Index]
	if !ok {
		tc = &session.ToolCall{
			ID:    td.ID,
			Type:  td.Type,
			Index: td.Index,
			Function: session.FunctionCall{
				Name:      td.Function.Name,
				Arguments: td.Function.Arguments,
			},
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		p.toolCalls[td.Index] = tc
		return
	}
	if td.ID != "" {
		tc.ID = td.ID
	}
	if td.Function.Name != "" {
		tc.Function.Name = td.Function.Name
	}
	tc.Function.Arguments += td.Function.Arguments
}

func (p *Processor) currentToolCalls() []session.ToolCall {
	out := make([]session.ToolCall, 0, len(p.toolCalls))
	for _, tc := range p.toolCalls {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// BuildResponse assembles the final turn message per §4.2's "Final assembly".
func (p *Processor) BuildResponse() session.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	toolCalls := p.currentToolCalls()
	if p.recovered {
		toolCalls = p.kept
	}

	var usage *session.Usage
	if p.usage != nil {
		u := *p.usage
		usage = &u
	}

	msg := session.NewAssistantMessage(p.contentBuf.String(), p.reasoningBuf.String(), toolCalls, p.finishReason, usage)
	msg.MessageID = p.messageID
	return msg
}
