package respval

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

// Strategy is the Recovery module's decision for a validation violation.
type Strategy string

const (
	StrategyPartialRecover Strategy = "partial-recover"
	StrategyCompactRetry   Strategy = "compact-and-retry"
	StrategyAbort          Strategy = "abort"
)

// RecoveryOutcome carries the decided strategy plus, for PartialRecover, the
// sanitized content and surviving tool calls.
type RecoveryOutcome struct {
	Strategy        Strategy
	SanitizedContent string
	KeptToolCalls   []session.ToolCall
}

var collapseNewlinesRe = regexp.MustCompile(`\n{3,}`)

// Decide implements the Recovery policy from spec §4.3: a length violation
// yields StrategyCompactRetry (the caller, StreamProcessor/AgentLoop,
// triggers compaction via LLMContextCompressionError; Decide does not
// perform it); otherwise partial-recover when the pre-violation prefix is
// substantial and tool-call state is clean; otherwise abort when the
// violation's action is abort, and partial-recover for warn-level ones.
func Decide(result Result, contentSoFar string, toolCalls []session.ToolCall, substantialPrefixChars int) RecoveryOutcome {
	if result.Valid {
		return RecoveryOutcome{Strategy: StrategyAbort} // should not be called
	}

	allToolCallsClean := true
	var kept []session.ToolCall
	for _, tc := range toolCalls {
		if isCompleteJSON(tc.Function.Arguments) {
			kept = append(kept, tc)
		} else {
			allToolCallsClean = false
		}
	}

	prefixSubstantial := len(strings.TrimSpace(contentSoFar)) >= substantialPrefixChars

	switch result.ViolationType {
	case ViolationLength:
		// Length overflow is always a compaction signal: the content itself
		// is not necessarily corrupt, the context/output budget is the issue.
		return RecoveryOutcome{Strategy: StrategyCompactRetry}
	}

	if prefixSubstantial && allToolCallsClean {
		return RecoveryOutcome{
			Strategy:         StrategyPartialRecover,
			SanitizedContent: Sanitize(contentSoFar),
			KeptToolCalls:    kept,
		}
	}

	if result.Action == ActionAbort {
		return RecoveryOutcome{Strategy: StrategyAbort}
	}

	return RecoveryOutcome{Strategy: StrategyPartialRecover, SanitizedContent: Sanitize(contentSoFar), KeptToolCalls: kept}
}

// Sanitize strips control bytes, collapses >=3 consecutive newlines to 2,
// and trims trailing whitespace (spec §4.3 partial-recover step).
func Sanitize(content string) string {
	cleaned := controlBytesRe.ReplaceAllString(content, "")
	cleaned = collapseNewlinesRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimRight(cleaned, " \t\n\r")
}

// isCompleteJSON reports whether a tool call's accumulated arguments string
// parses as valid JSON — the spec's definition of a "complete" tool call.
func isCompleteJSON(arguments string) bool {
	if strings.TrimSpace(arguments) == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(arguments), &v) == nil
}
