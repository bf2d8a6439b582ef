package respval

import (
	"strings"
	"testing"
)

func TestValidateIncremental_SameWordRepeated(t *testing.T) {
	v := New(DefaultConfig())
	buf := strings.Repeat("spam ", 10)
	var last Result
	for i := 0; i < 3; i++ {
		last = v.ValidateIncremental(buf)
	}
	if last.Valid {
		t.Fatalf("expected same-word repetition to eventually be flagged invalid, got %+v", last)
	}
}

func TestValidateIncremental_LengthExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResponseLength = 10
	v := New(cfg)
	res := v.ValidateIncremental(strings.Repeat("a", 20))
	if res.Valid || res.ViolationType != ViolationLength {
		t.Fatalf("expected length violation, got %+v", res)
	}
}

func TestValidateIncremental_CleanText(t *testing.T) {
	v := New(DefaultConfig())
	res := v.ValidateIncremental("This is a perfectly ordinary response with no issues.")
	if !res.Valid {
		t.Fatalf("expected clean text to validate, got %+v", res)
	}
}

func TestEncodingRoundTrips(t *testing.T) {
	if !encodingRoundTrips("hello world 你好") {
		t.Fatal("expected normal text to round-trip")
	}
}

func TestRecoveryDecide_PartialRecoverWithCleanToolCalls(t *testing.T) {
	res := Result{Valid: false, ViolationType: ViolationNonsense, Action: ActionAbort}
	outcome := Decide(res, "a substantial amount of valid content that precedes the violation", nil, 10)
	if outcome.Strategy != StrategyPartialRecover {
		t.Fatalf("expected partial-recover, got %s", outcome.Strategy)
	}
}

func TestRecoveryDecide_LengthAlwaysCompacts(t *testing.T) {
	res := Result{Valid: false, ViolationType: ViolationLength, Action: ActionAbort}
	outcome := Decide(res, "short", nil, 1000)
	if outcome.Strategy != StrategyCompactRetry {
		t.Fatalf("expected compact-and-retry for length violation, got %s", outcome.Strategy)
	}
}

func TestSanitize_CollapsesNewlinesAndStripsControlBytes(t *testing.T) {
	in := "line1\n\n\n\nline2\x01\x02  \t"
	out := Sanitize(in)
	if strings.Contains(out, "\x01") {
		t.Fatal("expected control bytes stripped")
	}
	if strings.Contains(out, "\n\n\n") {
		t.Fatal("expected >=3 consecutive newlines collapsed to 2")
	}
	if out != strings.TrimRight(out, " \t\n\r") {
		t.Fatal("expected trailing whitespace trimmed")
	}
}
