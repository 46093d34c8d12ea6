package result

import (
	"strings"
	"testing"
)

func TestEvaluate_SpeedExample(t *testing.T) {
	specs := []ParserSpec{{Key: "speed", Pattern: `^speed (\d+)`}}
	parsed := Parse([]byte("speed 55"), specs)

	verdict := Evaluate(parsed, []string{"speed > 50"}, 0)
	if verdict.Outcome != OutcomePass {
		t.Errorf("speed > 50 outcome = %s, want PASS", verdict.Outcome)
	}

	verdict = Evaluate(parsed, []string{"speed > 100"}, 0)
	if verdict.Outcome != OutcomeFail {
		t.Errorf("speed > 100 outcome = %s, want FAIL", verdict.Outcome)
	}
}

func TestEvaluate_ImplicitDefaultExpression(t *testing.T) {
	verdict := Evaluate(Parsed{}, nil, 0)
	if verdict.Outcome != OutcomePass {
		t.Errorf("exit 0 outcome = %s, want PASS", verdict.Outcome)
	}
	if len(verdict.Results) != 1 || verdict.Results[0].Expr != DefaultExpression {
		t.Errorf("results = %+v, want the implicit default expression", verdict.Results)
	}

	verdict = Evaluate(Parsed{}, nil, 2)
	if verdict.Outcome != OutcomeFail {
		t.Errorf("exit 2 outcome = %s, want FAIL", verdict.Outcome)
	}
}

func TestEvaluate_MissingKeyIsErrorNotFail(t *testing.T) {
	verdict := Evaluate(Parsed{}, []string{"missing > 5"}, 0)

	if verdict.Outcome != OutcomeError {
		t.Fatalf("outcome = %s, want ERROR", verdict.Outcome)
	}
	if verdict.Outcome == OutcomeFail {
		t.Error("missing key must not degrade to FAIL")
	}
	if !strings.Contains(verdict.Results[0].Note, `"missing"`) {
		t.Errorf("note %q does not identify the missing key", verdict.Results[0].Note)
	}
}

func TestEvaluate_WorstOutcomeWins(t *testing.T) {
	parsed := Parsed{"speed": {"55"}}
	exprs := []string{
		"speed > 50",   // PASS
		"speed > 100",  // FAIL
		"missing == 1", // ERROR
		"speed == 55",  // PASS, still evaluated
	}

	verdict := Evaluate(parsed, exprs, 0)
	if verdict.Outcome != OutcomeError {
		t.Errorf("outcome = %s, want ERROR", verdict.Outcome)
	}
	if len(verdict.Results) != 4 {
		t.Fatalf("results = %d, want all 4 expressions attempted", len(verdict.Results))
	}

	wantOutcomes := []Outcome{OutcomePass, OutcomeFail, OutcomeError, OutcomePass}
	for i, want := range wantOutcomes {
		if verdict.Results[i].Outcome != want {
			t.Errorf("expression %d outcome = %s, want %s", i, verdict.Results[i].Outcome, want)
		}
	}
}

func TestEvaluate_FailBeatsPass(t *testing.T) {
	parsed := Parsed{"speed": {"55"}}
	verdict := Evaluate(parsed, []string{"speed > 50", "speed > 60"}, 0)

	if verdict.Outcome != OutcomeFail {
		t.Errorf("outcome = %s, want FAIL", verdict.Outcome)
	}
}

func TestEvaluate_AllMustPassForPass(t *testing.T) {
	parsed := Parsed{"speed": {"55"}, "mem": {"900"}}
	verdict := Evaluate(parsed, []string{"speed > 50", "mem < 1024", "return_value == 0"}, 0)

	if verdict.Outcome != OutcomePass {
		t.Errorf("outcome = %s, want PASS; notes: %s", verdict.Outcome, verdict.Notes())
	}
}

func TestVerdict_Notes(t *testing.T) {
	parsed := Parsed{"speed": {"55"}}
	verdict := Evaluate(parsed, []string{"speed > 100", "missing == 1"}, 0)

	notes := verdict.Notes()
	if !strings.Contains(notes, "speed > 100") {
		t.Errorf("notes %q missing the failed expression", notes)
	}
	if !strings.Contains(notes, "missing") {
		t.Errorf("notes %q missing the errored key", notes)
	}
}
