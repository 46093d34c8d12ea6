package result

import (
	"errors"
	"strings"
	"testing"
)

func mustCompile(t *testing.T, src string) *Expression {
	t.Helper()
	expr, err := CompileExpression(src)
	if err != nil {
		t.Fatalf("CompileExpression(%q) error = %v", src, err)
	}
	return expr
}

func TestExpression_Comparisons(t *testing.T) {
	parsed := Parsed{
		"speed":   {"55"},
		"ratio":   {"0.75"},
		"variant": {"openmp"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"speed > 50", true},
		{"speed > 100", false},
		{"speed == 55", true},
		{"speed != 55", false},
		{"speed <= 55", true},
		{"speed >= 56", false},
		{"ratio < 1", true},
		{"ratio == 0.75", true},
		{"variant == 'openmp'", true},
		{"variant == \"mpi\"", false},
		{"variant < 'zzz'", true},
		{"return_value == 0", true},
		{"speed > -10", true},
	}

	for _, tt := range tests {
		got, err := mustCompile(t, tt.expr).Eval(parsed, 0)
		if err != nil {
			t.Errorf("Eval(%q) error = %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestExpression_BooleanOperators(t *testing.T) {
	parsed := Parsed{"speed": {"55"}}

	tests := []struct {
		expr string
		want bool
	}{
		{"speed > 50 and speed < 60", true},
		{"speed > 50 and speed > 60", false},
		{"speed > 60 or speed > 50", true},
		{"not speed > 60", true},
		{"not (speed > 50 and speed < 60)", false},
		{"true", true},
		{"false or true", true},
		{"speed > 0 and speed > 1 and speed > 100", false},
	}

	for _, tt := range tests {
		got, err := mustCompile(t, tt.expr).Eval(parsed, 0)
		if err != nil {
			t.Errorf("Eval(%q) error = %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestExpression_MissingKey(t *testing.T) {
	_, err := mustCompile(t, "missing > 5").Eval(Parsed{}, 0)
	if err == nil {
		t.Fatal("Eval() expected error for missing key")
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("error type = %T, want *EvaluationError", err)
	}
	if !strings.Contains(evalErr.Msg, `"missing"`) {
		t.Errorf("error %q does not identify the missing key", evalErr.Msg)
	}
}

func TestExpression_MissingKeyNotMaskedByOr(t *testing.T) {
	// Boolean operators evaluate both operands, so a missing key surfaces
	// even when the other side already decides the expression.
	_, err := mustCompile(t, "true or missing > 5").Eval(Parsed{}, 0)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Errorf("Eval() error = %v, want *EvaluationError", err)
	}
}

func TestExpression_TypeMismatch(t *testing.T) {
	parsed := Parsed{"label": {"fast"}}

	_, err := mustCompile(t, "label > 10").Eval(parsed, 0)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Errorf("Eval() error = %v, want *EvaluationError for type mismatch", err)
	}
}

func TestExpression_NonBooleanResult(t *testing.T) {
	parsed := Parsed{"speed": {"55"}}

	_, err := mustCompile(t, "speed").Eval(parsed, 0)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Errorf("Eval() error = %v, want *EvaluationError for non-boolean result", err)
	}
}

func TestExpression_CoercionOrder(t *testing.T) {
	// Integer-looking strings compare as ints, decimal as floats, and int
	// against float promotes to float.
	parsed := Parsed{
		"count": {"0042"},
		"ratio": {"0.5"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"count == 42", true},
		{"count >= 42.0", true},
		{"ratio == 0.5", true},
		{"ratio < 1", true},
	}
	for _, tt := range tests {
		got, err := mustCompile(t, tt.expr).Eval(parsed, 0)
		if err != nil {
			t.Errorf("Eval(%q) error = %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestExpression_Functions(t *testing.T) {
	parsed := Parsed{"bw": {"10", "20", "30"}}

	tests := []struct {
		expr string
		want bool
	}{
		{"len(bw) == 3", true},
		{"sum(bw) == 60", true},
		{"avg(bw) == 20", true},
		{"min(bw) == 10", true},
		{"max(bw) == 30", true},
		{"max(bw) > avg(bw)", true},
	}
	for _, tt := range tests {
		got, err := mustCompile(t, tt.expr).Eval(parsed, 0)
		if err != nil {
			t.Errorf("Eval(%q) error = %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestExpression_FunctionOnNonNumeric(t *testing.T) {
	parsed := Parsed{"labels": {"a", "b"}}

	_, err := mustCompile(t, "sum(labels) > 0").Eval(parsed, 0)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Errorf("Eval() error = %v, want *EvaluationError", err)
	}
}

func TestCompileExpression_SyntaxErrors(t *testing.T) {
	bad := []string{
		"speed >",
		"speed ==",
		"(speed > 5",
		"speed > 5)",
		"speed = 5",
		"median(speed) > 5",
		"len(42) > 0",
		"speed #> 5",
		"'unterminated",
		"and speed",
		"",
	}
	for _, src := range bad {
		_, err := CompileExpression(src)
		if err == nil {
			t.Errorf("CompileExpression(%q) expected error", src)
			continue
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("CompileExpression(%q) error type = %T, want *ParseError", src, err)
		}
	}
}
