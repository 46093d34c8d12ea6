package result

import "fmt"

// Outcome is the verdict of one expression, or of a whole run.
type Outcome string

const (
	OutcomePass  Outcome = "PASS"
	OutcomeFail  Outcome = "FAIL"
	OutcomeError Outcome = "ERROR"
)

// worse orders outcomes so the worst one wins: ERROR > FAIL > PASS.
func worse(a, b Outcome) Outcome {
	rank := map[Outcome]int{OutcomePass: 0, OutcomeFail: 1, OutcomeError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// DefaultExpression is the implicit verdict when no expression is
// configured: the run passes when the process exited zero.
const DefaultExpression = "return_value == 0"

// EvaluationError reports a missing key or type mismatch while evaluating
// an expression. It yields an ERROR verdict, which is distinct from FAIL.
type EvaluationError struct {
	Expr string
	Msg  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expr, e.Msg)
}

// ExprResult is the outcome of one expression, with a diagnostic note for
// anything other than a clean PASS.
type ExprResult struct {
	Expr    string  `json:"expr"`
	Outcome Outcome `json:"outcome"`
	Note    string  `json:"note,omitempty"`
}

// Verdict aggregates the outcomes of all configured expressions.
type Verdict struct {
	Outcome Outcome      `json:"outcome"`
	Results []ExprResult `json:"results"`
}

// Notes joins the diagnostic notes of all non-passing expressions.
func (v Verdict) Notes() string {
	out := ""
	for _, r := range v.Results {
		if r.Note == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += r.Note
	}
	return out
}

// Evaluate runs every expression against the parsed output and the process
// exit code. With no expressions configured, the implicit default applies.
// All expressions are evaluated even after a failure or error so the
// verdict carries complete diagnostics; the worst outcome wins.
func Evaluate(parsed Parsed, exprs []string, exitCode int) Verdict {
	if len(exprs) == 0 {
		exprs = []string{DefaultExpression}
	}

	verdict := Verdict{Outcome: OutcomePass}
	for _, src := range exprs {
		res := ExprResult{Expr: src, Outcome: OutcomePass}

		compiled, err := CompileExpression(src)
		if err != nil {
			res.Outcome = OutcomeError
			res.Note = err.Error()
		} else if ok, err := compiled.Eval(parsed, exitCode); err != nil {
			res.Outcome = OutcomeError
			res.Note = err.Error()
		} else if !ok {
			res.Outcome = OutcomeFail
			res.Note = fmt.Sprintf("expression %q is false", src)
		}

		verdict.Results = append(verdict.Results, res)
		verdict.Outcome = worse(verdict.Outcome, res.Outcome)
	}
	return verdict
}
