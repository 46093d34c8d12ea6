package result

import (
	"fmt"
	"regexp"
)

// Match selection modes for a parser spec.
const (
	SelectFirst = "first"
	SelectLast  = "last"
	SelectAll   = "all"
)

// reservedKeys are the base fields of every result record; parser specs may
// not shadow them.
var reservedKeys = map[string]bool{
	"name":         true,
	"id":           true,
	"result":       true,
	"duration":     true,
	"created":      true,
	"started":      true,
	"finished":     true,
	"return_value": true,
	"series":       true,
	"notes":        true,
}

// ParseError reports a malformed parser spec or expression. It is a
// configuration-time error, surfaced before any run starts.
type ParseError struct {
	Target string
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("result config %q: %s", e.Target, e.Msg)
}

// ParserSpec extracts values for one key from raw output. The pattern is a
// Go regular expression applied per line; the first capture group supplies
// the value, a groupless pattern stores the whole match.
type ParserSpec struct {
	Key     string `yaml:"key" json:"key"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Select  string `yaml:"select" json:"select,omitempty"`

	re *regexp.Regexp
}

// Parsed maps result keys to their extracted values, in match order. Keys
// that never matched are absent.
type Parsed map[string][]string

// CheckSpecs validates parser specs and expressions before any run starts:
// bad patterns, duplicate or reserved keys, and expression syntax errors all
// surface here as ParseError. Specs are compiled in place.
func CheckSpecs(specs []ParserSpec, exprs []string) error {
	seen := make(map[string]bool)
	for i := range specs {
		spec := &specs[i]
		if spec.Key == "" {
			return &ParseError{Target: spec.Pattern, Msg: "parser spec has no key"}
		}
		if reservedKeys[spec.Key] {
			return &ParseError{Target: spec.Key, Msg: "key is reserved for the base result record"}
		}
		if seen[spec.Key] {
			return &ParseError{Target: spec.Key, Msg: "duplicate parser key"}
		}
		seen[spec.Key] = true

		switch spec.Select {
		case "", SelectFirst, SelectLast, SelectAll:
		default:
			return &ParseError{Target: spec.Key, Msg: fmt.Sprintf("unknown select mode %q", spec.Select)}
		}

		re, err := regexp.Compile("(?m)" + spec.Pattern)
		if err != nil {
			return &ParseError{Target: spec.Key, Msg: fmt.Sprintf("bad pattern: %v", err)}
		}
		spec.re = re
	}

	for _, expr := range exprs {
		if _, err := CompileExpression(expr); err != nil {
			return err
		}
	}
	return nil
}

// Parse applies the parser specs to raw output. Unmatched keys are simply
// absent from the mapping; parsing itself never fails. Specs not yet
// compiled by CheckSpecs are compiled here, with bad patterns skipped.
func Parse(raw []byte, specs []ParserSpec) Parsed {
	parsed := make(Parsed)
	text := string(raw)

	for i := range specs {
		spec := &specs[i]
		if spec.re == nil {
			re, err := regexp.Compile("(?m)" + spec.Pattern)
			if err != nil {
				continue
			}
			spec.re = re
		}

		matches := spec.re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}

		values := make([]string, 0, len(matches))
		for _, m := range matches {
			if len(m) > 1 {
				values = append(values, m[1])
			} else {
				values = append(values, m[0])
			}
		}

		switch spec.Select {
		case SelectLast:
			values = values[len(values)-1:]
		case SelectAll:
		default:
			values = values[:1]
		}
		parsed[spec.Key] = values
	}
	return parsed
}
