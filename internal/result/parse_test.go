package result

import (
	"errors"
	"testing"
)

func TestParse_SingleMatch(t *testing.T) {
	specs := []ParserSpec{{Key: "speed", Pattern: `^speed (\d+)`}}
	if err := CheckSpecs(specs, nil); err != nil {
		t.Fatal(err)
	}

	parsed := Parse([]byte("speed 55"), specs)
	values, ok := parsed["speed"]
	if !ok {
		t.Fatal("speed key absent from parsed results")
	}
	if len(values) != 1 || values[0] != "55" {
		t.Errorf("speed = %v, want [55]", values)
	}
}

func TestParse_UnmatchedKeyAbsent(t *testing.T) {
	specs := []ParserSpec{{Key: "speed", Pattern: `^speed (\d+)`}}
	parsed := Parse([]byte("no matches here"), specs)

	if _, ok := parsed["speed"]; ok {
		t.Error("speed should be absent when nothing matched")
	}
	if len(parsed) != 0 {
		t.Errorf("parsed = %v, want empty", parsed)
	}
}

func TestParse_SelectModes(t *testing.T) {
	raw := []byte("iter 10\niter 20\niter 30\n")

	tests := []struct {
		sel  string
		want []string
	}{
		{"", []string{"10"}},
		{SelectFirst, []string{"10"}},
		{SelectLast, []string{"30"}},
		{SelectAll, []string{"10", "20", "30"}},
	}

	for _, tt := range tests {
		specs := []ParserSpec{{Key: "iter", Pattern: `^iter (\d+)`, Select: tt.sel}}
		parsed := Parse(raw, specs)
		got := parsed["iter"]
		if len(got) != len(tt.want) {
			t.Errorf("select %q: got %v, want %v", tt.sel, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("select %q: got %v, want %v", tt.sel, got, tt.want)
				break
			}
		}
	}
}

func TestParse_AnchorsPerLine(t *testing.T) {
	raw := []byte("header\nspeed 42\ntrailer\n")
	specs := []ParserSpec{{Key: "speed", Pattern: `^speed (\d+)`}}

	parsed := Parse(raw, specs)
	if got := parsed["speed"]; len(got) != 1 || got[0] != "42" {
		t.Errorf("speed = %v, want [42]", got)
	}
}

func TestParse_GrouplessPatternStoresWholeMatch(t *testing.T) {
	raw := []byte("status: NOMINAL\n")
	specs := []ParserSpec{{Key: "health", Pattern: `NOMINAL|DEGRADED`}}

	parsed := Parse(raw, specs)
	if got := parsed["health"]; len(got) != 1 || got[0] != "NOMINAL" {
		t.Errorf("health = %v, want [NOMINAL]", got)
	}
}

func TestCheckSpecs_BadPattern(t *testing.T) {
	err := CheckSpecs([]ParserSpec{{Key: "x", Pattern: `([`}}, nil)
	if err == nil {
		t.Fatal("CheckSpecs() expected error for bad pattern")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("error type = %T, want *ParseError", err)
	}
}

func TestCheckSpecs_ReservedKey(t *testing.T) {
	for _, key := range []string{"result", "id", "return_value", "duration"} {
		err := CheckSpecs([]ParserSpec{{Key: key, Pattern: `x`}}, nil)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("CheckSpecs(key=%q) error = %v, want *ParseError", key, err)
		}
	}
}

func TestCheckSpecs_DuplicateKey(t *testing.T) {
	specs := []ParserSpec{
		{Key: "speed", Pattern: `a`},
		{Key: "speed", Pattern: `b`},
	}
	var parseErr *ParseError
	if err := CheckSpecs(specs, nil); !errors.As(err, &parseErr) {
		t.Errorf("CheckSpecs() error = %v, want *ParseError for duplicate key", err)
	}
}

func TestCheckSpecs_UnknownSelect(t *testing.T) {
	specs := []ParserSpec{{Key: "x", Pattern: `x`, Select: "median"}}
	var parseErr *ParseError
	if err := CheckSpecs(specs, nil); !errors.As(err, &parseErr) {
		t.Errorf("CheckSpecs() error = %v, want *ParseError for unknown select", err)
	}
}

func TestCheckSpecs_BadExpression(t *testing.T) {
	err := CheckSpecs(nil, []string{"speed >"})
	if err == nil {
		t.Fatal("CheckSpecs() expected error for bad expression")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("error type = %T, want *ParseError", err)
	}
}

func TestCheckSpecs_ValidConfig(t *testing.T) {
	specs := []ParserSpec{
		{Key: "speed", Pattern: `^speed (\d+)`},
		{Key: "bandwidth", Pattern: `bw=(\d+\.\d+)`, Select: SelectAll},
	}
	exprs := []string{"speed > 50", "avg(bandwidth) >= 10.5 and return_value == 0"}

	if err := CheckSpecs(specs, exprs); err != nil {
		t.Errorf("CheckSpecs() error = %v, want nil", err)
	}
}
