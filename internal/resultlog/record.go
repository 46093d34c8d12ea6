// Package resultlog builds, persists and queries final run result records.
// The append-only results.log at the working-directory root is the
// authoritative artifact, one self-contained JSON record per completed run;
// the sqlite index next to it is derived and node-local, rebuilt from the
// log on demand.
package resultlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/result"
)

// Record is the final result of one run. Parser keys are flattened into the
// top level of the JSON object next to the base fields; CheckSpecs keeps
// them from colliding with the reserved names.
type Record struct {
	Name        string
	ID          int
	Series      int
	Result      result.Outcome
	Duration    float64 // seconds
	Created     time.Time
	Started     time.Time
	Finished    time.Time
	ReturnValue int
	Notes       string
	Keys        result.Parsed
}

// baseFields are the reserved top-level names of a marshalled record.
var baseFields = map[string]bool{
	"name": true, "id": true, "series": true, "result": true,
	"duration": true, "created": true, "started": true, "finished": true,
	"return_value": true, "notes": true,
}

// MarshalJSON flattens parser keys into the top level. A key with a single
// captured value serializes as a scalar, multiple values as an array.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Keys)+10)
	for key, values := range r.Keys {
		if len(values) == 1 {
			m[key] = values[0]
		} else {
			m[key] = values
		}
	}

	// Base fields written last so they always win over a stray parser key.
	m["name"] = r.Name
	m["id"] = r.ID
	m["result"] = r.Result
	m["duration"] = r.Duration
	m["created"] = r.Created.UTC().Format(time.RFC3339Nano)
	m["finished"] = r.Finished.UTC().Format(time.RFC3339Nano)
	m["return_value"] = r.ReturnValue
	if r.Series > 0 {
		m["series"] = r.Series
	}
	if !r.Started.IsZero() {
		m["started"] = r.Started.UTC().Format(time.RFC3339Nano)
	}
	if r.Notes != "" {
		m["notes"] = r.Notes
	}
	return json.Marshal(m)
}

// UnmarshalJSON reverses the flattening: base fields populate the struct,
// everything else lands in Keys.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	str := func(key string) (string, error) {
		raw, ok := m[key]
		if !ok {
			return "", nil
		}
		var s string
		return s, jsonInto(raw, &s, key)
	}

	if err := jsonField(m, "name", &r.Name); err != nil {
		return err
	}
	if err := jsonField(m, "id", &r.ID); err != nil {
		return err
	}
	if err := jsonField(m, "series", &r.Series); err != nil {
		return err
	}
	var outcome string
	if err := jsonField(m, "result", &outcome); err != nil {
		return err
	}
	r.Result = result.Outcome(outcome)
	if err := jsonField(m, "duration", &r.Duration); err != nil {
		return err
	}
	if err := jsonField(m, "return_value", &r.ReturnValue); err != nil {
		return err
	}
	if err := jsonField(m, "notes", &r.Notes); err != nil {
		return err
	}

	for field, dst := range map[string]*time.Time{
		"created": &r.Created, "started": &r.Started, "finished": &r.Finished,
	} {
		s, err := str(field)
		if err != nil {
			return err
		}
		if s == "" {
			continue
		}
		when, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("result record field %s: %w", field, err)
		}
		*dst = when
	}

	for key, raw := range m {
		if baseFields[key] {
			continue
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			r.setKey(key, []string{single})
			continue
		}
		var many []string
		if err := json.Unmarshal(raw, &many); err == nil {
			r.setKey(key, many)
			continue
		}
		// Coerce anything else (a bare number, a bool) to its JSON text.
		r.setKey(key, []string{string(raw)})
	}
	return nil
}

func (r *Record) setKey(key string, values []string) {
	if r.Keys == nil {
		r.Keys = make(result.Parsed)
	}
	r.Keys[key] = values
}

func jsonField(m map[string]json.RawMessage, key string, dst any) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	return jsonInto(raw, dst, key)
}

func jsonInto(raw json.RawMessage, dst any, key string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("result record field %s: %w", key, err)
	}
	return nil
}

// Save writes the record as the run directory's results.json.
func Save(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a record previously saved with Save.
func Load(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("result record %s: %w", path, err)
	}
	return rec, nil
}
