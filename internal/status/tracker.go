package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// FileName is the status log file inside a run directory.
const FileName = "status"

// MaxRecordBytes bounds one log record. Appends of at most this size are
// made with a single write so concurrent writers on the shared volume
// cannot interleave bytes within a record.
const MaxRecordBytes = 4096

const truncationMark = " ...(truncated)"

// StatusRecord is one entry of a run's status log.
type StatusRecord struct {
	Time  time.Time
	State State
	Note  string
}

// FilesystemError indicates the shared volume rejected a status log
// operation even after retries.
type FilesystemError struct {
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("status log %s: %v", e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

var (
	// ErrTerminalState rejects a transition out of COMPLETE, FAILED or
	// CANCELLED into a different state.
	ErrTerminalState = errors.New("run already in a terminal state")
	// ErrBackwardTransition rejects a transition to an earlier lifecycle
	// state.
	ErrBackwardTransition = errors.New("transition moves backward")
	// ErrUnknownState rejects states outside the lifecycle vocabulary.
	ErrUnknownState = errors.New("unknown state")
	// ErrNoRecords is returned by Current when the log is empty or absent.
	ErrNoRecords = errors.New("no status records")
)

// Tracker appends to and replays run status logs. Append failures are
// retried with a fixed backoff before being surfaced as FilesystemError.
type Tracker struct {
	attempts int
	backoff  time.Duration
}

// NewTracker returns a tracker retrying failed appends `attempts` times
// with `backoff` between tries. Non-positive values fall back to 3 tries
// and 250ms.
func NewTracker(attempts int, backoff time.Duration) *Tracker {
	if attempts < 1 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Tracker{attempts: attempts, backoff: backoff}
}

// Append records a state transition for the run directory. Re-appending the
// current state is allowed and serves as an informational note; moving
// backward, or anywhere after a terminal state, is rejected.
func (t *Tracker) Append(dir string, state State, note string) error {
	if !state.Valid() {
		return fmt.Errorf("append %q: %w", state, ErrUnknownState)
	}

	current, err := t.Current(dir)
	if err != nil && !errors.Is(err, ErrNoRecords) {
		return err
	}
	if err == nil {
		if current.State.Terminal() && state != current.State {
			return fmt.Errorf("append %s after %s: %w", state, current.State, ErrTerminalState)
		}
		if cur := current.State.ordinal(); cur >= 0 && state.ordinal() < cur {
			return fmt.Errorf("append %s after %s: %w", state, current.State, ErrBackwardTransition)
		}
	}

	line := formatRecord(time.Now().UTC(), state, note)
	return t.appendLine(filepath.Join(dir, FileName), line)
}

// Note records an informational note without changing the current state.
func (t *Tracker) Note(dir string, note string) error {
	current, err := t.Current(dir)
	if err != nil {
		return err
	}
	line := formatRecord(time.Now().UTC(), current.State, note)
	return t.appendLine(filepath.Join(dir, FileName), line)
}

// Read replays the full status log in append order. A missing log yields no
// records. Lines that do not parse as records are skipped so a misbehaving
// writer cannot poison the replay.
func (t *Tracker) Read(dir string) ([]StatusRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &FilesystemError{Path: filepath.Join(dir, FileName), Err: err}
	}

	var records []StatusRecord
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		rec, ok := parseRecord(line)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Current returns the last record of the run's status log.
func (t *Tracker) Current(dir string) (StatusRecord, error) {
	records, err := t.Read(dir)
	if err != nil {
		return StatusRecord{}, err
	}
	if len(records) == 0 {
		return StatusRecord{}, ErrNoRecords
	}
	return records[len(records)-1], nil
}

func (t *Tracker) appendLine(path, line string) error {
	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(t.backoff)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = f.Write([]byte(line))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return &FilesystemError{Path: path, Err: lastErr}
}

// formatRecord renders one log line, flattening and truncating the note so
// the record fits MaxRecordBytes.
func formatRecord(now time.Time, state State, note string) string {
	note = sanitizeNote(note)

	stamp := now.Format(time.RFC3339Nano)
	// timestamp + space + state + space + note + newline
	budget := MaxRecordBytes - len(stamp) - len(state) - 3
	if len(note) > budget {
		cut := budget - len(truncationMark)
		for cut > 0 && !utf8.ValidString(note[:cut]) {
			cut--
		}
		note = note[:cut] + truncationMark
	}

	if note == "" {
		return stamp + " " + string(state) + "\n"
	}
	return stamp + " " + string(state) + " " + note + "\n"
}

func sanitizeNote(note string) string {
	note = strings.ReplaceAll(note, "\r", " ")
	note = strings.ReplaceAll(note, "\n", " ")
	return strings.TrimSpace(note)
}

func parseRecord(line string) (StatusRecord, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return StatusRecord{}, false
	}
	when, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return StatusRecord{}, false
	}
	rec := StatusRecord{Time: when, State: State(parts[1])}
	if len(parts) == 3 {
		rec.Note = parts[2]
	}
	return rec, true
}
