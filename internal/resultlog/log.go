package resultlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Append adds one record to the central result log as a single JSON line
// written with one write call on an O_APPEND descriptor. Orchestrator
// processes on different front-end nodes append to the same file; the
// bounded single write keeps their records from interleaving.
func Append(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line := append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("result log %s: %w", path, err)
	}
	_, err = f.Write(line)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("result log %s: %w", path, err)
	}
	return nil
}

// ReadAll replays the central log in append order. Lines that do not parse
// as records are skipped so one bad writer cannot poison the whole log.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
