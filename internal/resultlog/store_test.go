package resultlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/result"
)

func testRecord(id int, name string, outcome result.Outcome, finished time.Time) Record {
	return Record{
		Name:        name,
		ID:          id,
		Series:      1,
		Result:      outcome,
		Duration:    1.5,
		Created:     finished.Add(-2 * time.Second),
		Started:     finished.Add(-time.Second),
		Finished:    finished,
		ReturnValue: 0,
		Keys:        result.Parsed{"speed": {"55"}},
	}
}

func TestAppendAndReadAll(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "results.log")
	now := time.Now().UTC().Truncate(time.Second)

	for i := 1; i <= 3; i++ {
		if err := Append(logPath, testRecord(i, "demo", result.OutcomePass, now)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := ReadAll(logPath)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ReadAll returned %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.ID != i+1 {
			t.Errorf("record %d has ID %d, want %d", i, rec.ID, i+1)
		}
		if got := rec.Keys["speed"]; len(got) != 1 || got[0] != "55" {
			t.Errorf("record %d keys = %v, want speed=55", i, rec.Keys)
		}
	}
}

func TestReadAllMissingLog(t *testing.T) {
	records, err := ReadAll(filepath.Join(t.TempDir(), "absent.log"))
	if err != nil {
		t.Fatalf("ReadAll on missing log: %v", err)
	}
	if records != nil {
		t.Errorf("ReadAll on missing log = %v, want nil", records)
	}
}

func TestStoreUpsertAndQuery(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	if err := store.Upsert(testRecord(1, "alpha", result.OutcomePass, now.Add(-time.Hour))); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(testRecord(2, "beta", result.OutcomeFail, now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	records, err := store.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Query returned %d records, want 2", len(records))
	}
	if records[0].ID != 2 {
		t.Errorf("newest-first order broken: first record is run %d, want 2", records[0].ID)
	}

	failed, err := store.Query(QueryOptions{Result: "FAIL"})
	if err != nil {
		t.Fatalf("Query by result: %v", err)
	}
	if len(failed) != 1 || failed[0].Name != "beta" {
		t.Errorf("Query by result = %v, want one beta record", failed)
	}

	since, err := store.Query(QueryOptions{Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(since) != 1 || since[0].ID != 2 {
		t.Errorf("Query since = %v, want only run 2", since)
	}
}

func TestStoreUpsertReplaces(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	if err := store.Upsert(testRecord(7, "alpha", result.OutcomeFail, now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(testRecord(7, "alpha", result.OutcomePass, now)); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	records, err := store.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Query returned %d records after re-upsert, want 1", len(records))
	}
	if records[0].Result != result.OutcomePass {
		t.Errorf("re-upserted record has result %s, want PASS", records[0].Result)
	}
}

func TestStoreRebuild(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "results.log")
	now := time.Now().UTC()

	for i := 1; i <= 4; i++ {
		if err := Append(logPath, testRecord(i, "demo", result.OutcomePass, now)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	store, err := Open(filepath.Join(dir, "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	// A stale row that the rebuild must discard.
	if err := store.Upsert(testRecord(99, "stale", result.OutcomeError, now)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	n, err := store.Rebuild(logPath)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 4 {
		t.Errorf("Rebuild indexed %d records, want 4", n)
	}

	records, err := store.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Query returned %d records after rebuild, want 4", len(records))
	}
	for _, rec := range records {
		if rec.Name == "stale" {
			t.Errorf("rebuild kept the stale row: %+v", rec)
		}
	}
}
