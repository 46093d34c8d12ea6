// Package workdir defines the shared working-directory layout: one marker
// directory per run under runs/, one per series under series/, plus the
// central result log at the root. Every orchestrator process on every
// front-end node sees the same layout; all coordination happens through it.
package workdir

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
)

const (
	// RunsDirName holds the per-run marker directories.
	RunsDirName = "runs"
	// SeriesDirName holds the per-series marker directories.
	SeriesDirName = "series"
	// ResultLogName is the central append-only result log.
	ResultLogName = "results.log"
	// ResultDBName is the node-local sqlite index derived from the log.
	ResultDBName = "results.db"
	// OutputName is the captured raw output inside a run directory.
	OutputName = "run.out"
	// ResultsName is the final result record inside a run directory.
	ResultsName = "results.json"
	// MembersName lists a series' member run IDs, one per line.
	MembersName = "runs"
)

// Root is a working-directory root. The zero value is not usable; construct
// with New.
type Root struct {
	path string
}

// New returns a root for the given path without touching the filesystem.
func New(path string) Root {
	return Root{path: path}
}

// Init creates the namespace directories. Safe to call from any number of
// processes; MkdirAll tolerates the directories already existing.
func (r Root) Init() error {
	for _, dir := range []string{r.RunsNamespace(), r.SeriesNamespace()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the root path.
func (r Root) Path() string { return r.path }

// RunsNamespace returns the allocator namespace for run IDs.
func (r Root) RunsNamespace() string {
	return filepath.Join(r.path, RunsDirName)
}

// SeriesNamespace returns the allocator namespace for series IDs.
func (r Root) SeriesNamespace() string {
	return filepath.Join(r.path, SeriesDirName)
}

// RunDir returns the directory of a run ID.
func (r Root) RunDir(id int) string {
	return filepath.Join(r.RunsNamespace(), idalloc.FormatID(id))
}

// SeriesDir returns the directory of a series ID.
func (r Root) SeriesDir(id int) string {
	return filepath.Join(r.SeriesNamespace(), idalloc.FormatID(id))
}

// ResultLog returns the central result log path.
func (r Root) ResultLog() string {
	return filepath.Join(r.path, ResultLogName)
}

// ResultDB returns the sqlite index path.
func (r Root) ResultDB() string {
	return filepath.Join(r.path, ResultDBName)
}

// RunOutput returns the raw output path of a run.
func (r Root) RunOutput(id int) string {
	return filepath.Join(r.RunDir(id), OutputName)
}

// RunResults returns the final result record path of a run.
func (r Root) RunResults(id int) string {
	return filepath.Join(r.RunDir(id), ResultsName)
}

// SeriesMembers returns the membership file path of a series.
func (r Root) SeriesMembers(id int) string {
	return filepath.Join(r.SeriesDir(id), MembersName)
}

// ListRuns returns the live run IDs in ascending order.
func (r Root) ListRuns() ([]int, error) {
	return listIDs(r.RunsNamespace())
}

// ListSeries returns the live series IDs in ascending order.
func (r Root) ListSeries() ([]int, error) {
	return listIDs(r.SeriesNamespace())
}

// listIDs scans a namespace directory for marker directories. Entries that
// are not numeric marker names (the result log, stray files) are skipped.
func listIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := idalloc.ParseID(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
