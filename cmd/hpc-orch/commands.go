package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/notify"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/periodic"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/resultlog"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/runner"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/series"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/testspec"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/watch"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
	"github.com/hochfrequenz/hpc-test-orchestrator/tui"
	"github.com/hochfrequenz/hpc-test-orchestrator/web/api"
)

var (
	runFollow     bool
	statusFollow  bool
	resultName    string
	resultOutcome string
	resultSeries  int
	resultSince   string
	resultLimit   int
	resultRefresh bool
	cancelRun     int
	cleanAge      string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run SPEC...",
		Short: "Submit a series of test runs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runFollow, "follow", false, "wait for the series to finish")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status SERIES",
		Short: "Show the status of a series",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&statusFollow, "follow", false, "live view until the series finishes")
	rootCmd.AddCommand(statusCmd)

	// results command
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Query past run results",
		RunE:  runResults,
	}
	resultsCmd.Flags().StringVar(&resultName, "name", "", "filter by test name")
	resultsCmd.Flags().StringVar(&resultOutcome, "result", "", "filter by result (PASS, FAIL, ERROR)")
	resultsCmd.Flags().IntVar(&resultSeries, "series", 0, "filter by series ID")
	resultsCmd.Flags().StringVar(&resultSince, "since", "", "only results newer than this (e.g. 24h)")
	resultsCmd.Flags().IntVar(&resultLimit, "limit", 50, "maximum number of results")
	resultsCmd.Flags().BoolVar(&resultRefresh, "refresh", false, "rebuild the index from the result log first")
	rootCmd.AddCommand(resultsCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel [SERIES]",
		Short: "Cancel a series or a single run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().IntVar(&cancelRun, "run", 0, "cancel a single run instead of a series")
	rootCmd.AddCommand(cancelCmd)

	// clean command
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Prune finished runs and empty series from the working directory",
		RunE:  runClean,
	}
	cleanCmd.Flags().StringVar(&cleanAge, "age", "720h", "only prune runs terminal for at least this long")
	rootCmd.AddCommand(cleanCmd)

	// monitor command
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the feed server, status watcher and periodic submitter",
		RunE:  runMonitor,
	}
	rootCmd.AddCommand(monitorCmd)

	// hidden in-job executor, invoked by the job wrapper on compute nodes
	execCmd := &cobra.Command{
		Use:    "_run DIR",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runner.Exec(cmd.Context(), args[0]))
		},
	}
	rootCmd.AddCommand(execCmd)
}

// env bundles the components every command builds from the config.
type env struct {
	cfg     *config.Config
	root    workdir.Root
	tracker *status.Tracker
	alloc   *idalloc.Allocator
	runner  *runner.Runner
	manager *series.Manager
}

func newEnv() (*env, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.General.LogLevel)
	slog.SetDefault(log)

	root := workdir.New(cfg.General.WorkingDir)
	if err := root.Init(); err != nil {
		return nil, fmt.Errorf("initializing working directory: %w", err)
	}

	tracker := status.NewTracker(cfg.Retry.AppendAttempts, cfg.Retry.AppendBackoff())
	alloc := idalloc.New(cfg.Retry.AllocCeiling)
	run := runner.New(root, tracker, cfg, log)

	return &env{
		cfg:     cfg,
		root:    root,
		tracker: tracker,
		alloc:   alloc,
		runner:  run,
		manager: series.NewManager(root, alloc, tracker, run, cfg, log),
	}, nil
}

func parseID(arg string) (int, error) {
	id, err := idalloc.ParseID(arg)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid ID %q", arg)
	}
	return id, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	specs, err := testspec.LoadFiles(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	seriesID, err := e.manager.Start(ctx, specs)
	if err != nil {
		if seriesID == 0 {
			return err
		}
		fmt.Fprintf(os.Stderr, "some runs failed to submit: %v\n", err)
	}
	fmt.Printf("series %07d started with %d runs\n", seriesID, len(specs))

	if !runFollow {
		return nil
	}
	summary, err := e.manager.Watch(ctx, seriesID)
	if err != nil {
		return err
	}
	printSummary(summary)
	if summary.Counts[status.StateFailed] > 0 || summary.Counts[status.StateCancelled] > 0 {
		return fmt.Errorf("series %07d: %s", seriesID, summary.Outcome())
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	seriesID, err := parseID(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if statusFollow {
		model := tui.NewModel(func() (series.Summary, error) {
			return e.manager.Status(ctx, seriesID)
		}, e.cfg.Retry.PollInterval())
		_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
		return err
	}

	summary, err := e.manager.Status(ctx, seriesID)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func printSummary(summary series.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTEST\tSTATE\tNOTE")
	for _, member := range summary.Members {
		fmt.Fprintf(w, "%07d\t%s\t%s\t%s\n", member.RunID, member.Name, member.State, member.Note)
	}
	w.Flush()
	fmt.Printf("series %07d: %s\n", summary.Series, summary.Outcome())
}

func runResults(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}

	dbPath := e.root.ResultDB()
	_, statErr := os.Stat(dbPath)
	store, err := resultlog.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// A fresh index is rebuilt from the log implicitly.
	if resultRefresh || os.IsNotExist(statErr) {
		n, err := store.Rebuild(e.root.ResultLog())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "indexed %d records\n", n)
	}

	opts := resultlog.QueryOptions{
		Name:   resultName,
		Result: resultOutcome,
		Series: resultSeries,
		Limit:  resultLimit,
	}
	if resultSince != "" {
		d, err := time.ParseDuration(resultSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		opts.Since = time.Now().Add(-d)
	}

	records, err := store.Query(opts)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no results")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSERIES\tTEST\tRESULT\tDURATION\tFINISHED\tNOTES")
	for _, rec := range records {
		fmt.Fprintf(w, "%07d\t%07d\t%s\t%s\t%.1fs\t%s\t%s\n",
			rec.ID, rec.Series, rec.Name, rec.Result, rec.Duration,
			rec.Finished.Local().Format("2006-01-02 15:04"), rec.Notes)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if cancelRun > 0 {
		dir := e.root.RunDir(cancelRun)
		spec, err := testspec.LoadFrozen(dir)
		if err != nil {
			return fmt.Errorf("run %07d: %w", cancelRun, err)
		}
		if err := e.runner.Cancel(ctx, runner.Run{ID: cancelRun, Dir: dir, Spec: spec}); err != nil {
			return err
		}
		fmt.Printf("run %07d cancelled\n", cancelRun)
		return nil
	}

	if len(args) == 0 {
		return errors.New("a series ID or --run is required")
	}
	seriesID, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := e.manager.Cancel(ctx, seriesID); err != nil {
		return err
	}
	fmt.Printf("series %07d cancelled\n", seriesID)
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	age, err := time.ParseDuration(cleanAge)
	if err != nil {
		return fmt.Errorf("invalid --age: %w", err)
	}
	cutoff := time.Now().Add(-age)

	ids, err := e.root.ListRuns()
	if err != nil {
		return err
	}
	pruned := 0
	for _, id := range ids {
		current, err := e.tracker.Current(e.root.RunDir(id))
		if err != nil || !current.State.Terminal() || current.Time.After(cutoff) {
			continue
		}
		if err := e.alloc.Release(e.root.RunsNamespace(), id); err != nil {
			return err
		}
		pruned++
	}

	// Series whose members are all gone free their IDs too.
	seriesIDs, err := e.root.ListSeries()
	if err != nil {
		return err
	}
	for _, id := range seriesIDs {
		members, err := series.Members(e.root, id)
		if err != nil || len(members) > 0 {
			continue
		}
		if err := e.alloc.Release(e.root.SeriesNamespace(), id); err != nil {
			return err
		}
	}

	fmt.Printf("pruned %d runs\n", pruned)
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	log := slog.Default()

	ctx, stop := signalContext()
	defer stop()

	addr := fmt.Sprintf("%s:%d", e.cfg.Feed.Host, e.cfg.Feed.Port)
	server := api.NewServer(e.root, e.tracker, addr, log)
	notifier := notify.FromConfig(e.cfg.Notifications)
	completion := newCompletionTracker(e, notifier)

	watcher, err := watch.NewStatusWatcher(e.root, e.tracker, func(changes []watch.Change) {
		server.BroadcastChanges(changes)
		completion.check(changes)
	}, log)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	if len(e.cfg.Periodic) > 0 {
		sched, err := periodic.NewScheduler(e.cfg.Periodic, log)
		if err != nil {
			return err
		}
		go sched.Start(ctx, func(ctx context.Context, entry config.PeriodicEntry) error {
			specs, err := testspec.LoadFiles(entry.Specs)
			if err != nil {
				return err
			}
			seriesID, err := e.manager.Start(ctx, specs)
			if err != nil {
				return err
			}
			_, err = e.manager.Watch(ctx, seriesID)
			return err
		})
		defer sched.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// completionTracker fires one notification per series when its last member
// reaches a terminal state.
type completionTracker struct {
	e        *env
	notifier notify.Notifier
	mu       sync.Mutex
	notified map[int]bool
}

func newCompletionTracker(e *env, notifier notify.Notifier) *completionTracker {
	return &completionTracker{e: e, notifier: notifier, notified: make(map[int]bool)}
}

func (c *completionTracker) check(changes []watch.Change) {
	terminal := false
	for _, change := range changes {
		if change.Record.State.Terminal() {
			terminal = true
			break
		}
	}
	if !terminal {
		return
	}

	seriesIDs, err := c.e.root.ListSeries()
	if err != nil {
		return
	}
	for _, id := range seriesIDs {
		c.mu.Lock()
		done := c.notified[id]
		c.mu.Unlock()
		if done {
			continue
		}

		members, err := series.Members(c.e.root, id)
		if err != nil || len(members) == 0 {
			continue
		}
		counts := make(map[status.State]int)
		finished := true
		for _, runID := range members {
			current, err := c.e.tracker.Current(c.e.root.RunDir(runID))
			if err != nil || !current.State.Terminal() {
				finished = false
				break
			}
			counts[current.State]++
		}
		if !finished {
			continue
		}

		c.mu.Lock()
		c.notified[id] = true
		c.mu.Unlock()
		_ = c.notifier.Send(notify.SeriesFinished(id,
			counts[status.StateComplete], counts[status.StateFailed], counts[status.StateCancelled]))
	}
}
