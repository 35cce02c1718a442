package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nerdwf/internal/approval"
	"nerdwf/internal/engine"
	"nerdwf/internal/errs"
	"nerdwf/internal/orchestrator"
	"nerdwf/internal/persistence"
	"nerdwf/internal/policy"
	"nerdwf/internal/retention"
	"nerdwf/internal/runner"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage agent workflow runs",
}

var (
	wfDefinitionPath string
	wfWorkspace      string
	wfLive           bool

	cleanupMode      string
	cleanupDryRun    bool
	cleanupOlderThan string
	cleanupStatus    string
	cleanupMax       int
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start [task]",
		Short: "Start a new workflow run",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWorkflowStart,
	}
	startCmd.Flags().StringVar(&wfDefinitionPath, "definition", "", "path to a workflow definition JSON file (default: built-in plan-execute-review cycle)")
	startCmd.Flags().StringVar(&wfWorkspace, "workspace", "", "target repo path (default: current directory)")
	startCmd.Flags().BoolVar(&wfLive, "live", false, "invoke real agents instead of stub engines")

	statusCmd := &cobra.Command{
		Use:   "status [runId]",
		Short: "Show a run's current status",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowStatus,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known runs",
		RunE:  runWorkflowList,
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [runId]",
		Short: "Resume a paused or failed run",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowResume,
	}
	resumeCmd.Flags().StringVar(&wfDefinitionPath, "definition", "", "path to the run's original workflow definition JSON file")

	cancelCmd := &cobra.Command{
		Use:   "cancel [runId]",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowCancel,
	}

	logsCmd := &cobra.Command{
		Use:   "logs [runId]",
		Short: "Print a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowLogs,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep old run directories per the retention policy",
		RunE:  runWorkflowCleanup,
	}
	cleanupCmd.Flags().StringVar(&cleanupMode, "mode", "full", "full|artifacts|logs")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report candidates without deleting")
	cleanupCmd.Flags().StringVar(&cleanupOlderThan, "older-than", "", "override: only runs older than this duration (e.g. 72h)")
	cleanupCmd.Flags().StringVar(&cleanupStatus, "status", "", "override: widen selection to this status")
	cleanupCmd.Flags().IntVar(&cleanupMax, "max", 0, "override: cap the number of candidates")

	workflowCmd.AddCommand(startCmd, statusCmd, listCmd, resumeCmd, cancelCmd, logsCmd, cleanupCmd)
}

func newPersistenceStore() *persistence.Store {
	return persistence.NewStore(filepath.Join(cfg.Workflows.DataDir, "runs"))
}

func defaultDefinition() orchestrator.Definition {
	return orchestrator.Definition{
		Type: "dev-cycle",
		Phases: []orchestrator.PhaseDefinition{
			{
				ID:              "plan",
				Engine:          orchestrator.EnginePlanner,
				OutputArtifacts: []string{"plan.md", "tasks.json"},
				Settings:        orchestrator.PhaseSettings{TimeoutMs: 5 * 60_000, Retries: 1},
			},
			{
				ID:              "execute",
				Engine:          orchestrator.EngineExecutor,
				InputArtifacts:  []string{"tasks.json"},
				OutputArtifacts: []string{"tasks.json", "execution-report.json"},
				Settings:        orchestrator.PhaseSettings{TimeoutMs: 15 * 60_000, Retries: 1},
			},
			{
				ID:              "review",
				Engine:          orchestrator.EngineReviewer,
				OutputArtifacts: []string{"review.json", "recommendations.json"},
				Settings:        orchestrator.PhaseSettings{TimeoutMs: 5 * 60_000, Retries: 0},
				Transitions: []orchestrator.TransitionCondition{
					{ArtifactKey: "review", Equals: false, NextPhase: "execute"},
				},
			},
		},
	}
}

func loadDefinition(path string) (orchestrator.Definition, error) {
	if path == "" {
		return defaultDefinition(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Definition{}, fmt.Errorf("read definition: %w", err)
	}
	var def orchestrator.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return orchestrator.Definition{}, &errs.ValidationError{Field: "definition", Message: err.Error()}
	}
	return def, nil
}

// buildOrchestrator wires an Orchestrator for one CLI invocation. The
// returned cleanup func stops the policy hot-reload watcher (live mode
// only) and must be called once the caller is done driving the run.
func buildOrchestrator(store *persistence.Store) (*orchestrator.Orchestrator, func()) {
	engines := orchestrator.EngineRegistry{
		orchestrator.EnginePlanner:  engine.NewPlanner(),
		orchestrator.EngineExecutor: engine.NewExecutor(),
		orchestrator.EngineReviewer: engine.NewReviewer(),
	}

	var rnr engine.Runner
	var pol engine.PolicyChecker
	cleanup := func() {}
	if wfLive {
		p, err := policy.LoadPolicy(cfg.Workflows.Policy.PolicyFile, wfWorkspace)
		if err != nil {
			p = policy.DefaultPolicy(wfWorkspace)
		}
		approvals := approval.NewStore(store)
		prompt := approval.NewCLIPrompt(os.Stdin, os.Stdout)
		pe := policy.NewEngine(p, approvals, prompt, cfg.ApprovalTimeout())
		pol = pe
		rnr = runner.NewEngineAdapter(runner.NewLiveRunner(nil, nil, runner.DefaultLiveRunnerConfig()))

		if w, err := policy.NewWatcher(pe, cfg.Workflows.Policy.PolicyFile, wfWorkspace); err == nil {
			if startErr := w.Start(context.Background()); startErr == nil {
				cleanup = func() { w.Stop() }
			}
		}
	} else {
		rnr = runner.NewEngineAdapter(runner.NewStubRunner())
	}

	o := orchestrator.New(store, engines, rnr, pol, orchestrator.Config{
		MaxConcurrent:       cfg.Workflows.MaxConcurrent,
		MaxReviewIterations: cfg.Workflows.MaxReviewIterations,
		DefaultMaxRetries:   cfg.Workflows.DefaultMaxRetries,
	})
	return o, cleanup
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
	def, err := loadDefinition(wfDefinitionPath)
	if err != nil {
		return err
	}
	ws := wfWorkspace
	if ws == "" {
		ws, _ = os.Getwd()
	}

	store := newPersistenceStore()
	o, cleanup := buildOrchestrator(store)
	defer cleanup()

	runID := uuid.NewString()
	run, err := o.Start(runID, def, orchestrator.Input{Task: task, RepoPath: ws, Live: wfLive}, orchestrator.Workspace{Mode: orchestrator.WorkspaceInPlace, TargetRepo: ws})
	if err != nil {
		return err
	}

	run, err = o.Execute(context.Background(), run.ID, def)
	if err != nil {
		fmt.Printf("run %s ended in status %s: %v\n", run.ID, run.Status, err)
		return err
	}
	fmt.Printf("run %s completed with status %s\n", run.ID, run.Status)
	return nil
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	store := newPersistenceStore()
	var run orchestrator.Run
	found, err := store.LoadRunState(args[0], &run)
	if err != nil {
		return err
	}
	if !found {
		return &errs.ValidationError{Field: "runId", Message: "no such run"}
	}
	data, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	store := newPersistenceStore()

	idx := persistence.NewRunIndex(store)
	if err := idx.Rebuild(); err != nil {
		return err
	}
	for _, entry := range idx.Snapshot() {
		var run orchestrator.Run
		if found, err := store.LoadRunState(entry.RunID, &run); err == nil && found {
			fmt.Printf("%s\t%s\t%s\n", entry.RunID, entry.Status, run.Input.Task)
		}
	}
	return nil
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(wfDefinitionPath)
	if err != nil {
		return err
	}
	store := newPersistenceStore()
	o, cleanup := buildOrchestrator(store)
	defer cleanup()
	run, err := o.Resume(context.Background(), args[0], def)
	if err != nil {
		return err
	}
	fmt.Printf("run %s resumed, ended with status %s\n", run.ID, run.Status)
	return nil
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	store := newPersistenceStore()
	o, cleanup := buildOrchestrator(store)
	defer cleanup()
	run, err := o.Cancel(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("run %s is now %s\n", run.ID, run.Status)
	return nil
}

func runWorkflowLogs(cmd *cobra.Command, args []string) error {
	store := newPersistenceStore()
	path := store.Layout().EventsPath(args[0])
	return persistence.ReadJSONLines(path, func(line []byte) error {
		fmt.Println(string(line))
		return nil
	})
}

func runWorkflowCleanup(cmd *cobra.Command, args []string) error {
	store := newPersistenceStore()
	policyCfg := cfg.Workflows.Retention

	var overrides retention.Overrides
	if cleanupOlderThan != "" {
		d, err := time.ParseDuration(cleanupOlderThan)
		if err != nil {
			return &errs.ValidationError{Field: "older-than", Message: err.Error()}
		}
		overrides.OlderThan = &d
	}
	if cleanupStatus != "" {
		overrides.Status = orchestrator.Status(cleanupStatus)
	}
	if cleanupMax > 0 {
		overrides.Max = cleanupMax
	}

	result, err := retention.Sweep(store, retention.Policy{
		MaxCompleted:           policyCfg.MaxCompleted,
		MaxDiskPerWorkflowMb:   policyCfg.MaxDiskPerWorkflowMb,
		MaxTotalDiskGb:         policyCfg.MaxTotalDiskGb,
		LogRetentionDays:       policyCfg.LogRetentionDays,
		FailedLogRetentionDays: policyCfg.FailedLogRetentionDays,
		ArtifactRetentionDays:  policyCfg.ArtifactRetentionDays,
	}, overrides, retention.Mode(cleanupMode), cleanupDryRun, time.Now().UTC(), nil)
	if err != nil {
		return err
	}

	fmt.Printf("candidates: %d, bytesFreed: %d, dryRun: %v\n", len(result.Candidates), result.BytesFreed, result.DryRun)
	for _, c := range result.Candidates {
		fmt.Printf("  %s\t%s\t%s\n", c.RunID, c.Status, c.Reason)
	}
	return nil
}
