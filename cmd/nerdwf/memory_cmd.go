package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"nerdwf/internal/consolidation"
	"nerdwf/internal/errs"
	"nerdwf/internal/export"
	"nerdwf/internal/factsstore"
	"nerdwf/internal/health"
	"nerdwf/internal/retrieval"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage the facts memory store",
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Facts memory subcommands",
}

var (
	exportPath   string
	exportRedact bool
	importPath   string
	importMode   string
	importDryRun bool
	topLimit     int
	repairFix    bool
)

func init() {
	statusCmd := &cobra.Command{Use: "status", Short: "Show facts store status", RunE: runFactsStatus}
	cleanupCmd := &cobra.Command{Use: "cleanup", Short: "Prune expired and low-value memories", RunE: runFactsCleanup}
	statsCmd := &cobra.Command{Use: "stats", Short: "Show memory counts and disk usage", RunE: runFactsStats}
	repairCmd := &cobra.Command{Use: "repair", Short: "Run integrity check, vacuum, and FTS rebuild", RunE: runFactsRepair}
	repairCmd.Flags().BoolVar(&repairFix, "fix", false, "if corrupt, restore from the most recent export snapshot")

	exportCmd := &cobra.Command{Use: "export", Short: "Export memories as JSONL", RunE: runFactsExport}
	exportCmd.Flags().StringVar(&exportPath, "out", "", "output file path (default: stdout)")
	exportCmd.Flags().BoolVar(&exportRedact, "redact", false, "redact PII-like content")

	importCmd := &cobra.Command{Use: "import", Short: "Import memories from a JSONL export", RunE: runFactsImport}
	importCmd.Flags().StringVar(&importPath, "in", "", "input file path (required)")
	importCmd.Flags().StringVar(&importMode, "mode", "merge", "merge|replace")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "report what would change without writing")
	_ = importCmd.MarkFlagRequired("in")

	topCmd := &cobra.Command{Use: "top", Short: "Show the top memories by weighted score", RunE: runFactsTop}
	topCmd.Flags().IntVar(&topLimit, "limit", 10, "number of memories to show")

	traceCmd := &cobra.Command{Use: "trace [query]", Short: "Show a retrieval trace for a query", Args: cobra.ExactArgs(1), RunE: runFactsTrace}

	healthCmd := &cobra.Command{Use: "health", Short: "Show facts memory health", RunE: runFactsHealth}
	alertsCmd := &cobra.Command{Use: "alerts", Short: "Show active health alerts", RunE: runFactsAlerts}

	factsCmd.AddCommand(statusCmd, cleanupCmd, statsCmd, repairCmd, exportCmd, importCmd, topCmd, traceCmd, healthCmd, alertsCmd)
	memoryCmd.AddCommand(factsCmd)
}

func openFactsStore() (*factsstore.Store, error) {
	if !cfg.FactsMemory.Enabled {
		return nil, &errs.ValidationError{Field: "factsMemory.enabled", Message: "facts memory is disabled in config"}
	}
	return factsstore.Open(cfg.FactsMemory.DBPath)
}

func runFactsStatus(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	buf := health.NewAlertBuffer(cfg.FactsMemory.Alerts.MaxActiveAlerts)
	snapshot, alerts, err := health.RunHealthCheck(store, 0, cfg.FactsMemory.Alerts.Thresholds, buf, time.Now().UTC())
	if err != nil {
		return err
	}
	summary := health.GetHealthSummary(cfg.FactsMemory.Enabled, snapshot, cfg.FactsMemory.Alerts.Thresholds, buf)
	fmt.Printf("status: %s\n", summary.Status)
	fmt.Printf("memories: %d\n", snapshot.TotalMemories)
	fmt.Printf("dbSizeMb: %.1f\n", snapshot.DbSizeMb)
	fmt.Printf("ftsAvailable: %v\n", store.FtsAvailable())
	for _, a := range alerts {
		fmt.Printf("alert[%s]: %s\n", a.Severity, a.Message)
	}
	return nil
}

func runFactsCleanup(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := consolidation.PruneMemories(store, cfg.FactsMemory.Retention.MaxAgeDays, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("pruned: %d, reclaimedBytesEstimate: %d\n", result.Deleted, result.BytesFreed)
	return nil
}

func runFactsStats(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return err
	}
	byType := map[factsstore.MemoryType]int{}
	for _, m := range all {
		byType[m.Type]++
	}
	fmt.Printf("total: %d\n", len(all))
	for t, n := range byType {
		fmt.Printf("  %s: %d\n", t, n)
	}
	return nil
}

func runFactsRepair(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := export.Repair(store, repairFix)
	if err != nil {
		return err
	}
	fmt.Printf("integrityOk: %v\n", report.IntegrityOK)
	for _, issue := range report.IntegrityMessages {
		fmt.Printf("  issue: %s\n", issue)
	}
	if repairFix && !report.IntegrityOK {
		if report.Restored {
			fmt.Printf("restored: true, restoredFrom: %s\n", report.RestoredFrom)
		} else {
			fmt.Printf("restored: false, restoreError: %s\n", report.RestoreError)
		}
	}
	fmt.Printf("vacuumed: %v, ftsRebuilt: %d\n", report.Vacuumed, report.RowsReindexed)
	return nil
}

func runFactsExport(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	out := os.Stdout
	if exportPath != "" {
		f, err := os.Create(exportPath)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		out = f
	}

	role := accessRole()
	n, err := export.Export(store, out, export.Options{Redact: exportRedact, Role: role})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d lines\n", n)

	if err := snapshotForRepair(store); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write repair snapshot: %v\n", err)
	}
	return nil
}

// snapshotForRepair writes an unredacted, timestamped copy of the export
// under SnapshotsDir so a later `repair --fix` has something to restore
// from. Failure here never fails the export itself.
func snapshotForRepair(store *factsstore.Store) error {
	dir := export.SnapshotsDir(store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, time.Now().UTC().Format("20060102T150405Z")+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = export.Export(store, f, export.Options{})
	return err
}

func runFactsImport(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Open(importPath)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	mode := export.ImportMode(importMode)
	result, err := export.Import(store, f, mode, importDryRun)
	if err != nil {
		return err
	}
	fmt.Printf("memoriesImported: %d, memoriesSkipped: %d, blocksImported: %d, summariesImported: %d\n",
		result.MemoriesImported, result.MemoriesSkipped, result.BlocksImported, result.SummariesImported)
	return nil
}

func runFactsTop(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	memories, err := retrieval.GetRelevantContext(store, "", retrieval.RelevantOptions{Limit: topLimit, Role: accessRetrievalRole()})
	if err != nil {
		return err
	}
	for _, m := range memories {
		fmt.Printf("%s\t%.2f\t%s\n", m.ID, m.Importance, truncate(m.Content, 80))
	}
	return nil
}

func runFactsTrace(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	_, trace, err := retrieval.GetRelevantContextWithTrace(store, args[0], retrieval.RelevantOptions{Limit: topLimit, Role: accessRetrievalRole()})
	if err != nil {
		return err
	}
	data, _ := json.MarshalIndent(trace, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runFactsHealth(cmd *cobra.Command, args []string) error {
	return runFactsStatus(cmd, args)
}

func runFactsAlerts(cmd *cobra.Command, args []string) error {
	store, err := openFactsStore()
	if err != nil {
		return err
	}
	defer store.Close()

	buf := health.NewAlertBuffer(cfg.FactsMemory.Alerts.MaxActiveAlerts)
	_, alerts, err := health.RunHealthCheck(store, 0, cfg.FactsMemory.Alerts.Thresholds, buf, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("no active alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("[%s] %s\n", a.Severity, a.Message)
	}
	return nil
}

func accessRole() *export.Role {
	if !cfg.FactsMemory.Access.Enabled {
		return nil
	}
	return &export.Role{Name: cfg.FactsMemory.Access.DefaultRole, CanSeeUnredacted: cfg.FactsMemory.Access.DefaultRole == "owner"}
}

func accessRetrievalRole() *retrieval.Role {
	if !cfg.FactsMemory.Access.Enabled {
		return nil
	}
	return &retrieval.Role{Name: cfg.FactsMemory.Access.DefaultRole}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
