// workflow-admin inspects and repairs provisioning workflows straight
// against the shared store. It moves persisted state only; executing
// steps is left to the service runners, which have the adapter fleet.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	workflow "github.com/michaelayoade/dotmac-platform-services-sub023"
	"github.com/michaelayoade/dotmac-platform-services-sub023/adapter"
	"github.com/michaelayoade/dotmac-platform-services-sub023/lock"
	"github.com/michaelayoade/dotmac-platform-services-sub023/provisioning"
)

var databaseURL string

func main() {
	flag.StringVar(&databaseURL, "db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "list":
		runList(rest)
	case "show":
		runShow(rest)
	case "stats":
		runStats(rest)
	case "retry":
		runRetry(rest)
	case "cancel":
		runCancel(rest)
	case "recover":
		runRecover(rest)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`workflow-admin - provisioning workflow management

Usage:
  workflow-admin [flags] <command> [args]

Flags:
  -db string   PostgreSQL connection URL (or set DATABASE_URL)

Commands:
  list         List workflows (filter by -status, -type, -tenant)
  show <id>    Show one workflow with its steps
  stats        Aggregate counts by status and type
  retry <id>   Requeue a failed workflow for the next service sweep
  cancel <id>  Cancel a workflow that has not executed any step yet
  recover      List stale incomplete workflows awaiting a sweep
  help         Show this help

Examples:
  workflow-admin -db "postgres://localhost/provisioning" list -status failed
  workflow-admin show 7f3a1c2e-...
  workflow-admin retry 7f3a1c2e-...
  workflow-admin recover -older-than 10m`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func getStore() (*workflow.PostgresStore, *sql.DB, func()) {
	if databaseURL == "" {
		fatalf("Error: DATABASE_URL or -db flag required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		fatalf("Error connecting to database: %v", err)
	}
	return workflow.NewPostgresStore(db), db, func() { db.Close() }
}

// getOrchestrator builds an orchestrator for state surgery. The catalog
// is registered over an empty adapter registry: admin commands never
// dispatch steps, and the Postgres locker keeps them from racing a live
// service runner.
func getOrchestrator(store *workflow.PostgresStore, db *sql.DB) *workflow.Orchestrator {
	reg := workflow.NewRegistry()
	if err := provisioning.Register(reg, adapter.NewRegistry()); err != nil {
		fatalf("Error registering workflow catalog: %v", err)
	}
	o, err := workflow.New(reg,
		workflow.WithStore(store),
		workflow.WithLocker(lock.NewPostgres(db)),
	)
	if err != nil {
		fatalf("Error creating orchestrator: %v", err)
	}
	return o
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending, running, completed, failed, rolling_back, rolled_back, compensated)")
	typ := fs.String("type", "", "Filter by workflow type")
	tenant := fs.String("tenant", "", "Filter by tenant")
	limit := fs.Int("limit", 20, "Maximum number of results")
	cursor := fs.String("cursor", "", "Pagination cursor from a previous list")
	_ = fs.Parse(args)

	store, _, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	filter := workflow.Filter{
		Type:     workflow.Type(*typ),
		Status:   workflow.Status(*status),
		TenantID: *tenant,
	}
	wfs, next, err := store.List(ctx, filter, workflow.Page{Size: *limit, Cursor: *cursor})
	if err != nil {
		fatalf("Error listing workflows: %v", err)
	}
	if len(wfs) == 0 {
		fmt.Println("No workflows found.")
		return
	}

	fmt.Printf("%-36s %-24s %-13s %-12s %-5s %s\n", "ID", "TYPE", "STATUS", "TENANT", "RETRY", "UPDATED")
	fmt.Println(strings.Repeat("-", 110))
	for _, wf := range wfs {
		fmt.Printf("%-36s %-24s %-13s %-12s %-5d %s\n",
			truncate(wf.ID, 36),
			truncate(string(wf.Type), 24),
			wf.Status,
			truncate(wf.TenantID, 12),
			wf.RetryCount,
			wf.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	if next != "" {
		fmt.Printf("\nNext page: workflow-admin list -cursor %s\n", next)
	}
}

func runShow(args []string) {
	if len(args) == 0 {
		fatalf("Error: workflow ID required")
	}
	id := args[0]

	store, _, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	wf, err := store.GetWorkflow(ctx, id)
	if errors.Is(err, workflow.ErrNotFound) {
		fatalf("Workflow not found: %s", id)
	}
	if err != nil {
		fatalf("Error fetching workflow: %v", err)
	}
	steps, err := store.GetSteps(ctx, id)
	if err != nil {
		fatalf("Error fetching steps: %v", err)
	}

	fmt.Printf("Workflow: %s\n", wf.ID)
	fmt.Printf("Type:     %s\n", wf.Type)
	fmt.Printf("Status:   %s\n", wf.Status)
	if wf.TenantID != "" {
		fmt.Printf("Tenant:   %s\n", wf.TenantID)
	}
	fmt.Printf("Retries:  %d of %d\n", wf.RetryCount, wf.MaxRetries)
	fmt.Printf("Created:  %s\n", wf.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", wf.UpdatedAt.Format(time.RFC3339))
	if wf.StartedAt != nil {
		fmt.Printf("Started:  %s\n", wf.StartedAt.Format(time.RFC3339))
	}
	if wf.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", wf.CompletedAt.Format(time.RFC3339))
	}

	printMap("Input", wf.Input)
	printMap("Output", wf.Output)
	printMap("Context", wf.Context)

	if len(steps) > 0 {
		fmt.Printf("\nSteps (%d):\n", len(steps))
		for i, step := range steps {
			fmt.Printf("  %d. %s [%s] -> %s\n", i+1, step.Name, step.Status, step.TargetSystem)
			if step.RetryCount > 0 {
				fmt.Printf("     Retries: %d of %d\n", step.RetryCount, step.MaxRetries)
			}
			if len(step.Output) > 0 {
				out, _ := json.Marshal(step.Output)
				fmt.Printf("     Output:  %s\n", truncate(string(out), 70))
			}
			if step.Error != "" {
				fmt.Printf("     Error:   %s\n", truncate(step.Error, 70))
			}
		}
	}

	if wf.Error != "" {
		fmt.Printf("\nError: %s\n", wf.Error)
		printMap("Error details", wf.ErrorDetails)
	}
	if wf.CompensationError != "" {
		fmt.Printf("Compensation error: %s\n", wf.CompensationError)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Scope to one tenant")
	_ = fs.Parse(args)

	store, _, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	stats, err := store.Stats(ctx, *tenant)
	if err != nil {
		fatalf("Error aggregating stats: %v", err)
	}

	fmt.Println("Workflow statistics:")
	fmt.Println(strings.Repeat("-", 34))
	order := []workflow.Status{
		workflow.StatusPending,
		workflow.StatusRunning,
		workflow.StatusCompleted,
		workflow.StatusFailed,
		workflow.StatusRollingBack,
		workflow.StatusRolledBack,
		workflow.StatusCompensated,
	}
	for _, st := range order {
		if n := stats.ByStatus[st]; n > 0 {
			fmt.Printf("%-22s %d\n", string(st)+":", n)
		}
	}
	fmt.Println(strings.Repeat("-", 34))
	fmt.Printf("%-22s %d\n", "total:", stats.Total)

	if len(stats.ByType) > 0 {
		types := make([]string, 0, len(stats.ByType))
		for t := range stats.ByType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		fmt.Println("\nBy type:")
		for _, t := range types {
			fmt.Printf("%-22s %d\n", t+":", stats.ByType[workflow.Type(t)])
		}
	}

	if stats.AvgDuration > 0 {
		fmt.Printf("\nAvg duration: %s\n", stats.AvgDuration.Round(time.Millisecond))
	}
	fmt.Printf("Success rate: %.1f%%\n", stats.SuccessRate()*100)
}

func runRetry(args []string) {
	if len(args) == 0 {
		fatalf("Error: workflow ID required")
	}
	id := args[0]

	store, db, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	o := getOrchestrator(store, db)
	err := o.Requeue(ctx, id)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		fatalf("Workflow not found: %s", id)
	case errors.Is(err, workflow.ErrLocked):
		fatalf("Workflow %s is held by a live runner; try again shortly", id)
	case err != nil:
		fatalf("Error requeuing workflow: %v", err)
	}

	wf, err := store.GetWorkflow(ctx, id)
	if err != nil {
		fatalf("Error fetching workflow: %v", err)
	}
	fmt.Printf("Workflow %s requeued (retry %d of %d).\n", id, wf.RetryCount, wf.MaxRetries)
	fmt.Println("A service runner will resume it on the next sweep.")
}

func runCancel(args []string) {
	if len(args) == 0 {
		fatalf("Error: workflow ID required")
	}
	id := args[0]

	store, db, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	steps, err := store.GetSteps(ctx, id)
	if err != nil {
		fatalf("Error fetching steps: %v", err)
	}
	for _, step := range steps {
		switch step.Status {
		case workflow.StepCompleted, workflow.StepCompensating, workflow.StepCompensationFailed:
			fatalf("Workflow %s has completed steps; cancel it through a service runner so compensation can reach the target systems", id)
		}
	}

	o := getOrchestrator(store, db)
	err = o.Cancel(ctx, id)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		fatalf("Workflow not found: %s", id)
	case errors.Is(err, workflow.ErrLocked):
		fatalf("Workflow %s is held by a live runner; cancel it through the owning service", id)
	case err != nil:
		fatalf("Error cancelling workflow: %v", err)
	}

	wf, err := store.GetWorkflow(ctx, id)
	if err != nil {
		fatalf("Error fetching workflow: %v", err)
	}
	fmt.Printf("Workflow %s cancelled (%s).\n", id, wf.Status)
}

func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 5*time.Minute, "Only workflows idle at least this long")
	_ = fs.Parse(args)

	store, _, cleanup := getStore()
	defer cleanup()
	ctx, cancel := adminContext()
	defer cancel()

	var cutoff time.Time
	if *olderThan > 0 {
		cutoff = time.Now().UTC().Add(-*olderThan)
	}
	wfs, err := store.ListIncomplete(ctx, cutoff)
	if err != nil {
		fatalf("Error listing incomplete workflows: %v", err)
	}
	if len(wfs) == 0 {
		fmt.Println("No stale workflows.")
		return
	}

	fmt.Printf("Stale workflows (%d):\n\n", len(wfs))
	fmt.Printf("%-36s %-24s %-13s %-5s %s\n", "ID", "TYPE", "STATUS", "RETRY", "UPDATED")
	fmt.Println(strings.Repeat("-", 100))
	for _, wf := range wfs {
		fmt.Printf("%-36s %-24s %-13s %-5d %s\n",
			truncate(wf.ID, 36),
			truncate(string(wf.Type), 24),
			wf.Status,
			wf.RetryCount,
			wf.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	fmt.Println("\nA service sweeper resumes these automatically.")
	fmt.Println("Use 'workflow-admin retry <id>' or 'workflow-admin cancel <id>' to intervene.")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func printMap(label string, m map[string]any) {
	if len(m) == 0 {
		return
	}
	pretty, err := json.MarshalIndent(m, "  ", "  ")
	if err != nil {
		return
	}
	fmt.Printf("\n%s:\n  %s\n", label, pretty)
}
