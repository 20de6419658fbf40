// Package workflow provides durable saga orchestration for multi-step
// provisioning jobs with reverse-order compensation.
// Default persistence is an in-memory store; Postgres, MongoDB and Redis
// backed stores ship alongside it.
//
// Architecture:
//   - Definitions describe a workflow type as an ordered list of steps, each
//     with an execute function, an optional compensate function, a retry
//     budget and declared context reads/writes
//   - The Orchestrator owns infrastructure (store, distributed lock,
//     notifier, metrics, tracing, panic recovery) and drives workflows
//     through their step sequence
//   - Every transition is persisted before the next side effect, so a
//     crashed run resumes from its recorded position instead of starting over
//   - When a step exhausts its retries, completed steps are compensated in
//     reverse order; compensation failures are recorded per step and never
//     stop the remaining undo work
//
// Basic example:
//
//	reg := workflow.NewRegistry()
//	reg.MustRegister(&workflow.Definition{
//	    Type: workflow.TypeProvisionSubscriber,
//	    InputKeys: []string{"subscriber_id", "plan_id"},
//	    Steps: []workflow.StepSpec{
//	        {
//	            Name:         "authenticate",
//	            TargetSystem: "radius",
//	            Execute:      radius.CreateUser,
//	            Compensate:   radius.DeleteUser,
//	            Writes:       []string{"session_id"},
//	        },
//	        {
//	            Name:         "allocate_ip",
//	            TargetSystem: "netbox",
//	            Execute:      netbox.AllocateIP,
//	            Compensate:   netbox.ReleaseIP,
//	            Reads:        []string{"session_id"},
//	            Writes:       []string{"ip_address"},
//	        },
//	    },
//	    OutputKeys: []string{"ip_address"},
//	})
//
//	orc, err := workflow.New(reg,
//	    workflow.WithStore(workflow.NewPostgresStore(db)),
//	    workflow.WithLocker(lock.NewRedis(rdb)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := orc.Submit(ctx, workflow.SubmitRequest{
//	    Type:           workflow.TypeProvisionSubscriber,
//	    TenantID:       "isp-north",
//	    IdempotencyKey: "order-8412",
//	    Input:          map[string]any{"subscriber_id": "sub-1", "plan_id": "fiber-1g"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := orc.Run(ctx, id); err != nil {
//	    log.Fatal(err)
//	}
//
// Orchestrator Options:
//   - WithStore: set the state store. Default is NewMemoryStore().
//   - WithLocker: set the per-workflow lock. Default is lock.NewMemory();
//     use lock.NewRedis or lock.NewPostgres when several runners share a store.
//   - WithNotifier: receive lifecycle events. See the notify package for
//     channel, log, NATS and Kafka notifiers.
//   - WithMetrics: record OpenTelemetry counters and histograms.
//   - WithTracing: enable/disable run and step spans. Default is true.
//   - WithRecovery: enable/disable panic recovery in handlers. Default is true.
//   - WithDefaultStepTimeout: per-attempt deadline when a step declares none
//     and its target system has no class default.
//   - WithCompensationBudget: retries and delay for each undo call.
//   - WithLogger: set a logger. Default is slog.Default().
//
// Run outcomes:
// Run returns an error only when the drive itself could not proceed (lock
// already held, store failure, caller context cancelled). Business outcomes
// land in the persisted status instead: completed, failed (compensation
// disabled), compensated (every compensable step undone) or rolled_back
// (cancelled, or some compensation failed). Inspect them with GetWorkflow.
//
// Cancellation and retries:
// Cancel stops a pending or running workflow cooperatively and rolls back
// its completed steps. Retry re-drives a failed workflow, resetting failed
// and skipped steps while keeping completed ones, up to the workflow's
// retry budget. Requeue performs the same reset without running anything,
// leaving the workflow for the next Recover sweep.
//
// Crash recovery:
// Recover re-runs workflows whose runner died, and Sweeper does so on a
// timer. Both rely on the same per-workflow lock as Run, so a live runner
// is never disturbed:
//
//	sweeper := workflow.NewSweeper(orc).WithInterval(10 * time.Second)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop(context.Background())
package workflow
