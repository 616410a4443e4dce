// Package floq provides the core of an asynchronous job-processing system:
// a Dispatcher that accepts work, a Broker Channel that delivers it
// at-least-once, a Worker Pool that executes it exactly-once-effectively,
// and a Result Store that survives restarts of everything else.
//
// floq is a library, not a service. Pick a store (mongo, postgres via bun,
// sqlite, or memory), pick a broker (redis or memory), register job kinds
// as ordinary Go functions, and run a pool.
//
// # Quick start
//
//	st := memstore.New()
//	bk := membroker.New()
//
//	reg := job.NewRegistry()
//	job.RegisterDefinition(reg, job.NewDefinition("send-email",
//	    func(ctx context.Context, p EmailArgs) (EmailReceipt, error) { ... },
//	))
//
//	d := dispatcher.New(st, bk, logger)
//	jobID, _ := d.Submit(ctx, "send-email", args)
//
//	exec := worker.NewExecutor(reg, st, bk, backoff.Default(), logger)
//	pool := worker.NewPool(st, bk, exec, logger)
//	pool.Start(ctx)
//
// # Delivery semantics
//
// The broker is at-least-once; exactly-once effect comes from the claim: a
// conditional state transition on the authoritative record that only one
// worker can win. Redelivered tokens lose the claim and are acknowledged
// without execution. A crashed worker's job is recovered by the sweeper,
// which releases stale running claims back to retrying.
//
// All entity IDs are TypeIDs: prefix-qualified, K-sortable, URL-safe.
package floq
