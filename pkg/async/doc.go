// Package async provides safe concurrent execution primitives.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery,
// timeout enforcement, context cancellation and error reporting.
//
// # Key Functions
//
// SafeGo: Execute a function in a goroutine with safety features
//
//	async.SafeGo(ctx, 30*time.Second, "update check", logger, func(ctx context.Context) error {
//		return manager.CheckUpdates(ctx)
//	})
//
// WorkerPool: Bounded pool of workers. Do blocks until the task finished and
// returns its error; Submit queues fire-and-forget work.
//
//	pool := async.NewWorkerPool(ctx, 8, "plugin calls", 0, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	err := pool.Do(ctx, func(ctx context.Context) error {
//		_, err := handle.Call(ctx, "initialize")
//		return err
//	})
//
// Recover: Convert a panic into a *PanicError
//
// # Use Cases
//
// Sandboxed plugin calls, hook delivery and failure handling off the
// caller's goroutine.
package async
