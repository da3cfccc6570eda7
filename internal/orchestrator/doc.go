/*
Package orchestrator runs the scan loop and coordinates shutdown.

Each cycle scans the input tree, registers every stable candidate and moves
the dispatchable jobs (new ones and retries whose backoff expired) into the
work queue. A job is marked Queued before it is pushed. If the push fails
because the queue is full or closed, the mark is rolled back and the cycle
stops enqueueing, so the registry never claims a job is queued when it is not.

Cycles run on a ticker. They also run when the fsnotify watcher reports a
change, when [Orchestrator.Trigger] is called, or when the earliest retry
falls due. These wake-ups are rate limited with golang.org/x/time/rate.

# Shutdown

Cancelling the context passed to [Orchestrator.Run] starts the shutdown:

 1. Scanning stops and the queue is closed; jobs still in it are rolled back.
 2. Running jobs get the grace period to finish.
 3. After that the workers' context is cancelled. Encoders are killed and
    their jobs are released to Retrying without counting the attempt.
 4. The registry writes a final snapshot to the store.
*/
package orchestrator
