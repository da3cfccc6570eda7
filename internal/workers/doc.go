/*
Package workers runs the encoding worker pool and sizes it for the
container it runs in.

# Sizing

runtime.NumCPU() reports the host's CPUs, not the container's limit. Since Go
1.19 GOMAXPROCS follows the cgroup CPU quota, so [Count] sizes pools from
GOMAXPROCS instead:

	// Pod limited to 4 CPUs on a 64 core node
	runtime.NumCPU()       // 64
	runtime.GOMAXPROCS(0)  // 4

Every encoder process is itself multi-threaded, so [ForEncoding] runs one
worker per two CPUs:

	n := workers.ForEncoding(0)      // 2 on a 4 CPU pod
	n := workers.ForEncoding(8)      // never more than 8

Operators can pin the count with TX_CONCURRENCY (the --concurrency flag sets
the same value):

	env:
	- name: TX_CONCURRENCY
	  value: "3"

# Pool

[Pool] starts a fixed number of goroutines under an errgroup. Each worker
loops:

 1. Pop a job id from the queue.
 2. Claim it with a Queued -> Running transition. Losing the claim is a
    benign race and is reported as events.ClaimLost.
 3. Run the encoder into a temporary path from the committer.
 4. Commit the artifact and record success, or record the failure.

A cancelled context kills the running encoder and releases the job back to
Retrying without counting the attempt. The temporary file is discarded on
every path that does not end in a commit.

Workers exit when the queue is closed, so closing the queue lets in-flight
jobs finish while nothing new starts.
*/
package workers
