/*
Package encoder supervises the external encoder process for one job.

The invocation is a template of plain arguments in which {input} and
{output} are substituted element by element, so no shell is ever involved
and paths with spaces or quotes stay intact:

	sup, err := encoder.New(encoder.Config{
	    Command: []string{"ffmpeg", "-y", "-i", "{input}", "-ac", "1", "{output}"},
	    Timeout: 30 * time.Minute,
	})
	artifact, err := sup.Run(ctx, j, tempPath)

The child runs in its own process group. On timeout or cancellation the whole
group is killed, and Run does not return until the child has been reaped.
Output is drained for at most WaitDelay afterwards. The last 8 KiB of the
combined stderr and stdout are kept as diagnostics.

Every failure is an [*Error]; use errors.Is with [ErrSpawn], [ErrFailed],
[ErrTimeout] or [ErrCanceled] to classify it.
*/
package encoder
