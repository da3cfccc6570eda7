/*
Package committer publishes encoder output atomically.

The encoder writes into a hidden temporary file created by
[Committer.TempPath] in the same directory as the final artifact, which keeps
both on one filesystem. [Committer.Commit] checks the file is a non-empty
regular file, fsyncs it, renames it over the final path and fsyncs the
directory. Consumers of the output directory therefore never observe a
partial artifact.

Temporary names start with [TempPrefix]. Workers call [Committer.Discard] on
every unsuccessful path and [Committer.SweepStale] removes whatever a crash
left behind before the pool starts.
*/
package committer
