// Package job defines the unit of work shared by every stage of the
// transcoding pipeline.
//
// A [Job] maps one source file under the input root to one artifact under the
// output root. Its identity ([NewID]) is derived from the source path relative
// to the input root, so repeated scans of the same file always resolve to the
// same job. Content changes are detected by comparing [Fingerprint] values
// (size and modification time) rather than by re-reading the file.
//
// # Lifecycle
//
//	Discovered -> Queued -> Running -> Succeeded
//	                                -> Retrying -> Queued
//	                                -> Failed
//
// Succeeded and Failed are terminal until the source content changes, at which
// point the job is rediscovered with a fresh attempt count.
//
// Jobs are plain values. The registry owns the live copies; every other
// component works on snapshots.
package job
