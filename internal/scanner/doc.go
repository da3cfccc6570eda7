/*
Package scanner discovers input files that are ready to be transcoded.

[Scanner.Scan] walks the input tree and yields a [job.Candidate] for every
regular file whose size and modification time did not change between two
observations at least the quiescence interval apart. A file that is still
being copied in therefore shows up only once the copy has finished. Hidden
entries are skipped, as is the output directory when it is nested inside the
input directory.

Unreadable directories and files are reported as events.ScanError and
skipped; a scan never fails as a whole.

[Watcher] adds fsnotify based wake-ups so new files are noticed without
waiting for the next periodic scan. Notifications only trigger a scan; they
never bypass the quiescence check, since write-completion events are not
reliable on network filesystems.
*/
package scanner
