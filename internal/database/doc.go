// Package database is the SQLite store behind the job registry.
//
// One row per job, keyed by the job id, in the jobs table of
// <state-dir>/transcoderexpress.db. The registry writes through on every
// state change and flushes a full snapshot on shutdown; at startup
// LoadJobs rehydrates it. The database uses WAL mode so the txstatus
// command can read it while the agent is running.
package database
