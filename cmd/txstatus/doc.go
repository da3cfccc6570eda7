// Command txstatus prints the jobs recorded in a TranscoderExpress state
// database.
//
// The database is opened read-only, so txstatus is safe to run while the
// agent is working.
//
// Usage:
//
//	txstatus --state-dir DIR [--state LIST] [--json]
//	txstatus --output-dir DIR [--state LIST] [--json]
//
// Options:
//
//	--state-dir   State directory of the agent (env TX_STATE_DIR)
//	--output-dir  Output directory of the agent (env TX_OUTPUT_DIR); the
//	              state directory is taken to be <output-dir>/.transcoderexpress
//	--state       Comma-separated states to list, e.g. failed,retrying
//	--json        Print counts and jobs as JSON
//
// When stdout is a terminal the error column is cut to fit its width.
//
// Exit codes: 0 on success, 1 when the database cannot be read, 2 on usage
// errors.
package main
