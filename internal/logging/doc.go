// Package logging provides a simple leveled logging interface for
// TranscoderExpress.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable (or
// DEBUG=true), and can be overridden at startup with SetLevel. Lines carry
// millisecond-or-better timestamps.
//
// Structured pipeline events are rendered with Fields, which prints sorted
// key=value pairs:
//
//	logging.Info("%s", logging.Fields{"event": "job_succeeded", "job": id})
package logging
