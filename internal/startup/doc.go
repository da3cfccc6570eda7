// Package startup handles agent initialization, configuration loading, and
// startup/shutdown logging.
//
// # Configuration
//
// [LoadConfig] merges four layers, highest first:
//
//  1. command-line flags (short and long forms, e.g. -i / --input-dir)
//  2. TX_* environment variables
//  3. a YAML file named by --config or TX_CONFIG
//  4. built-in defaults
//
// YAML keys are the long flag names; underscores are accepted in place of
// dashes. List-valued settings (extensions, encoder-command, cors-origins)
// take either a comma-separated string or a YAML sequence. A sequence is the
// only way to pass encoder arguments that contain spaces.
//
//	input-dir: /media/incoming
//	output-dir: /media/transcoded
//	retry-limit: 5
//	timeout: 45m
//	encoder-command: [ffmpeg, -i, "{input}", -ac, "1", "{output}"]
//
// Run "transcoderexpress --help" for the full list of options.
//
// # Directory Setup
//
//   - Input directory: must exist, never created
//   - Output directory: created if missing, must be writable
//   - State directory: defaults to <output>/.transcoderexpress, same rules
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo]:
//
//	go build -ldflags "-X transcoderexpress/internal/startup.Version=1.2.0"
//
// # Lifecycle Logging
//
// Each phase of startup logs its own section:
//   - [LogMemoryConfig]: GOMEMLIMIT and per-encoder memory
//   - [LogStateInit]: jobs restored from the state database
//   - [LogEncoderCheck]: encoder binary location and version
//   - [LogPipelineInit]: worker count and watcher
//   - [LogHTTPRoutes]: status API routes (debug level)
//   - [LogAgentStarted]: endpoints and startup duration
//   - [LogShutdownInitiated], [LogShutdownComplete]: graceful shutdown
package startup
