package startup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/memory"
	"transcoderexpress/internal/workers"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// VersionString is the one-line form printed by --version.
func VersionString() string {
	return fmt.Sprintf("transcoderexpress %s (commit %s, built %s, %s)", Version, Commit, BuildTime, GoVersion)
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// LoadConfig parses args, logs the resulting configuration and prepares the
// directories. The input directory must already exist; the output and state
// directories are created if needed and must be writable.
func LoadConfig(args []string) (*Config, error) {
	cfg, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel != "" {
		level, _ := logging.ParseLevel(cfg.LogLevel)
		logging.SetLevel(level)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = workers.ForEncoding(0)
	}

	printBanner()
	logSystemInfo()
	logConfig(cfg)

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	if err := checkInputDirectory(cfg.InputDir); err != nil {
		return nil, fmt.Errorf("input directory error: %w", err)
	}
	logging.Info("  [OK] Input directory:  %s", cfg.InputDir)

	for _, dir := range []struct{ path, name string }{
		{cfg.OutputDir, "output"},
		{cfg.StateDir, "state"},
	} {
		if err := ensureDirectory(dir.path, dir.name); err != nil {
			return nil, fmt.Errorf("%s directory error: %w", dir.name, err)
		}
		logging.Debug("  Testing %s directory write access...", dir.name)
		if err := testWriteAccess(dir.path); err != nil {
			return nil, fmt.Errorf("%s directory is not writable: %w", dir.name, err)
		}
		logging.Info("  [OK] %s directory is writable: %s", capitalize(dir.name), dir.path)
	}

	return cfg, nil
}

func logConfig(cfg *Config) {
	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")
	if cfg.ConfigFile != "" {
		logging.Info("  Config file:      %s", cfg.ConfigFile)
	}
	logging.Info("  Input dir:        %s", cfg.InputDir)
	logging.Info("  Output dir:       %s", cfg.OutputDir)
	logging.Info("  State dir:        %s", cfg.StateDir)
	logging.Info("  Concurrency:      %d", cfg.Concurrency)
	logging.Info("  Retry limit:      %d", cfg.RetryLimit)
	logging.Info("  Timeout:          %s", durationString(cfg.Timeout))
	logging.Info("  Quiescence:       %v", cfg.Quiescence)
	logging.Info("  Scan interval:    %v", cfg.ScanInterval)
	logging.Info("  Backoff:          %v up to %v", cfg.InitialBackoff, cfg.MaxBackoff)
	logging.Info("  Queue:            %d (%s)", cfg.QueueSize, cfg.QueuePolicy)
	logging.Info("  Shutdown grace:   %v", cfg.ShutdownGrace)
	logging.Info("  Watch:            %s", enabledString(cfg.Watch))
	logging.Info("  HTTP address:     %s", valueOr(cfg.HTTPAddr, "DISABLED"))
	logging.Info("  Extensions:       %s", valueOr(strings.Join(cfg.Extensions, " "), "* (all files)"))
	logging.Info("  Output naming:    <stem>%s%s", cfg.OutputSuffix, valueOr(cfg.OutputExt, "<source ext>"))
	logging.Info("  Log level:        %s", logging.GetLevel())
	logging.Debug("  Encoder command:  %s", strings.Join(cfg.EncoderCommand, " "))
	logging.Debug("  Metrics interval: %v", cfg.MetricsInterval)
	logging.Debug("  CORS origins:     %s", valueOr(strings.Join(cfg.CORSOrigins, ","), "(none)"))
	logging.Info("")
}

// LogMemoryConfig logs the GOMEMLIMIT decision and what is left per encoder.
func LogMemoryConfig(res memory.ConfigResult, concurrency int) {
	logging.Info("------------------------------------------------------------")
	logging.Info("MEMORY")
	logging.Info("------------------------------------------------------------")
	if !res.Configured {
		logging.Info("  GOMEMLIMIT:       not set")
		logging.Info("")
		return
	}
	logging.Info("  GOMEMLIMIT:       %s (from %s)", memory.FormatBytes(res.GoMemLimit), res.Source)
	if budget := res.EncoderBudget(concurrency); budget > 0 {
		logging.Info("  Per encoder:      %s across %d workers", memory.FormatBytes(budget), concurrency)
		if budget < memory.MinEncoderBudget {
			logging.Warn("  Less than %s per encoder; consider lowering --concurrency",
				memory.FormatBytes(memory.MinEncoderBudget))
		}
	}
	logging.Info("")
}

// LogStateInit logs how the job registry came back from disk.
func LogStateInit(dbPath string, jobs int, counts map[string]int, duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("STATE")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Database:         %s", dbPath)
	logging.Info("  [OK] Loaded %d job(s) in %v", jobs, duration)

	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		if counts[s] > 0 {
			logging.Info("    %-12s %d", s+":", counts[s])
		}
	}
}

// EncoderChecker reports where the encoder binary lives and its version.
type EncoderChecker interface {
	Check(ctx context.Context) (path, version string, err error)
	Program() string
}

// LogEncoderCheck probes the encoder binary. A missing encoder is only a
// warning; jobs fail with spawn errors until it shows up.
func LogEncoderCheck(ctx context.Context, enc EncoderChecker) error {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("ENCODER")
	logging.Info("------------------------------------------------------------")

	path, version, err := enc.Check(ctx)
	if err != nil {
		logging.Warn("  %s check failed: %v", enc.Program(), err)
		logging.Warn("  Jobs will fail until the encoder is available")
		return err
	}
	logging.Info("  [OK] %s is available: %s", enc.Program(), path)
	if version != "" {
		logging.Debug("  Version: %s", version)
	}
	return nil
}

// LogPipelineInit logs the worker pool and watcher setup.
func LogPipelineInit(workerCount int, watch bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("PIPELINE")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Workers:          %d", workerCount)
	logging.Info("  Watcher:          %s", enabledString(watch))
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs the status API routes at debug level
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("STATUS API")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}
			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
		}
	}

	if logHealthChecks {
		logging.Info("  Health check logging: ON")
	} else {
		logging.Info("  Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// AgentInfo holds what the "agent started" log prints.
type AgentInfo struct {
	HTTPAddr        string
	Workers         int
	StartupDuration time.Duration
}

// LogAgentStarted logs the end of startup.
func LogAgentStarted(info AgentInfo) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("AGENT STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", info.StartupDuration)
	logging.Info("  Workers:         %d", info.Workers)
	if info.HTTPAddr != "" {
		host := info.HTTPAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		logging.Info("  Status API:      http://%s/api/stats", host)
		logging.Info("  Metrics:         http://%s/metrics", host)
	} else {
		logging.Info("  Status API:      DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
  ______                                __
 /_  __/________ _____  ______________  / /__  _____
  / / / ___/ __ '/ __ \/ ___/ ___/ __ \/ / _ \/ ___/
 / / / /  / /_/ / / / (__  ) /__/ /_/ / /  __/ /
/_/ /_/   \__,_/_/ /_/____/\___/\____/_/\___/_/  EXPRESS

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

// checkInputDirectory requires an existing directory. It is never created:
// a missing input usually means a volume that failed to mount.
func checkInputDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	if logging.IsDebugEnabled() {
		if entries, err := os.ReadDir(path); err == nil {
			fileCount, dirCount := 0, 0
			for _, e := range entries {
				if e.IsDir() {
					dirCount++
				} else {
					fileCount++
				}
			}
			logging.Debug("    Contents: %d files, %d directories (top level)", fileCount, dirCount)
		}
	}
	return nil
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func getEnv(key, defaultValue string) string {
	if key == "" {
		return defaultValue
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
