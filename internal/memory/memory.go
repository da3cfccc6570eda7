package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"

	"transcoderexpress/internal/logging"
)

const (
	// DefaultMemoryRatio is the share of the container limit given to the Go
	// heap. The agent itself holds little more than the job table; the rest
	// belongs to encoder processes.
	DefaultMemoryRatio = 0.25

	// MinEncoderBudget is the smallest per-encoder share worth warning about.
	MinEncoderBudget = 256 << 20
)

// ConfigResult holds the result of memory configuration
type ConfigResult struct {
	// Configured indicates whether GOMEMLIMIT was set
	Configured bool

	// Source indicates where the configuration came from
	Source string // "GOMEMLIMIT", "MEMORY_LIMIT", or "none"

	// ContainerLimit is the container memory limit in bytes (0 if not set)
	ContainerLimit int64

	// GoMemLimit is the configured GOMEMLIMIT in bytes (0 if not set)
	GoMemLimit int64

	// Ratio is the memory ratio used (0 if not applicable)
	Ratio float64
}

// ConfigureFromEnv sets GOMEMLIMIT from the container memory limit.
// Call this early in main() before significant allocations.
//
// Environment variables:
//   - GOMEMLIMIT: If set, this takes precedence (standard Go env var)
//   - MEMORY_LIMIT: Container memory limit in bytes (Kubernetes Downward API)
//   - MEMORY_RATIO: Optional share of the limit for the Go heap (default: 0.25)
func ConfigureFromEnv() ConfigResult {
	result := ConfigResult{Source: "none"}

	if goMemLimitEnv := os.Getenv("GOMEMLIMIT"); goMemLimitEnv != "" {
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			result.Configured = true
			result.Source = "GOMEMLIMIT"
			result.GoMemLimit = limit
		}
		logging.Info("GOMEMLIMIT set via environment: %s", goMemLimitEnv)
		return result
	}

	memLimitStr := os.Getenv("MEMORY_LIMIT")
	if memLimitStr == "" {
		logging.Debug("MEMORY_LIMIT not set, GOMEMLIMIT will not be configured automatically")
		return result
	}

	memLimit, err := strconv.ParseInt(memLimitStr, 10, 64)
	if err != nil || memLimit <= 0 {
		logging.Warn("Ignoring MEMORY_LIMIT %q: not a positive byte count", memLimitStr)
		return result
	}
	result.ContainerLimit = memLimit

	ratio := DefaultMemoryRatio
	if ratioStr := os.Getenv("MEMORY_RATIO"); ratioStr != "" {
		parsed, err := strconv.ParseFloat(ratioStr, 64)
		switch {
		case err != nil:
			logging.Warn("Failed to parse MEMORY_RATIO %q: %v, using default %.2f", ratioStr, err, DefaultMemoryRatio)
		case parsed <= 0 || parsed > 1.0:
			logging.Warn("MEMORY_RATIO %q out of range (0.0-1.0), using default %.2f", ratioStr, DefaultMemoryRatio)
		default:
			ratio = parsed
		}
	}
	result.Ratio = ratio

	goMemLimit := int64(float64(memLimit) * ratio)
	debug.SetMemoryLimit(goMemLimit)

	result.Configured = true
	result.Source = "MEMORY_LIMIT"
	result.GoMemLimit = goMemLimit

	logging.Info("Configured GOMEMLIMIT: %s (%.1f%% of %s container limit)",
		FormatBytes(goMemLimit),
		ratio*100,
		FormatBytes(memLimit),
	)

	return result
}

// EncoderBudget returns the memory left for each encoder process once the Go
// heap has taken its share. It returns 0 when no container limit is known.
func (r ConfigResult) EncoderBudget(workers int) int64 {
	if r.ContainerLimit <= 0 || workers < 1 {
		return 0
	}
	rest := r.ContainerLimit - r.GoMemLimit
	if rest < 0 {
		return 0
	}
	return rest / int64(workers)
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
