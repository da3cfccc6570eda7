package startup

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"transcoderexpress/internal/database"
	"transcoderexpress/internal/encoder"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/mediatypes"
	"transcoderexpress/internal/queue"
	"transcoderexpress/internal/registry"
)

// Defaults for settings that are not derived from the host.
const (
	DefaultTimeout         = 30 * time.Minute
	DefaultQuiescence      = 5 * time.Second
	DefaultScanInterval    = 10 * time.Second
	DefaultShutdownGrace   = 30 * time.Second
	DefaultQueueSize       = 64
	DefaultHTTPAddr        = ":9090"
	DefaultMetricsInterval = 15 * time.Second
	StateDirName           = ".transcoderexpress"
)

// ErrVersion is returned by ParseArgs when --version was given. Callers print
// the build info and exit 0.
var ErrVersion = errors.New("version requested")

// Config holds all agent configuration.
type Config struct {
	InputDir  string
	OutputDir string
	StateDir  string

	Concurrency    int
	RetryLimit     int
	Timeout        time.Duration
	Quiescence     time.Duration
	ScanInterval   time.Duration
	ShutdownGrace  time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	QueuePolicy    queue.Policy

	HTTPAddr        string
	Watch           bool
	LogLevel        string
	Extensions      []string // empty accepts every file
	EncoderCommand  []string
	OutputSuffix    string
	OutputExt       string
	CORSOrigins     []string
	MetricsInterval time.Duration
	LogHealthChecks bool

	// ConfigFile is the YAML file the settings were read from, if any.
	ConfigFile string

	// Derived
	DatabasePath string
}

// option is one setting reachable from a flag, an environment variable and
// a YAML key. The YAML key is the long flag name.
type option struct {
	name   string
	short  string
	env    string
	arg    string
	usage  string
	isBool bool
	set    func(c *Config, v string) error
	// setList handles YAML sequences. Nil means the option only takes scalars.
	setList func(c *Config, v []string) error
}

var options = []option{
	{name: "input-dir", short: "i", env: "TX_INPUT_DIR", arg: "DIR", usage: "Directory to watch for source media (required)",
		set: func(c *Config, v string) error { c.InputDir = v; return nil }},
	{name: "output-dir", short: "o", env: "TX_OUTPUT_DIR", arg: "DIR", usage: "Directory that receives transcoded artifacts (required)",
		set: func(c *Config, v string) error { c.OutputDir = v; return nil }},
	{name: "state-dir", env: "TX_STATE_DIR", arg: "DIR", usage: "Where the job database lives (default <output-dir>/" + StateDirName + ")",
		set: func(c *Config, v string) error { c.StateDir = v; return nil }},
	{name: "concurrency", short: "w", env: "TX_CONCURRENCY", arg: "N", usage: "Parallel encoder processes (default: one per two CPUs)",
		set: intSetter(func(c *Config) *int { return &c.Concurrency }, 0)},
	{name: "retry-limit", short: "r", env: "TX_RETRY_LIMIT", arg: "N", usage: "Encoder attempts per job before it is marked failed",
		set: intSetter(func(c *Config) *int { return &c.RetryLimit }, 1)},
	{name: "timeout", short: "t", env: "TX_TIMEOUT", arg: "SECONDS", usage: "Wall-clock limit per encoder run, seconds or duration (0 disables)",
		set: durationSetter(func(c *Config) *time.Duration { return &c.Timeout })},
	{name: "quiescence", short: "q", env: "TX_QUIESCENCE", arg: "DURATION", usage: "How long size and mtime must hold still before a file is encoded",
		set: durationSetter(func(c *Config) *time.Duration { return &c.Quiescence })},
	{name: "scan-interval", env: "TX_SCAN_INTERVAL", arg: "DURATION", usage: "Time between full scans of the input directory",
		set: durationSetter(func(c *Config) *time.Duration { return &c.ScanInterval })},
	{name: "shutdown-grace", env: "TX_SHUTDOWN_GRACE", arg: "DURATION", usage: "How long running encodes may finish after a shutdown signal",
		set: durationSetter(func(c *Config) *time.Duration { return &c.ShutdownGrace })},
	{name: "initial-backoff", env: "TX_INITIAL_BACKOFF", arg: "DURATION", usage: "Delay before the first retry; doubles per attempt",
		set: durationSetter(func(c *Config) *time.Duration { return &c.InitialBackoff })},
	{name: "max-backoff", env: "TX_MAX_BACKOFF", arg: "DURATION", usage: "Upper bound for the retry delay",
		set: durationSetter(func(c *Config) *time.Duration { return &c.MaxBackoff })},
	{name: "queue-size", env: "TX_QUEUE_SIZE", arg: "N", usage: "Capacity of the work queue",
		set: intSetter(func(c *Config) *int { return &c.QueueSize }, 1)},
	{name: "queue-policy", env: "TX_QUEUE_POLICY", arg: "POLICY", usage: "What a full queue does: block | reject",
		set: func(c *Config, v string) error {
			p, err := queue.ParsePolicy(v)
			if err != nil {
				return err
			}
			c.QueuePolicy = p
			return nil
		}},
	{name: "http-addr", env: "TX_HTTP_ADDR", arg: "ADDR", usage: "Status API listen address (empty disables)",
		set: func(c *Config, v string) error { c.HTTPAddr = v; return nil }},
	{name: "watch", env: "TX_WATCH", isBool: true, usage: "Wake the scanner on filesystem notifications",
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			c.Watch = b
			return nil
		}},
	{name: "log-level", env: "TX_LOG_LEVEL", arg: "LEVEL", usage: "debug | info | warn | error",
		set: func(c *Config, v string) error {
			if _, err := logging.ParseLevel(v); err != nil {
				return err
			}
			c.LogLevel = strings.ToLower(strings.TrimSpace(v))
			return nil
		}},
	{name: "extensions", short: "e", env: "TX_EXTENSIONS", arg: "LIST", usage: "Comma-separated source extensions; * accepts every file",
		set:     func(c *Config, v string) error { c.Extensions = parseExtensions(splitList(v)); return nil },
		setList: func(c *Config, v []string) error { c.Extensions = parseExtensions(v); return nil }},
	{name: "encoder-command", env: "TX_ENCODER_COMMAND", arg: "CMD", usage: "Encoder program and arguments with {input} and {output} placeholders",
		set: func(c *Config, v string) error { c.EncoderCommand = strings.Fields(v); return nil },
		setList: func(c *Config, v []string) error {
			c.EncoderCommand = append([]string(nil), v...)
			return nil
		}},
	{name: "output-suffix", env: "TX_OUTPUT_SUFFIX", arg: "SUFFIX", usage: "Appended to the source file stem",
		set: func(c *Config, v string) error { c.OutputSuffix = v; return nil }},
	{name: "output-ext", env: "TX_OUTPUT_EXT", arg: "EXT", usage: "Artifact extension (empty keeps the source extension)",
		set: func(c *Config, v string) error { c.OutputExt = v; return nil }},
	{name: "cors-origins", env: "TX_CORS_ORIGINS", arg: "LIST", usage: "Comma-separated origins allowed to call the status API",
		set:     func(c *Config, v string) error { c.CORSOrigins = splitList(v); return nil },
		setList: func(c *Config, v []string) error { c.CORSOrigins = v; return nil }},
	{name: "metrics-interval", env: "TX_METRICS_INTERVAL", arg: "DURATION", usage: "How often job gauges are refreshed",
		set: durationSetter(func(c *Config) *time.Duration { return &c.MetricsInterval })},
}

// defaults returns a Config with every default filled in. Directories are
// left empty because they have no sensible default.
func defaults() *Config {
	naming := job.DefaultNaming("")
	return &Config{
		RetryLimit:      registry.DefaultRetryLimit,
		Timeout:         DefaultTimeout,
		Quiescence:      DefaultQuiescence,
		ScanInterval:    DefaultScanInterval,
		ShutdownGrace:   DefaultShutdownGrace,
		InitialBackoff:  registry.DefaultInitialBackoff,
		MaxBackoff:      registry.DefaultMaxBackoff,
		QueueSize:       DefaultQueueSize,
		QueuePolicy:     queue.Block,
		HTTPAddr:        DefaultHTTPAddr,
		Watch:           true,
		Extensions:      mediatypes.DefaultExtensions(),
		EncoderCommand:  append([]string(nil), encoder.DefaultCommand...),
		OutputSuffix:    naming.Suffix,
		OutputExt:       naming.Ext,
		MetricsInterval: DefaultMetricsInterval,
	}
}

// rawFlag records a flag occurrence; values are applied after the YAML and
// environment layers so that flags always win.
type rawFlag struct {
	opt  *option
	seen *[]flagValue
}

type flagValue struct {
	opt   *option
	value string
}

func (f *rawFlag) String() string { return "" }

func (f *rawFlag) Set(v string) error {
	*f.seen = append(*f.seen, flagValue{opt: f.opt, value: v})
	return nil
}

func (f *rawFlag) IsBoolFlag() bool { return f.opt.isBool }

// ParseArgs builds the configuration from command-line arguments (without
// the program name), TX_* environment variables and an optional YAML file.
// Precedence: flag > environment > file > default.
//
// It returns flag.ErrHelp for -h/--help and ErrVersion for -V/--version.
func ParseArgs(args []string) (*Config, error) {
	return parseArgs(args, os.Stderr)
}

func parseArgs(args []string, out io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("transcoderexpress", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out) }

	var seen []flagValue
	for i := range options {
		o := &options[i]
		fs.Var(&rawFlag{opt: o, seen: &seen}, o.name, o.usage)
		if o.short != "" {
			fs.Var(&rawFlag{opt: o, seen: &seen}, o.short, "Same as --"+o.name)
		}
	}

	var configFile string
	var showVersion bool
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	fs.StringVar(&configFile, "c", "", "Same as --config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&showVersion, "V", false, "Same as --version")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showVersion {
		return nil, ErrVersion
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := defaults()

	if configFile == "" {
		configFile = getEnv("TX_CONFIG", "")
	}
	if configFile != "" {
		if err := applyFile(cfg, configFile); err != nil {
			return nil, err
		}
		cfg.ConfigFile = configFile
	}

	for i := range options {
		o := &options[i]
		v := getEnv(o.env, "")
		if v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", o.env, err)
		}
	}

	for _, f := range seen {
		if err := f.opt.set(cfg, f.value); err != nil {
			return nil, fmt.Errorf("invalid value for --%s: %w", f.opt.name, err)
		}
	}

	cfg.LogHealthChecks = getEnvBool("LOG_HEALTH_CHECKS", false)

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile loads a YAML mapping of option names to values. Keys may use
// dashes or underscores. Unknown keys are rejected.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for key, raw := range doc {
		o := lookupOption(strings.ReplaceAll(key, "_", "-"))
		if o == nil {
			return fmt.Errorf("config file %s: unknown key %q", path, key)
		}

		var err error
		switch v := raw.(type) {
		case nil:
			continue
		case []any:
			if o.setList == nil {
				err = fmt.Errorf("expected a single value")
				break
			}
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			err = o.setList(cfg, items)
		case map[string]any:
			err = fmt.Errorf("expected a value, got a mapping")
		default:
			err = o.set(cfg, fmt.Sprint(v))
		}
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, key, err)
		}
	}
	return nil
}

func lookupOption(name string) *option {
	for i := range options {
		if options[i].name == name {
			return &options[i]
		}
	}
	return nil
}

// finish validates the merged settings and fills in derived values.
func (c *Config) finish() error {
	if c.InputDir == "" {
		return errors.New("input directory is required (-i or TX_INPUT_DIR)")
	}
	if c.OutputDir == "" {
		return errors.New("output directory is required (-o or TX_OUTPUT_DIR)")
	}

	var err error
	if c.InputDir, err = filepath.Abs(c.InputDir); err != nil {
		return fmt.Errorf("failed to resolve input directory path: %w", err)
	}
	if c.OutputDir, err = filepath.Abs(c.OutputDir); err != nil {
		return fmt.Errorf("failed to resolve output directory path: %w", err)
	}
	if c.InputDir == c.OutputDir {
		return errors.New("input and output directories must differ")
	}
	// The output tree is swept for temp files at startup, which must never
	// reach into the input.
	if isWithin(c.OutputDir, c.InputDir) {
		return fmt.Errorf("input directory %s is inside the output directory %s", c.InputDir, c.OutputDir)
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.OutputDir, StateDirName)
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("failed to resolve state directory path: %w", err)
	}
	c.DatabasePath = database.PathIn(c.StateDir)

	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max-backoff (%v) is shorter than initial-backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if _, err := encoder.New(encoder.Config{Command: c.EncoderCommand}); err != nil {
		return fmt.Errorf("invalid encoder command: %w", err)
	}
	return nil
}

// isWithin reports whether path lies below dir. Both must be clean and absolute.
func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func intSetter(field func(*Config) *int, minimum int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		if n < minimum {
			return fmt.Errorf("must be at least %d, got %d", minimum, n)
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// parseDuration accepts a Go duration ("90s", "5m") or a bare number of seconds.
// maxDurationSeconds is the largest number of seconds a time.Duration holds.
var maxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || secs < 0 {
			return 0, fmt.Errorf("negative duration %q", v)
		}
		if secs >= maxDurationSeconds {
			return 0, fmt.Errorf("duration %q out of range", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseExtensions normalizes extensions. A "*" entry clears the list so that
// every file is accepted.
func parseExtensions(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "*" {
			return nil
		}
		if item != "" {
			out = append(out, mediatypes.NormalizeExt(item))
		}
	}
	return out
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: transcoderexpress -i <input_dir> -o <output_dir> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, o := range options {
		names := "    --" + o.name
		if o.short != "" {
			names = "-" + o.short + ", --" + o.name
		}
		if o.arg != "" {
			names += " " + o.arg
		}
		fmt.Fprintf(tw, "  %s\t%s [%s]\n", names, o.usage, o.env)
	}
	fmt.Fprintln(tw, "  -c, --config FILE\tYAML configuration file [TX_CONFIG]")
	fmt.Fprintln(tw, "  -V, --version\tPrint version and exit")
	fmt.Fprintln(tw, "  -h, --help\tShow this help and exit")
	_ = tw.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Precedence: flag > environment > config file > default.")
}
