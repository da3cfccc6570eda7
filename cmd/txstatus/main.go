package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"transcoderexpress/internal/database"
	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/startup"
)

const (
	// Default timeout for database operations
	defaultTimeout = 30 * time.Second
	// Width used when stdout is not a terminal. Nothing is truncated then.
	noWidth = 0
	// Narrowest error column worth truncating to.
	minErrorWidth = 16
	shortIDLength = 12
)

type options struct {
	stateDir string
	states   []job.State
	asJSON   bool
}

type report struct {
	Database string            `json:"database"`
	Counts   map[job.State]int `json:"counts"`
	Jobs     []job.Job         `json:"jobs"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	// Only problems belong on stderr.
	logging.SetLevel(logging.LevelWarn)

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	dbPath := database.PathIn(opts.stateDir)
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	db, err := database.New(ctx, dbPath, &database.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "Make sure --state-dir points at the agent's state directory (current: %s)\n", opts.stateDir)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	counts, err := db.CountByState(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to count jobs: %v\n", err)
		return 1
	}
	jobs, err := db.ListJobs(ctx, opts.states...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list jobs: %v\n", err)
		return 1
	}

	rep := report{Database: dbPath, Counts: counts, Jobs: jobs}
	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := printTable(stdout, rep, terminalWidth(stdout)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("txstatus", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		stateDir  string
		outputDir string
		states    string
		opts      options
	)
	fs.StringVar(&stateDir, "state-dir", os.Getenv("TX_STATE_DIR"), "Agent state directory")
	fs.StringVar(&outputDir, "output-dir", os.Getenv("TX_OUTPUT_DIR"), "Agent output directory; the state directory defaults to <output-dir>/"+startup.StateDirName)
	fs.StringVar(&states, "state", "", "Comma-separated job states to list (default: all)")
	fs.BoolVar(&opts.asJSON, "json", false, "Print JSON instead of a table")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "TranscoderExpress job status")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Usage: txstatus [--state-dir DIR | --output-dir DIR] [--state LIST] [--json]")
		fmt.Fprintln(stderr, "")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	switch {
	case stateDir != "":
		opts.stateDir = stateDir
	case outputDir != "":
		opts.stateDir = filepath.Join(outputDir, startup.StateDirName)
	default:
		return nil, errors.New("one of --state-dir or --output-dir is required")
	}

	for _, s := range strings.Split(states, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		st, err := job.ParseState(s)
		if err != nil {
			return nil, err
		}
		opts.states = append(opts.states, st)
	}

	return &opts, nil
}

// terminalWidth returns the column count when w is an interactive terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return noWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return noWidth
	}
	return width
}

func printTable(w io.Writer, rep report, width int) error {
	fmt.Fprintf(w, "Database: %s\n", rep.Database)
	parts := make([]string, 0, len(job.AllStates))
	for _, st := range job.AllStates {
		parts = append(parts, fmt.Sprintf("%s=%d", st, rep.Counts[st]))
	}
	fmt.Fprintf(w, "Jobs:     %s\n\n", strings.Join(parts, " "))

	if len(rep.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return nil
	}

	// The error column takes whatever the fixed columns leave.
	errWidth := noWidth
	if width > 0 {
		fixed := shortIDLength + len("retrying") + len("ATTEMPTS") + len(time.DateTime) + longestPath(rep.Jobs) + 5*2
		errWidth = max(width-fixed, minErrorWidth)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tUPDATED\tPATH\tERROR")
	for _, j := range rep.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			truncate(j.ID, shortIDLength),
			j.State,
			j.AttemptCount,
			j.UpdatedAt.Local().Format(time.DateTime),
			j.RelPath,
			truncate(firstLine(j.LastError), errWidth),
		)
	}
	return tw.Flush()
}

func longestPath(jobs []job.Job) int {
	n := len("PATH")
	for _, j := range jobs {
		n = max(n, len(j.RelPath))
	}
	return n
}

// truncate shortens s to limit runes. A limit of zero disables truncation.
func truncate(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
