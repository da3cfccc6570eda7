package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"transcoderexpress/internal/job"
	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
)

const (
	// InputPlaceholder is replaced by the source path in every template element.
	InputPlaceholder = "{input}"
	// OutputPlaceholder is replaced by the temporary artifact path.
	OutputPlaceholder = "{output}"

	// DefaultWaitDelay bounds how long Run waits for output pipes after the
	// process has exited or been killed.
	DefaultWaitDelay = 5 * time.Second
)

// DefaultCommand converts any input to 16 kHz mono signed 16-bit WAV.
var DefaultCommand = []string{
	"ffmpeg", "-hide_banner", "-nostdin", "-y",
	"-i", InputPlaceholder,
	"-ac", "1", "-ar", "16000", "-sample_fmt", "s16",
	OutputPlaceholder,
}

// Config describes how the encoder is invoked.
type Config struct {
	// Command is the program followed by its arguments. Elements may contain
	// the {input} and {output} placeholders. No shell is involved.
	Command []string
	// Timeout is the wall-clock limit per run. Zero disables it.
	Timeout time.Duration
	// WaitDelay defaults to DefaultWaitDelay.
	WaitDelay time.Duration
	// VersionArgs are passed to the program by Check. Defaults to -version.
	VersionArgs []string
}

// Artifact is the output of a successful run.
type Artifact struct {
	Path        string
	Size        int64
	Duration    time.Duration
	Diagnostics string
}

// Supervisor runs encoder processes and tracks the live ones.
type Supervisor struct {
	command     []string
	timeout     time.Duration
	waitDelay   time.Duration
	versionArgs []string

	processMu sync.Mutex
	processes map[string]*exec.Cmd
}

// New validates the command template and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	if strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("encoder program is empty")
	}

	var hasInput, hasOutput bool
	for _, arg := range command[1:] {
		hasInput = hasInput || strings.Contains(arg, InputPlaceholder)
		hasOutput = hasOutput || strings.Contains(arg, OutputPlaceholder)
	}
	if !hasInput || !hasOutput {
		return nil, fmt.Errorf("encoder arguments must contain %s and %s", InputPlaceholder, OutputPlaceholder)
	}

	s := &Supervisor{
		command:     append([]string(nil), command...),
		timeout:     cfg.Timeout,
		waitDelay:   cfg.WaitDelay,
		versionArgs: cfg.VersionArgs,
		processes:   make(map[string]*exec.Cmd),
	}
	if s.waitDelay <= 0 {
		s.waitDelay = DefaultWaitDelay
	}
	if len(s.versionArgs) == 0 {
		s.versionArgs = []string{"-version"}
	}
	return s, nil
}

// Program returns the encoder executable.
func (s *Supervisor) Program() string {
	return s.command[0]
}

// Timeout returns the per-run limit.
func (s *Supervisor) Timeout() time.Duration {
	return s.timeout
}

// Args substitutes the placeholders element by element. Paths containing
// spaces or quotes stay single arguments.
func (s *Supervisor) Args(input, output string) []string {
	r := strings.NewReplacer(InputPlaceholder, input, OutputPlaceholder, output)
	args := make([]string, len(s.command))
	for i, arg := range s.command {
		if i == 0 {
			args[i] = arg
			continue
		}
		args[i] = r.Replace(arg)
	}
	return args
}

// Run encodes j.SourcePath into tempPath. The child process has exited
// before Run returns on every path. A non-nil error is always an *Error.
func (s *Supervisor) Run(ctx context.Context, j job.Job, tempPath string) (Artifact, error) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := s.Args(j.SourcePath, tempPath)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	setProcessGroup(cmd)
	cmd.WaitDelay = s.waitDelay

	output := newTailBuffer(DiagnosticsLimit)
	cmd.Stdout = output
	cmd.Stderr = output

	logging.Debug("Running encoder for %s: %q", j.RelPath, args)

	if err := ctx.Err(); err != nil {
		metrics.EncoderRunsTotal.WithLabelValues(string(KindCanceled)).Inc()
		return Artifact{}, &Error{Kind: KindCanceled, Code: -1, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.EncoderRunsTotal.WithLabelValues(string(KindSpawn)).Inc()
		return Artifact{}, &Error{Kind: KindSpawn, Code: -1, Err: err}
	}

	key := fmt.Sprintf("%s#%d", j.ID, cmd.Process.Pid)
	s.track(key, cmd)
	waitErr := cmd.Wait()
	s.untrack(key)

	elapsed := time.Since(start)
	metrics.EncoderDuration.Observe(elapsed.Seconds())
	diagnostics := output.String()

	if err := s.classify(ctx, runCtx, cmd, waitErr, diagnostics); err != nil {
		metrics.EncoderRunsTotal.WithLabelValues(string(err.Kind)).Inc()
		return Artifact{}, err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		metrics.EncoderRunsTotal.WithLabelValues(string(KindFailed)).Inc()
		return Artifact{}, &Error{
			Kind:        KindFailed,
			Diagnostics: diagnostics,
			Err:         fmt.Errorf("no output produced: %w", err),
		}
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		metrics.EncoderRunsTotal.WithLabelValues(string(KindFailed)).Inc()
		return Artifact{}, &Error{
			Kind:        KindFailed,
			Diagnostics: diagnostics,
			Err:         fmt.Errorf("empty output produced: %s", tempPath),
		}
	}

	metrics.EncoderRunsTotal.WithLabelValues("success").Inc()
	return Artifact{
		Path:        tempPath,
		Size:        info.Size(),
		Duration:    elapsed,
		Diagnostics: diagnostics,
	}, nil
}

func (s *Supervisor) classify(ctx, runCtx context.Context, cmd *exec.Cmd, waitErr error, diagnostics string) *Error {
	if waitErr == nil {
		return nil
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return &Error{Kind: KindCanceled, Code: code, Diagnostics: diagnostics, Err: ctx.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Code: code, Diagnostics: diagnostics, Err: fmt.Errorf("killed after %v", s.timeout)}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &Error{Kind: KindFailed, Code: code, Diagnostics: diagnostics}
	}
	// The process exited but its output could not be collected in time.
	return &Error{Kind: KindFailed, Code: code, Diagnostics: diagnostics, Err: waitErr}
}

func (s *Supervisor) track(key string, cmd *exec.Cmd) {
	s.processMu.Lock()
	s.processes[key] = cmd
	s.processMu.Unlock()
	metrics.EncoderProcessesActive.Inc()
}

func (s *Supervisor) untrack(key string) {
	s.processMu.Lock()
	delete(s.processes, key)
	s.processMu.Unlock()
	metrics.EncoderProcessesActive.Dec()
}

// Active returns the number of live encoder processes.
func (s *Supervisor) Active() int {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	return len(s.processes)
}

// Cleanup kills every live encoder process group.
func (s *Supervisor) Cleanup() {
	s.processMu.Lock()
	defer s.processMu.Unlock()

	for key, cmd := range s.processes {
		logging.Info("Killing encoder process %s", key)
		if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logging.Warn("failed to kill encoder process %s: %v", key, err)
		}
	}
}

// Check verifies the encoder program is on PATH and returns its resolved path
// and first version line. A version probe failure is returned alongside the path.
func (s *Supervisor) Check(ctx context.Context) (path, version string, err error) {
	path, err = exec.LookPath(s.Program())
	if err != nil {
		return "", "", fmt.Errorf("%s not found in PATH", s.Program())
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, path, s.versionArgs...).Output()
	if err != nil {
		return path, "", fmt.Errorf("failed to get %s version: %w", s.Program(), err)
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		version = strings.TrimSpace(sc.Text())
	}
	return path, version, nil
}
