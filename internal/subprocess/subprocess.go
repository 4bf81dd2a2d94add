// Package subprocess launches ssh-keygen with validated arguments,
// streams its stdout and stderr line-by-line to a logger concurrently,
// and reports a typed error on any non-success path (spec §4.1).
package subprocess

import (
	"bufio"
	"context"
	"io"
	"log"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/moduli-generator/moduli-generator/internal/validate"
)

// SpawnFailed means the child process could not be started.
type SpawnFailed struct {
	Argv []string
	Err  error
}

func (e *SpawnFailed) Error() string {
	return xerrors.Errorf("spawning %v: %w", e.Argv, e.Err).Error()
}

func (e *SpawnFailed) Unwrap() error { return e.Err }

// SubprocessFailed means the child exited with a non-zero status.
type SubprocessFailed struct {
	Argv []string
	Code int
}

func (e *SubprocessFailed) Error() string {
	return xerrors.Errorf("%v: exit code %d", e.Argv, e.Code).Error()
}

// StreamError means reading the child's stdout or stderr failed.
type StreamError struct {
	Stream string // "stdout" or "stderr"
	Err    error
}

func (e *StreamError) Error() string {
	return xerrors.Errorf("reading %s: %w", e.Stream, e.Err).Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// CompletedRun describes a successful invocation.
type CompletedRun struct {
	ExitCode int
	Duration time.Duration
}

// Harness launches argv[0] with the remaining elements as arguments,
// under the given nice value, streaming output to log. It never
// buffers a full stream in memory: two goroutines forward stdout (at
// info level) and stderr (at debug level, logged with a "[stderr]"
// prefix since Go's stdlib logger has no level concept) line by line,
// mirroring internal/batch/batch.go's combined-log-writer pattern in
// the teacher and cmd/autobuilder/autobuilder.go's io.MultiWriter
// fan-out.
type Harness struct {
	Log  *log.Logger
	Nice int
}

// Run validates argv and the nice value, then executes the command to
// completion. Validation failures return before any subprocess is
// spawned.
func (h *Harness) Run(ctx context.Context, argv []string) (CompletedRun, error) {
	if err := validate.NiceValue(h.Nice); err != nil {
		return CompletedRun{}, err
	}
	if err := validate.Argv(argv); err != nil {
		return CompletedRun{}, err
	}
	if len(argv) == 0 {
		return CompletedRun{}, xerrors.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CompletedRun{}, &SpawnFailed{Argv: argv, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return CompletedRun{}, &SpawnFailed{Argv: argv, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return CompletedRun{}, &SpawnFailed{Argv: argv, Err: err}
	}

	if h.Nice != 0 {
		// Apply scheduling priority directly to the child, rather than
		// shelling out through `nice`: one fewer process in the argv,
		// one fewer thing validate.Argv has to allow-list.
		if err := unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, h.Nice); err != nil {
			h.Log.Printf("setpriority(%d, %d): %v", cmd.Process.Pid, h.Nice, err)
		}
	}

	streamErrs := make(chan error, 2)
	go h.stream("stdout", stdout, streamErrs)
	go h.stream("stderr", stderr, streamErrs)

	var firstStreamErr error
	for i := 0; i < 2; i++ {
		if err := <-streamErrs; err != nil && firstStreamErr == nil {
			firstStreamErr = err
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if firstStreamErr != nil {
		h.Log.Printf("%v", firstStreamErr)
		return CompletedRun{}, firstStreamErr
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return CompletedRun{}, &SubprocessFailed{Argv: argv, Code: exitErr.ExitCode()}
		}
		return CompletedRun{}, &SpawnFailed{Argv: argv, Err: waitErr}
	}

	return CompletedRun{ExitCode: 0, Duration: duration}, nil
}

func (h *Harness) stream(name string, r io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if name == "stdout" {
			h.Log.Printf("%s", scanner.Text())
		} else {
			h.Log.Printf("[stderr] %s", scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		done <- &StreamError{Stream: name, Err: err}
		return
	}
	done <- nil
}
