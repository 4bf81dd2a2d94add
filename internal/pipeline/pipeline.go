// Package pipeline is the coordinator: it fans candidate generation
// and safe-prime screening out across a worker pool, joins the two
// phases at a barrier, and feeds screened moduli into the store (spec
// §4.2). It is grounded on internal/batch/batch.go's scheduler, with
// the package dependency graph dropped — there is no inter-job
// dependency here, only the P1→P2 barrier.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/moduli-generator/moduli-generator/internal/checkpoint"
	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/store"
	"github.com/moduli-generator/moduli-generator/internal/subprocess"
	"github.com/moduli-generator/moduli-generator/internal/telemetry"
)

// JobError pairs a key length with the error its job produced, used
// inside PartialFailure.
type JobError struct {
	KeyLength int
	Err       error
}

func (e JobError) Error() string { return fmt.Sprintf("key length %d: %v", e.KeyLength, e.Err) }

// PartialFailure is returned when at least one sibling job failed.
// If at least one succeeded, the surviving results are returned
// alongside it and callers inspect Errors to decide whether they are
// still usable; if every job failed, the results are nil.
type PartialFailure struct {
	Errors []JobError
}

func (e *PartialFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d job(s) failed:", len(e.Errors))
	for _, je := range e.Errors {
		fmt.Fprintf(&b, "\n  %v", je)
	}
	return b.String()
}

// Coordinator orchestrates ssh-keygen invocations across the
// configured key lengths and persists results into a store.Backend.
type Coordinator struct {
	Harness       *subprocess.Harness
	Store         store.Backend
	CandidatesDir string
	ModuliDir     string
	Log           *log.Logger

	// SSHKeygenPath overrides the binary invoked for generate/screen
	// jobs. Empty means "ssh-keygen", resolved via PATH; tests point
	// this at a stub binary.
	SSHKeygenPath string

	statusMu sync.Mutex
	status   []string
}

func (c *Coordinator) sshKeygen() string {
	if c.SSHKeygenPath != "" {
		return c.SSHKeygenPath
	}
	return "ssh-keygen"
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

func poolSize(n int) int {
	if cpu := runtime.NumCPU(); n > cpu {
		return cpu
	}
	if n < 1 {
		return 1
	}
	return n
}

func (c *Coordinator) setStatus(slot int, line string) {
	if !isTerminal {
		return
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if slot >= len(c.status) {
		return
	}
	c.status[slot] = line
	for _, l := range c.status {
		fmt.Println(l)
	}
	fmt.Printf("\033[%dA", len(c.status))
}

func compactNow() string { return codec.Compact(time.Now().UTC()) }

// Generate runs ssh-keygen -M generate for every key length in
// parallel, writing each candidates file to CandidatesDir named
// candidates_<keyLength>_<compactTimestamp>. All jobs are joined
// before Generate returns: this is the P1 barrier.
func (c *Coordinator) Generate(ctx context.Context, keyLengths []int) ([]string, error) {
	c.status = make([]string, poolSize(len(keyLengths))+1)
	work := make(chan int, len(keyLengths))
	for _, k := range keyLengths {
		work <- k
	}
	close(work)

	var mu sync.Mutex
	var paths []string
	var failures []JobError

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < poolSize(len(keyLengths)); i++ {
		slot := i
		eg.Go(func() error {
			for k := range work {
				path := filepath.Join(c.CandidatesDir, fmt.Sprintf("candidates_%d_%s", k, compactNow()))
				c.setStatus(slot+1, fmt.Sprintf("generating key length %d", k))
				ev := telemetry.Event(fmt.Sprintf("generate:%d", k), slot)
				_, err := c.Harness.Run(ctx, []string{c.sshKeygen(), "-M", "generate", "-O", fmt.Sprintf("bits=%d", k), path})
				ev.Done()
				mu.Lock()
				if err != nil {
					failures = append(failures, JobError{KeyLength: k, Err: err})
				} else {
					paths = append(paths, path)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	if len(failures) > 0 {
		if len(paths) == 0 {
			return nil, &PartialFailure{Errors: failures}
		}
		return paths, &PartialFailure{Errors: failures}
	}
	return paths, nil
}

// candidatesName parses a candidates_<keyLength>_<timestamp> basename.
func candidatesName(path string) (keyLength int, timestamp string, ok bool) {
	base := filepath.Base(path)
	rest := strings.TrimPrefix(base, "candidates_")
	if rest == base {
		return 0, "", false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	var k int
	if _, err := fmt.Sscanf(parts[0], "%d", &k); err != nil {
		return 0, "", false
	}
	return k, parts[1], true
}

// Screen runs ssh-keygen -M screen for every candidates file in
// parallel, writing each moduli file to ModuliDir named
// moduli_<keyLength>_<timestamp> (same timestamp stem as the
// candidates file it screens). This is the P2 barrier.
func (c *Coordinator) Screen(ctx context.Context, candidatesPaths []string) ([]string, error) {
	work := make(chan string, len(candidatesPaths))
	for _, p := range candidatesPaths {
		work <- p
	}
	close(work)

	var mu sync.Mutex
	var paths []string
	var failures []JobError

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < poolSize(len(candidatesPaths)); i++ {
		slot := i
		eg.Go(func() error {
			for in := range work {
				k, ts, ok := candidatesName(in)
				if !ok {
					mu.Lock()
					failures = append(failures, JobError{Err: xerrors.Errorf("malformed candidates filename %q", in)})
					mu.Unlock()
					continue
				}
				out := filepath.Join(c.ModuliDir, fmt.Sprintf("moduli_%d_%s", k, ts))
				c.setStatus(slot+1, fmt.Sprintf("screening key length %d", k))
				ev := telemetry.Event(fmt.Sprintf("screen:%d", k), slot)
				_, err := c.Harness.Run(ctx, []string{c.sshKeygen(), "-M", "screen", "-f", in, out})
				ev.Done()
				if err == nil {
					err = removeCandidateAndSidecar(in)
				}
				mu.Lock()
				if err != nil {
					failures = append(failures, JobError{KeyLength: k, Err: err})
				} else {
					paths = append(paths, out)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	if len(failures) > 0 {
		if len(paths) == 0 {
			return nil, &PartialFailure{Errors: failures}
		}
		return paths, &PartialFailure{Errors: failures}
	}
	return paths, nil
}

// removeCandidateAndSidecar deletes a successfully-screened candidates
// file and its sidecar checkpoint, if ssh-keygen left one behind (spec
// §4.2: "On success, delete the candidate file and its sidecar
// checkpoint (if present)"). ssh-keygen removes its own sidecar on
// clean completion, so a missing sidecar here is the common case, not
// an error.
func removeCandidateAndSidecar(candidatesPath string) error {
	sidecar := filepath.Join(filepath.Dir(candidatesPath), "."+filepath.Base(candidatesPath))
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("removing sidecar %s: %w", sidecar, err)
	}
	if err := os.Remove(candidatesPath); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("removing candidates file %s: %w", candidatesPath, err)
	}
	return nil
}

// RestartScreening discovers screening jobs interrupted by a previous
// run and resumes each by re-invoking ssh-keygen -M screen against the
// original candidates file: ssh-keygen itself honors the sidecar
// checkpoint and resumes rather than re-testing completed candidates
// (spec §4.3).
func (c *Coordinator) RestartScreening(ctx context.Context) ([]string, error) {
	interrupted, err := checkpoint.Discover(c.CandidatesDir)
	if err != nil {
		return nil, xerrors.Errorf("discovering interrupted screening jobs: %w", err)
	}
	if len(interrupted) == 0 {
		return nil, nil
	}
	var candidatesPaths []string
	for _, i := range interrupted {
		candidatesPaths = append(candidatesPaths, i.CandidatesPath)
	}
	return c.Screen(ctx, candidatesPaths)
}

// StoreResults parses every moduli file in moduliPaths and persists
// the rows into the store, logging a warning for any malformed line
// rather than aborting the file (spec §7 FileParseError policy).
func (c *Coordinator) StoreResults(ctx context.Context, moduliPaths []string) (store.Counts, error) {
	var total store.Counts
	for _, path := range moduliPaths {
		r, err := codec.ParseModuliFile(path, func(path string, line int, reason string) {
			c.Log.Printf("%s:%d: %s", path, line, reason)
		})
		if err != nil {
			return total, xerrors.Errorf("opening %s: %w", path, err)
		}
		var rows []codec.Modulus
		for r.Next() {
			rows = append(rows, r.Modulus())
		}
		closeErr := r.Close()
		if err := r.Err(); err != nil {
			return total, xerrors.Errorf("reading %s: %w", path, err)
		}
		if closeErr != nil {
			return total, closeErr
		}
		counts, err := c.Store.Store(ctx, rows)
		if err != nil {
			return total, xerrors.Errorf("storing rows from %s: %w", path, err)
		}
		total.Inserted += counts.Inserted
		total.Duplicates += counts.Duplicates
	}
	return total, nil
}

// EmitBalanced assembles a balanced moduli file from the store: n rows
// per key length in keyLengths, written to outPath. When consume is
// true, every emitted row is moved into the archive so it is never
// reused in a later file (spec §6 delete_records_on_moduli_write).
func (c *Coordinator) EmitBalanced(ctx context.Context, n int, keyLengths []int, outPath string, header codec.Header, consume bool) error {
	rows, err := c.Store.RetrieveBalanced(ctx, n, keyLengths)
	if err != nil {
		return xerrors.Errorf("retrieving balanced sample: %w", err)
	}
	if err := codec.WriteModuliFile(outPath, header, rows); err != nil {
		return xerrors.Errorf("writing %s: %w", outPath, err)
	}
	if consume {
		if err := c.Store.Consume(ctx, rows); err != nil {
			return xerrors.Errorf("consuming emitted rows: %w", err)
		}
	}
	return nil
}

// DiscardModuliFiles removes every path in moduliPaths. Called after
// a successful StoreResults when preserve_moduli_after_dbstore is
// false (spec §6).
func DiscardModuliFiles(moduliPaths []string) error {
	for _, p := range moduliPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}
