// Package codec implements the OpenSSH moduli line format: parsing
// ssh-keygen's candidate/screened files and emitting the final moduli
// file, bit-exact, including the compressed timestamp discipline
// (spec §4.4).
package codec

import (
	"bufio"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Modulus is a single screened safe prime, denormalized to the seven
// canonical moduli-line fields (spec §3 Modulus).
type Modulus struct {
	Timestamp  time.Time
	Type       string // "2" or "5"
	Tests      int
	Trials     int
	Size       int // the bits-1 value, as emitted by ssh-keygen
	Generator  int
	ModulusHex string
}

var hexRe = regexp.MustCompile(`^[0-9A-F]+$`)

// Hash returns the deterministic hash used for at-most-once insertion
// (spec §3: "Uniqueness is enforced by a cryptographic hash of
// modulus-hex ... source uses SHA2-512 digest stored as hex").
func (m Modulus) Hash() string {
	sum := sha512.Sum512([]byte(m.ModulusHex))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether m satisfies the field-level invariants from
// spec §3, independent of where m came from.
func (m Modulus) Validate() error {
	if !hexRe.MatchString(m.ModulusHex) {
		return xerrors.Errorf("modulus hex %q does not match ^[0-9A-F]+$", m.ModulusHex)
	}
	if m.Type != "2" && m.Type != "5" {
		return xerrors.Errorf("generator type %q not in {2,5}", m.Type)
	}
	if m.Tests < 0 || m.Trials < 0 || m.Generator < 0 || m.Size < 0 {
		return xerrors.Errorf("negative field in %+v", m)
	}
	return nil
}

// Line renders m as a single canonical moduli-file line, without a
// trailing newline.
func (m Modulus) Line() string {
	return strings.Join([]string{
		Compact(m.Timestamp),
		m.Type,
		strconv.Itoa(m.Tests),
		strconv.Itoa(m.Trials),
		strconv.Itoa(m.Size),
		strconv.Itoa(m.Generator),
		m.ModulusHex,
	}, " ")
}

// FileParseError describes a line that could not be parsed. Per spec
// §7 it is non-fatal at line granularity (the line is dropped and a
// warning logged) and fatal only at file granularity (empty/unreadable
// file).
type FileParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FileParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

// ParseLine parses a single canonical moduli line. Comment lines
// (leading '#') and lines with the wrong field count are reported via
// the returned error but never panic; callers decide whether to treat
// that as fatal.
func ParseLine(line string) (Modulus, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return Modulus{}, xerrors.Errorf("want 7 whitespace-separated fields, got %d", len(fields))
	}
	ts, err := ParseCompact(fields[0])
	if err != nil {
		return Modulus{}, xerrors.Errorf("timestamp: %w", err)
	}
	tests, err := strconv.Atoi(fields[2])
	if err != nil {
		return Modulus{}, xerrors.Errorf("tests: %w", err)
	}
	trials, err := strconv.Atoi(fields[3])
	if err != nil {
		return Modulus{}, xerrors.Errorf("trials: %w", err)
	}
	size, err := strconv.Atoi(fields[4])
	if err != nil {
		return Modulus{}, xerrors.Errorf("size: %w", err)
	}
	generator, err := strconv.Atoi(fields[5])
	if err != nil {
		return Modulus{}, xerrors.Errorf("generator: %w", err)
	}
	m := Modulus{
		Timestamp:  ts,
		Type:       fields[1],
		Tests:      tests,
		Trials:     trials,
		Size:       size,
		Generator:  generator,
		ModulusHex: fields[6],
	}
	if err := m.Validate(); err != nil {
		return Modulus{}, err
	}
	return m, nil
}

// WarnFunc receives a non-fatal per-line parse warning.
type WarnFunc func(path string, line int, reason string)

// Reader is a lazy, forward-only, finite iterator over a moduli file's
// data lines, per the Parse contract in spec §4.4.
type Reader struct {
	path    string
	f       *os.File
	scanner *bufio.Scanner
	warn    WarnFunc
	lineno  int
	cur     Modulus
	err     error
}

// ParseModuliFile opens path and returns a lazy iterator over its data
// lines. Per spec §7, FileParseError is fatal at file granularity only
// if the file is empty or unreadable: an unopenable file and a
// zero-byte file both fail here, before a single line is read.
// Individual malformed lines, once the file itself is non-empty, are
// reported to warn (if non-nil) and dropped, never aborting the
// iterator.
func ParseModuliFile(path string, warn WarnFunc) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening moduli file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat moduli file %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, &FileParseError{Path: path, Reason: "file is empty"}
	}
	return &Reader{
		path:    path,
		f:       f,
		scanner: bufio.NewScanner(f),
		warn:    warn,
	}, nil
}

// Next advances the iterator, skipping comments and malformed lines.
// It returns false at EOF or on a read error (check Err to tell them
// apart).
func (r *Reader) Next() bool {
	for r.scanner.Scan() {
		r.lineno++
		line := r.scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m, err := ParseLine(trimmed)
		if err != nil {
			if r.warn != nil {
				r.warn(r.path, r.lineno, err.Error())
			}
			continue
		}
		r.cur = m
		return true
	}
	r.err = r.scanner.Err()
	return false
}

// Modulus returns the modulus most recently yielded by Next.
func (r *Reader) Modulus() Modulus { return r.cur }

// Err returns the first non-EOF error encountered while scanning.
func (r *Reader) Err() error { return r.err }

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Header carries the identifying fields of the emitted file's comment
// header (spec §4.4 Emit contract).
type Header struct {
	Hostname    string
	EmitterID   string
	GeneratedAt time.Time
}

// WriteModuliFile writes rows, sorted ascending by Size, to path as a
// complete moduli file: a hostname/emitter header comment, a column
// header comment, then one canonical line per row. The write is
// atomic (renameio), matching the teacher's pattern for every
// user-facing file it produces (cmd/distri/install.go, bump.go,
// mirror.go).
func WriteModuliFile(path string, header Header, rows []Modulus) (err error) {
	sorted := make([]Modulus, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	t, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("creating temp file for %s: %w", path, err)
	}
	defer func() {
		if cerr := t.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(t)
	fmt.Fprintf(w, "# %s::%s: ssh2 moduli generated at %s\n",
		header.Hostname, header.EmitterID, header.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "# timestamp,type,tests,trials,size,generator,moduli")
	for _, m := range sorted {
		if _, werr := fmt.Fprintln(w, m.Line()); werr != nil {
			return xerrors.Errorf("writing %s: %w", path, werr)
		}
	}
	if err := w.Flush(); err != nil {
		return xerrors.Errorf("flushing %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

var _ io.Closer = (*Reader)(nil)
