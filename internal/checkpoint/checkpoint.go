// Package checkpoint discovers screening work interrupted by a
// previous run, by treating ssh-keygen's sidecar checkpoint files as
// opaque presence markers (spec §4.3). It never reads or writes the
// sidecar's contents; only its existence and filename matter.
package checkpoint

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"golang.org/x/xerrors"
)

var sidecarRe = regexp.MustCompile(`^\.candidates_(\d+)_(\d+)$`)

// Interrupted describes one screening job that was interrupted before
// ssh-keygen removed its sidecar checkpoint.
type Interrupted struct {
	KeyLength        int
	CompactTimestamp string
	CandidatesPath   string // original candidates file, sidecar dot removed
	SidecarPath      string
}

// Discover scans candidatesDir for sidecar checkpoints and derives,
// for each one, the key length, compact timestamp and original
// candidates file path; Interrupted.ModuliPath derives the moduli
// output path it should resume into. It never touches
// the filesystem beyond listing candidatesDir: resumption itself is
// the caller's job (spec §4.3 Resumption protocol).
func Discover(candidatesDir string) ([]Interrupted, error) {
	entries, err := os.ReadDir(candidatesDir)
	if err != nil {
		return nil, xerrors.Errorf("reading candidates dir %s: %w", candidatesDir, err)
	}
	var found []Interrupted
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := sidecarRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		keyLength, err := strconv.Atoi(m[1])
		if err != nil {
			continue // sidecarRe already guarantees digits; defensive only
		}
		found = append(found, Interrupted{
			KeyLength:        keyLength,
			CompactTimestamp: m[2],
			CandidatesPath:   filepath.Join(candidatesDir, e.Name()[1:]),
			SidecarPath:      filepath.Join(candidatesDir, e.Name()),
		})
	}
	return found, nil
}

// ModuliPath derives the moduli output path for an interrupted
// screening job, re-rooted into moduliDir with the moduli_ prefix
// (spec §4.3: "same stem, without the leading dot, ... re-rooted into
// the moduli directory with moduli_ prefix").
func (i Interrupted) ModuliPath(moduliDir string) string {
	return filepath.Join(moduliDir, "moduli_"+strconv.Itoa(i.KeyLength)+"_"+i.CompactTimestamp)
}
