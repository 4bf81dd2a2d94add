// Package testutil provides fixtures shared by this module's tests: a
// stub ssh-keygen that fabricates candidate/moduli files instead of
// performing real primality search, and small filesystem helpers.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	t.Helper()
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// StubSSHKeygen writes an executable shell script to dir that mimics
// just enough of ssh-keygen -M generate/screen to drive pipeline tests
// without a real primality search: generate writes count candidate
// lines (opaque to the core, so their content is a placeholder),
// screen creates the sidecar checkpoint, writes one canned moduli line
// per input line (size and modulus keyed off the key length in the
// candidates filename), then removes the sidecar. It returns the
// script's path.
func StubSSHKeygen(t testing.TB, dir string, linesPerGenerate int) string {
	t.Helper()
	path := filepath.Join(dir, "ssh-keygen")
	script := fmt.Sprintf(`#!/bin/sh
set -e
mode=""
bits=""
infile=""
outfile=""
while [ $# -gt 0 ]; do
  case "$1" in
    -M) mode="$2"; shift 2 ;;
    -O) bits="${2#bits=}"; shift 2 ;;
    -f) infile="$2"; shift 2 ;;
    *) outfile="$1"; shift ;;
  esac
done

if [ "$mode" = "generate" ]; then
  i=0
  while [ $i -lt %d ]; do
    echo "candidate-line-$i" >> "$outfile"
    i=$((i+1))
  done
  exit 0
fi

if [ "$mode" = "screen" ]; then
  sidecar="$(dirname "$infile")/.$(basename "$infile")"
  touch "$sidecar"
  base="$(basename "$infile")"
  rest="${base#candidates_}"
  keylength="${rest%%_*}"
  size=$(( keylength - 1 ))
  n=0
  while read -r _line; do
    ts="20260101000000$(printf '%%06d' "$n")"
    printf '%%s 2 6 100 %%s 2 %%s\n' "$ts" "$size" "$(printf 'AB%%s%%02d' "$keylength" "$n")" >> "$outfile"
    n=$((n+1))
  done < "$infile"
  rm -f "$sidecar"
  exit 0
fi

echo "stub ssh-keygen: unrecognized invocation: $*" >&2
exit 1
`, linesPerGenerate)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing stub ssh-keygen: %v", err)
	}
	return path
}
