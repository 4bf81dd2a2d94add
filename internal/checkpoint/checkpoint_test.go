package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverFindsSidecars(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "candidates_3072_20240102030405000000"))
	touch(t, filepath.Join(dir, ".candidates_3072_20240102030405000000"))
	touch(t, filepath.Join(dir, "candidates_4096_20240102030405000001"))
	touch(t, filepath.Join(dir, "unrelated.txt"))

	got, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Discover found %d entries, want 1: %+v", len(got), got)
	}
	i := got[0]
	if i.KeyLength != 3072 || i.CompactTimestamp != "20240102030405000000" {
		t.Errorf("Discover = %+v, want KeyLength=3072 CompactTimestamp=20240102030405000000", i)
	}
	wantCandidates := filepath.Join(dir, "candidates_3072_20240102030405000000")
	if i.CandidatesPath != wantCandidates {
		t.Errorf("CandidatesPath = %q, want %q", i.CandidatesPath, wantCandidates)
	}
}

func TestDiscoverEmptyDir(t *testing.T) {
	dir := t.TempDir()
	got, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("Discover on empty dir = %+v, want empty", got)
	}
}

func TestModuliPath(t *testing.T) {
	i := Interrupted{KeyLength: 3072, CompactTimestamp: "20240102030405000000"}
	got := i.ModuliPath("/var/moduli")
	want := filepath.Join("/var/moduli", "moduli_3072_20240102030405000000")
	if got != want {
		t.Errorf("ModuliPath = %q, want %q", got, want)
	}
}

func TestDiscoverMultipleSidecars(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, ".candidates_3072_1"))
	touch(t, filepath.Join(dir, ".candidates_4096_2"))
	got, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	sizes := make([]int, len(got))
	for i, g := range got {
		sizes[i] = g.KeyLength
	}
	sort.Ints(sizes)
	if len(sizes) != 2 || sizes[0] != 3072 || sizes[1] != 4096 {
		t.Errorf("got sizes %v, want [3072 4096]", sizes)
	}
}
