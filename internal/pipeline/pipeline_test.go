package pipeline

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/store/memstore"
	"github.com/moduli-generator/moduli-generator/internal/subprocess"
	"github.com/moduli-generator/moduli-generator/internal/testutil"
)

func newCoordinator(t *testing.T) (*Coordinator, *bytes.Buffer) {
	t.Helper()
	base := t.TempDir()
	candidatesDir := filepath.Join(base, "candidates")
	moduliDir := filepath.Join(base, "moduli")
	for _, d := range []string{candidatesDir, moduliDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	stub := testutil.StubSSHKeygen(t, base, 3)
	return &Coordinator{
		Harness:       &subprocess.Harness{Log: logger},
		Store:         memstore.New(),
		CandidatesDir: candidatesDir,
		ModuliDir:     moduliDir,
		Log:           logger,
		SSHKeygenPath: stub,
	}, &buf
}

func TestGenerateThenScreenThenStore(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	candidatesPaths, err := c.Generate(ctx, []int{3072, 4096})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(candidatesPaths) != 2 {
		t.Fatalf("Generate returned %d candidates files, want 2", len(candidatesPaths))
	}

	moduliPaths, err := c.Screen(ctx, candidatesPaths)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if len(moduliPaths) != 2 {
		t.Fatalf("Screen returned %d moduli files, want 2", len(moduliPaths))
	}

	counts, err := c.StoreResults(ctx, moduliPaths)
	if err != nil {
		t.Fatalf("StoreResults: %v", err)
	}
	if counts.Inserted != 6 {
		t.Errorf("Inserted = %d, want 6 (3 lines x 2 files)", counts.Inserted)
	}

	byKeyLength, err := c.Store.CountBySize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if byKeyLength[3072] != 3 || byKeyLength[4096] != 3 {
		t.Errorf("CountBySize = %v, want {3072:3 4096:3}", byKeyLength)
	}
}

// S1: empty key-lengths run spawns nothing and produces nothing.
func TestGenerateEmptyKeyLengths(t *testing.T) {
	c, buf := newCoordinator(t)
	ctx := context.Background()

	candidatesPaths, err := c.Generate(ctx, []int{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(candidatesPaths) != 0 {
		t.Fatalf("Generate returned %d candidates files, want 0", len(candidatesPaths))
	}
	entries, err := os.ReadDir(c.CandidatesDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("candidates dir has %d entries, want 0", len(entries))
	}
	if buf.Len() != 0 {
		t.Errorf("log output = %q, want empty (no subprocess should have been spawned)", buf.String())
	}
}

func TestEmitBalancedWritesSortedFile(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	candidatesPaths, err := c.Generate(ctx, []int{3072, 4096})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	moduliPaths, err := c.Screen(ctx, candidatesPaths)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if _, err := c.StoreResults(ctx, moduliPaths); err != nil {
		t.Fatalf("StoreResults: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "ssh2-moduli_out")
	header := codec.Header{Hostname: "test-host", EmitterID: "moduli-generator"}
	if err := c.EmitBalanced(ctx, 3, []int{3072, 4096}, outPath, header, true); err != nil {
		t.Fatalf("EmitBalanced: %v", err)
	}

	r, err := codec.ParseModuliFile(outPath, nil)
	if err != nil {
		t.Fatalf("ParseModuliFile: %v", err)
	}
	defer r.Close()
	var sizes []int
	for r.Next() {
		sizes = append(sizes, r.Modulus().Size)
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 6 {
		t.Fatalf("emitted %d rows, want 6", len(sizes))
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i-1] > sizes[i] {
			t.Fatalf("rows not ascending by size: %v", sizes)
		}
	}

	counts, err := c.Store.CountBySize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total := counts[3072] + counts[4096]; total != 0 {
		t.Errorf("live count after consume = %d, want 0", total)
	}
}

func TestRestartScreeningResumesInterrupted(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	candidatesPaths, err := c.Generate(ctx, []int{3072})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	in := candidatesPaths[0]
	sidecar := filepath.Join(filepath.Dir(in), "."+filepath.Base(in))
	if err := os.WriteFile(sidecar, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	moduliPaths, err := c.RestartScreening(ctx)
	if err != nil {
		t.Fatalf("RestartScreening: %v", err)
	}
	if len(moduliPaths) != 1 {
		t.Fatalf("RestartScreening resumed %d jobs, want 1", len(moduliPaths))
	}
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Error("sidecar still present after successful resume")
	}
	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Error("candidates file still present after successful resume")
	}
}
