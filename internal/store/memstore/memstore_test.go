package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/store"
)

func modulusAt(size int, hex string) codec.Modulus {
	return codec.Modulus{
		Timestamp:  time.Now().UTC(),
		Type:       "2",
		Tests:      6,
		Trials:     100,
		Size:       size,
		Generator:  2,
		ModulusHex: hex,
	}
}

// S3: duplicate insertion.
func TestStoreDuplicateInsertion(t *testing.T) {
	ctx := context.Background()
	b := New()
	m := modulusAt(3071, "C805")

	c1, err := b.Store(ctx, []codec.Modulus{m})
	if err != nil {
		t.Fatal(err)
	}
	if c1.Inserted != 1 || c1.Duplicates != 0 {
		t.Fatalf("first Store = %+v, want {Inserted:1 Duplicates:0}", c1)
	}

	c2, err := b.Store(ctx, []codec.Modulus{m})
	if err != nil {
		t.Fatal(err)
	}
	if c2.Inserted != 0 || c2.Duplicates != 1 {
		t.Fatalf("second Store = %+v, want {Inserted:0 Duplicates:1}", c2)
	}

	counts, err := b.CountBySize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total := sum(counts); total != 1 {
		t.Errorf("count_by_size sum = %d, want 1", total)
	}
}

// S4: insufficient-records emission.
func TestRetrieveBalancedInsufficientRecords(t *testing.T) {
	ctx := context.Background()
	b := New()
	var rows []codec.Modulus
	for i := 0; i < 5; i++ {
		rows = append(rows, modulusAt(3071, hexFor(i)))
	}
	if _, err := b.Store(ctx, rows); err != nil {
		t.Fatal(err)
	}

	_, err := b.RetrieveBalanced(ctx, 20, []int{3072})
	var insufficient *store.InsufficientRecords
	if !errors.As(err, &insufficient) {
		t.Fatalf("RetrieveBalanced error = %v, want *InsufficientRecords", err)
	}
	if insufficient.KeyLength != 3072 || insufficient.Available != 5 || insufficient.Requested != 20 {
		t.Errorf("InsufficientRecords = %+v, want {3072 5 20}", insufficient)
	}
}

// S6: balanced assemble with consume.
func TestRetrieveBalancedAndConsume(t *testing.T) {
	ctx := context.Background()
	b := New()
	sizes := []int{3071, 4095, 6143, 7679, 8191}
	for _, size := range sizes {
		var rows []codec.Modulus
		for i := 0; i < 25; i++ {
			rows = append(rows, modulusAt(size, hexFor(size*1000+i)))
		}
		if _, err := b.Store(ctx, rows); err != nil {
			t.Fatal(err)
		}
	}

	keyLengths := []int{3072, 4096, 6144, 7680, 8192}
	got, err := b.RetrieveBalanced(ctx, 20, keyLengths)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("RetrieveBalanced returned %d rows, want 100", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Size > got[i].Size {
			t.Fatalf("rows not sorted ascending by size at index %d: %d > %d", i, got[i-1].Size, got[i].Size)
		}
	}

	if err := b.Consume(ctx, got); err != nil {
		t.Fatal(err)
	}

	counts, err := b.CountBySize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total := sum(counts); total != 25 {
		t.Errorf("count_by_size sum after consume = %d, want 25", total)
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()
	m := modulusAt(3071, "FEED")
	if _, err := b.Store(ctx, []codec.Modulus{m}); err != nil {
		t.Fatal(err)
	}
	if err := b.Consume(ctx, []codec.Modulus{m}); err != nil {
		t.Fatal(err)
	}
	// Consuming again must not error and must not duplicate the archive.
	if err := b.Consume(ctx, []codec.Modulus{m}); err != nil {
		t.Fatal(err)
	}
}

func TestAtMostOnceAcrossLiveAndArchive(t *testing.T) {
	ctx := context.Background()
	b := New()
	m := modulusAt(3071, "0102")
	if _, err := b.Store(ctx, []codec.Modulus{m}); err != nil {
		t.Fatal(err)
	}
	if err := b.Consume(ctx, []codec.Modulus{m}); err != nil {
		t.Fatal(err)
	}
	// Storing the same modulus again after it has been archived must be
	// treated as a duplicate, never re-inserted into the live table.
	c, err := b.Store(ctx, []codec.Modulus{m})
	if err != nil {
		t.Fatal(err)
	}
	if c.Inserted != 0 || c.Duplicates != 1 {
		t.Fatalf("Store after archive = %+v, want {Inserted:0 Duplicates:1}", c)
	}
}

func sum(m map[int]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func hexFor(i int) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, 16)
	for n := i + 1; n > 0; n /= 16 {
		out = append([]byte{digits[n%16]}, out...)
	}
	return string(out)
}
