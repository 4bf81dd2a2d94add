// Package memstore is an in-memory store.Backend used by tests in
// place of a real database connection — the capability-boundary test
// double called for by Design Note §9 ("production code contains no
// knowledge of tests").
package memstore

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/store"
)

// Backend is a goroutine-safe in-memory implementation of
// store.Backend, backed by plain maps keyed on the modulus hash so
// uniqueness is structural rather than checked.
type Backend struct {
	mu      sync.Mutex
	live    map[string]codec.Modulus
	archive map[string]codec.Modulus
	rng     *rand.Rand
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		live:    make(map[string]codec.Modulus),
		archive: make(map[string]codec.Modulus),
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (b *Backend) Store(ctx context.Context, rows []codec.Modulus) (store.Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var c store.Counts
	for _, m := range rows {
		h := m.Hash()
		if _, dup := b.live[h]; dup {
			c.Duplicates++
			continue
		}
		if _, dup := b.archive[h]; dup {
			c.Duplicates++
			continue
		}
		b.live[h] = m
		c.Inserted++
	}
	return c, nil
}

func (b *Backend) RetrieveBalanced(ctx context.Context, n int, keyLengths []int) ([]codec.Modulus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bySize := make(map[int][]codec.Modulus)
	for _, m := range b.live {
		bySize[m.Size] = append(bySize[m.Size], m)
	}

	var out []codec.Modulus
	for _, k := range keyLengths {
		size := k - 1
		candidates := bySize[size]
		if len(candidates) < n {
			return nil, &store.InsufficientRecords{KeyLength: k, Available: len(candidates), Requested: n}
		}
		shuffled := make([]codec.Modulus, len(candidates))
		copy(shuffled, candidates)
		b.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		out = append(out, shuffled[:n]...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out, nil
}

func (b *Backend) Consume(ctx context.Context, rows []codec.Modulus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range rows {
		h := m.Hash()
		if _, already := b.archive[h]; already {
			continue // idempotent: another emitter already archived it
		}
		if v, ok := b.live[h]; ok {
			delete(b.live, h)
			b.archive[h] = v
		} else {
			// Absent from live and not yet archived: treat as
			// already-consumed per spec §4.5 Consume idempotence.
			b.archive[h] = m
		}
	}
	return nil
}

func (b *Backend) CountBySize(ctx context.Context) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int)
	for _, m := range b.live {
		out[m.Size+1]++
	}
	return out, nil
}

func (b *Backend) VerifySchema(ctx context.Context) (store.SchemaReport, error) {
	// The in-memory backend has no schema to drift: it always reports a
	// clean pass so pipeline-level tests can exercise the success path
	// without a real database.
	return store.SchemaReport{
		Status: store.StatusPassed,
		Checks: []store.SchemaCheck{
			{Object: "moduli", OK: true},
			{Object: "moduli_archive", OK: true},
			{Object: "constants", OK: true},
			{Object: "moduli_view", OK: true},
		},
	}, nil
}

func (b *Backend) Close() error { return nil }

var _ store.Backend = (*Backend)(nil)
