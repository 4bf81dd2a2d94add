package shutdown

import (
	"errors"
	"testing"
)

func resetForTest() {
	registry.Lock()
	defer registry.Unlock()
	registry.fns = nil
	registry.closed = 0
}

func TestRunExecutesInOrder(t *testing.T) {
	resetForTest()
	var order []int
	Register(func() error { order = append(order, 1); return nil })
	Register(func() error { order = append(order, 2); return nil })
	if err := Run(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestRunStopsAtFirstError(t *testing.T) {
	resetForTest()
	want := errors.New("boom")
	ran := false
	Register(func() error { return want })
	Register(func() error { ran = true; return nil })
	if err := Run(); err != want {
		t.Fatalf("Run() = %v, want %v", err, want)
	}
	if ran {
		t.Error("second func ran after first returned an error")
	}
}

func TestRegisterAfterRunPanics(t *testing.T) {
	resetForTest()
	if err := Run(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Register after Run did not panic")
		}
	}()
	Register(func() error { return nil })
}
