package offsetarray

import "testing"

func TestPushGet(t *testing.T) {
	x := New[uint32]()
	for i := uint32(0); i < 20; i++ {
		x.Push(i * 8)
	}
	if x.VisibleSize() != 20 {
		t.Fatalf("visible size = %d, want 20", x.VisibleSize())
	}
	for i := 0; i < 20; i++ {
		got, err := x.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got != uint32(i*8) {
			t.Fatalf("Get(%d) = %d, want %d", i, got, i*8)
		}
	}
}

func TestAdvanceStart(t *testing.T) {
	x := New[uint32]()
	x.Push(0)
	x.Push(8)
	x.Push(16)
	if err := x.AdvanceStart(); err != nil {
		t.Fatal(err)
	}
	if x.VisibleSize() != 2 {
		t.Fatalf("visible size = %d, want 2", x.VisibleSize())
	}
	got, _ := x.Get(0)
	if got != 8 {
		t.Fatalf("Get(0) = %d, want 8", got)
	}
	x.AdvanceStart()
	x.AdvanceStart()
	if err := x.AdvanceStart(); err == nil {
		t.Fatal("expected error advancing past size")
	}
}

func TestGetOutOfRange(t *testing.T) {
	x := New[uint32]()
	x.Push(0)
	if _, err := x.Get(1); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if _, err := x.Get(-1); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestCloneInto(t *testing.T) {
	x := New[uint32]()
	for i := uint32(0); i < 5; i++ {
		x.Push(i)
	}
	x.AdvanceStart()
	x.AdvanceStart()

	var dst Index[uint32]
	x.CloneInto(&dst)
	if dst.VisibleSize() != 3 {
		t.Fatalf("clone visible size = %d, want 3", dst.VisibleSize())
	}
	got, _ := dst.Get(0)
	if got != 2 {
		t.Fatalf("clone Get(0) = %d, want 2", got)
	}
}

func TestResetAndGrow(t *testing.T) {
	x := New[uint32]()
	for i := uint32(0); i < 100; i++ {
		x.Push(i)
	}
	x.Reset()
	if x.VisibleSize() != 0 {
		t.Fatalf("visible size after reset = %d, want 0", x.VisibleSize())
	}
	x.Push(42)
	got, _ := x.Get(0)
	if got != 42 {
		t.Fatalf("Get(0) after reset = %d, want 42", got)
	}
}
