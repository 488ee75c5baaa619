package memblock

import (
	"bytes"
	"testing"
)

func TestPushPopOrder(t *testing.T) {
	b := New(256)
	b.Reset(100)
	for i := 0; i < 5; i++ {
		if err := b.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if b.EleCount() != 5 {
		t.Fatalf("ele count = %d, want 5", b.EleCount())
	}
	for i := 0; i < 5; i++ {
		data, ok, err := b.PopZeroCopy()
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if !bytes.Equal(data, []byte{byte(i)}) {
			t.Fatalf("pop %d = %v, want [%d]", i, data, i)
		}
	}
	data, ok, err := b.PopZeroCopy()
	if err != nil || ok || data != nil {
		t.Fatalf("pop on empty block = (%v,%v,%v), want (nil,false,nil)", data, ok, err)
	}
}

func TestAtZeroCopy(t *testing.T) {
	b := New(256)
	b.Reset(1000)
	for i := 0; i < 10; i++ {
		b.Push([]byte{byte(i)})
	}
	for i := 0; i < 10; i++ {
		data, err := b.AtZeroCopy(int64(1000 + i))
		if err != nil {
			t.Fatalf("at %d: %v", i, err)
		}
		if data[0] != byte(i) {
			t.Fatalf("at %d = %v, want [%d]", i, data, i)
		}
	}
	if _, err := b.AtZeroCopy(999); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
	if _, err := b.AtZeroCopy(1010); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestAtAfterPop(t *testing.T) {
	b := New(256)
	b.Reset(0)
	for i := 0; i < 5; i++ {
		b.Push([]byte{byte(i)})
	}
	b.PopZeroCopy()
	b.PopZeroCopy()
	data, err := b.AtZeroCopy(2)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 2 {
		t.Fatalf("at(2) = %v, want [2]", data)
	}
}

func TestCapacityError(t *testing.T) {
	b := New(16) // rounds to 16
	b.Reset(0)
	if err := b.Push(bytes.Repeat([]byte{1}, 20)); err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestDigestStable(t *testing.T) {
	b := New(64)
	b.Reset(5)
	b.Push([]byte("hello"))
	d1 := b.Digest()
	d2 := b.Digest()
	if d1 != d2 {
		t.Fatal("digest not idempotent")
	}
	b.Push([]byte("world"))
	d3 := b.Digest()
	if d1 == d3 {
		t.Fatal("digest did not change after mutation")
	}
}

func TestResetClearsState(t *testing.T) {
	b := New(64)
	b.Reset(0)
	b.Push([]byte("x"))
	b.SetFileBlockNo(7)
	b.Reset(42)
	if b.EleCount() != 0 || !b.Empty() {
		t.Fatal("reset did not clear block")
	}
	if b.HasFileBlockNo() {
		t.Fatal("reset did not clear file block no")
	}
	if b.StartIndex() != 42 {
		t.Fatalf("start index = %d, want 42", b.StartIndex())
	}
}
