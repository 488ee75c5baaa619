package memring

import (
	"bytes"
	"testing"

	"github.com/elliotnunn/infq/internal/memblock"
)

func TestPushPopFIFO(t *testing.T) {
	r := New(3, 64)
	for i := 0; i < 10; i++ {
		if err := r.Push(int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		data, err := r.PopZeroCopy()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if !bytes.Equal(data, []byte{byte(i)}) {
			t.Fatalf("pop %d = %v, want [%d]", i, data, i)
		}
	}
	data, err := r.PopZeroCopy()
	if err != nil || data != nil {
		t.Fatalf("pop on empty = (%v,%v), want (nil,nil)", data, err)
	}
}

func TestOverflowInvokesOnFull(t *testing.T) {
	r := New(2, 16) // small blocks force frequent rotation
	called := 0
	r.SetOnFull(func(ring *Ring) error {
		called++
		// make room by popping the head block's element out entirely
		head := ring.HeadBlock()
		for !head.Empty() {
			if err := head.JustPop(); err != nil {
				return err
			}
		}
		_, err := ring.retireHeadForTest()
		return err
	})
	for i := 0; i < 20; i++ {
		if err := r.Push(int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if called == 0 {
		t.Fatal("expected onFull to be invoked at least once")
	}
}

func TestAtZeroCopyAcrossBlocks(t *testing.T) {
	r := New(5, 24) // 12 elements fill 4 blocks of 3; the 5th slot keeps the ring from being Full
	for i := 0; i < 12; i++ {
		if err := r.Push(int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 12; i++ {
		data, err := r.AtZeroCopy(int64(i))
		if err != nil {
			t.Fatalf("at %d: %v", i, err)
		}
		if data[0] != byte(i) {
			t.Fatalf("at %d = %v, want [%d]", i, data, i)
		}
	}
}

func TestSwapHeadWithEmpty(t *testing.T) {
	r := New(2, 64)
	r.Push(0, []byte("a"))
	r.Push(1, []byte("b"))

	repl := memblock.New(64)
	old, err := r.SwapFullHeadWithEmptyBlock(repl)
	if err != nil {
		t.Fatal(err)
	}
	if old.StartIndex() != 0 {
		t.Fatalf("swapped-out block start = %d, want 0", old.StartIndex())
	}
	if r.FullBlockNum() != 0 {
		t.Fatalf("full block num = %d, want 0", r.FullBlockNum())
	}
}

func TestAppendBlockAtTail(t *testing.T) {
	r := New(2, 64)
	r.Push(0, []byte("a"))

	donor := memblock.New(64)
	donor.Reset(1)
	donor.Push([]byte("x"))

	displaced, err := r.AppendBlockAtTail(donor)
	if err != nil {
		t.Fatal(err)
	}
	if displaced == nil {
		t.Fatal("expected a displaced block")
	}
	if r.FullBlockNum() != 2 {
		t.Fatalf("full block num = %d, want 2", r.FullBlockNum())
	}
}

func (r *Ring) retireHeadForTest() (*memblock.Block, error) {
	head := r.blocks[r.firstBlock]
	return head, r.retireHead()
}
