package loadcache

import (
	"bytes"
	"testing"
)

func TestAddGet(t *testing.T) {
	c := New(16)
	k := Key{Suffix: 3, Offset: 128}
	if _, ok := c.Get(k); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Add(k, []byte("hello"))
	got, ok := c.Get(k)
	if !ok {
		t.Fatal("expected hit after add")
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %v, want %v", got, []byte("hello"))
	}
}

func TestDistinctKeysDoNotCollide(t *testing.T) {
	c := New(16)
	c.Add(Key{Suffix: 1, Offset: 0}, []byte("a"))
	c.Add(Key{Suffix: 2, Offset: 0}, []byte("b"))
	v1, _ := c.Get(Key{Suffix: 1, Offset: 0})
	v2, _ := c.Get(Key{Suffix: 2, Offset: 0})
	if bytes.Equal(v1, v2) {
		t.Fatal("distinct keys returned identical values unexpectedly")
	}
}
