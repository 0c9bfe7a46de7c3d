package util

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestRingBufferOverwrite(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("Snapshot = %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("Last(2) = %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("Last(10) = %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("/base", abs); got != abs {
		t.Fatalf("absolute: %s", got)
	}
	if got := ResolvePath("/base", "x.db"); got != filepath.Join("/base", "x.db") {
		t.Fatalf("relative: %s", got)
	}
}
