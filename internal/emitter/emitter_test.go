package emitter

import (
	"reflect"
	"testing"
)

func TestEmitOrder(t *testing.T) {
	e := New()
	var got []string
	e.On("x", func(p any) { got = append(got, "first:"+p.(string)) }).
		On("x", func(p any) { got = append(got, "second:"+p.(string)) }).
		On("y", func(any) { got = append(got, "other") })

	e.Emit("x", "a")
	want := []string{"first:a", "second:a"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEmitWithoutListeners(t *testing.T) {
	New().Emit("nobody", nil)
	var zero Emitter
	zero.Emit("nobody", nil)
	zero.On("late", func(any) {})
	if zero.ListenerCount("late") != 1 {
		t.Fatal("zero Emitter should accept listeners")
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	e := New()
	var after bool
	e.On("x", func(any) { panic("boom") })
	e.On("x", func(any) { after = true })

	e.Emit("x", nil)
	if !after {
		t.Fatal("listener after a panicking one did not run")
	}
}

func TestOff(t *testing.T) {
	e := New()
	n := 0
	inc := func(any) { n++ }
	e.On("a", inc).On("b", inc).On("c", inc)

	e.Off("a")
	e.Emit("a", nil)
	if n != 0 {
		t.Fatal("Off(a) left a listener")
	}
	if e.ListenerCount("b") != 1 {
		t.Fatal("Off(a) removed b")
	}

	e.Off()
	e.Emit("b", nil)
	e.Emit("c", nil)
	if n != 0 {
		t.Fatalf("Off() left listeners, n=%d", n)
	}
}

func TestListenerAddedDuringEmit(t *testing.T) {
	e := New()
	calls := 0
	e.On("x", func(any) {
		e.On("x", func(any) { calls++ })
	})
	e.Emit("x", nil)
	if calls != 0 {
		t.Fatal("listener added during Emit ran in the same emission")
	}
	e.Emit("x", nil)
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
