package observe

import (
	"reflect"
	"testing"
)

func TestList_NotifyInRegistrationOrder(t *testing.T) {
	var l List[int]
	var got []string

	l.Add(func(v int) { got = append(got, "a") })
	l.Add(func(v int) { got = append(got, "b") })
	l.Add(func(v int) { got = append(got, "c") })

	l.Notify(1)

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestList_RemoveIsIdempotent(t *testing.T) {
	var l List[string]
	calls := 0

	remove := l.Add(func(string) { calls++ })
	l.Add(func(string) {})

	remove()
	remove()

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}

	l.Notify("x")
	if calls != 0 {
		t.Errorf("removed listener called %d times", calls)
	}
}

func TestList_UnsubscribeDuringNotify(t *testing.T) {
	var l List[int]
	calls := 0

	var remove func()
	remove = l.Add(func(int) {
		calls++
		remove()
	})

	l.Notify(1)
	l.Notify(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
