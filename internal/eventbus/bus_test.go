package eventbus

import (
	"testing"

	logx "retryq/pkg/logx"
)

type kind int

const (
	kindA kind = iota + 1
	kindB
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New[kind, string](logx.Nop())
	var got []string
	b.Subscribe(kindA, func(s string) { got = append(got, "1:"+s) })
	b.Subscribe(kindA, func(s string) { got = append(got, "2:"+s) })
	b.Subscribe(kindB, func(s string) { got = append(got, "b:"+s) })

	if n := b.Publish(kindA, "x"); n != 2 {
		t.Fatalf("Publish delivered to %d, want 2", n)
	}
	want := []string{"1:x", "2:x"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUnsubscribeIsStableAndIdempotent(t *testing.T) {
	b := New[kind, int](logx.Nop())
	var first, second int
	unsub1 := b.Subscribe(kindA, func(int) { first++ })
	b.Subscribe(kindA, func(int) { second++ })

	unsub1()
	unsub1()
	if b.Len(kindA) != 1 {
		t.Fatalf("Len = %d after unsubscribe, want 1", b.Len(kindA))
	}
	b.Publish(kindA, 1)
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := New[kind, int](logx.Nop())
	var after int
	b.Subscribe(kindA, func(int) { panic("subscriber bug") })
	b.Subscribe(kindA, func(v int) { after += v })

	if n := b.Publish(kindA, 5); n != 1 {
		t.Fatalf("Publish ok count = %d, want 1", n)
	}
	if after != 5 {
		t.Fatalf("second subscriber not reached, after=%d", after)
	}
}

func TestSubscribeDuringPublish(t *testing.T) {
	b := New[kind, int](logx.Nop())
	var late int
	b.Subscribe(kindA, func(int) {
		b.Subscribe(kindA, func(int) { late++ })
	})
	b.Publish(kindA, 1)
	if late != 0 {
		t.Fatalf("subscriber added mid-publish received the in-flight event")
	}
	b.Publish(kindA, 2)
	if late != 1 {
		t.Fatalf("late subscriber calls = %d, want 1", late)
	}
}

func TestHasAndNilBus(t *testing.T) {
	var nb *Bus[kind, int]
	if nb.Has(kindA) || nb.Publish(kindA, 1) != 0 {
		t.Fatal("nil bus should be inert")
	}
	nb.Subscribe(kindA, func(int) {})()

	b := New[kind, int](logx.Nop())
	if b.Has(kindB) {
		t.Fatal("Has on empty bus")
	}
	unsub := b.Subscribe(kindB, func(int) {})
	if !b.Has(kindB) {
		t.Fatal("Has after subscribe")
	}
	unsub()
	if b.Has(kindB) {
		t.Fatal("Has after unsubscribe")
	}
}
