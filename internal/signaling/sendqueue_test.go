package signaling

import (
	"testing"
	"time"
)

func TestSendQueue_ByteBudget(t *testing.T) {
	q := newSendQueue(8)
	if !q.Enqueue([]byte("12345")) {
		t.Fatalf("first frame rejected")
	}
	if q.Enqueue([]byte("6789")) {
		t.Fatalf("frame over budget accepted")
	}
	if !q.Enqueue([]byte("678")) {
		t.Fatalf("frame within budget rejected")
	}

	f, ok := q.Dequeue()
	if !ok || string(f.data) != "12345" {
		t.Fatalf("Dequeue = %q, %v", f.data, ok)
	}
	if !q.Enqueue([]byte("abcde")) {
		t.Fatalf("budget not released by Dequeue")
	}
}

func TestSendQueue_SealFlushesThenStops(t *testing.T) {
	q := newSendQueue(64)
	q.Enqueue([]byte("a"))
	if !q.Seal(1000, "bye") {
		t.Fatalf("Seal failed")
	}
	if q.Enqueue([]byte("b")) {
		t.Fatalf("Enqueue after Seal accepted")
	}
	if q.Seal(1001, "again") {
		t.Fatalf("second Seal accepted")
	}

	f, ok := q.Dequeue()
	if !ok || string(f.data) != "a" || f.final {
		t.Fatalf("first item = %+v, %v", f, ok)
	}
	f, ok = q.Dequeue()
	if !ok || !f.final || f.closeCode != 1000 || f.closeReason != "bye" {
		t.Fatalf("final item = %+v, %v", f, ok)
	}
}

func TestSendQueue_CloseWakesWriter(t *testing.T) {
	q := newSendQueue(64)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Dequeue returned an item after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
	if q.Enqueue([]byte("x")) {
		t.Fatalf("Enqueue after Close accepted")
	}
}
