package client

import (
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := newDispatcher(discardLogger())

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		d.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.close()

	if len(got) != 100 {
		t.Fatalf("ran %d funcs, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran %d", i, v)
		}
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := newDispatcher(discardLogger())
	ran := make(chan struct{})
	d.push(func() { panic("boom") })
	d.push(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped after a panic")
	}
	d.close()
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := newDispatcher(discardLogger())
	d.close()
	if d.push(func() {}) {
		t.Error("push accepted after close")
	}
	d.close()
}

func TestDispatcherCloseFromHandler(t *testing.T) {
	d := newDispatcher(discardLogger())

	returned := make(chan struct{})
	after := make(chan struct{})
	d.push(func() {
		d.close()
		close(returned)
	})
	d.push(func() { close(after) })

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("close called from a handler did not return")
	}
	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("queued handler dropped after close")
	}
	if d.push(func() {}) {
		t.Error("push accepted after close")
	}
	d.close()
}

func TestDispatcherHandlerMaySendMore(t *testing.T) {
	d := newDispatcher(discardLogger())
	done := make(chan struct{})
	d.push(func() {
		d.push(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested push did not run")
	}
	d.close()
}
