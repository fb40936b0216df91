package queue

import (
	"sync"
	"testing"

	"decoynet/internal/schema"
)

func TestRingBuffer_PushPop(t *testing.T) {
	rb := NewRingBuffer(4)

	e1 := schema.NewEvent("10.0.0.1", schema.KindLog, "a", nil)
	e2 := schema.NewEvent("10.0.0.2", schema.KindLog, "b", nil)

	if err := rb.Push(e1); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := rb.Push(e2); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, err := rb.PopBlocking()
	if err != nil {
		t.Fatalf("PopBlocking() error = %v", err)
	}
	if got.EventID != e1.EventID {
		t.Errorf("expected FIFO order, got %v", got.EventID)
	}
}

func TestRingBuffer_RejectsWhenFull(t *testing.T) {
	rb := NewRingBuffer(2)

	for i := 0; i < 2; i++ {
		if err := rb.Push(schema.NewEvent("10.0.0.1", schema.KindLog, "x", nil)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	err := rb.Push(schema.NewEvent("10.0.0.1", schema.KindLog, "overflow", nil))
	if err != ErrQueueFull {
		t.Errorf("Push() on full queue = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", m.Rejected)
	}
}

func TestRingBuffer_DrainsAfterClose(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push(schema.NewEvent("10.0.0.1", schema.KindLog, "x", nil))
	rb.Close()

	if _, err := rb.PopBlocking(); err != nil {
		t.Fatalf("PopBlocking() should drain remaining event, got %v", err)
	}
	if _, err := rb.PopBlocking(); err != ErrQueueClosed {
		t.Errorf("PopBlocking() on drained closed queue = %v, want ErrQueueClosed", err)
	}

	if err := rb.Push(schema.NewEvent("10.0.0.1", schema.KindLog, "y", nil)); err != ErrQueueClosed {
		t.Errorf("Push() on closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_ConcurrentProducersConsumers(t *testing.T) {
	rb := NewRingBuffer(1000)
	const total = 500

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/5; i++ {
				rb.Push(schema.NewEvent("10.0.0.1", schema.KindLog, "x", nil))
			}
		}()
	}
	wg.Wait()

	popped := 0
	var mu sync.Mutex
	var cwg sync.WaitGroup
	rb.Close()
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, err := rb.PopBlocking(); err != nil {
					return
				}
				mu.Lock()
				popped++
				mu.Unlock()
			}
		}()
	}
	cwg.Wait()

	if popped != total {
		t.Errorf("popped %d events, want %d", popped, total)
	}
}
