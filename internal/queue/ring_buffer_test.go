package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRingBuffer(t *testing.T) {
	t.Run("with valid size", func(t *testing.T) {
		rb := NewRingBuffer[int](100)
		if rb.Cap() != 100 {
			t.Errorf("Cap() = %d, want 100", rb.Cap())
		}
		if rb.Len() != 0 {
			t.Errorf("Len() = %d, want 0", rb.Len())
		}
	})

	t.Run("with zero size uses default", func(t *testing.T) {
		rb := NewRingBuffer[int](0)
		if rb.Cap() != DefaultSize {
			t.Errorf("Cap() = %d, want %d (default)", rb.Cap(), DefaultSize)
		}
	})

	t.Run("with negative size uses default", func(t *testing.T) {
		rb := NewRingBuffer[string](-5)
		if rb.Cap() != DefaultSize {
			t.Errorf("Cap() = %d, want %d (default)", rb.Cap(), DefaultSize)
		}
	})
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer[int](10)

	for i := 0; i < 5; i++ {
		if err := rb.Push(i); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		got, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if got != i {
			t.Errorf("Pop() = %d, want %d", got, i)
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullDrops(t *testing.T) {
	rb := NewRingBuffer[int](3)

	for i := 0; i < 3; i++ {
		if err := rb.Push(i); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if !rb.IsFull() {
		t.Error("IsFull() = false, want true")
	}
	if err := rb.Push(99); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Dropped != 1 {
		t.Errorf("Metrics().Dropped = %d, want 1", m.Dropped)
	}
	if m.Pushed != 3 || m.Depth != 3 || m.Capacity != 3 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestRingBuffer_Wrap(t *testing.T) {
	rb := NewRingBuffer[int](3)

	for i := 0; i < 3; i++ {
		rb.Push(i)
	}
	rb.Pop()
	rb.Pop()

	for i := 3; i < 5; i++ {
		if err := rb.Push(i); err != nil {
			t.Errorf("Push() error = %v after wrap", err)
		}
	}

	want := []int{2, 3, 4}
	for _, w := range want {
		got, err := rb.Pop()
		if err != nil || got != w {
			t.Errorf("Pop() = %d, %v; want %d", got, err, w)
		}
	}
	if !rb.IsEmpty() {
		t.Error("IsEmpty() = false after draining")
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer[*int](10)
	v := 7
	rb.Push(&v)

	rb.Close()

	if err := rb.Push(&v); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}

	got, err := rb.PopContext(context.Background())
	if err != nil || got == nil || *got != 7 {
		t.Errorf("PopContext() = %v, %v; want queued item", got, err)
	}

	if _, err := rb.PopContext(context.Background()); err != ErrQueueClosed {
		t.Errorf("PopContext() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopContextWaits(t *testing.T) {
	rb := NewRingBuffer[int](10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rb.Push(1)
	}()

	start := time.Now()
	got, err := rb.PopContext(context.Background())
	elapsed := time.Since(start)

	if err != nil || got != 1 {
		t.Errorf("PopContext() = %d, %v", got, err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("PopContext() returned too quickly: %v", elapsed)
	}
}

func TestRingBuffer_PopContextCancel(t *testing.T) {
	rb := NewRingBuffer[int](10)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := rb.PopContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("PopContext() error = %v, want context.Canceled", err)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer[int](10)

	t.Run("timeout on empty queue", func(t *testing.T) {
		start := time.Now()
		_, err := rb.PopWithTimeout(50 * time.Millisecond)
		elapsed := time.Since(start)

		if err != ErrQueueEmpty {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed < 40*time.Millisecond {
			t.Errorf("PopWithTimeout() returned too quickly: %v", elapsed)
		}
	})

	t.Run("returns item if available", func(t *testing.T) {
		rb.Push(5)

		got, err := rb.PopWithTimeout(100 * time.Millisecond)
		if err != nil || got != 5 {
			t.Errorf("PopWithTimeout() = %d, %v", got, err)
		}
	})
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer[int](100)

	const numProducers = 5
	const numConsumers = 3
	const itemsPerProducer = 100

	ctx, cancel := context.WithCancel(context.Background())
	var consumed atomic.Uint64
	var consumers sync.WaitGroup
	for i := 0; i < numConsumers; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := rb.PopContext(ctx); err != nil {
					return
				}
				consumed.Add(1)
			}
		}()
	}

	var producers sync.WaitGroup
	for i := 0; i < numProducers; i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for j := 0; j < itemsPerProducer; j++ {
				rb.Push(j)
			}
		}()
	}
	producers.Wait()

	rb.Close()
	consumers.Wait()
	cancel()

	m := rb.Metrics()
	if m.Pushed+m.Dropped != numProducers*itemsPerProducer {
		t.Errorf("Pushed(%d) + Dropped(%d) != %d", m.Pushed, m.Dropped, numProducers*itemsPerProducer)
	}
	if consumed.Load() != m.Pushed {
		t.Errorf("consumed %d, pushed %d", consumed.Load(), m.Pushed)
	}
}
