package agent

import (
	"sync"
	"testing"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

func TestQueueFIFO(t *testing.T) {
	q := NewSendQueue(identity.Codex)
	q.Enqueue(QueuedMessage{From: "opus", Text: "first"})
	q.Enqueue(QueuedMessage{From: "gemini", Text: "second"})

	msg, ok := q.Dequeue()
	if !ok || msg.Text != "first" {
		t.Fatalf("expected first, got %+v ok=%v", msg, ok)
	}
	msg, ok = q.Dequeue()
	if !ok || msg.Text != "second" {
		t.Fatalf("expected second, got %+v ok=%v", msg, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueueSingleConcurrency(t *testing.T) {
	q := NewSendQueue(identity.Codex)

	if !q.TryLock() {
		t.Fatal("first lock must succeed")
	}
	if q.TryLock() {
		t.Fatal("second lock must fail while held")
	}
	q.Unlock()
	if !q.TryLock() {
		t.Fatal("lock must succeed after unlock")
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := NewSendQueue(identity.Gemini)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(QueuedMessage{Text: "x"})
		}()
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("expected 50 queued, got %d", q.Len())
	}
}

func TestQueueClear(t *testing.T) {
	q := NewSendQueue(identity.Qwen)
	q.Enqueue(QueuedMessage{Text: "x"})
	q.Clear()
	if q.Len() != 0 {
		t.Error("clear should drop pending messages")
	}
}
