package settlement

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueDeliversFingerprints(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, fingerprint string) error {
			got <- fingerprint
			return nil
		})
	}()

	if err := queue.Publish(ctx, "fp-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case fingerprint := <-got:
		if fingerprint != "fp-1" {
			t.Fatalf("expected fp-1, got %s", fingerprint)
		}
	case <-time.After(time.Second):
		t.Fatal("fingerprint was not delivered")
	}
}

func TestWatcherRecoversPendingAndResolves(t *testing.T) {
	fc := &fakeChain{receiptBlock: 50, head: 50}
	client, store, _ := newTestClient(fc)
	proof, quote := testProof()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	record, err := client.Submit(ctx, "task-1", proof, quote)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	queue := NewMemoryQueue(4)
	defer queue.Close()

	resolved := make(chan *Record, 1)
	watcher := NewWatcher(client, store, queue,
		WithWatcherWorkers(1),
		WithTerminalCallback(func(_ context.Context, r *Record) {
			resolved <- r
		}),
	)

	// Recover 把遗留的 pending 记录重新投递到队列。
	if err := watcher.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	go func() { _ = watcher.Start(ctx) }()

	select {
	case r := <-resolved:
		if r.Fingerprint != record.Fingerprint || r.Status != StatusConfirmed {
			t.Fatalf("unexpected resolution: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not resolve the pending settlement")
	}
}
