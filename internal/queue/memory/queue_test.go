package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/rss-fetch-worker/internal/feed"
)

func TestBrokerEnqueueNextJob(t *testing.T) {
	t.Parallel()

	b := NewBroker(2, time.Second, nil)
	if err := b.EnqueueJob(context.Background(), feed.Job{Link: "http://a/rss"}); err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	d, ok, err := b.NextJob(context.Background())
	if err != nil || !ok {
		t.Fatalf("NextJob() = %v, %v", ok, err)
	}
	if d.Job.Link != "http://a/rss" {
		t.Fatalf("expected http://a/rss, got %+v", d.Job)
	}
	if err := b.Acknowledge(context.Background(), d.Token); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if got := b.Acked(); len(got) != 1 || got[0] != `{"link":"http://a/rss"}` {
		t.Fatalf("unexpected acked %v", got)
	}
	if err := b.Acknowledge(context.Background(), d.Token); err == nil {
		t.Fatal("expected error acknowledging twice")
	}
}

func TestBrokerSkipsMalformed(t *testing.T) {
	t.Parallel()

	b := NewBroker(2, 20*time.Millisecond, nil)
	if err := b.Enqueue(context.Background(), []byte(`{"url":"x"}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	_, ok, err := b.NextJob(context.Background())
	if err != nil || ok {
		t.Fatalf("expected timeout after malformed task, got ok=%v err=%v", ok, err)
	}
	if got := b.Acked(); len(got) != 1 {
		t.Fatalf("malformed task should be acked, got %v", got)
	}
}

func TestBrokerRejectRequeues(t *testing.T) {
	t.Parallel()

	b := NewBroker(2, time.Second, nil)
	_ = b.EnqueueJob(context.Background(), feed.Job{Link: "http://a/rss"})
	_ = b.EnqueueJob(context.Background(), feed.Job{Link: "http://b/rss"})

	first, _, _ := b.NextJob(context.Background())
	if err := b.Reject(context.Background(), first.Token); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	second, _, _ := b.NextJob(context.Background())
	third, _, _ := b.NextJob(context.Background())
	if second.Job.Link != "http://b/rss" || third.Job.Link != "http://a/rss" {
		t.Fatalf("expected rejected job at tail, got %s then %s", second.Job.Link, third.Job.Link)
	}
	if third.Token == first.Token {
		t.Fatal("redelivery must carry a fresh token")
	}
	if got := b.Rejected(); len(got) != 1 {
		t.Fatalf("unexpected rejected %v", got)
	}
}

func TestBrokerCancelAndClose(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := b.NextJob(ctx); err == nil || err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, _, err := b.NextJob(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Enqueue(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	// Closing twice should be safe.
	_ = b.Close()
}

func TestBrokerSettlesWhileProducerBlocked(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, time.Second, nil)
	ctx := context.Background()

	if err := b.EnqueueJob(ctx, feed.Job{Link: "http://a/rss"}); err != nil {
		t.Fatalf("EnqueueJob(a) error = %v", err)
	}
	first, ok, err := b.NextJob(ctx)
	if err != nil || !ok {
		t.Fatalf("NextJob() = %v, %v", ok, err)
	}
	if err := b.EnqueueJob(ctx, feed.Job{Link: "http://b/rss"}); err != nil {
		t.Fatalf("EnqueueJob(b) error = %v", err)
	}

	// The queue is full, so this producer blocks until a slot frees up.
	produced := make(chan error, 1)
	go func() {
		produced <- b.EnqueueJob(ctx, feed.Job{Link: "http://c/rss"})
	}()
	time.Sleep(20 * time.Millisecond)

	settled := make(chan error, 1)
	go func() {
		settled <- b.Acknowledge(ctx, first.Token)
	}()
	select {
	case err := <-settled:
		if err != nil {
			t.Fatalf("Acknowledge() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acknowledge blocked behind a producer waiting on a full queue")
	}

	// Reject takes the same lock and must not block either; the queue is
	// still full so the rejected body is dropped.
	second, ok, err := b.NextJob(ctx)
	if err != nil || !ok || second.Job.Link != "http://b/rss" {
		t.Fatalf("NextJob() = %+v, %v, %v", second.Job, ok, err)
	}
	select {
	case err := <-produced:
		if err != nil {
			t.Fatalf("blocked EnqueueJob(c) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer was not released after a slot freed up")
	}
	if err := b.Reject(ctx, second.Token); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("expected 1 queued task, got %d", got)
	}
}

func TestBrokerCloseReleasesBlockedProducer(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, time.Second, nil)
	if err := b.Enqueue(context.Background(), []byte(`{"link":"http://a/rss"}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	produced := make(chan error, 1)
	go func() {
		produced <- b.Enqueue(context.Background(), []byte(`{"link":"http://b/rss"}`))
	}()
	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-produced:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the blocked producer")
	}
}
