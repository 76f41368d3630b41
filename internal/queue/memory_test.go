package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidgallery/api/internal/model"
)

func message(id int64) model.QueueMessage {
	return model.QueueMessage{JobID: id, RequestedFormats: []model.Format{model.Format720p}, EnqueuedAt: time.Now()}
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := q.Publish(ctx, message(i)); err != nil {
			t.Fatal(err)
		}
	}
	if q.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", q.Pending())
	}

	for want := int64(1); want <= 3; want++ {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if d.Message.JobID != want {
			t.Errorf("got job %d, want %d", d.Message.JobID, want)
		}
		if err := q.Ack(ctx, d); err != nil {
			t.Errorf("Ack: %v", err)
		}
	}
	if q.Pending() != 0 || q.InFlight() != 0 {
		t.Errorf("pending=%d inflight=%d after acking everything", q.Pending(), q.InFlight())
	}
}

func TestMemoryQueueReceiveBlocksUntilPublish(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	got := make(chan int64, 1)
	go func() {
		d, err := q.Receive(context.Background())
		if err == nil {
			got <- d.Message.JobID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Publish(context.Background(), message(7)); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-got:
		if id != 7 {
			t.Errorf("received job %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken by publish")
	}
}

func TestMemoryQueueRedeliversAfterVisibilityTimeout(t *testing.T) {
	q := NewMemoryQueue(30 * time.Millisecond)
	ctx := context.Background()
	_ = q.Publish(ctx, message(1))

	first, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Receive(ctx2)
	if err != nil {
		t.Fatalf("message was not redelivered: %v", err)
	}
	if second.Message.JobID != 1 || second.Attempt != 2 {
		t.Errorf("redelivery = job %d attempt %d", second.Message.JobID, second.Attempt)
	}
	if first.Attempt != 1 {
		t.Errorf("first attempt = %d", first.Attempt)
	}
}

func TestMemoryQueueNackRequeues(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()
	_ = q.Publish(ctx, message(1))

	d, _ := q.Receive(ctx)
	if err := q.Nack(ctx, d); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if q.Pending() != 1 {
		t.Errorf("Pending after nack = %d", q.Pending())
	}
	if err := q.Ack(ctx, d); err == nil {
		t.Error("expected ack of a nacked delivery to fail")
	}
}

func TestMemoryQueueReceiveHonoursContextAndClose(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = q.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}
