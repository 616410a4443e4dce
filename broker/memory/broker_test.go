package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/broker/memory"
	"github.com/floqueue/floq/id"
)

func TestBroker_PublishConsume(t *testing.T) {
	b := memory.New()
	defer b.Close()

	jobID := id.NewJobID()
	if err := b.Publish(context.Background(), jobID, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.JobID != jobID {
		t.Errorf("JobID = %v, want %v", d.JobID, jobID)
	}
	if d.ID.IsNil() {
		t.Error("delivery ID should be set")
	}
}

func TestBroker_DelayedPublish(t *testing.T) {
	b := memory.New()
	defer b.Close()

	jobID := id.NewJobID()
	if err := b.Publish(context.Background(), jobID, 50*time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Not visible before the delay elapses.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("early consume should time out, got %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	d, err := b.Consume(ctx2)
	if err != nil {
		t.Fatalf("consume after delay: %v", err)
	}
	if d.JobID != jobID {
		t.Errorf("JobID = %v, want %v", d.JobID, jobID)
	}
}

func TestBroker_NackRedelivers(t *testing.T) {
	b := memory.New()
	defer b.Close()

	jobID := id.NewJobID()
	if err := b.Publish(context.Background(), jobID, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := b.Nack(context.Background(), d); err != nil {
		t.Fatalf("nack: %v", err)
	}

	d2, err := b.Consume(context.Background())
	if err != nil {
		t.Fatalf("consume after nack: %v", err)
	}
	if d2.JobID != jobID {
		t.Errorf("JobID = %v, want %v", d2.JobID, jobID)
	}
	if d2.ID == d.ID {
		t.Error("redelivery should carry a fresh delivery ID")
	}
}

func TestBroker_CloseUnblocksConsume(t *testing.T) {
	b := memory.New()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Consume(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, floq.ErrBrokerClosed) {
			t.Errorf("consume after close = %v, want ErrBrokerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consume did not unblock on close")
	}

	if err := b.Publish(context.Background(), id.NewJobID(), 0); !errors.Is(err, floq.ErrBrokerClosed) {
		t.Errorf("publish after close = %v, want ErrBrokerClosed", err)
	}
}

func TestBroker_CapacityFull(t *testing.T) {
	b := memory.New(memory.WithCapacity(1))
	defer b.Close()

	if err := b.Publish(context.Background(), id.NewJobID(), 0); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.Publish(context.Background(), id.NewJobID(), 0); err == nil {
		t.Fatal("publish past capacity should fail")
	}
}
