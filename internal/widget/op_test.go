package widget

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOp_CompletesWithResult(t *testing.T) {
	want := errors.New("boom")
	op := start(context.Background(), func(context.Context) error { return want })

	if err := op.Wait(context.Background()); err != want {
		t.Errorf("Wait = %v, want %v", err, want)
	}
	if op.Err() != want {
		t.Errorf("Err = %v, want %v", op.Err(), want)
	}
}

func TestOp_ErrNilBeforeDone(t *testing.T) {
	release := make(chan struct{})
	op := start(context.Background(), func(context.Context) error {
		<-release
		return errors.New("late")
	})
	if op.Err() != nil {
		t.Error("Err returned a value before the op finished")
	}
	close(release)
	<-op.Done()
}

func TestOp_Cancel(t *testing.T) {
	op := start(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	op.Cancel()

	select {
	case <-op.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("op did not stop after Cancel")
	}
	if !errors.Is(op.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", op.Err())
	}
}

func TestOp_WaitRespectsContext(t *testing.T) {
	op := start(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	defer op.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := op.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestFinished(t *testing.T) {
	op := finished(ErrNotInitialized)
	select {
	case <-op.Done():
	default:
		t.Fatal("finished op not done")
	}
	if op.Err() != ErrNotInitialized {
		t.Errorf("Err = %v", op.Err())
	}
	op.Cancel()
}
