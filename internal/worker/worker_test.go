package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nikahlink/backend/pkg/queue"
)

type failingQueue struct{}

func (q *failingQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("redis unavailable")
}

func (q *failingQueue) Retry(ctx context.Context, job *queue.Job) error { return nil }

func TestRunStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewNotificationProcessor(nil, &failingQueue{}, nil)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Let the loop hit the dequeue error and enter its retry backoff, then
	// cancel. The backoff is far longer than the test deadline, so Run only
	// returns in time if cancellation interrupts the wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop during retry backoff")
	}
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	p := NewNotificationProcessor(nil, &failingQueue{}, nil)
	if err := p.Process(context.Background(), &queue.Job{Type: "email_digest"}); err == nil {
		t.Fatal("unknown job type accepted")
	}
}
