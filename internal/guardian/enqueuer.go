package guardian

import (
	"context"

	"github.com/nikahlink/backend/internal/calls"
	"github.com/nikahlink/backend/pkg/queue"
)

// QueueNotifier bridges the call state machine to the Redis job queue. It
// implements calls.Notifier: transitions enqueue and move on; delivery,
// retries and the DLQ are the worker's problem.
type QueueNotifier struct {
	queue *queue.Queue
}

// NewQueueNotifier creates a queue-backed notifier.
func NewQueueNotifier(q *queue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

// CallStarted enqueues a call_started oversight job.
func (n *QueueNotifier) CallStarted(ctx context.Context, s calls.Session) error {
	return n.queue.EnqueueGuardianNotify(ctx, snapshotPayload(string(KindCallStarted), s))
}

// RecordingReady enqueues a recording_ready oversight job.
func (n *QueueNotifier) RecordingReady(ctx context.Context, s calls.Session) error {
	return n.queue.EnqueueGuardianNotify(ctx, snapshotPayload(string(KindRecordingReady), s))
}

func snapshotPayload(kind string, s calls.Session) queue.GuardianNotifyPayload {
	return queue.GuardianNotifyPayload{
		Kind:            kind,
		CallID:          s.CallID,
		InitiatorID:     s.InitiatorID,
		RecipientID:     s.RecipientID,
		Status:          string(s.Status),
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		RecordingURL:    s.RecordingURL,
	}
}

// NotificationFromPayload converts a dequeued job payload back into the
// dispatcher's input.
func NotificationFromPayload(p queue.GuardianNotifyPayload) Notification {
	return Notification{
		Kind:            Kind(p.Kind),
		CallID:          p.CallID,
		InitiatorID:     p.InitiatorID,
		RecipientID:     p.RecipientID,
		Status:          p.Status,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		DurationSeconds: p.DurationSeconds,
		RecordingURL:    p.RecordingURL,
	}
}
