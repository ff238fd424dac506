package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ScheduledEvent is the periodic trigger delivered by the hosting runtime
// (cron-style). NoRetry acknowledges the event so the runtime suppresses its
// automatic redelivery once the core has handled it.
type ScheduledEvent struct {
	Cron          string
	ScheduledTime time.Time
	NoRetry       func()
}

// HandleScheduled runs the tagged plan for a periodic trigger, typically the
// reconciliation / quota-sweep task.
//
// The event is acknowledged (NoRetry) when the plan completes, and also on
// failures that redelivery cannot fix - an unregistered tag stays broken no
// matter how often the runtime retries. Transient failures are left
// unacknowledged so the runtime redelivers.
func (p *Pool) HandleScheduled(ctx context.Context, ev ScheduledEvent, tag string, payload []byte) error {
	req := Request{
		Tag: tag,
		// Dedupe redeliveries of the same tick.
		IdempotencyKey: fmt.Sprintf("scheduled/%s/%d", ev.Cron, ev.ScheduledTime.UnixNano()),
		Payload:        payload,
	}

	_, err := p.Invoke(ctx, req)
	if err == nil {
		ack(ev)
		return nil
	}

	if isPermanent(err) {
		slog.Error("scheduled task failed permanently", "cron", ev.Cron, "tag", tag, "error", err)
		ack(ev)
		return err
	}

	slog.Warn("scheduled task failed, leaving for redelivery", "cron", ev.Cron, "tag", tag, "error", err)
	return err
}

func ack(ev ScheduledEvent) {
	if ev.NoRetry != nil {
		ev.NoRetry()
	}
}

// isPermanent reports whether redelivering the trigger could not succeed.
// Lifecycle, backpressure, timeout, and handler failures may all clear up
// before the next delivery; a tag with no registered plan never will.
func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownTag)
}
