package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledEvent(acked *atomic.Bool) ScheduledEvent {
	return ScheduledEvent{
		Cron:          "*/5 * * * *",
		ScheduledTime: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		NoRetry:       func() { acked.Store(true) },
	}
}

func TestHandleScheduled_AcksOnSuccess(t *testing.T) {
	p := newTestPool(t, Options{}, echoPlan("sweep"))

	var acked atomic.Bool
	err := p.HandleScheduled(context.Background(), scheduledEvent(&acked), "sweep", nil)
	require.NoError(t, err)
	assert.True(t, acked.Load())
}

func TestHandleScheduled_AcksUnknownTag(t *testing.T) {
	p := newTestPool(t, Options{}, echoPlan("sweep"))

	var acked atomic.Bool
	err := p.HandleScheduled(context.Background(), scheduledEvent(&acked), "never_registered", nil)
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.True(t, acked.Load(), "redelivery cannot fix an unregistered tag")
}

func TestHandleScheduled_LeavesTransientFailureForRedelivery(t *testing.T) {
	p := newTestPool(t, Options{}, Plan{
		Tag: "sweep",
		Handler: func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("replica unavailable")
		},
	})

	var acked atomic.Bool
	err := p.HandleScheduled(context.Background(), scheduledEvent(&acked), "sweep", nil)
	require.Error(t, err)
	assert.False(t, acked.Load(), "transient failures rely on runtime redelivery")
}

func TestHandleScheduled_DedupesRedeliveredTick(t *testing.T) {
	var runs atomic.Int32
	p := newTestPool(t, Options{}, Plan{
		Tag: "sweep",
		Handler: func(context.Context, []byte) ([]byte, error) {
			runs.Add(1)
			return nil, nil
		},
	})

	var acked atomic.Bool
	ev := scheduledEvent(&acked)
	require.NoError(t, p.HandleScheduled(context.Background(), ev, "sweep", nil))
	require.NoError(t, p.HandleScheduled(context.Background(), ev, "sweep", nil))
	assert.Equal(t, int32(1), runs.Load(), "a redelivered tick replays the recorded result")
}
