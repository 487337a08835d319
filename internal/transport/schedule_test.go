package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

type capturingDispatcher struct {
	mu       sync.Mutex
	requests []*core.EventRequest
}

func (d *capturingDispatcher) EventRequest(_ context.Context, req *core.EventRequest) (*core.EventResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	result := core.NewEventResult(req)
	result.Append("svc", "method", "done", nil)
	return result, nil
}

func (d *capturingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&capturingDispatcher{}, logger.New("test", "error"))
	assert.Error(t, s.Add("nightly", "not a cron spec"))
	assert.NoError(t, s.Add("nightly", "0 3 * * *"))
}

func TestSchedulerFiresEvent(t *testing.T) {
	d := &capturingDispatcher{}
	s := NewScheduler(d, logger.New("test", "error"))

	// Directly exercise the fire path; cron timing is the library's concern.
	s.fire("nightly-report")

	require.Equal(t, 1, d.count())
	req := d.requests[0]
	assert.Equal(t, "schedule", req.Source)
	assert.Equal(t, "nightly-report", req.Resource)
	assert.Equal(t, "Fire", req.Action)
	require.Len(t, req.Records, 1)

	fired, err := time.Parse(time.RFC3339, req.Time)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), fired, time.Minute)
}
