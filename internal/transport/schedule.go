package transport

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// EventDispatcher is the slice of the pool the scheduler needs.
type EventDispatcher interface {
	EventRequest(ctx context.Context, req *core.EventRequest) (*core.EventResult, error)
}

// Scheduler fires events on the "schedule" source from cron expressions.
// Each schedule entry is a resource name; subscribed handlers receive a
// single-record batch per fire.
type Scheduler struct {
	cron *cron.Cron
	pool EventDispatcher
	log  *logger.Logger
}

// NewScheduler creates an idle scheduler.
func NewScheduler(pool EventDispatcher, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{cron: cron.New(), pool: pool, log: log}
}

// Add registers a cron expression firing against the named resource.
func (s *Scheduler) Add(resource, spec string) error {
	_, err := s.cron.AddFunc(spec, func() { s.fire(resource) })
	if err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"resource": resource,
		"spec":     spec,
	}).Info("Schedule registered")
	return nil
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running fires to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(resource string) {
	now := time.Now().UTC()
	req := &core.EventRequest{
		BaseRequest: core.BaseRequest{Type: core.RequestEvent},
		Source:      "schedule",
		Resource:    resource,
		Action:      "Fire",
		Time:        now.Format(time.RFC3339),
		Records:     []core.EventRecord{{"scheduled": now.Format(time.RFC3339)}},
	}

	result, err := s.pool.EventRequest(context.Background(), req)
	if err != nil {
		s.log.WithError(err).WithField("resource", resource).Error("Schedule dispatch failed")
		return
	}
	if result.Status == core.EventFailed {
		s.log.WithField("resource", resource).Warn("Schedule handlers reported failures")
	}
}
