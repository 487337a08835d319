// Package status exposes runtime health information as a regular dispatched
// service: an HTTP route for operators, a remote method for sibling
// applications, and a scheduled heartbeat subscription.
package status

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// Service reports process and host health.
type Service struct {
	log     *logger.Logger
	cfg     *config.Config
	started time.Time
}

// New creates the status service.
func New(log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("status")
	}
	return &Service{log: log, started: time.Now()}
}

// Wire resolves the runtime configuration from the container registry.
func (s *Service) Wire(resolve core.Resolver) error {
	if cfg, ok := resolve("config"); ok {
		s.cfg, _ = cfg.(*config.Config)
	}
	return nil
}

// Metadata publishes the service's routes and subscriptions.
func (s *Service) Metadata() *core.ServiceMetadata {
	return core.NewService("status").
		Method("report", s.report).
		Roles(core.Roles{Public: true, Internal: true, Remote: true}).
		Get("/status").
		Method("heartbeat", s.heartbeat).
		Roles(core.Roles{Internal: true}).
		Event("schedule", "heartbeat", "Fire", "").
		MustBuild()
}

func (s *Service) report(_ *core.Context, _ core.Request) (interface{}, error) {
	payload := map[string]interface{}{
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg != nil {
		payload["application"] = s.cfg.AppID
		payload["stage"] = s.cfg.Stage
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memoryUsedPercent"] = vm.UsedPercent
	}
	if uptime, err := host.Uptime(); err == nil {
		payload["hostUptimeSeconds"] = uptime
	}
	return payload, nil
}

func (s *Service) heartbeat(rc *core.Context, req core.Request) (interface{}, error) {
	event := req.(*core.EventRequest)
	s.log.WithFields(map[string]interface{}{
		"requestId": rc.RequestID,
		"scheduled": event.Record["scheduled"],
	}).Info("Heartbeat")
	return "alive", nil
}
