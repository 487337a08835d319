package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/metrics"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

type registrationKind int

const (
	regService registrationKind = iota
	regNamed
	regPublish
)

type registration struct {
	kind   registrationKind
	id     string
	target interface{}
	svc    core.Service
}

// Pool manages a set of container instances behind the same three request
// entry points. Registrations and publications are queued and replayed onto
// each instance the pool creates, so a cold start is paid once per instance
// and every instance carries an identical service set.
type Pool struct {
	log *logger.Logger

	mu        sync.Mutex
	regs      []registration
	head      *Instance
	instances []*Instance
	seq       int
}

// NewPool creates an empty pool.
func NewPool(log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewDefault("pool")
	}
	return &Pool{log: log}
}

// Register queues a service or proxy registration. It is applied to every
// instance the pool creates from this point on; instances already prepared
// are immutable and unaffected.
func (p *Pool) Register(target interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = append(p.regs, registration{kind: regService, target: target})
}

// RegisterNamed queues a plain resource registration under an explicit id.
func (p *Pool) RegisterNamed(id string, target interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = append(p.regs, registration{kind: regNamed, id: id, target: target})
}

// Publish queues a service publication.
func (p *Pool) Publish(svc core.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = append(p.regs, registration{kind: regPublish, svc: svc})
}

// PublishedServices returns the metadata of every queued publication, in
// order. Transport adapters use it to mirror the HTTP route set.
func (p *Pool) PublishedServices() []*core.ServiceMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*core.ServiceMetadata
	for _, reg := range p.regs {
		if reg.kind == regPublish {
			out = append(out, reg.svc.Metadata())
		}
	}
	return out
}

// Prepare returns a Ready instance, lazily creating and wiring one when none
// is free. The instance scan is a fast synchronous decision; only instance
// creation pays the cold-start cost.
func (p *Pool) Prepare(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.State() == StateReady {
			return inst, nil
		}
	}
	return p.createLocked(ctx)
}

// acquire picks a Ready instance and atomically reserves it, creating a new
// instance when every existing one is unavailable.
func (p *Pool) acquire(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.tryReserve() {
			return inst, nil
		}
	}
	inst, err := p.createLocked(ctx)
	if err != nil {
		return nil, err
	}
	// Freshly created and not yet visible outside the pool lock; the
	// reservation cannot fail.
	inst.tryReserve()
	return inst, nil
}

// createLocked builds a new instance, replays the queued registrations, and
// prepares it. Caller holds p.mu.
func (p *Pool) createLocked(ctx context.Context) (*Instance, error) {
	p.seq++
	inst := NewInstance(fmt.Sprintf("instance-%d", p.seq), p.log)
	for _, reg := range p.regs {
		var err error
		switch reg.kind {
		case regService:
			err = inst.Register(reg.target)
		case regNamed:
			err = inst.RegisterNamed(reg.id, reg.target)
		case regPublish:
			err = inst.Publish(reg.svc)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := inst.Prepare(ctx); err != nil {
		return nil, err
	}

	if p.head == nil {
		p.head = inst
	}
	p.instances = append(p.instances, inst)
	metrics.SetPoolInstances(len(p.instances))
	p.log.WithField("instances", len(p.instances)).Debug("Container instance created")
	return inst, nil
}

// Size returns the current number of instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Head returns the first instance the pool created, or nil before the first
// prepare.
func (p *Pool) Head() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

// Dispose trims the pool back down to the head instance.
func (p *Pool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		p.instances = nil
	} else {
		p.instances = []*Instance{p.head}
	}
	metrics.SetPoolInstances(len(p.instances))
}

// =============================================================================
// Request entry points
// =============================================================================

// HTTPRequest obtains a free instance and dispatches the request on it.
func (p *Pool) HTTPRequest(ctx context.Context, req *core.HTTPRequest) (*core.HTTPResponse, error) {
	inst, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return inst.processHTTP(ctx, req)
}

// RemoteRequest obtains a free instance and dispatches the call on it.
func (p *Pool) RemoteRequest(ctx context.Context, req *core.RemoteRequest) (interface{}, error) {
	inst, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return inst.processRemote(ctx, req)
}

// EventRequest obtains a free instance and dispatches the batch on it.
func (p *Pool) EventRequest(ctx context.Context, req *core.EventRequest) (*core.EventResult, error) {
	inst, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return inst.processEvent(ctx, req)
}
