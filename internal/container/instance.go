package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/internal/security"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// Lifecycle hooks a registered object may implement.

// Initializer runs once at prepare time, after dependency wiring.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Activator runs before every handler invocation, in registration order.
// The first activation failure aborts the request: a partially activated
// service set cannot be guaranteed consistent.
type Activator interface {
	Activate(ctx *core.Context) error
}

// Releaser runs after every handler invocation, success or failure. Release
// failures are logged and swallowed; every registered service gets a chance
// to release.
type Releaser interface {
	Release(ctx *core.Context) error
}

// Wirer receives the container's registry resolver at prepare time so the
// object can bind its declared dependencies by id.
type Wirer interface {
	Wire(resolve core.Resolver) error
}

type httpRoute struct {
	meta    *core.MethodMetadata
	binding core.HTTPBinding
}

type eventRoute struct {
	meta    *core.MethodMetadata
	binding core.EventBinding
}

// Instance is a single stateful dispatcher owning one set of wired services.
type Instance struct {
	id  string
	log *logger.Logger

	mu    sync.Mutex
	state State

	cfg      *config.Config
	security security.Provider

	registry map[string]interface{}
	order    []string

	methods     map[string]*core.MethodMetadata
	permissions map[string]*core.MethodMetadata
	httpRoutes  map[string]*httpRoute
	eventRoutes map[string][]*eventRoute
}

// NewInstance creates a Pending instance.
func NewInstance(id string, log *logger.Logger) *Instance {
	if log == nil {
		log = logger.NewDefault("container")
	}
	return &Instance{
		id:          id,
		log:         log.WithField("instance", id),
		state:       StatePending,
		registry:    make(map[string]interface{}),
		methods:     make(map[string]*core.MethodMetadata),
		permissions: make(map[string]*core.MethodMetadata),
		httpRoutes:  make(map[string]*httpRoute),
		eventRoutes: make(map[string][]*eventRoute),
	}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// =============================================================================
// Registration
// =============================================================================

// Register adds a service or proxy to the instance registry under its
// declared id. The designated configuration and security implementations are
// additionally bound to their well-known slots. Only legal while Pending.
func (i *Instance) Register(target interface{}) error {
	svc, ok := target.(core.Service)
	if !ok {
		return errors.Internal("Register requires service metadata; use RegisterNamed for plain resources", nil)
	}
	return i.register(svc.Metadata().ID(), target)
}

// RegisterNamed adds a plain resource under an explicit id.
func (i *Instance) RegisterNamed(id string, target interface{}) error {
	return i.register(id, target)
}

func (i *Instance) register(id string, target interface{}) error {
	if err := i.requireState(StatePending, "register"); err != nil {
		return err
	}
	if id == "" {
		return errors.Internal("Registration requires an id", nil)
	}
	if _, exists := i.registry[id]; exists {
		return errors.Internal(fmt.Sprintf("Duplicate registration: %s", id), nil)
	}

	if cfg, ok := target.(*config.Config); ok {
		if i.cfg != nil {
			return errors.Internal("Duplicate configuration registration", nil)
		}
		i.cfg = cfg
	}
	if provider, ok := target.(security.Provider); ok {
		if i.security != nil {
			return errors.Internal("Duplicate security provider registration", nil)
		}
		i.security = provider
	}

	i.registry[id] = target
	i.order = append(i.order, id)
	return nil
}

// Publish registers the service and walks its method metadata into the
// dispatch tables: the permission table, the HTTP route table (duplicates
// fatal), and the event route table (subscriptions accumulate). Only legal
// while Pending.
func (i *Instance) Publish(svc core.Service) error {
	if err := i.Register(svc); err != nil {
		return err
	}

	meta := svc.Metadata()
	for _, method := range meta.Methods {
		key := method.Key()
		if _, exists := i.methods[key]; exists {
			return errors.Internal(fmt.Sprintf("Duplicate method: %s", key), nil)
		}
		i.methods[key] = method
		if method.HasPermission() {
			i.permissions[key] = method
		}

		for _, binding := range method.HTTP {
			routeKey := binding.RouteKey()
			if existing, exists := i.httpRoutes[routeKey]; exists {
				return errors.Internal(fmt.Sprintf("Duplicate route: %s already bound to %s", routeKey, existing.meta.Key()), nil)
			}
			i.httpRoutes[routeKey] = &httpRoute{meta: method, binding: binding}
		}
		for _, binding := range method.Events {
			routeKey := binding.RouteKey()
			i.eventRoutes[routeKey] = append(i.eventRoutes[routeKey], &eventRoute{meta: method, binding: binding})
		}
	}
	return nil
}

// Prepare performs the one-time wiring pass: dependency resolution across
// all registered objects, initializer hooks in registration order, and the
// transition to Ready. Only legal while Pending.
func (i *Instance) Prepare(ctx context.Context) error {
	if err := i.requireState(StatePending, "prepare"); err != nil {
		return err
	}

	if i.cfg == nil {
		i.cfg = config.Default()
	}
	if i.security == nil {
		i.security = security.New(i.cfg, i.log)
	}

	for _, id := range i.order {
		if wirer, ok := i.registry[id].(Wirer); ok {
			if err := wirer.Wire(i.resolve); err != nil {
				return errors.Internal(fmt.Sprintf("Wiring failed for %s", id), err)
			}
		}
	}
	for _, id := range i.order {
		if init, ok := i.registry[id].(Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return errors.Internal(fmt.Sprintf("Initialization failed for %s", id), err)
			}
		}
	}

	i.mu.Lock()
	i.state = StateReady
	i.mu.Unlock()
	i.log.WithField("registrations", len(i.order)).Debug("Container instance ready")
	return nil
}

// resolve is the registry lookup handed to Wirers and request contexts.
func (i *Instance) resolve(id string) (interface{}, bool) {
	target, ok := i.registry[id]
	return target, ok
}

// Lookup returns a registered object by id.
func (i *Instance) Lookup(id string) (interface{}, bool) {
	return i.resolve(id)
}

// =============================================================================
// State transitions
// =============================================================================

func invalidState(op string, state State) *errors.ServiceError {
	return errors.Internal("Invalid container state", nil).
		WithReason("invalid_state").
		WithDetails("operation", op).
		WithDetails("state", state.String())
}

func (i *Instance) requireState(want State, op string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != want {
		return invalidState(op, i.state)
	}
	return nil
}

// reserve transitions Ready -> Reserved, failing fast without touching the
// state when the instance is anything but Ready.
func (i *Instance) reserve(op string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return invalidState(op, i.state)
	}
	i.state = StateReserved
	return nil
}

// tryReserve is reserve for the pool's atomic scan-and-pick.
func (i *Instance) tryReserve() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return false
	}
	i.state = StateReserved
	return true
}

func (i *Instance) toBusy() {
	i.mu.Lock()
	i.state = StateBusy
	i.mu.Unlock()
}

// toReady restores the idle state. Runs on every exit path of a request.
func (i *Instance) toReady() {
	i.mu.Lock()
	i.state = StateReady
	i.mu.Unlock()
}

// =============================================================================
// Lifecycle hooks around handler invocation
// =============================================================================

func (i *Instance) activate(rc *core.Context) error {
	for _, id := range i.order {
		if activator, ok := i.registry[id].(Activator); ok {
			if err := activator.Activate(rc); err != nil {
				return errors.Ensure(err)
			}
		}
	}
	return nil
}

func (i *Instance) release(rc *core.Context) {
	for _, id := range i.order {
		releaser, ok := i.registry[id].(Releaser)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					i.log.WithField("service", id).Errorf("Release hook panic: %v", r)
				}
			}()
			if err := releaser.Release(rc); err != nil {
				i.log.WithError(err).WithField("service", id).Warn("Release hook failed")
			}
		}()
	}
}
