package core

import (
	"fmt"
	"strings"

	"github.com/nimbusfn/nimbus/internal/errors"
)

// Role names a caller category a method may accept.
const (
	RolePublic   = "Public"
	RoleInternal = "Internal"
	RoleRemote   = "Remote"
	RoleDebug    = "Debug"
	RoleLocal    = "Local"
)

// Roles is the set of caller categories a method accepts. The zero value
// declares nothing: a method published with empty Roles has no permission
// recorded and every call to it is rejected at dispatch time.
type Roles struct {
	Public   bool
	Internal bool
	Remote   bool
	Debug    bool
	Local    bool
	Custom   map[string]bool
}

// Allows reports whether the named role is accepted.
func (r Roles) Allows(role string) bool {
	switch role {
	case RolePublic:
		return r.Public
	case RoleInternal:
		return r.Internal
	case RoleRemote:
		return r.Remote
	case RoleDebug:
		return r.Debug
	case RoleLocal:
		return r.Local
	}
	return r.Custom[role]
}

// Empty reports whether no role flag is set at all.
func (r Roles) Empty() bool {
	return !r.Public && !r.Internal && !r.Remote && !r.Debug && !r.Local && len(r.Custom) == 0
}

// Handler is a dispatchable service method. The container resolves handlers
// from its route tables built once at publish time.
type Handler func(ctx *Context, req Request) (interface{}, error)

// =============================================================================
// Bindings
// =============================================================================

// ArgSource identifies where a declared argument is taken from.
type ArgSource string

const (
	ArgPath      ArgSource = "path"
	ArgQuery     ArgSource = "query"
	ArgHeader    ArgSource = "header"
	ArgBody      ArgSource = "body"
	ArgBodyField ArgSource = "bodyField"
	ArgRecord    ArgSource = "record"
)

// ArgBinding declares one handler argument and its source in the request.
type ArgBinding struct {
	Source ArgSource
	Name   string
}

// HTTPBinding declares an HTTP route for a method. DomainModel optionally
// disambiguates polymorphic body shapes sharing the same verb and resource.
type HTTPBinding struct {
	Verb        string
	Resource    string
	DomainModel string
	Code        int
}

// RouteKey returns the dispatch key this binding registers under.
func (b HTTPBinding) RouteKey() string {
	key := b.Verb + " " + b.Resource
	if b.DomainModel != "" {
		key += ":" + b.DomainModel
	}
	return key
}

// EventBinding subscribes a method to an event source/resource pair. Empty
// filters match everything.
type EventBinding struct {
	Source       string
	Resource     string
	ActionFilter string
	ObjectFilter string
}

// RouteKey returns the dispatch key this subscription registers under.
func (b EventBinding) RouteKey() string {
	return b.Source + " " + b.Resource
}

// Matches applies the subscription's wildcard filters to a concrete
// action/object pair.
func (b EventBinding) Matches(action, object string) bool {
	actionFilter := b.ActionFilter
	if actionFilter == "" {
		actionFilter = "*"
	}
	objectFilter := b.ObjectFilter
	if objectFilter == "" {
		objectFilter = "*"
	}
	return WildcardMatch(actionFilter, action) && WildcardMatch(objectFilter, object)
}

// =============================================================================
// Method and service metadata
// =============================================================================

// MethodMetadata is the static descriptor of one dispatchable method. It is
// built once during registration and read-only afterwards.
type MethodMetadata struct {
	Service string
	Method  string
	Roles   Roles
	Args    []ArgBinding
	HTTP    []HTTPBinding
	Events  []EventBinding
	Handler Handler

	// rolesDeclared distinguishes "no permission recorded" from an
	// intentionally empty role set.
	rolesDeclared bool
}

// Key returns the permission-table key for this method.
func (m *MethodMetadata) Key() string {
	return m.Service + "." + m.Method
}

// HasPermission reports whether a permission descriptor was recorded for the
// method.
func (m *MethodMetadata) HasPermission() bool {
	return m.rolesDeclared
}

// BindArgs resolves the method's declared argument bindings against a
// request. Unknown path/query names resolve to empty strings; a bodyField
// binding against an unparsable body is an error.
func (m *MethodMetadata) BindArgs(req Request) ([]interface{}, error) {
	if len(m.Args) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(m.Args))
	for _, binding := range m.Args {
		value, err := resolveArg(binding, req)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func resolveArg(binding ArgBinding, req Request) (interface{}, error) {
	switch r := req.(type) {
	case *HTTPRequest:
		switch binding.Source {
		case ArgPath:
			return r.PathParameters[binding.Name], nil
		case ArgQuery:
			return r.QueryStringParameters[binding.Name], nil
		case ArgHeader:
			return r.Header(binding.Name), nil
		case ArgBody:
			return r.Body, nil
		case ArgBodyField:
			body, err := r.JSON()
			if err != nil {
				return nil, err
			}
			return body[binding.Name], nil
		}
	case *RemoteRequest:
		// Remote arguments arrive positionally; bindings do not apply.
		return nil, nil
	case *EventRequest:
		if binding.Source == ArgRecord {
			return r.Record, nil
		}
	}
	return nil, errors.BadRequest(fmt.Sprintf("Unresolvable argument %q from %s", binding.Name, binding.Source))
}

// ServiceMetadata describes a registered service: its identity, declared
// dependencies, and dispatchable methods.
type ServiceMetadata struct {
	Name         string
	Application  string
	Dependencies []string
	Methods      []*MethodMetadata
}

// ID returns the container registry id. Proxies for another application
// register under "application:name".
func (s *ServiceMetadata) ID() string {
	if s.Application != "" {
		return s.Application + ":" + s.Name
	}
	return s.Name
}

// Service is implemented by anything publishable to a container.
type Service interface {
	Metadata() *ServiceMetadata
}

// =============================================================================
// Builder
// =============================================================================

// ServiceBuilder accumulates service metadata through ordinary code, taking
// the place of declaration-time decorators.
type ServiceBuilder struct {
	meta *ServiceMetadata
	err  error
}

// NewService starts building metadata for the named service.
func NewService(name string) *ServiceBuilder {
	b := &ServiceBuilder{meta: &ServiceMetadata{Name: strings.TrimSpace(name)}}
	if b.meta.Name == "" {
		b.err = errors.Internal("Service name is required", nil)
	}
	return b
}

// Application marks the service as a proxy for another application.
func (b *ServiceBuilder) Application(app string) *ServiceBuilder {
	b.meta.Application = app
	return b
}

// DependsOn declares registry ids resolved into the service at prepare time.
func (b *ServiceBuilder) DependsOn(ids ...string) *ServiceBuilder {
	b.meta.Dependencies = append(b.meta.Dependencies, ids...)
	return b
}

// Method starts a method declaration.
func (b *ServiceBuilder) Method(name string, handler Handler) *MethodBuilder {
	meta := &MethodMetadata{Service: b.meta.Name, Method: name, Handler: handler}
	if handler == nil && b.err == nil {
		b.err = errors.Internal(fmt.Sprintf("Method %s.%s has no handler", b.meta.Name, name), nil)
	}
	for _, existing := range b.meta.Methods {
		if existing.Method == name && b.err == nil {
			b.err = errors.Internal(fmt.Sprintf("Duplicate method %s.%s", b.meta.Name, name), nil)
		}
	}
	b.meta.Methods = append(b.meta.Methods, meta)
	return &MethodBuilder{svc: b, meta: meta}
}

// Build finalizes the metadata. The first declaration error wins.
func (b *ServiceBuilder) Build() (*ServiceMetadata, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.meta, nil
}

// MustBuild is Build for static declarations that cannot legally fail.
func (b *ServiceBuilder) MustBuild() *ServiceMetadata {
	meta, err := b.Build()
	if err != nil {
		panic(err)
	}
	return meta
}

// MethodBuilder declares one method's permission, bindings, and routes.
type MethodBuilder struct {
	svc  *ServiceBuilder
	meta *MethodMetadata
}

// Roles records the method's permission descriptor.
func (m *MethodBuilder) Roles(roles Roles) *MethodBuilder {
	m.meta.Roles = roles
	m.meta.rolesDeclared = true
	return m
}

// Arg declares a handler argument bound from the request.
func (m *MethodBuilder) Arg(source ArgSource, name string) *MethodBuilder {
	m.meta.Args = append(m.meta.Args, ArgBinding{Source: source, Name: name})
	return m
}

// Route declares an HTTP route with full control over the binding.
func (m *MethodBuilder) Route(binding HTTPBinding) *MethodBuilder {
	if binding.Code == 0 {
		binding.Code = 200
	}
	m.meta.HTTP = append(m.meta.HTTP, binding)
	return m
}

// Get declares a GET route.
func (m *MethodBuilder) Get(resource string) *MethodBuilder {
	return m.Route(HTTPBinding{Verb: "GET", Resource: resource})
}

// Post declares a POST route.
func (m *MethodBuilder) Post(resource string) *MethodBuilder {
	return m.Route(HTTPBinding{Verb: "POST", Resource: resource})
}

// Put declares a PUT route.
func (m *MethodBuilder) Put(resource string) *MethodBuilder {
	return m.Route(HTTPBinding{Verb: "PUT", Resource: resource})
}

// Delete declares a DELETE route.
func (m *MethodBuilder) Delete(resource string) *MethodBuilder {
	return m.Route(HTTPBinding{Verb: "DELETE", Resource: resource})
}

// Event subscribes the method to an event route with wildcard filters.
func (m *MethodBuilder) Event(source, resource, actionFilter, objectFilter string) *MethodBuilder {
	m.meta.Events = append(m.meta.Events, EventBinding{
		Source:       source,
		Resource:     resource,
		ActionFilter: actionFilter,
		ObjectFilter: objectFilter,
	})
	return m
}

// Method starts the next method declaration on the parent service.
func (m *MethodBuilder) Method(name string, handler Handler) *MethodBuilder {
	return m.svc.Method(name, handler)
}

// Build finalizes the parent service metadata.
func (m *MethodBuilder) Build() (*ServiceMetadata, error) {
	return m.svc.Build()
}

// MustBuild finalizes the parent service metadata, panicking on declaration
// errors.
func (m *MethodBuilder) MustBuild() *ServiceMetadata {
	return m.svc.MustBuild()
}
