package container

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/internal/metrics"
)

// HTTPRequest dispatches a normalized HTTP request: route resolution,
// authorization, activation, handler invocation, release. The instance must
// be Ready.
func (i *Instance) HTTPRequest(ctx context.Context, req *core.HTTPRequest) (*core.HTTPResponse, error) {
	if err := i.reserve("httpRequest"); err != nil {
		return nil, err
	}
	return i.processHTTP(ctx, req)
}

// RemoteRequest dispatches an RPC call addressed by service and method. The
// instance must be Ready.
func (i *Instance) RemoteRequest(ctx context.Context, req *core.RemoteRequest) (interface{}, error) {
	if err := i.reserve("remoteRequest"); err != nil {
		return nil, err
	}
	return i.processRemote(ctx, req)
}

// EventRequest dispatches a batched event through every subscribed handler
// whose filters match. The instance must be Ready. Record-level failures are
// folded into the result; the returned error is reserved for dispatch-level
// failures (authorization, activation, invalid state).
func (i *Instance) EventRequest(ctx context.Context, req *core.EventRequest) (*core.EventResult, error) {
	if err := i.reserve("eventRequest"); err != nil {
		return nil, err
	}
	return i.processEvent(ctx, req)
}

// =============================================================================
// HTTP
// =============================================================================

func (i *Instance) processHTTP(ctx context.Context, req *core.HTTPRequest) (resp *core.HTTPResponse, err error) {
	start := time.Now()
	defer i.toReady()
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = errors.Internal("Handler panic", fmt.Errorf("%v", r))
		}
		metrics.ObserveDispatch("http", outcome(err), time.Since(start))
	}()

	route, ok := i.resolveHTTPRoute(req)
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("Route not found: %s %s", req.HTTPMethod, req.Resource))
	}
	meta := route.meta
	if _, ok := i.permissions[meta.Key()]; !ok {
		return nil, errors.Forbidden(fmt.Sprintf("Undefined permission: %s", meta.Key()))
	}

	rc, err := i.security.HTTPAuth(ctx, req, meta)
	if err != nil {
		return nil, err
	}
	rc.Bind(ctx, i.resolve)
	i.toBusy()

	args, err := meta.BindArgs(req)
	if err != nil {
		return nil, err
	}
	rc.Args = args

	defer i.release(rc)
	if err := i.activate(rc); err != nil {
		return nil, err
	}

	result, err := meta.Handler(rc, req)
	if err != nil {
		return nil, errors.Ensure(err)
	}

	resp, err = buildHTTPResponse(route.binding, result)
	if err != nil {
		return nil, err
	}
	if rc.Auth != nil && rc.Auth.Renewed {
		resp.SetHeader("Token", rc.Auth.Token)
	}
	return resp, nil
}

// resolveHTTPRoute computes the dispatch key "VERB /resource", preferring
// the domain-model suffixed key when the request's content type declares
// one.
func (i *Instance) resolveHTTPRoute(req *core.HTTPRequest) (*httpRoute, bool) {
	key := req.HTTPMethod + " " + req.Resource
	if model := req.ContentType().DomainModel; model != "" {
		if route, ok := i.httpRoutes[key+":"+model]; ok {
			return route, true
		}
	}
	route, ok := i.httpRoutes[key]
	return route, ok
}

func buildHTTPResponse(binding core.HTTPBinding, result interface{}) (*core.HTTPResponse, error) {
	if resp, ok := result.(*core.HTTPResponse); ok {
		if resp.StatusCode == 0 {
			resp.StatusCode = binding.Code
		}
		return resp, nil
	}

	resp := &core.HTTPResponse{StatusCode: binding.Code, ContentType: "application/json"}
	if result == nil {
		resp.StatusCode = binding.Code
		return resp, nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Internal("Unserializable handler result", err)
	}
	resp.Body = string(body)
	return resp, nil
}

// =============================================================================
// Remote / RPC
// =============================================================================

func (i *Instance) processRemote(ctx context.Context, req *core.RemoteRequest) (result interface{}, err error) {
	start := time.Now()
	defer i.toReady()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Internal("Handler panic", fmt.Errorf("%v", r))
		}
		metrics.ObserveDispatch("remote", outcome(err), time.Since(start))
	}()

	key := req.Service + "." + req.Method
	meta, ok := i.methods[key]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("Method not found: %s", key))
	}
	if _, ok := i.permissions[key]; !ok {
		return nil, errors.Forbidden(fmt.Sprintf("Undefined permission: %s", key))
	}

	rc, err := i.security.RemoteAuth(ctx, req, meta)
	if err != nil {
		return nil, err
	}
	rc.Bind(ctx, i.resolve)
	i.toBusy()
	rc.Args = req.Args

	defer i.release(rc)
	if err := i.activate(rc); err != nil {
		return nil, err
	}

	result, err = meta.Handler(rc, req)
	if err != nil {
		return nil, errors.Ensure(err)
	}
	return result, nil
}

// =============================================================================
// Events
// =============================================================================

func (i *Instance) processEvent(ctx context.Context, req *core.EventRequest) (result *core.EventResult, err error) {
	start := time.Now()
	defer i.toReady()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Internal("Handler panic", fmt.Errorf("%v", r))
		}
		metrics.ObserveDispatch("event", outcome(err), time.Since(start))
	}()

	result = core.NewEventResult(req)

	routes := i.eventRoutes[req.Source+" "+req.Resource]
	if len(routes) == 0 {
		// Explicit fallback: the configured alias table may map the
		// request's resource onto a registered route. Aliasing applies to
		// the route key only, never to action/object filters.
		if alias, ok := i.cfg.ResourceAlias(req.Resource); ok {
			routes = i.eventRoutes[req.Source+" "+alias]
		}
	}
	if len(routes) == 0 {
		return result, nil
	}

	busy := false
	for _, route := range routes {
		if !route.binding.Matches(req.Action, req.Object) {
			continue
		}
		meta := route.meta
		if _, ok := i.permissions[meta.Key()]; !ok {
			return nil, errors.Forbidden(fmt.Sprintf("Undefined permission: %s", meta.Key()))
		}

		rc, authErr := i.security.EventAuth(ctx, req, meta)
		if authErr != nil {
			return nil, authErr
		}
		rc.Bind(ctx, i.resolve)
		if !busy {
			i.toBusy()
			busy = true
		}

		if hookErr := i.runEventHandler(rc, meta, req, result); hookErr != nil {
			return nil, hookErr
		}
	}
	return result, nil
}

// runEventHandler activates once, runs every record of the batch through the
// handler, and releases. A record failure is folded into the result and does
// not stop the batch; an activation failure aborts the whole dispatch.
func (i *Instance) runEventHandler(rc *core.Context, meta *core.MethodMetadata, req *core.EventRequest, result *core.EventResult) error {
	defer i.release(rc)
	if err := i.activate(rc); err != nil {
		return err
	}

	defer func() { req.Record = nil }()
	for _, record := range req.Records {
		req.Record = record
		data, err := invokeRecord(meta, rc, req)
		result.Append(meta.Service, meta.Method, data, err)
		metrics.ObserveEventRecord(outcome(err))
	}
	return nil
}

// invokeRecord isolates one record invocation, converting panics into
// per-record errors so one malformed record cannot take down the batch.
func invokeRecord(meta *core.MethodMetadata, rc *core.Context, req *core.EventRequest) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = errors.Internal("Handler panic", fmt.Errorf("%v", r))
		}
	}()
	args, err := meta.BindArgs(req)
	if err != nil {
		return nil, err
	}
	rc.Args = args
	return meta.Handler(rc, req)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if se := errors.GetServiceError(err); se != nil {
		return string(se.Code)
	}
	return "error"
}
