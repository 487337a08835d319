package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/internal/security"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// =============================================================================
// Test helpers
// =============================================================================

type testService struct {
	meta *core.ServiceMetadata
}

func (s *testService) Metadata() *core.ServiceMetadata { return s.meta }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AppID = "shop"
	cfg.Auth.UserSecret = "user-secret"
	cfg.Auth.InternalSecret = "internal-secret"
	cfg.Auth.RemoteSecret = "remote-secret"
	return cfg
}

func testLogger() *logger.Logger {
	return logger.New("container-test", "error")
}

// itemsService exposes GET /items/{id} publicly and an internal remote
// method.
func itemsService() core.Service {
	meta := core.NewService("items").
		Method("get", func(rc *core.Context, req core.Request) (interface{}, error) {
			return map[string]interface{}{"id": rc.Args[0]}, nil
		}).
		Roles(core.Roles{Public: true}).
		Get("/items/{id}").
		Arg(core.ArgPath, "id").
		Method("count", func(rc *core.Context, req core.Request) (interface{}, error) {
			return 3, nil
		}).
		Roles(core.Roles{Internal: true}).
		MustBuild()
	return &testService{meta: meta}
}

func readyInstance(t *testing.T, cfg *config.Config, services ...core.Service) *Instance {
	t.Helper()
	inst := NewInstance("test", testLogger())
	if cfg != nil {
		require.NoError(t, inst.RegisterNamed("config", cfg))
	}
	for _, svc := range services {
		require.NoError(t, inst.Publish(svc))
	}
	require.NoError(t, inst.Prepare(context.Background()))
	return inst
}

func getItemRequest(id string) *core.HTTPRequest {
	return &core.HTTPRequest{
		BaseRequest:    core.BaseRequest{Type: core.RequestHTTP, RequestID: "r1"},
		HTTPMethod:     "GET",
		Resource:       "/items/{id}",
		Path:           "/items/" + id,
		PathParameters: map[string]string{"id": id},
		SourceIP:       "203.0.113.9",
	}
}

// hookRecorder is a registered resource that records lifecycle hook calls
// and can be made to fail.
type hookRecorder struct {
	name         string
	calls        *[]string
	failActivate bool
	failRelease  bool
	panicRelease bool
}

func (h *hookRecorder) Activate(_ *core.Context) error {
	*h.calls = append(*h.calls, h.name+":activate")
	if h.failActivate {
		return errors.Unavailable(h.name + " activation failed")
	}
	return nil
}

func (h *hookRecorder) Release(_ *core.Context) error {
	*h.calls = append(*h.calls, h.name+":release")
	if h.panicRelease {
		panic(h.name + " release panic")
	}
	if h.failRelease {
		return errors.Unavailable(h.name + " release failed")
	}
	return nil
}

// =============================================================================
// State machine
// =============================================================================

func TestEntryPointsRequireReady(t *testing.T) {
	inst := NewInstance("pending", testLogger())
	require.Equal(t, StatePending, inst.State())

	_, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.Error(t, err)
	assert.Equal(t, "invalid_state", errors.GetServiceError(err).Reason)
	assert.True(t, errors.HasCode(err, errors.CodeInternal))
	// A rejected request must not move the state.
	assert.Equal(t, StatePending, inst.State())

	_, err = inst.RemoteRequest(context.Background(), &core.RemoteRequest{})
	require.Error(t, err)
	assert.Equal(t, StatePending, inst.State())

	_, err = inst.EventRequest(context.Background(), &core.EventRequest{})
	require.Error(t, err)
	assert.Equal(t, StatePending, inst.State())
}

func TestRegisterRequiresPending(t *testing.T) {
	inst := readyInstance(t, testConfig(), itemsService())

	err := inst.RegisterNamed("late", struct{}{})
	require.Error(t, err)
	assert.Equal(t, "invalid_state", errors.GetServiceError(err).Reason)

	err = inst.Publish(itemsService())
	require.Error(t, err)
}

func TestStateRestoredAfterSuccess(t *testing.T) {
	inst := readyInstance(t, testConfig(), itemsService())

	_, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.NoError(t, err)
	assert.Equal(t, StateReady, inst.State())
}

func TestStateRestoredAfterHandlerError(t *testing.T) {
	svc := &testService{meta: core.NewService("broken").
		Method("fail", func(rc *core.Context, req core.Request) (interface{}, error) {
			return nil, errors.Conflict("nope")
		}).
		Roles(core.Roles{Public: true}).
		Get("/broken").
		MustBuild()}
	inst := readyInstance(t, testConfig(), svc)

	req := &core.HTTPRequest{HTTPMethod: "GET", Resource: "/broken"}
	_, err := inst.HTTPRequest(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConflict))
	assert.Equal(t, StateReady, inst.State())
}

func TestStateRestoredAfterHandlerPanic(t *testing.T) {
	svc := &testService{meta: core.NewService("broken").
		Method("boom", func(rc *core.Context, req core.Request) (interface{}, error) {
			panic("kaboom")
		}).
		Roles(core.Roles{Public: true}).
		Get("/boom").
		MustBuild()}
	inst := readyInstance(t, testConfig(), svc)

	req := &core.HTTPRequest{HTTPMethod: "GET", Resource: "/boom"}
	_, err := inst.HTTPRequest(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInternal))
	assert.Equal(t, StateReady, inst.State())

	// The instance stays usable after a panic.
	_, err = inst.HTTPRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StateReady, inst.State())
}

// =============================================================================
// Registration and publication
// =============================================================================

func TestDuplicateRegistrationFatal(t *testing.T) {
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("db", struct{}{}))
	err := inst.RegisterNamed("db", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate registration")
}

func TestDuplicateHTTPRouteFatal(t *testing.T) {
	inst := NewInstance("test", testLogger())

	first := &testService{meta: core.NewService("a").
		Method("get", func(rc *core.Context, req core.Request) (interface{}, error) { return nil, nil }).
		Roles(core.Roles{Public: true}).
		Get("/shared").
		MustBuild()}
	second := &testService{meta: core.NewService("b").
		Method("get", func(rc *core.Context, req core.Request) (interface{}, error) { return nil, nil }).
		Roles(core.Roles{Public: true}).
		Get("/shared").
		MustBuild()}

	require.NoError(t, inst.Publish(first))
	err := inst.Publish(second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate route")
}

func TestDuplicateEventSubscriptionsAccumulate(t *testing.T) {
	inst := NewInstance("test", testLogger())

	svc := &testService{meta: core.NewService("sub").
		Method("a", func(rc *core.Context, req core.Request) (interface{}, error) { return "a", nil }).
		Roles(core.Roles{Internal: true}).
		Event("aws:s3", "inbox", "ObjectCreated:*", "*").
		Method("b", func(rc *core.Context, req core.Request) (interface{}, error) { return "b", nil }).
		Roles(core.Roles{Internal: true}).
		Event("aws:s3", "inbox", "ObjectRemoved:*", "*").
		MustBuild()}

	require.NoError(t, inst.Publish(svc))
	assert.Len(t, inst.eventRoutes["aws:s3 inbox"], 2)
}

func TestProxyRegistersUnderApplicationAlias(t *testing.T) {
	inst := NewInstance("test", testLogger())
	proxy := &testService{meta: core.NewService("ledger").Application("billing").
		Method("post", func(rc *core.Context, req core.Request) (interface{}, error) { return nil, nil }).
		Roles(core.Roles{Remote: true}).
		MustBuild()}
	require.NoError(t, inst.Register(proxy))

	_, ok := inst.Lookup("billing:ledger")
	assert.True(t, ok)
}

func TestPrepareWiresDependencies(t *testing.T) {
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("config", testConfig()))

	store := &struct{ name string }{name: "store"}
	require.NoError(t, inst.RegisterNamed("store", store))

	wired := &wiringService{}
	require.NoError(t, inst.RegisterNamed("consumer", wired))
	require.NoError(t, inst.Prepare(context.Background()))

	assert.Same(t, store, wired.store)
	assert.True(t, wired.initialized)
	assert.Equal(t, StateReady, inst.State())
}

type wiringService struct {
	store       interface{}
	initialized bool
}

func (w *wiringService) Wire(resolve core.Resolver) error {
	store, ok := resolve("store")
	if !ok {
		return errors.Internal("store not registered", nil)
	}
	w.store = store
	return nil
}

func (w *wiringService) Initialize(_ context.Context) error {
	w.initialized = true
	return nil
}

// =============================================================================
// HTTP dispatch
// =============================================================================

func TestHTTPHappyPath(t *testing.T) {
	inst := readyInstance(t, testConfig(), itemsService())

	resp, err := inst.HTTPRequest(context.Background(), getItemRequest("42"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.JSONEq(t, `{"id":"42"}`, resp.Body)
	assert.Equal(t, "application/json", resp.ContentType)
}

func TestHTTPRouteNotFound(t *testing.T) {
	inst := readyInstance(t, testConfig(), itemsService())

	req := &core.HTTPRequest{HTTPMethod: "GET", Resource: "/nowhere"}
	_, err := inst.HTTPRequest(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	assert.Equal(t, StateReady, inst.State())
}

func TestHTTPDomainModelRoute(t *testing.T) {
	svc := &testService{meta: core.NewService("orders").
		Method("create", func(rc *core.Context, req core.Request) (interface{}, error) {
			return "plain", nil
		}).
		Roles(core.Roles{Public: true}).
		Post("/orders").
		Method("createBulk", func(rc *core.Context, req core.Request) (interface{}, error) {
			return "bulk", nil
		}).
		Roles(core.Roles{Public: true}).
		Route(core.HTTPBinding{Verb: "POST", Resource: "/orders", DomainModel: "BulkOrder"}).
		MustBuild()}
	inst := readyInstance(t, testConfig(), svc)

	plain := &core.HTTPRequest{HTTPMethod: "POST", Resource: "/orders"}
	resp, err := inst.HTTPRequest(context.Background(), plain)
	require.NoError(t, err)
	assert.JSONEq(t, `"plain"`, resp.Body)

	bulk := &core.HTTPRequest{
		HTTPMethod: "POST",
		Resource:   "/orders",
		Headers:    map[string]string{"Content-Type": "application/json; domain-model=BulkOrder"},
	}
	resp, err = inst.HTTPRequest(context.Background(), bulk)
	require.NoError(t, err)
	assert.JSONEq(t, `"bulk"`, resp.Body)
}

func TestHTTPHandlerResponsePassthrough(t *testing.T) {
	svc := &testService{meta: core.NewService("files").
		Method("download", func(rc *core.Context, req core.Request) (interface{}, error) {
			return &core.HTTPResponse{StatusCode: 302, Headers: map[string]string{"Location": "/elsewhere"}}, nil
		}).
		Roles(core.Roles{Public: true}).
		Get("/files/{name}").
		MustBuild()}
	inst := readyInstance(t, testConfig(), svc)

	req := &core.HTTPRequest{HTTPMethod: "GET", Resource: "/files/{name}"}
	resp, err := inst.HTTPRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 302, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Headers["Location"])
}

// stubSecurity returns a pre-baked context; used to exercise container
// behavior independent of real token verification.
type stubSecurity struct {
	renewed bool
}

func (s *stubSecurity) HTTPAuth(_ context.Context, req *core.HTTPRequest, meta *core.MethodMetadata) (*core.Context, error) {
	info := &core.AuthInfo{Role: core.RolePublic, Subject: "user:public"}
	if s.renewed {
		info.Renewed = true
		info.Token = "fresh-token"
	}
	return core.NewContext(req.RequestID, req.SourceIP, meta, info), nil
}

func (s *stubSecurity) RemoteAuth(_ context.Context, req *core.RemoteRequest, meta *core.MethodMetadata) (*core.Context, error) {
	return core.NewContext(req.RequestID, "", meta, &core.AuthInfo{Role: core.RoleInternal}), nil
}

func (s *stubSecurity) EventAuth(_ context.Context, req *core.EventRequest, meta *core.MethodMetadata) (*core.Context, error) {
	return core.NewContext(req.RequestID, "", meta, &core.AuthInfo{Role: core.RoleInternal}), nil
}

var _ security.Provider = (*stubSecurity)(nil)

func TestHTTPRenewedTokenHeader(t *testing.T) {
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("config", testConfig()))
	require.NoError(t, inst.RegisterNamed("security", &stubSecurity{renewed: true}))
	require.NoError(t, inst.Publish(itemsService()))
	require.NoError(t, inst.Prepare(context.Background()))

	resp, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", resp.Headers["Token"])
}

// =============================================================================
// Remote dispatch
// =============================================================================

func remoteCount(token string) *core.RemoteRequest {
	return &core.RemoteRequest{
		BaseRequest: core.BaseRequest{Type: core.RequestRemote, Service: "items", Method: "count", RequestID: "r2"},
		Token:       token,
	}
}

func TestRemoteHappyPath(t *testing.T) {
	cfg := testConfig()
	inst := readyInstance(t, cfg, itemsService())

	raw, _, err := security.NewTokens(cfg).Issue(security.IssueSpec{
		Subject: security.SubjectInternal,
		Role:    core.RoleInternal,
	})
	require.NoError(t, err)

	result, err := inst.RemoteRequest(context.Background(), remoteCount(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, result)
	assert.Equal(t, StateReady, inst.State())
}

func TestRemoteMethodNotFound(t *testing.T) {
	inst := readyInstance(t, testConfig(), itemsService())

	req := &core.RemoteRequest{BaseRequest: core.BaseRequest{Service: "items", Method: "vanish"}}
	_, err := inst.RemoteRequest(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestRemoteUndefinedPermission(t *testing.T) {
	// A method published without any role descriptor has no permission
	// recorded and must be rejected before authorization runs.
	svc := &testService{meta: core.NewService("bare").
		Method("open", func(rc *core.Context, req core.Request) (interface{}, error) { return nil, nil }).
		MustBuild()}
	inst := readyInstance(t, testConfig(), svc)

	req := &core.RemoteRequest{BaseRequest: core.BaseRequest{Service: "bare", Method: "open"}}
	_, err := inst.RemoteRequest(context.Background(), req)
	require.Error(t, err)
	se := errors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, errors.CodeForbidden, se.Code)
	assert.Contains(t, se.Message, "Undefined permission")
	assert.Equal(t, StateReady, inst.State())
}

// =============================================================================
// Lifecycle hooks
// =============================================================================

func TestActivationOrderAndRelease(t *testing.T) {
	var calls []string
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("config", testConfig()))
	require.NoError(t, inst.RegisterNamed("alpha", &hookRecorder{name: "alpha", calls: &calls}))
	require.NoError(t, inst.RegisterNamed("beta", &hookRecorder{name: "beta", calls: &calls}))
	require.NoError(t, inst.Publish(itemsService()))
	require.NoError(t, inst.Prepare(context.Background()))

	_, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha:activate", "beta:activate", "alpha:release", "beta:release"}, calls)
}

func TestActivationFailureShortCircuits(t *testing.T) {
	var calls []string
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("config", testConfig()))
	require.NoError(t, inst.RegisterNamed("alpha", &hookRecorder{name: "alpha", calls: &calls, failActivate: true}))
	require.NoError(t, inst.RegisterNamed("beta", &hookRecorder{name: "beta", calls: &calls}))
	require.NoError(t, inst.Publish(itemsService()))
	require.NoError(t, inst.Prepare(context.Background()))

	_, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnavailable))

	// beta never activates, but both get their release chance.
	assert.Equal(t, []string{"alpha:activate", "alpha:release", "beta:release"}, calls)
	assert.Equal(t, StateReady, inst.State())
}

func TestReleaseFailuresNeverMaskOutcome(t *testing.T) {
	var calls []string
	inst := NewInstance("test", testLogger())
	require.NoError(t, inst.RegisterNamed("config", testConfig()))
	require.NoError(t, inst.RegisterNamed("alpha", &hookRecorder{name: "alpha", calls: &calls, panicRelease: true}))
	require.NoError(t, inst.RegisterNamed("beta", &hookRecorder{name: "beta", calls: &calls, failRelease: true}))
	require.NoError(t, inst.Publish(itemsService()))
	require.NoError(t, inst.Prepare(context.Background()))

	resp, err := inst.HTTPRequest(context.Background(), getItemRequest("1"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	// All releases ran despite the first one panicking.
	assert.Contains(t, calls, "alpha:release")
	assert.Contains(t, calls, "beta:release")
	assert.Equal(t, StateReady, inst.State())
}
