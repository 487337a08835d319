// Package remote provides the client side of cross-application calls: an
// authenticated RPC client and service proxies that make a remote
// application's methods dispatchable like local ones.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/internal/security"
)

// ClientConfig configures a remote application client.
type ClientConfig struct {
	// BaseURL is the counterpart application's gateway root.
	BaseURL string
	// Application is the counterpart's application id, used as the token
	// audience and the proxy registration alias.
	Application string
	Timeout     time.Duration
	MaxRetries  int
}

// Client calls another application's RPC endpoint with self-signed remote
// tokens.
type Client struct {
	http        *http.Client
	tokens      *security.Tokens
	baseURL     string
	application string
	maxRetries  int
}

// NewClient creates a client for one counterpart application.
func NewClient(cfg *config.Config, cc ClientConfig) *Client {
	timeout := cc.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cc.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		tokens:      security.NewTokens(cfg),
		baseURL:     cc.BaseURL,
		application: cc.Application,
		maxRetries:  maxRetries,
	}
}

type rpcEnvelope struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args,omitempty"`
	Token   string        `json:"token,omitempty"`
}

type rpcReply struct {
	Data interface{} `json:"data"`
}

// Call invokes service.method on the counterpart application. Remote errors
// come back as ServiceErrors with their original code and status.
func (c *Client) Call(ctx context.Context, service, method string, args ...interface{}) (interface{}, error) {
	token, _, err := c.tokens.Issue(security.IssueSpec{
		Subject:  security.SubjectRemote,
		Role:     core.RoleRemote,
		Audience: c.application,
	})
	if err != nil {
		return nil, err
	}

	envelope := rpcEnvelope{Service: service, Method: method, Args: args, Token: token}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Internal("Unserializable RPC arguments", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, retry, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, lastErr
}

// post performs one RPC round trip; retry reports whether the failure is
// transient.
func (c *Client) post(ctx context.Context, body []byte) (interface{}, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, false, errors.Internal("RPC request construction failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, errors.Unavailable("Remote application unreachable").WithReason("transport_failure")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Unavailable("Remote reply truncated").WithReason("transport_failure")
	}

	if resp.StatusCode >= 400 {
		se := errors.Deserialize(payload)
		return nil, resp.StatusCode == http.StatusServiceUnavailable, se
	}

	var reply rpcReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, false, errors.Internal("Unparsable RPC reply", err)
	}
	return reply.Data, false, nil
}

// Proxy builds a dispatchable service whose methods forward to the
// counterpart application. It registers under "application:service" so local
// callers resolve it like any other dependency.
func (c *Client) Proxy(service string, methods ...string) core.Service {
	builder := core.NewService(service).Application(c.application)
	for _, method := range methods {
		name := method
		builder.Method(name, func(rc *core.Context, req core.Request) (interface{}, error) {
			return c.Call(rc, service, name, rc.Args...)
		}).Roles(core.Roles{Internal: true})
	}
	return &proxyService{meta: builder.MustBuild()}
}

type proxyService struct {
	meta *core.ServiceMetadata
}

func (p *proxyService) Metadata() *core.ServiceMetadata { return p.meta }
