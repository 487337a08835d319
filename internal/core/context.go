package core

import (
	"context"
	"time"
)

// AuthInfo is the authenticated identity produced by the security provider.
// It is immutable after creation except for Token and Renewed, which change
// only when a near-expiry token is transparently reissued mid-request.
type AuthInfo struct {
	TokenID  string    `json:"tokenId,omitempty"`
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer,omitempty"`
	Audience string    `json:"audience,omitempty"`
	Remote   bool      `json:"remote,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Role     string    `json:"role"`
	Scope    string    `json:"scope,omitempty"`
	Serial   string    `json:"serial,omitempty"`
	Issued   time.Time `json:"issued"`
	// Origin is the first issue time of the token's renewal chain; reissues
	// carry it forward unchanged so lifetime bounds survive renewal.
	Origin  time.Time `json:"origin"`
	Expires time.Time `json:"expires"`
	Token    string    `json:"-"`
	Renewed  bool      `json:"renewed,omitempty"`
}

// Resolver looks up a registered object by its container id.
type Resolver func(id string) (interface{}, bool)

// Context is the per-request context handed to activation hooks and the
// dispatched handler. It is created fresh for every request, owned solely by
// that request's call stack, and discarded after release.
type Context struct {
	context.Context

	RequestID string
	SourceIP  string
	Method    *MethodMetadata
	Auth      *AuthInfo

	// Args holds the arguments resolved from the request's declared
	// bindings, in declaration order.
	Args []interface{}

	resolver Resolver
}

// NewContext creates a request context carrying the given identity.
func NewContext(requestID, sourceIP string, meta *MethodMetadata, auth *AuthInfo) *Context {
	return &Context{
		Context:   context.Background(),
		RequestID: requestID,
		SourceIP:  sourceIP,
		Method:    meta,
		Auth:      auth,
	}
}

// Bind attaches the parent context and the container's registry resolver.
// Called by the container before the context is handed to any hook.
func (c *Context) Bind(parent context.Context, resolver Resolver) {
	if parent != nil {
		c.Context = parent
	}
	c.resolver = resolver
}

// Lookup resolves a registered object by id from the owning container.
func (c *Context) Lookup(id string) (interface{}, bool) {
	if c.resolver == nil {
		return nil, false
	}
	return c.resolver(id)
}
