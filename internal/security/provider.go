package security

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// anonymousTTL is the synthetic expiry attached to tokenless public access.
const anonymousTTL = 60 * time.Second

// Provider authenticates each request kind and produces the request-scoped
// context the container runs the handler under.
type Provider interface {
	HTTPAuth(ctx context.Context, req *core.HTTPRequest, meta *core.MethodMetadata) (*core.Context, error)
	RemoteAuth(ctx context.Context, req *core.RemoteRequest, meta *core.MethodMetadata) (*core.Context, error)
	EventAuth(ctx context.Context, req *core.EventRequest, meta *core.MethodMetadata) (*core.Context, error)
}

// JWT is the default Provider, verifying HMAC tokens per caller category and
// transparently renewing near-expiry user tokens.
type JWT struct {
	cfg    *config.Config
	tokens *Tokens
	log    *logger.Logger
}

// New creates the default security provider.
func New(cfg *config.Config, log *logger.Logger) *JWT {
	if log == nil {
		log = logger.NewDefault("security")
	}
	return &JWT{cfg: cfg, tokens: NewTokens(cfg), log: log}
}

// Tokens exposes the provider's token manager so transports and tools can
// mint tokens with the same configuration.
func (p *JWT) Tokens() *Tokens {
	return p.tokens
}

// HTTPAuth authorizes an HTTP request. Tokenless access is allowed only for
// Public methods, or Local methods called from a loopback address; both get
// an anonymous identity with a short synthetic expiry.
func (p *JWT) HTTPAuth(_ context.Context, req *core.HTTPRequest, meta *core.MethodMetadata) (*core.Context, error) {
	token := extractHTTPToken(req)
	if token == "" {
		if meta.Roles.Public || (meta.Roles.Local && isLoopback(req.SourceIP)) {
			return core.NewContext(req.RequestID, req.SourceIP, meta, p.anonymous()), nil
		}
		return nil, errors.Unauthorized("Missing authorization token")
	}

	info, claims, err := p.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if !meta.Roles.Allows(info.Role) {
		return nil, errors.Forbidden("Access denied").WithDetails("role", info.Role)
	}
	if p.cfg.Auth.StrictIP && claims.SourceIP != "" && claims.SourceIP != req.SourceIP {
		return nil, errors.Unauthorized("Token source address mismatch").WithReason("ip_mismatch")
	}

	if p.renewable(info) {
		if err := p.tokens.Renew(info, claims); err != nil {
			// A failed renewal must not fail an otherwise valid request.
			p.log.WithError(err).WithField("subject", info.Subject).Warn("Token renewal failed")
		}
	}

	return core.NewContext(req.RequestID, req.SourceIP, meta, info), nil
}

// RemoteAuth authorizes an RPC call. The method must accept Remote or
// Internal callers; a cross-application token is rejected unless the method
// explicitly allows Remote.
func (p *JWT) RemoteAuth(_ context.Context, req *core.RemoteRequest, meta *core.MethodMetadata) (*core.Context, error) {
	if !meta.Roles.Remote && !meta.Roles.Internal {
		return nil, errors.Forbidden("Access denied").WithReason("remote_not_allowed")
	}

	info, _, err := p.tokens.Verify(req.Token)
	if err != nil {
		return nil, err
	}
	if info.Remote && !meta.Roles.Remote {
		return nil, errors.Unauthorized("Cross-application call not allowed").WithDetails("issuer", info.Issuer)
	}
	if !meta.Roles.Allows(info.Role) {
		return nil, errors.Forbidden("Access denied").WithDetails("role", info.Role)
	}

	return core.NewContext(req.RequestID, "", meta, info), nil
}

// EventAuth authorizes a batched event trigger. Events arrive from trusted
// internal sources, so no token is verified; the method must accept Internal
// callers.
func (p *JWT) EventAuth(_ context.Context, req *core.EventRequest, meta *core.MethodMetadata) (*core.Context, error) {
	if !meta.Roles.Internal {
		return nil, errors.Forbidden("Access denied").WithReason("internal_only")
	}

	now := time.Now()
	info := &core.AuthInfo{
		Subject:  SubjectInternal,
		Issuer:   p.cfg.AppID,
		Audience: p.cfg.AppID,
		Role:     core.RoleInternal,
		Issued:   now,
		Expires:  now.Add(anonymousTTL),
	}
	return core.NewContext(req.RequestID, "", meta, info), nil
}

func (p *JWT) anonymous() *core.AuthInfo {
	now := time.Now()
	return &core.AuthInfo{
		Subject:  SubjectUserPublic,
		Issuer:   p.cfg.AppID,
		Audience: p.cfg.AppID,
		Role:     core.RolePublic,
		Issued:   now,
		Expires:  now.Add(anonymousTTL),
	}
}

// renewable applies the reissue predicate: issued by this application, a
// configured renewal subject, nearing expiry, and still inside the maximum
// lifetime window.
func (p *JWT) renewable(info *core.AuthInfo) bool {
	auth := p.cfg.Auth
	if info.Issuer != p.cfg.AppID || !auth.RenewalSubject(info.Subject) {
		return false
	}
	if info.Expires.IsZero() || time.Until(info.Expires) > auth.RenewBefore {
		return false
	}
	// The lifetime window is anchored to the chain's first issue, so a
	// client cannot stay authenticated forever by renewing repeatedly.
	anchor := info.Origin
	if anchor.IsZero() {
		anchor = info.Issued
	}
	return time.Since(anchor) < auth.MaxLifetime
}

// extractHTTPToken pulls the token from the Authorization header, the token
// query parameter, or a token path parameter, in that order.
func extractHTTPToken(req *core.HTTPRequest) string {
	if header := req.Header("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(header[len("Bearer "):])
		}
		return strings.TrimSpace(header)
	}
	if token := req.QueryStringParameters["token"]; token != "" {
		return token
	}
	return req.PathParameters["token"]
}

func isLoopback(sourceIP string) bool {
	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	return ip != nil && ip.IsLoopback()
}
