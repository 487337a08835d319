// Package security produces the authenticated request context for every
// trigger kind and enforces method-level role requirements. Tokens are HMAC
// JWTs; the signing secret and timeout window are selected by the token's
// subject/issuer category.
package security

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
)

// Well-known token subjects.
const (
	SubjectUserInternal = "user:internal"
	SubjectUserExternal = "user:external"
	SubjectUserPublic   = "user:public"
	SubjectUserDebug    = "user:debug"
	SubjectInternal     = "internal"
	SubjectRemote       = "remote"
)

// Claims is the JWT claim set carried by runtime tokens. Origin is the unix
// time of the renewal chain's first issue; reissues copy it verbatim so the
// maximum lifetime window is measured from the original token, not the
// latest one.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Scope    string `json:"scope,omitempty"`
	UserID   string `json:"userId,omitempty"`
	SourceIP string `json:"ip,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Origin   int64  `json:"orig,omitempty"`
}

// OriginTime returns the chain's first issue time, falling back to IssuedAt
// for tokens minted before the origin claim existed.
func (c *Claims) OriginTime() time.Time {
	if c.Origin > 0 {
		return time.Unix(c.Origin, 0)
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// Tokens issues and verifies runtime tokens against the configured secret
// categories.
type Tokens struct {
	cfg *config.Config
}

// NewTokens creates a token manager for the application's configuration.
func NewTokens(cfg *config.Config) *Tokens {
	return &Tokens{cfg: cfg}
}

// IssueSpec describes a token to mint. A zero Origin starts a new renewal
// chain at issue time; Renew sets it to carry the chain's anchor forward.
type IssueSpec struct {
	Subject  string
	Role     string
	UserID   string
	Scope    string
	Audience string
	SourceIP string
	Serial   string
	TTL      time.Duration
	Origin   time.Time
}

// Issue mints a token signed with the secret for the spec's subject
// category. The issuer is always this application.
func (t *Tokens) Issue(spec IssueSpec) (string, *core.AuthInfo, error) {
	now := time.Now()
	ttl := spec.TTL
	if ttl == 0 {
		ttl = t.timeoutFor(spec.Subject)
	}
	audience := spec.Audience
	if audience == "" {
		audience = t.cfg.AppID
	}
	origin := spec.Origin
	if origin.IsZero() {
		origin = now
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   spec.Subject,
			Issuer:    t.cfg.AppID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:     spec.Role,
		Scope:    spec.Scope,
		UserID:   spec.UserID,
		SourceIP: spec.SourceIP,
		Serial:   spec.Serial,
		Origin:   origin.Unix(),
	}

	secret, err := t.secretFor(spec.Subject, t.cfg.AppID)
	if err != nil {
		return "", nil, err
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", nil, errors.Internal("Token signing failed", err)
	}

	return signed, t.authInfo(signed, claims), nil
}

// Verify parses and verifies a token, applying the audience check and the
// secondary issued-age window for the token's category. The stricter of the
// expiry claim and the issued-age check wins.
func (t *Tokens) Verify(raw string) (*core.AuthInfo, *Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, errors.Unauthorized("Missing authorization token")
	}

	// The claim set decides which shared secret applies, so read it before
	// signature verification.
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, unverified); err != nil {
		return nil, nil, errors.BadRequest("Malformed token").WithReason("malformed_token")
	}

	secret, err := t.secretFor(unverified.Subject, unverified.Issuer)
	if err != nil {
		return nil, nil, err
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, stderrors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		switch {
		case stderrors.Is(err, jwt.ErrTokenExpired):
			return nil, nil, errors.Unauthorized("Token expired").WithReason("token_expired")
		case stderrors.Is(err, jwt.ErrTokenMalformed):
			return nil, nil, errors.BadRequest("Malformed token").WithReason("malformed_token")
		default:
			return nil, nil, errors.InvalidToken(err)
		}
	}
	if !parsed.Valid {
		return nil, nil, errors.InvalidToken(nil)
	}

	if !t.audienceMatches(claims) {
		return nil, nil, errors.Unauthorized("Token audience mismatch").WithReason("audience_mismatch")
	}

	if claims.IssuedAt != nil {
		if age := time.Since(claims.IssuedAt.Time); age > t.timeoutFor(claims.Subject) {
			return nil, nil, errors.Unauthorized("Token expired").WithReason("token_timeout")
		}
	}

	return t.authInfo(raw, claims), claims, nil
}

// Renew reissues a verified token with a fresh window, mutating only the
// Token and Renewed fields of the identity. The chain's origin is carried
// forward unchanged, so the maximum lifetime window keeps counting from the
// first issue.
func (t *Tokens) Renew(info *core.AuthInfo, claims *Claims) error {
	signed, _, err := t.Issue(IssueSpec{
		Subject:  claims.Subject,
		Role:     claims.Role,
		UserID:   claims.UserID,
		Scope:    claims.Scope,
		SourceIP: claims.SourceIP,
		Serial:   claims.Serial,
		Audience: t.cfg.AppID,
		Origin:   claims.OriginTime(),
	})
	if err != nil {
		return err
	}
	info.Token = signed
	info.Renewed = true
	return nil
}

func (t *Tokens) authInfo(raw string, claims *Claims) *core.AuthInfo {
	info := &core.AuthInfo{
		TokenID:  claims.ID,
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Remote:   claims.Issuer != "" && claims.Issuer != t.cfg.AppID,
		UserID:   claims.UserID,
		Role:     claims.Role,
		Scope:    claims.Scope,
		Serial:   claims.Serial,
		Token:    raw,
	}
	if len(claims.Audience) > 0 {
		info.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		info.Issued = claims.IssuedAt.Time
	}
	info.Origin = claims.OriginTime()
	if claims.ExpiresAt != nil {
		info.Expires = claims.ExpiresAt.Time
	}
	return info
}

func (t *Tokens) audienceMatches(claims *Claims) bool {
	if len(claims.Audience) == 0 {
		return false
	}
	for _, aud := range claims.Audience {
		if aud == t.cfg.AppID {
			return true
		}
	}
	return false
}

// secretFor selects the shared secret by token category: end-user tokens,
// same-app internal tokens, self-signed remote tokens, or cross-app remote
// tokens keyed by the counterpart application.
func (t *Tokens) secretFor(subject, issuer string) (string, error) {
	auth := t.cfg.Auth
	switch {
	case strings.HasPrefix(subject, "user:"):
		if auth.UserSecret == "" {
			return "", errors.Internal("User token secret not configured", nil)
		}
		return auth.UserSecret, nil
	case subject == SubjectInternal:
		if auth.InternalSecret == "" {
			return "", errors.Internal("Internal token secret not configured", nil)
		}
		return auth.InternalSecret, nil
	case subject == SubjectRemote && issuer == t.cfg.AppID:
		if auth.RemoteSecret == "" {
			return "", errors.Internal("Remote token secret not configured", nil)
		}
		return auth.RemoteSecret, nil
	case subject == SubjectRemote:
		secret, ok := auth.RemoteSecrets[issuer]
		if !ok || secret == "" {
			return "", errors.Unauthorized("Unknown remote application").WithDetails("issuer", issuer)
		}
		return secret, nil
	}
	return "", errors.BadRequest("Unknown token subject").WithDetails("subject", subject)
}

func (t *Tokens) timeoutFor(subject string) time.Duration {
	auth := t.cfg.Auth
	switch {
	case strings.HasPrefix(subject, "user:"):
		return auth.UserTimeout
	case subject == SubjectInternal:
		return auth.InternalTimeout
	default:
		return auth.RemoteTimeout
	}
}
