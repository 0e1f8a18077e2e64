package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated principal acting on a request.
type Actor struct {
	UserID      string   `json:"userId"`
	CompanyID   string   `json:"companyId"`
	BranchID    string   `json:"branchId,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the actor holds permission.
func (a Actor) HasPermission(permission string) bool {
	return slices.Contains(a.Permissions, permission)
}

// RequestInfo is transport metadata recorded with system audit entries.
type RequestInfo struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type contextKey int

const (
	actorKey contextKey = iota
	requestInfoKey
)

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored in ctx.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithRequestInfo stores transport metadata in ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFromContext returns the transport metadata in ctx, or the zero
// value when none was attached.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey).(RequestInfo)
	return info
}

// ── Tokens ──────────────────────────────────────────────────────────────────

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	CompanyID   string   `json:"company_id"`
	BranchID    string   `json:"branch_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Actor converts verified claims to an Actor. The subject is the user id.
func (c *Claims) Actor() Actor {
	return Actor{
		UserID:      c.Subject,
		CompanyID:   c.CompanyID,
		BranchID:    c.BranchID,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a verifier. An empty issuer disables issuer checks.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a token and returns its claims.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.CompanyID == "" {
		return nil, fmt.Errorf("token is missing subject or company")
	}
	return claims, nil
}

// Issue signs a token for actor. Used by tooling and tests; production tokens
// come from the identity service.
func (v *TokenVerifier) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		CompanyID:   actor.CompanyID,
		BranchID:    actor.BranchID,
		Roles:       actor.Roles,
		Permissions: actor.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
