package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"b24app.dev/internal/obs"
)

const (
	defaultIssuer    = "b24app"
	defaultAlgorithm = "HS256"
)

// Claims is the session token payload handed to protected handlers.
type Claims struct {
	Domain   string `json:"domain"`
	MemberID string `json:"member_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies session tokens with a server-held HMAC secret.
// It is stateless: verification never consults the account store.
type TokenCodec struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithIssuer overrides the iss claim written and expected by the codec.
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec validates the configuration once; the codec is immutable afterwards.
func NewTokenCodec(secret []byte, algorithm string, ttl time.Duration, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	algorithm = strings.ToUpper(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = defaultAlgorithm
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		method: method,
		ttl:    ttl,
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue signs a token for the tenant domain. An empty memberID omits the claim.
func (c *TokenCodec) Issue(domain, memberID string) (string, time.Time, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", time.Time{}, fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}

	now := c.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(c.ttl)
	claims := Claims{
		Domain:   domain,
		MemberID: strings.TrimSpace(memberID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	obs.Logger().Debug("session token issued",
		"domain", domain, "member_id", claims.MemberID, "expires_at", expiresAt.Format(time.RFC3339))
	return signed, expiresAt, nil
}

// Parse verifies signature, algorithm, issuer and expiry and returns the typed claims.
// Every failure wraps ErrInvalidToken.
func (c *TokenCodec) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, reason(err))
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Domain) == "" {
		return nil, fmt.Errorf("%w: domain missing", ErrInvalidToken)
	}
	return claims, nil
}

// Verify reports whether the token is currently valid. Failures are logged, never returned.
func (c *TokenCodec) Verify(token string) bool {
	if _, err := c.Parse(token); err != nil {
		obs.Logger().Warn("session token validation failed", obs.Err(err))
		return false
	}
	return true
}

// Decode returns the claim set as a plain map for downstream consumers.
func (c *TokenCodec) Decode(token string) (map[string]any, bool) {
	claims, err := c.Parse(token)
	if err != nil {
		obs.Logger().Warn("session token decoding failed", obs.Err(err))
		return nil, false
	}
	return claims.Map(), true
}

// Map flattens the claims; member_id is present only when set.
func (c *Claims) Map() map[string]any {
	out := map[string]any{
		"iss":    c.Issuer,
		"domain": c.Domain,
		"jti":    c.ID,
	}
	if c.IssuedAt != nil {
		out["iat"] = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		out["exp"] = c.ExpiresAt.Unix()
	}
	if c.MemberID != "" {
		out["member_id"] = c.MemberID
	}
	return out
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature mismatch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "unexpected issuer"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable token"
	default:
		return err.Error()
	}
}
