package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newCodec(t *testing.T, secret string, opts ...CodecOption) *TokenCodec {
	t.Helper()
	c, err := NewTokenCodec([]byte(secret), "HS256", time.Hour, opts...)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return c
}

func TestIssueAndVerify(t *testing.T) {
	c := newCodec(t, "secret-1")

	token, expiresAt, err := c.Issue("acme.bitrix24.com", "m1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}
	if !c.Verify(token) {
		t.Fatalf("freshly issued token must verify")
	}

	claims, err := c.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Domain != "acme.bitrix24.com" || claims.MemberID != "m1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "b24app" || claims.ID == "" {
		t.Fatalf("registered claims not populated: %+v", claims.RegisteredClaims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Fatalf("exp - iat = %v, want 1h", got)
	}
}

func TestTokenExpiryBoundary(t *testing.T) {
	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token, _, err := newCodec(t, "secret", WithClock(fixedClock(issued))).Issue("acme.example", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	before := newCodec(t, "secret", WithClock(fixedClock(issued.Add(time.Hour-time.Second))))
	if !before.Verify(token) {
		t.Fatalf("token must be valid one second before expiry")
	}

	after := newCodec(t, "secret", WithClock(fixedClock(issued.Add(time.Hour+time.Second))))
	_, err = after.Parse(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry reason, got %v", err)
	}
}

func TestVerifyRejectsForeignSecretAndGarbage(t *testing.T) {
	token, _, err := newCodec(t, "secret-a").Issue("acme.example", "m1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := newCodec(t, "secret-b")
	if other.Verify(token) {
		t.Fatalf("token signed with a different secret must be rejected")
	}
	for _, bad := range []string{"", "abc", "a.b.c", token + "x"} {
		if other.Verify(bad) {
			t.Fatalf("garbage %q must be rejected", bad)
		}
	}
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	token, _, err := newCodec(t, "secret", WithIssuer("someone-else")).Issue("acme.example", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newCodec(t, "secret").Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestDecodeOmitsEmptyMemberID(t *testing.T) {
	c := newCodec(t, "secret")
	token, _, err := c.Issue("acme.example", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, ok := c.Decode(token)
	if !ok {
		t.Fatalf("Decode failed")
	}
	if _, present := claims["member_id"]; present {
		t.Fatalf("member_id must be absent, got %v", claims)
	}
	for _, key := range []string{"iss", "iat", "exp", "domain", "jti"} {
		if _, present := claims[key]; !present {
			t.Fatalf("claim %q missing from %v", key, claims)
		}
	}

	// The wire payload must not carry the key either.
	parts := strings.Split(token, ".")
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, present := payload["member_id"]; present {
		t.Fatalf("member_id serialized: %s", raw)
	}
}

func TestDecodeInvalidToken(t *testing.T) {
	if claims, ok := newCodec(t, "secret").Decode("nope"); ok || claims != nil {
		t.Fatalf("expected no claims, got %v", claims)
	}
}

func TestNewTokenCodecValidation(t *testing.T) {
	if _, err := NewTokenCodec(nil, "HS256", time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewTokenCodec([]byte("s"), "RS256", time.Hour); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	if _, err := NewTokenCodec([]byte("s"), "HS256", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	c, err := NewTokenCodec([]byte("s"), "hs512", time.Minute)
	if err != nil {
		t.Fatalf("lower-case algorithm should be accepted: %v", err)
	}
	if c.TTL() != time.Minute {
		t.Fatalf("unexpected ttl %v", c.TTL())
	}
	if _, _, err := c.Issue("  ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty domain must be rejected, got %v", err)
	}
}

func TestAlgorithmMismatchRejected(t *testing.T) {
	token, _, err := newCodec(t, "secret").Issue("acme.example", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c512, err := NewTokenCodec([]byte("secret"), "HS512", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	if c512.Verify(token) {
		t.Fatalf("HS256 token must not verify under an HS512 codec")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ClaimsFromContext(ctx); ok {
		t.Fatalf("expected no claims in empty context")
	}
	ctx = ContextWithClaims(ctx, Claims{Domain: "acme.example", MemberID: "m1"})
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Domain != "acme.example" || claims.MemberID != "m1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
