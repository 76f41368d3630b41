package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidgallery/api/internal/model"
)

func TestLegacyTokenRoundTrip(t *testing.T) {
	token, err := SignLegacyToken(model.Principal{ID: "alice", Role: model.RoleAdmin}, "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	p, err := NewHMACVerifier("secret").Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "alice" || !p.IsAdmin() {
		t.Errorf("principal = %+v", p)
	}
}

func TestLegacyTokenRejectsWrongSecret(t *testing.T) {
	token, _ := SignLegacyToken(model.Principal{ID: "alice"}, "secret", time.Hour)
	if _, err := NewHMACVerifier("other").Verify(token); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestLegacyTokenRejectsExpired(t *testing.T) {
	claims := LegacyClaims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewHMACVerifier("secret").Verify(token); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestLegacyTokenRequiresUserID(t *testing.T) {
	token, _ := SignLegacyToken(model.Principal{}, "secret", 0)
	if _, err := NewHMACVerifier("secret").Verify(token); err == nil {
		t.Fatal("expected error for token without user id")
	}
}

func TestUnknownRoleIsUser(t *testing.T) {
	c := &LegacyClaims{UserID: "bob", Role: "superuser"}
	if c.Principal().Role != model.RoleUser {
		t.Errorf("role = %q", c.Principal().Role)
	}

	oidc := &oidcClaims{Roles: []string{"viewer", "admin"}}
	oidc.Subject = "carol"
	if p := oidc.principal(); p.ID != "carol" || !p.IsAdmin() {
		t.Errorf("oidc principal = %+v", p)
	}
}

// stubVerifier accepts exactly one token.
type stubVerifier struct {
	token  string
	p      model.Principal
	closed bool
}

func (s *stubVerifier) Verify(tokenString string) (model.Principal, error) {
	if tokenString != s.token {
		return model.Principal{}, errors.New("unknown token")
	}
	return s.p, nil
}

func (s *stubVerifier) Close() error {
	s.closed = true
	return nil
}

func TestChainFallsBackToHMAC(t *testing.T) {
	primary := &stubVerifier{token: "oidc-token", p: model.Principal{ID: "carol", Role: model.RoleUser}}
	chain := WithHMACFallback(primary, "secret")

	if p, err := chain.Verify("oidc-token"); err != nil || p.ID != "carol" {
		t.Errorf("primary token = %+v, %v", p, err)
	}

	legacy, _ := SignLegacyToken(model.Principal{ID: "dave", Role: model.RoleUser}, "secret", time.Hour)
	if p, err := chain.Verify(legacy); err != nil || p.ID != "dave" {
		t.Errorf("legacy token = %+v, %v", p, err)
	}

	if _, err := chain.Verify("garbage"); err == nil {
		t.Error("chain accepted garbage")
	}

	if err := chain.Close(); err != nil || !primary.closed {
		t.Errorf("Close = %v, primary closed = %v", err, primary.closed)
	}
}

func TestEmptyChainIsNotConfigured(t *testing.T) {
	chain := WithHMACFallback(nil, "")
	if _, err := chain.Verify("anything"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
