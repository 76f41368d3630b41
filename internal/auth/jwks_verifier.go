package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/vidgallery/api/internal/config"
	"github.com/vidgallery/api/internal/model"
)

const discoveryTimeout = 30 * time.Second

// oidcClaims is the subset of provider claims the API reads.
type oidcClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// principal collapses the provider's role list to admin or user.
func (c *oidcClaims) principal() model.Principal {
	role := model.RoleUser
	if slices.Contains(c.Roles, model.RoleAdmin) {
		role = model.RoleAdmin
	}
	return model.Principal{ID: c.Subject, Role: role}
}

// JWKSVerifier checks provider-signed tokens against the issuer's key set,
// which keyfunc refreshes in the background until Close.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	parser   *jwt.Parser
	stopJWKS context.CancelFunc
}

func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	jwksURL, err := discoverJWKSURL(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}
	return &JWKSVerifier{jwks: jwks, parser: jwt.NewParser(opts...), stopJWKS: stop}, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's discovery document.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	url := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Verify(tokenString string) (model.Principal, error) {
	claims := &oidcClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc); err != nil {
		return model.Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return model.Principal{}, fmt.Errorf("token has no subject")
	}
	return claims.principal(), nil
}

// Close stops the background key refresh.
func (v *JWKSVerifier) Close() error {
	v.stopJWKS()
	return nil
}
