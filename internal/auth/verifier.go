package auth

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/vidgallery/api/internal/model"
)

// ErrNotConfigured is returned by an empty Chain.
var ErrNotConfigured = errors.New("no token verifier configured")

// TokenVerifier turns a bearer token into the caller's identity.
type TokenVerifier interface {
	Verify(tokenString string) (model.Principal, error)
	Close() error
}

// Chain tries each verifier in order and accepts the first principal.
type Chain []TokenVerifier

// NewChain drops nil verifiers.
func NewChain(verifiers ...TokenVerifier) Chain {
	var c Chain
	for _, v := range verifiers {
		if v != nil {
			c = append(c, v)
		}
	}
	return c
}

// WithHMACFallback chains primary with an HMAC verifier for secret. Either
// may be absent.
func WithHMACFallback(primary TokenVerifier, secret string) Chain {
	var legacy TokenVerifier
	if secret != "" {
		legacy = NewHMACVerifier(secret)
	}
	return NewChain(primary, legacy)
}

func (c Chain) Verify(tokenString string) (model.Principal, error) {
	if len(c) == 0 {
		return model.Principal{}, ErrNotConfigured
	}
	var errs error
	for _, v := range c {
		p, err := v.Verify(tokenString)
		if err == nil {
			return p, nil
		}
		errs = multierr.Append(errs, err)
	}
	return model.Principal{}, errs
}

func (c Chain) Close() error {
	var errs error
	for _, v := range c {
		errs = multierr.Append(errs, v.Close())
	}
	return errs
}
