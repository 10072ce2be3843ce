// Package capability defines the boundary for obtaining transient
// authorization tokens from an external system.
package capability

import (
	"context"
	"errors"
)

const errMessageEmptyToken = "capability provider returned an empty token"

// ErrEmptyToken indicates the external system produced no usable token.
var ErrEmptyToken = errors.New(errMessageEmptyToken)

// Provider acquires a bearer token for the supplied credential blob. The
// token is opaque to the caller; a failed or empty acquisition ends the
// requesting job without any actions being attempted.
type Provider interface {
	Acquire(ctx context.Context, credential string) (string, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, credential string) (string, error)

// Acquire satisfies Provider.
func (provider ProviderFunc) Acquire(ctx context.Context, credential string) (string, error) {
	return provider(ctx, credential)
}

// StaticProvider hands out a fixed token regardless of credential. Intended
// for local runs and tests.
type StaticProvider struct {
	Token string
}

var _ Provider = StaticProvider{}

// Acquire returns the configured token, or ErrEmptyToken when none is set.
func (provider StaticProvider) Acquire(context.Context, string) (string, error) {
	if provider.Token == "" {
		return "", ErrEmptyToken
	}
	return provider.Token, nil
}
