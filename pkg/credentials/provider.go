// Package credentials resolves broker authentication. Deployments either
// inject BROKER_USERNAME/BROKER_PASSWORD directly or point
// BROKER_CREDENTIALS_URL at a Go Cloud secrets backend holding an encrypted
// {user, password} document.
package credentials

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials is returned when a provider has nothing to offer;
	// chains treat it as "try the next one".
	ErrNoCredentials = errors.New("no credentials available")

	// ErrProviderClosed is returned when resolving through a closed provider.
	ErrProviderClosed = errors.New("credentials provider is closed")
)

// Credentials is a broker username/password pair.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// Provider resolves broker credentials.
type Provider interface {
	// Resolve returns the current credentials, or ErrNoCredentials when the
	// provider's source is empty.
	Resolve(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Chain tries providers in order and returns the first successful result.
// ErrNoCredentials moves on to the next provider; any other error aborts the
// chain, so a misconfigured secrets backend fails loudly instead of silently
// falling through to weaker credentials.
type Chain struct {
	providers []Provider
}

// NewChain builds a provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Resolve walks the chain.
func (c *Chain) Resolve(ctx context.Context) (*Credentials, error) {
	for _, p := range c.providers {
		creds, err := p.Resolve(ctx)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return creds, nil
	}
	return nil, ErrNoCredentials
}

// Close closes every provider in the chain.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close providers: %v", errs)
	}
	return nil
}

var _ Provider = (*Chain)(nil)
