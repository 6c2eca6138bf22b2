package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gocloud.dev/secrets"
	// The binary registers gocloud.dev/secrets/localsecrets (base64key://).
	// Cloud drivers are opt-in; import the one the deployment uses:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/hashivault"
)

// SecretProvider resolves broker credentials from a Go Cloud secrets backend.
// The secret plaintext is a JSON {user, password} document.
type SecretProvider struct {
	keeper *secrets.Keeper

	mu     sync.Mutex
	cached *Credentials
	closed bool
}

// NewSecretProvider opens the keeper at the given URL
// (e.g. "hashivault://...", "file:///etc/secrets/broker.json").
func NewSecretProvider(ctx context.Context, url string) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	return &SecretProvider{keeper: keeper}, nil
}

// Resolve decrypts and caches the credentials. Broker auth happens once per
// connection, so a process-lifetime cache is enough; restart to rotate.
func (p *SecretProvider) Resolve(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.cached != nil {
		return p.cached, nil
	}

	plaintext, err := p.keeper.Decrypt(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt broker secret: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal broker secret: %w", err)
	}
	if creds.User == "" {
		return nil, fmt.Errorf("broker secret has no user")
	}

	p.cached = &creds
	return p.cached, nil
}

// Close closes the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

var _ Provider = (*SecretProvider)(nil)
