package credentials

import (
	"context"
	"os"
)

// EnvProvider reads a username/password pair from environment variables.
// Re-reads on every Resolve so rotated values picked up by the process
// environment take effect without a restart.
type EnvProvider struct {
	userVar     string
	passwordVar string
}

// NewEnvProvider creates a provider backed by the named variables.
func NewEnvProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{userVar: userVar, passwordVar: passwordVar}
}

// Resolve reads the variables; an unset user means no credentials.
func (p *EnvProvider) Resolve(ctx context.Context) (*Credentials, error) {
	user := os.Getenv(p.userVar)
	if user == "" {
		return nil, ErrNoCredentials
	}

	return &Credentials{
		User:     user,
		Password: os.Getenv(p.passwordVar),
	}, nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error {
	return nil
}

var _ Provider = (*EnvProvider)(nil)
