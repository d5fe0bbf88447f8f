package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider returns fixed credentials. Intended for development and tests.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider returns a token provider. A positive ttl makes the
// token expire ttl after creation.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := &Credentials{Type: CredentialTypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return &StaticProvider{creds: creds}
}

// NewStaticUserPasswordProvider returns a username/password provider.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}}
}

func (p *StaticProvider) GetCredentials(context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call, so
// values injected at runtime are picked up.
type EnvProvider struct {
	tokenVar    string
	userVar     string
	passwordVar string
	credType    CredentialType
}

// NewEnvTokenProvider reads a token from tokenVar.
func NewEnvTokenProvider(tokenVar string) *EnvProvider {
	return &EnvProvider{tokenVar: tokenVar, credType: CredentialTypeToken}
}

// NewEnvUserPasswordProvider reads a username and password from userVar and passwordVar.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{userVar: userVar, passwordVar: passwordVar, credType: CredentialTypeUserPassword}
}

func (p *EnvProvider) GetCredentials(context.Context) (*Credentials, error) {
	creds := &Credentials{Type: p.credType}
	switch p.credType {
	case CredentialTypeToken:
		creds.Token = os.Getenv(p.tokenVar)
		if creds.Token == "" {
			return nil, fmt.Errorf("%w: environment variable %s not set", ErrInvalidCredentials, p.tokenVar)
		}
	case CredentialTypeUserPassword:
		creds.User, creds.Password = os.Getenv(p.userVar), os.Getenv(p.passwordVar)
		if creds.User == "" || creds.Password == "" {
			return nil, fmt.Errorf("%w: environment variables %s and %s must be set", ErrInvalidCredentials, p.userVar, p.passwordVar)
		}
	}
	return creds, nil
}

func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider returns the credentials of the first provider that succeeds.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider chains providers in order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrInvalidCredentials)
	}
	var errs []error
	for i, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return nil, errors.Join(errs...)
}

// Close closes every chained provider.
func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
