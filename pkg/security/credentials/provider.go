// Package credentials supplies the client credentials the bridged message bus
// presents to an external broker.
//
// Credentials can come from static values, environment variables, or a file
// encrypted with a gocloud.dev/secrets keeper:
//
//	provider, err := credentials.NewSecretProvider(ctx, "base64key://...", "/etc/twinbus/broker.creds")
//	bus, err := nats.New(cfg, nats.WithCredentials(provider))
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType is the authentication scheme of a credential.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials authenticate a broker client.
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`

	// ExpiresAt is optional.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether ExpiresAt lies in the past.
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields required by Type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts secrets so credentials can be logged.
func (c *Credentials) String() string {
	if c.Type == CredentialTypeUserPassword {
		return fmt.Sprintf("%s(user=%s)", c.Type, c.User)
	}
	return string(c.Type)
}

// sealed is the plaintext layout of an encrypted credentials file.
type sealed struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

func decode(plaintext []byte) (*Credentials, error) {
	var data sealed
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: no credentials in secret", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}
	return data.Credentials, nil
}

// Provider supplies credentials.
type Provider interface {
	// GetCredentials returns the current credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider.
	Close() error
}
