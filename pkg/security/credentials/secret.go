package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keepers
)

// DefaultCacheTTL is how long a SecretProvider serves decrypted credentials
// before reading the file again.
const DefaultCacheTTL = 5 * time.Minute

// SecretProvider reads credentials from a file encrypted with a gocloud.dev
// secrets keeper. Cloud keepers (awskms://, gcpkms://, azurekeyvault://,
// hashivault://) need their driver imported by the binary.
type SecretProvider struct {
	keeper *secrets.Keeper
	path   string
	ttl    time.Duration

	mu     sync.Mutex
	cached *Credentials
	expiry time.Time
	closed bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL overrides DefaultCacheTTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.ttl = ttl
	}
}

// NewSecretProvider opens the keeper at keeperURL and loads the credentials
// stored at path, failing if they cannot be decrypted.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" || path == "" {
		return nil, fmt.Errorf("%w: keeper URL and path are required", ErrInvalidCredentials)
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, path: path, ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.load(ctx); err != nil {
		_ = keeper.Close()
		return nil, err
	}
	return p, nil
}

// GetCredentials returns cached credentials, reloading the file once the cache expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}

	creds := p.cached
	if creds == nil || !time.Now().Before(p.expiry) {
		var err error
		if creds, err = p.load(ctx); err != nil {
			return nil, err
		}
	}
	if creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}

// Refresh drops the cache and reads the file again.
func (p *SecretProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	_, err := p.load(ctx)
	return err
}

// load must be called with mu held.
func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	creds, err := decode(plaintext)
	if err != nil {
		return nil, err
	}
	p.cached = creds
	p.expiry = time.Now().Add(p.ttl)
	return creds, nil
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cached = nil
	return p.keeper.Close()
}

// Seal encrypts creds with the keeper at keeperURL and writes them to path
// with owner-only permissions.
func Seal(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(sealed{Credentials: creds, Version: 1, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	return nil
}
