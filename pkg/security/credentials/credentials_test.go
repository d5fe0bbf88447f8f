package credentials

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets/localsecrets"
)

func keeperURL(t *testing.T) string {
	t.Helper()
	key, err := localsecrets.NewRandomKey()
	require.NoError(t, err)
	return "base64key://" + base64.URLEncoding.EncodeToString(key[:])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"token", Credentials{Type: CredentialTypeToken, Token: "t"}, false},
		{"user password", Credentials{Type: CredentialTypeUserPassword, User: "u", Password: "p"}, false},
		{"missing type", Credentials{Token: "t"}, true},
		{"empty token", Credentials{Type: CredentialTypeToken}, true},
		{"missing password", Credentials{Type: CredentialTypeUserPassword, User: "u"}, true},
		{"unsupported type", Credentials{Type: "nkey"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	c := &Credentials{Type: CredentialTypeUserPassword, User: "twin", Password: "hunter2"}
	assert.NotContains(t, c.String(), "hunter2")
	assert.Contains(t, c.String(), "twin")
}

func TestStaticProviders(t *testing.T) {
	ctx := context.Background()

	creds, err := NewStaticUserPasswordProvider("u", "p").GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u", creds.User)

	creds, err = NewStaticTokenProvider("tok", time.Hour).GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Token)

	expired := NewStaticTokenProvider("tok", time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, err = expired.GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrCredentialsExpired)
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	t.Setenv("TWINBUS_TEST_USER", "reader")
	t.Setenv("TWINBUS_TEST_PASS", "secret")

	creds, err := NewEnvUserPasswordProvider("TWINBUS_TEST_USER", "TWINBUS_TEST_PASS").GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reader", creds.User)
	assert.Equal(t, "secret", creds.Password)

	_, err = NewEnvTokenProvider("TWINBUS_TEST_UNSET_TOKEN").GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChainProviderFallsBack(t *testing.T) {
	ctx := context.Background()
	chain := NewChainProvider(NewEnvTokenProvider("TWINBUS_TEST_UNSET_TOKEN"), NewStaticTokenProvider("fallback", 0))
	defer chain.Close()

	creds, err := chain.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fallback", creds.Token)

	_, err = NewChainProvider().GetCredentials(ctx)
	assert.Error(t, err)
}

func TestSecretProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	url := keeperURL(t)
	path := filepath.Join(t.TempDir(), "broker.creds")

	require.NoError(t, Seal(ctx, url, path, &Credentials{Type: CredentialTypeUserPassword, User: "bus", Password: "s3cret"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	provider, err := NewSecretProvider(ctx, url, path, WithCacheTTL(0))
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bus", creds.User)
	assert.Equal(t, "s3cret", creds.Password)

	require.NoError(t, Seal(ctx, url, path, &Credentials{Type: CredentialTypeToken, Token: "rotated"}))
	creds, err = provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rotated", creds.Token)
}

func TestSecretProviderCachesUntilRefresh(t *testing.T) {
	ctx := context.Background()
	url := keeperURL(t)
	path := filepath.Join(t.TempDir(), "broker.creds")
	require.NoError(t, Seal(ctx, url, path, &Credentials{Type: CredentialTypeToken, Token: "first"}))

	provider, err := NewSecretProvider(ctx, url, path)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, Seal(ctx, url, path, &Credentials{Type: CredentialTypeToken, Token: "second"}))
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", creds.Token)

	require.NoError(t, provider.Refresh(ctx))
	creds, err = provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestSecretProviderRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broker.creds")
	require.NoError(t, Seal(ctx, keeperURL(t), path, &Credentials{Type: CredentialTypeToken, Token: "t"}))

	_, err := NewSecretProvider(ctx, keeperURL(t), path)
	assert.Error(t, err)

	_, err = NewSecretProvider(ctx, keeperURL(t), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSecretProviderClose(t *testing.T) {
	ctx := context.Background()
	url := keeperURL(t)
	path := filepath.Join(t.TempDir(), "broker.creds")
	require.NoError(t, Seal(ctx, url, path, &Credentials{Type: CredentialTypeToken, Token: "t"}))

	provider, err := NewSecretProvider(ctx, url, path)
	require.NoError(t, err)
	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	_, err = provider.GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrProviderClosed)
}
