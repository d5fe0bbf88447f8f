package nats

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/plaenen/twinbus/pkg/password"
)

const anonymousUser = "anonymous"

// readOnly lets external clients subscribe to events but never publish them.
// Only the bus itself publishes.
var readOnly = &server.Permissions{
	Publish:   &server.SubjectPermission{Deny: []string{">"}},
	Subscribe: &server.SubjectPermission{Allow: []string{">"}},
}

// Authenticator is the embedded broker's client authentication. The bus
// connects with a generated publisher identity; every other client gets
// subscribe-only permissions. With an empty credential table any client is
// accepted, otherwise username and password must match an entry.
type Authenticator struct {
	users  map[string]string
	logger *slog.Logger

	publisherUser     string
	publisherPassword string
	account           *server.Account
}

// NewAuthenticator creates an authenticator for the given credential table.
// Table values are plaintext passwords or bcrypt hashes.
func NewAuthenticator(users map[string]string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[string]string, len(users))
	for user, pw := range users {
		table[user] = pw
		if err := password.ValidateStrength(pw); err != nil {
			logger.Warn("weak broker password in credential table", "user", user, "reason", err.Error())
		}
	}
	return &Authenticator{
		users:             table,
		logger:            logger,
		publisherUser:     "twinbus-publisher-" + randomToken(6),
		publisherPassword: randomToken(32),
	}
}

// Anonymous reports whether clients may connect without credentials.
func (a *Authenticator) Anonymous() bool {
	return len(a.users) == 0
}

// PublisherCredentials returns the identity the bus connects with.
func (a *Authenticator) PublisherCredentials() (user, pass string) {
	return a.publisherUser, a.publisherPassword
}

// Check implements server.Authentication.
func (a *Authenticator) Check(c server.ClientAuthentication) bool {
	opts := c.GetOpts()
	if opts == nil {
		return false
	}

	if opts.Username == a.publisherUser {
		if password.Compare(a.publisherPassword, opts.Password) != nil {
			a.logger.Warn("broker authentication failed", "user", opts.Username, "remote", remote(c))
			return false
		}
		c.RegisterUser(&server.User{Username: opts.Username, Account: a.account})
		return true
	}

	if a.Anonymous() {
		user := opts.Username
		if user == "" {
			user = anonymousUser
		}
		c.RegisterUser(&server.User{Username: user, Permissions: readOnly, Account: a.account})
		return true
	}

	stored, ok := a.users[opts.Username]
	if !ok || password.Compare(stored, opts.Password) != nil {
		a.logger.Warn("broker authentication failed", "user", opts.Username, "remote", remote(c))
		return false
	}
	c.RegisterUser(&server.User{Username: opts.Username, Permissions: readOnly, Account: a.account})
	return true
}

func remote(c server.ClientAuthentication) string {
	if addr := c.RemoteAddress(); addr != nil {
		return addr.String()
	}
	return ""
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

var _ server.Authentication = (*Authenticator)(nil)
