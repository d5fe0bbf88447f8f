package nats

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/twinbus/pkg/event"
	"github.com/plaenen/twinbus/pkg/messagebus"
	"github.com/plaenen/twinbus/pkg/model"
	"github.com/plaenen/twinbus/pkg/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func startBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	bus, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func collect(t *testing.T, bus *Bus, kinds ...event.Kind) (messagebus.SubscriptionID, <-chan event.Message) {
	t.Helper()
	ch := make(chan event.Message, 64)
	id, err := bus.Subscribe(context.Background(), messagebus.SubscriptionInfo{
		Kinds:   kinds,
		Handler: func(msg event.Message) { ch <- msg },
	})
	require.NoError(t, err)
	return id, ch
}

func receive(t *testing.T, ch <-chan event.Message) event.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan event.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected event %s for %s", msg.Kind(), msg.Reference())
	case <-time.After(200 * time.Millisecond):
	}
}

func createdAt(path string) event.ElementCreate {
	ref := model.MustParseReference(path)
	return event.ElementCreate{
		Base:  event.Base{Element: ref},
		Value: model.NewProperty(ref.Last().Value, model.NewValue(model.TypeInt, "42")),
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestConfigEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://localhost:4222", cfg.Endpoint())

	cfg.ClientKeystore = KeystoreConfig{Path: "client.p12"}
	assert.Equal(t, "tls://localhost:4223", cfg.Endpoint())

	cfg.UseWebsocket = true
	assert.Equal(t, "wss://localhost:8443", cfg.Endpoint())

	cfg.ClientKeystore = KeystoreConfig{}
	assert.Equal(t, "ws://localhost:8080", cfg.Endpoint())

	assert.Equal(t, "events/ValueChangeEventMessage", cfg.Subject(string(event.KindValueChange)))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, TestConfig().Validate())

	cases := map[string]func(*Config){
		"empty host":            func(c *Config) { c.Host = "" },
		"port out of range":     func(c *Config) { c.Port = 70000 },
		"wildcard prefix":       func(c *Config) { c.TopicPrefix = "events.>" },
		"random external port":  func(c *Config) { c.UseEmbeddedBroker = false; c.Port = -1 },
		"zero publish timeout":  func(c *Config) { c.PublishTimeout = 0 },
		"random websocket port": func(c *Config) { c.UseWebsocket = true; c.WebsocketPort = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), messagebus.ErrConfiguration)
		})
	}
}

func TestNewRejectsMissingKeystore(t *testing.T) {
	cfg := TestConfig()
	cfg.BrokerKeystore = KeystoreConfig{Path: filepath.Join(t.TempDir(), "missing.p12"), Password: "x"}
	_, err := New(cfg)
	assert.ErrorIs(t, err, messagebus.ErrConfiguration)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())
	assert.Equal(t, StateConnected, bus.State())
	require.NoError(t, bus.HealthCheck(ctx))

	_, ch := collect(t, bus, event.CategoryAll)

	ref := model.MustParseReference("/Submodels/X/Prop1")
	messages := []event.Message{
		createdAt("/Submodels/X/Prop1"),
		event.ValueChange{Base: event.Base{Element: ref}, OldValue: model.NewValue(model.TypeInt, "1"), NewValue: model.NewValue(model.TypeInt, "2")},
		event.ExecutionStateChange{Base: event.Base{Element: ref}, OldState: event.ExecutionRunning, NewState: event.ExecutionCompleted},
		event.Error{Base: event.Base{Element: ref}, Level: event.LevelError, Message: "asset unreachable"},
	}
	for _, msg := range messages {
		require.NoError(t, bus.Publish(ctx, msg))
		assert.Equal(t, msg, receive(t, ch))
	}
}

func TestCategoryAndFilter(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())

	ch := make(chan event.Message, 8)
	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.CategoryElementChange},
		Filter:  messagebus.ElementUnder(model.MustParseReference("/Submodels/X")),
		Handler: func(msg event.Message) { ch <- msg },
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/Y/Other")))
	require.NoError(t, bus.Publish(ctx, event.ValueChange{Base: event.Base{Element: model.MustParseReference("/Submodels/X/P")}}))
	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/P")))

	msg := receive(t, ch)
	assert.Equal(t, event.KindElementCreate, msg.Kind())
	assert.Equal(t, "/Submodels/X/P", msg.Reference().String())
	assertNothing(t, ch)
}

func TestUnsubscribeLeavesOtherSubscribersIntact(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())

	first, firstCh := collect(t, bus, event.KindElementCreate)
	_, secondCh := collect(t, bus, event.KindElementCreate)

	require.NoError(t, bus.Unsubscribe(ctx, first))
	require.NoError(t, bus.Unsubscribe(ctx, first))
	require.NoError(t, bus.Unsubscribe(ctx, messagebus.NewSubscriptionID()))
	assert.Equal(t, 1, bus.Subscriptions())

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/P")))
	receive(t, secondCh)
	assertNothing(t, firstCh)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())

	_, err := bus.Subscribe(ctx, messagebus.SubscriptionInfo{
		Kinds:   []event.Kind{event.KindElementCreate},
		Handler: func(event.Message) { panic("boom") },
	})
	require.NoError(t, err)
	_, ch := collect(t, bus, event.KindElementCreate)

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/A")))
	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/B")))
	assert.Equal(t, "A", receive(t, ch).Reference().Last().Value)
	assert.Equal(t, "B", receive(t, ch).Reference().Last().Value)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())
	_, ch := collect(t, bus, event.KindElementCreate)

	user, pass := bus.Broker().Authenticator().PublisherCredentials()
	raw, err := nats.Connect(bus.Broker().ClientURL(), nats.UserInfo(user, pass))
	require.NoError(t, err)
	defer raw.Close()

	subject := bus.cfg.Subject(string(event.KindElementCreate))
	require.NoError(t, raw.Publish(subject, []byte(`{"element":`)))
	require.NoError(t, raw.Publish(subject, []byte(`{"element":{"keys":[]}}`)))
	require.NoError(t, raw.Flush())

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/Valid")))
	assert.Equal(t, "Valid", receive(t, ch).Reference().Last().Value)
	assertNothing(t, ch)
}

func TestAnonymousClientsAreReadOnly(t *testing.T) {
	ctx := context.Background()
	bus := startBus(t, TestConfig())
	_, busCh := collect(t, bus, event.KindElementCreate)

	var mu sync.Mutex
	var asyncErr error
	external, err := nats.Connect(bus.Broker().ClientURL(),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			mu.Lock()
			asyncErr = err
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer external.Close()

	rawCh := make(chan *nats.Msg, 4)
	_, err = external.ChanSubscribe(bus.cfg.Subject(string(event.KindElementCreate)), rawCh)
	require.NoError(t, err)
	require.NoError(t, external.Flush())

	msg := createdAt("/Submodels/X/Prop1")
	require.NoError(t, bus.Publish(ctx, msg))
	receive(t, busCh)

	select {
	case raw := <-rawCh:
		assert.Equal(t, string(event.KindElementCreate), raw.Header.Get(HeaderEventKind))
		assert.NotEmpty(t, raw.Header.Get(HeaderEventID))
		decoded, err := event.FromWire(raw.Data, event.KindElementCreate)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	case <-time.After(waitFor):
		t.Fatal("external subscriber did not receive the event")
	}

	forged, err := event.ToWire(createdAt("/Submodels/X/Forged"))
	require.NoError(t, err)
	require.NoError(t, external.Publish(bus.cfg.Subject(string(event.KindElementCreate)), forged))
	_ = external.Flush()

	assertNothing(t, busCh)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return asyncErr != nil && strings.Contains(strings.ToLower(asyncErr.Error()), "permissions violation")
	}, waitFor, 20*time.Millisecond)
}

func TestCredentialTable(t *testing.T) {
	hash, err := password.Hash("bcrypt-protected-secret-42", password.WithCost(4))
	require.NoError(t, err)

	cfg := TestConfig()
	cfg.Users = map[string]string{
		"alice": "correct-horse-battery-staple",
		"bob":   hash,
	}
	bus := startBus(t, cfg)
	url := bus.Broker().ClientURL()

	cases := []struct {
		name    string
		opts    []nats.Option
		allowed bool
	}{
		{"anonymous", nil, false},
		{"unknown user", []nats.Option{nats.UserInfo("mallory", "x")}, false},
		{"wrong password", []nats.Option{nats.UserInfo("alice", "wrong")}, false},
		{"plaintext entry", []nats.Option{nats.UserInfo("alice", "correct-horse-battery-staple")}, true},
		{"bcrypt entry", []nats.Option{nats.UserInfo("bob", "bcrypt-protected-secret-42")}, true},
		{"bcrypt wrong password", []nats.Option{nats.UserInfo("bob", "nope")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := append([]nats.Option{nats.NoReconnect()}, tc.opts...)
			nc, err := nats.Connect(url, opts...)
			if tc.allowed {
				require.NoError(t, err)
				nc.Close()
				return
			}
			require.Error(t, err)
		})
	}

	require.NoError(t, bus.Publish(context.Background(), createdAt("/Submodels/X/P")))
}

func TestPublishWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)

	brokerCfg := TestConfig()
	brokerCfg.Port = port
	first, err := NewBroker(brokerCfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer first.Shutdown()
	user, pass := first.Authenticator().PublisherCredentials()

	cfg := TestConfig()
	cfg.UseEmbeddedBroker = false
	cfg.Port = port
	cfg.SSLPort = 4223
	cfg.Username, cfg.Password = user, pass
	cfg.ReconnectTimeout = time.Second
	bus := startBus(t, cfg)
	_, ch := collect(t, bus, event.KindElementCreate)

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/Before")))
	assert.Equal(t, "Before", receive(t, ch).Reference().Last().Value)

	first.Shutdown()
	require.Eventually(t, func() bool { return bus.State() != StateConnected }, waitFor, 10*time.Millisecond)

	err = bus.Publish(ctx, createdAt("/Submodels/X/Lost"))
	assert.ErrorIs(t, err, messagebus.ErrBusUnavailable)
	assert.Error(t, bus.HealthCheck(ctx))

	second, err := NewBroker(brokerCfg, nil)
	require.NoError(t, err)
	second.auth.publisherUser, second.auth.publisherPassword = user, pass
	defer second.Shutdown()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = second.Start(ctx)
	}()

	require.NoError(t, bus.Publish(ctx, createdAt("/Submodels/X/After")))
	assert.Equal(t, "After", receive(t, ch).Reference().Last().Value)
	assert.Equal(t, StateConnected, bus.State())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	bus, err := New(TestConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, bus.Publish(ctx, createdAt("/Submodels/X/P")), messagebus.ErrNotStarted)
	_, err = bus.Subscribe(ctx, messagebus.SubscriptionInfo{Kinds: []event.Kind{event.KindError}, Handler: func(event.Message) {}})
	assert.ErrorIs(t, err, messagebus.ErrNotStarted)

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	collect(t, bus, event.KindError)

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
	assert.Zero(t, bus.Subscriptions())
	assert.Nil(t, bus.Broker())
	assert.ErrorIs(t, bus.Publish(ctx, createdAt("/Submodels/X/P")), messagebus.ErrNotStarted)
}

func TestSubscribeRacingStopIsNotRegistered(t *testing.T) {
	ctx := context.Background()
	bus, err := New(TestConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(ctx) })

	bus.afterTransportSubscribe = func() { require.NoError(t, bus.Stop(ctx)) }
	_, err = bus.Subscribe(ctx, messagebus.SubscriptionInfo{Kinds: []event.Kind{event.KindError}, Handler: func(event.Message) {}})
	assert.ErrorIs(t, err, messagebus.ErrNotStarted)
	assert.Zero(t, bus.Subscriptions())

	// A restarted bus does not inherit the abandoned subscription either.
	bus.afterTransportSubscribe = nil
	require.NoError(t, bus.Start(ctx))
	assert.Zero(t, bus.Subscriptions())
}

func TestTLSListener(t *testing.T) {
	keystore := writeSelfSignedPEM(t)

	cfg := TestConfig()
	cfg.BrokerKeystore = KeystoreConfig{Path: keystore}
	cfg.ClientKeystore = KeystoreConfig{Path: keystore}
	bus := startBus(t, cfg)
	assert.True(t, strings.HasPrefix(bus.Broker().ClientURL(), "tls://localhost:"))

	_, ch := collect(t, bus, event.KindElementCreate)
	require.NoError(t, bus.Publish(context.Background(), createdAt("/Submodels/X/Secure")))
	assert.Equal(t, "Secure", receive(t, ch).Reference().Last().Value)

	// Plaintext clients share the TLS port.
	plain, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", bus.Broker().Port()), nats.NoReconnect())
	require.NoError(t, err)
	defer plain.Close()
	assert.True(t, plain.IsConnected())
}

func TestLoadKeystore(t *testing.T) {
	cert, err := LoadKeystore(KeystoreConfig{Path: writeSelfSignedPEM(t)})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Contains(t, cert.Leaf.DNSNames, "localhost")

	garbage := filepath.Join(t.TempDir(), "broken.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keystore"), 0o600))
	_, err = LoadKeystore(KeystoreConfig{Path: garbage, Password: "secret"})
	assert.ErrorIs(t, err, messagebus.ErrConfiguration)
}

func writeSelfSignedPEM(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, pem.Encode(&buf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))

	path := filepath.Join(t.TempDir(), "keystore.pem")
	require.NoError(t, os.WriteFile(path, []byte(buf.String()), 0o600))
	return path
}
