package nats

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/plaenen/twinbus/pkg/messagebus"
	"golang.org/x/crypto/pkcs12"
)

// LoadKeystore reads a certificate and private key from a PKCS#12 or PEM keystore.
func LoadKeystore(k KeystoreConfig) (tls.Certificate, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: reading keystore %s: %v", messagebus.ErrConfiguration, k.Path, err)
	}

	ext := strings.ToLower(filepath.Ext(k.Path))
	if ext == ".p12" || ext == ".pfx" || !bytes.Contains(data, []byte("-----BEGIN")) {
		key, cert, err := pkcs12.Decode(data, k.Password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: decoding PKCS#12 keystore %s: %v", messagebus.ErrConfiguration, k.Path, err)
		}
		return tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}, nil
	}

	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: decoding PEM keystore %s: %v", messagebus.ErrConfiguration, k.Path, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: parsing certificate in %s: %v", messagebus.ErrConfiguration, k.Path, err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// serverTLSConfig builds the broker side TLS configuration.
func serverTLSConfig(k KeystoreConfig) (*tls.Config, error) {
	cert, err := LoadKeystore(k)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// clientTLSConfig builds the client side TLS configuration. The keystore
// certificate is presented to the broker and is also trusted as a root, so a
// self-signed broker certificate shared through the keystore verifies.
func clientTLSConfig(k KeystoreConfig) (*tls.Config, error) {
	cert, err := LoadKeystore(k)
	if err != nil {
		return nil, err
	}

	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	roots.AddCert(cert.Leaf)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
