package sslref

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
)

// GenerateSelfSignedServerConfig builds a bare-bones server-side TLS
// config backed by a freshly generated self-signed certificate, the way
// the example corpus's QUIC convergence layer does for its own
// self-signed listener config.
func GenerateSelfSignedServerConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("sslref: generating private key: %w", err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("sslref: generating certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("sslref: combining certificate and key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// GenerateSelfSignedClientConfig builds a bare-bones client-side TLS
// config that accepts the self-signed certificate a
// GenerateSelfSignedServerConfig server presents. It sets
// InsecureSkipVerify, so the server's certificate chain and host name are
// not verified and the TLS layer does not authenticate the server.
func GenerateSelfSignedClientConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}
