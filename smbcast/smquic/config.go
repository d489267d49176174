package smquic

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated by servers and clients.
const NextProto = "sharedmap/1"

// ApplicationErrorCode values used when closing connections.
const (
	closeCodeShutdown quic.ApplicationErrorCode = 0
	closeCodeProtocol quic.ApplicationErrorCode = 1
)

// DefaultConfig is the default QUIC configuration for servers and clients.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 2 * time.Second,

		// Children may sit idle for a long time between deliveries.
		KeepAlivePeriod: 10 * time.Second,

		// Snapshots are small; one stream each way is all we use.
		InitialStreamReceiveWindow: 64 * 1024,
		MaxStreamReceiveWindow:     4 * 1024 * 1024,

		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 2,
	}
}

// withNextProto returns a clone of conf that advertises [NextProto].
func withNextProto(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	conf.NextProtos = []string{NextProto}
	return conf
}

// SelfSignedCertificate generates an ed25519 certificate
// valid for the given hosts (DNS names or IP addresses) for validFor.
//
// The returned x509 certificate is the parsed leaf,
// which callers can add to a client's RootCAs.
func SelfSignedCertificate(validFor time.Duration, hosts ...string) (tls.Certificate, *x509.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sharedmap"},
			CommonName:   "sharedmap parent",
		},

		NotBefore: now.Add(-time.Minute),
		NotAfter:  now.Add(validFor),

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(crand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, leaf, nil
}
