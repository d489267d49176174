package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/gordian-engine/sharedmap/smbcast/smquic"
)

const generatedCertValidity = 365 * 24 * time.Hour

// serverTLS loads the parent's certificate pair,
// generating and writing a self-signed pair if the files do not exist yet.
func serverTLS(log *slog.Logger, c QUICConfig) (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("quic.cert_file and quic.key_file are required to serve over QUIC")
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err == nil {
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	cert, leaf, err := smquic.SelfSignedCertificate(generatedCertValidity, c.ServerName)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(c.CertFile, "CERTIFICATE", leaf.Raw, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(c.KeyFile, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	log.Info("Generated self-signed certificate", "cert_file", c.CertFile, "server_name", c.ServerName)

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// clientTLS trusts the certificate in c.CertFile.
func clientTLS(c QUICConfig) (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, errors.New("quic.cert_file is required to watch over QUIC")
	}

	b, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %s", c.CertFile)
	}

	return &tls.Config{
		RootCAs:    pool,
		ServerName: c.ServerName,
	}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	b := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, b, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
