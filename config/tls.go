package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSSettings points at PEM files for the P2P listener and for outbound connections
type TLSSettings struct {
	CertificateFile string `yaml:"certificate"`
	PrivateKeyFile  string `yaml:"privateKey"`
	TrustRootFile   string `yaml:"trustRoot"`
}

// ServerConfig builds the broker-side TLS configuration. Peers must present a
// certificate signed by the trust root when one is configured.
func (s *TLSSettings) ServerConfig() (*tls.Config, error) {
	if s == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.CertificateFile, s.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.TrustRootFile != "" {
		pool, err := loadPool(s.TrustRootFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// ClientConfig builds the TLS configuration used to reach brokers
func (s *TLSSettings) ClientConfig() (*tls.Config, error) {
	if s == nil {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.TrustRootFile != "" {
		pool, err := loadPool(s.TrustRootFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if s.CertificateFile != "" && s.PrivateKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertificateFile, s.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust root %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("failed to parse trust root %s: invalid PEM data", path)
	}
	return pool, nil
}
