package registry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// validateTLS checks that an enabled TLS config names all three files.
func validateTLS(cfg *TLSConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	switch {
	case cfg.CertFile == "":
		return fmt.Errorf("TLS cert file is required when TLS is enabled")
	case cfg.KeyFile == "":
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	case cfg.CAFile == "":
		return fmt.Errorf("TLS CA file is required when TLS is enabled")
	}
	return nil
}

// clientTLS builds the client tls.Config, or nil when TLS is disabled.
func clientTLS(cfg *TLSConfig) (*tls.Config, error) {
	if err := validateTLS(cfg); err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
