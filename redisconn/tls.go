package redisconn

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// VerifyMode controls how the server certificate is checked
type VerifyMode string

const (
	// VerifyNone skips certificate verification entirely
	VerifyNone VerifyMode = "none"
	// VerifyOptional verifies the chain when the server presents one
	VerifyOptional VerifyMode = "optional"
	// VerifyRequired always verifies the chain
	VerifyRequired VerifyMode = "required"
)

// ParseVerifyMode converts a configuration string to a VerifyMode.
// Unknown values fall back to VerifyRequired.
func ParseVerifyMode(s string) VerifyMode {
	switch VerifyMode(strings.ToLower(strings.TrimSpace(s))) {
	case VerifyNone:
		return VerifyNone
	case VerifyOptional:
		return VerifyOptional
	default:
		return VerifyRequired
	}
}

// TLSConfig holds TLS settings for the store connection
type TLSConfig struct {
	Enabled bool
	// VerifyMode is one of none, optional, required
	VerifyMode VerifyMode
	// CAFile is an optional PEM bundle; system roots are used when empty
	CAFile string
	// CertFile and KeyFile enable mutual TLS when both are set
	CertFile string
	KeyFile  string
	// CheckHostname disables hostname verification when false; the chain is
	// still verified against the CA pool unless VerifyMode is none
	CheckHostname bool
	// ServerName overrides the name used for SNI and hostname checks
	ServerName string
}

// Build returns a *tls.Config, or nil when TLS is disabled
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle %s: %w", c.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, errors.New("both cert_file and key_file are required for mutual TLS")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	mode := c.VerifyMode
	if mode == "" {
		mode = VerifyRequired
	}

	switch {
	case mode == VerifyNone:
		cfg.InsecureSkipVerify = true
	case !c.CheckHostname:
		// Go has no chain-only mode, so verify the chain ourselves
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = verifyChain(cfg.RootCAs, mode == VerifyOptional)
	case mode == VerifyOptional:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = verifyChainAndHost(cfg.RootCAs, c.ServerName)
	}

	return cfg, nil
}

func verifyChain(roots *x509.CertPool, allowMissing bool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			if allowMissing {
				return nil
			}
			return errors.New("server presented no certificate")
		}
		_, err := cs.PeerCertificates[0].Verify(verifyOptions(roots, cs, ""))
		return err
	}
}

func verifyChainAndHost(roots *x509.CertPool, serverName string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return nil
		}
		name := serverName
		if name == "" {
			name = cs.ServerName
		}
		_, err := cs.PeerCertificates[0].Verify(verifyOptions(roots, cs, name))
		return err
	}
}

func verifyOptions(roots *x509.CertPool, cs tls.ConnectionState, dnsName string) x509.VerifyOptions {
	opts := x509.VerifyOptions{
		Roots:         roots,
		DNSName:       dnsName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	return opts
}
