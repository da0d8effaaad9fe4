// Package tlsconfig loads the client certificate/key/CA material shared
// by the PuppetDB and OpenStack backends' HTTPS clients. The SSH
// transport verifies hosts with its own ssh.HostKeyCallback instead,
// which has nothing to do with *tls.Config, so it does not use this
// package.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// Material names the PEM files a TLS client config is built from. All
// fields are optional; an empty Material with InsecureSkipVerify unset
// yields the platform's default trust store.
type Material struct {
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	InsecureSkipVerify bool
}

// Load builds a *tls.Config from m. A client cert is only attached when
// both ClientCertFile and ClientKeyFile are set; a CA pool is only
// attached when CACertFile is set, otherwise the system pool is used.
func Load(m Material) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: m.InsecureSkipVerify}

	if m.CACertFile != "" {
		caCert, err := os.ReadFile(m.CACertFile)
		if err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading CA certificate %s", m.CACertFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, cuminerrors.New(cuminerrors.ConfigError, "no certificates parsed from %s", m.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if m.ClientCertFile != "" || m.ClientKeyFile != "" {
		if m.ClientCertFile == "" || m.ClientKeyFile == "" {
			return nil, cuminerrors.New(cuminerrors.ConfigError, "client cert and key must both be set or both be empty")
		}
		cert, err := tls.LoadX509KeyPair(m.ClientCertFile, m.ClientKeyFile)
		if err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "loading client certificate/key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
