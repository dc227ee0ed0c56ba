package tls

import (
	"crypto/tls"
	"fmt"

	"otp-service/internal/config"
	"otp-service/internal/util"
)

// Manager serves the certificate for the TLS listener: configured files
// when present, a generated self-signed certificate otherwise. The
// self-signed path exists for development and never satisfies a browser.
type Manager struct {
	certFile string
	keyFile  string
	certDir  string
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		certFile: cfg.Server.CertFile,
		keyFile:  cfg.Server.KeyFile,
		certDir:  ".certs",
	}
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.certFile != "" && m.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("failed to load configured certificate, falling back to self-signed",
			util.String("cert_file", m.certFile),
			util.ErrorField(err))
	}

	return m.generateSelfSignedCert()
}

func (m *Manager) generateSelfSignedCert() (*tls.Certificate, error) {
	generator := NewDevCertGenerator(m.certDir)
	hosts := []string{"localhost", "127.0.0.1", "::1"}

	cert, err := generator.GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %v", err)
	}

	util.Info("Generated self-signed certificate", util.Any("hosts", hosts))
	return &cert, nil
}

func (m *Manager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
