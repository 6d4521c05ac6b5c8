package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

// TLSConfig trusts a private hub CA and optionally presents a client
// certificate. The zero value uses system roots.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (t TLSConfig) enabled() bool {
	return strings.TrimSpace(t.CAFile) != "" ||
		strings.TrimSpace(t.CertFile) != "" ||
		strings.TrimSpace(t.ServerName) != "" ||
		t.InsecureSkipVerify
}

func (t TLSConfig) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(t.ServerName),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("bridge: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	certFile, keyFile := strings.TrimSpace(t.CertFile), strings.TrimSpace(t.KeyFile)
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// transports returns the REST client and websocket dialer for the hub.
// Injected transports win over TLS settings.
func (c *Controller) transports() (*http.Client, *websocket.Dialer, error) {
	httpClient, dialer := c.httpClient, c.dialer
	if !c.cfg.TLS.enabled() || (httpClient != nil && dialer != nil) {
		return httpClient, dialer, nil
	}
	tlsCfg, err := c.cfg.TLS.clientTLSConfig()
	if err != nil {
		return nil, nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
		}}
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.Session.HandshakeTimeout,
			TLSClientConfig:  tlsCfg.Clone(),
		}
	}
	return httpClient, dialer, nil
}
