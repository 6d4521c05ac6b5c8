package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubbridge/internal/bridge"
	"github.com/danmuck/hubbridge/internal/catalog"
)

const defaultTokenEnv = "HUBBRIDGE_TOKEN"

// bridgectl config.toml key mapping to controller settings.
type fileConfig struct {
	Name               string   `toml:"name"`
	BaseURL            string   `toml:"base_url"`
	Token              string   `toml:"token"`
	TokenEnv           string   `toml:"token_env"`
	Domains            string   `toml:"domains"`
	AttributeBlacklist []string `toml:"attribute_blacklist"`
	DiscoveryInterval  string   `toml:"discovery_interval"`
	RequestTimeout     string   `toml:"request_timeout"`
	Workers            int      `toml:"workers"`
	QueueSize          int      `toml:"queue_size"`
	CommandTimeout     string   `toml:"command_timeout"`
	AdminListenAddr    string   `toml:"admin_listen_addr"`
	AdminToken         string   `toml:"admin_token"`
	CORSOrigins        []string `toml:"cors_origins"`
	EventLogSize       int      `toml:"event_log_size"`
	ConnectTimeout     string   `toml:"connect_timeout"`
	HandshakeTimeout   string   `toml:"handshake_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	BackoffInitial     string   `toml:"backoff_initial"`
	BackoffMultiplier  float64  `toml:"backoff_multiplier"`
	BackoffMax         string   `toml:"backoff_max"`
	BackoffJitter      bool     `toml:"backoff_jitter"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	TLSCAFile          string   `toml:"tls_ca_file"`
	TLSCertFile        string   `toml:"tls_cert_file"`
	TLSKeyFile         string   `toml:"tls_key_file"`
	TLSServerName      string   `toml:"tls_server_name"`
	TLSInsecure        bool     `toml:"tls_insecure_skip_verify"`
}

// bridgectl loader for TOML config with default overlay. An empty path
// keeps defaults. The token falls back to the environment when the file
// does not carry one.
func loadBridgeConfig(path, tokenEnv string) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()

	var raw fileConfig
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return bridge.Config{}, fmt.Errorf("load bridge config: %w", err)
		}
		if err := applyFileConfig(&cfg, raw, meta); err != nil {
			return bridge.Config{}, fmt.Errorf("load bridge config: %w", err)
		}
	}

	if strings.TrimSpace(cfg.Token) == "" {
		env := strings.TrimSpace(tokenEnv)
		if env == "" {
			env = strings.TrimSpace(raw.TokenEnv)
		}
		if env == "" {
			env = defaultTokenEnv
		}
		cfg.Token = strings.TrimSpace(os.Getenv(env))
	}
	return cfg, nil
}

func applyFileConfig(cfg *bridge.Config, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("base_url") {
		cfg.BaseURL = strings.TrimSpace(raw.BaseURL)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("domains") {
		domains, err := catalog.ParseDomains(raw.Domains)
		if err != nil {
			return err
		}
		cfg.Domains = domains
	}
	if meta.IsDefined("attribute_blacklist") {
		cfg.AttributeBlacklist = append([]string{}, raw.AttributeBlacklist...)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = append([]string{}, raw.CORSOrigins...)
	}
	if meta.IsDefined("event_log_size") {
		cfg.EventLogSize = raw.EventLogSize
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return fmt.Errorf("max_connect_attempts must be >= 0, got %d", raw.MaxConnectAttempts)
		}
		cfg.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecure
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"discovery_interval", raw.DiscoveryInterval, &cfg.DiscoveryInterval},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"command_timeout", raw.CommandTimeout, &cfg.CommandTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
