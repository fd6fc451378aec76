// Package config loads the server and client configuration described in
// spec §6 from a YAML file with environment-variable overrides, using
// cleanenv exactly as the teacher's own configuration loader does.
package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// ServerConfig holds the edge server's configuration. Secrets are sourced
// from environment only (yaml:"-"), mirroring the teacher's treatment of its
// own database password and credentials key.
type ServerConfig struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Host     string `yaml:"host" env:"HOST" env-default:"0.0.0.0"`
	Port     int    `yaml:"port" env:"PORT" env-default:"3000"`

	Secret string `yaml:"-" env:"SECRET"`

	ClientTimeoutSeconds  int `yaml:"client_timeout" env:"CLIENT_TIMEOUT" env-default:"10"`
	RequestTimeoutSeconds int `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"30"`

	ProxyMode      string   `yaml:"proxy_mode" env:"PROXY_MODE" env-default:"none"`
	CustomHeader   string   `yaml:"proxy_header" env:"PROXY_HEADER" env-default:""`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ClientConfig holds the tunnel client's configuration.
type ClientConfig struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Server   string `yaml:"server" env:"SERVER"`

	ReconnectIntervalSeconds int `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL" env-default:"5"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL" env-default:"30"`

	HAServer         string `yaml:"ha_server" env:"HA_SERVER" env-default:"DETECT"`
	HAExternalURL    string `yaml:"ha_external_url" env:"HA_EXTERNAL_URL" env-default:""`
	HATimeoutSeconds int    `yaml:"ha_timeout" env:"HA_TIMEOUT" env-default:"10"`
	HAIgnoreSSL      bool   `yaml:"ha_ignore_ssl" env:"HA_IGNORE_SSL" env-default:"false"`
	HAPassClientIP   bool   `yaml:"ha_pass_client_ip" env:"HA_PASS_CLIENT_IP" env-default:"false"`

	Secret string `yaml:"-" env:"SECRET"`

	AssistantAlexa  bool `yaml:"assistant_alexa" env:"ASSISTANT_ALEXA" env-default:"true"`
	AssistantGoogle bool `yaml:"assistant_google" env:"ASSISTANT_GOOGLE" env-default:"true"`
}

// LoadServerConfig reads ServerConfig from path, with environment variable
// overrides applied by cleanenv per the field's env tag.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	if err := validateProxyMode(cfg.ProxyMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig reads ClientConfig from path, with environment variable
// overrides applied by cleanenv per the field's env tag.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required")
	}
	if cfg.HAExternalURL == "" {
		cfg.HAExternalURL = cfg.HAServer
	}
	return cfg, nil
}

var validProxyModes = map[string]bool{
	"none": true, "x-forwarded-for": true, "x-real-ip": true,
	"cloudflare": true, "true-client-ip": true, "forwarded": true, "custom-name": true,
}

func validateProxyMode(mode string) error {
	if validProxyModes[strings.ToLower(mode)] {
		return nil
	}
	return fmt.Errorf("invalid proxy_mode %q", mode)
}
