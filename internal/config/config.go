// Package config loads server configuration from a YAML file with
// environment overrides, and reports the transport security posture so the
// host can warn operators about insecure bindings.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 8888
	DefaultIP             = "127.0.0.1"
	DefaultLaunchTimeout  = 20
	DefaultStopGrace      = 5
	DefaultBroadcastQueue = 256
)

// DefaultKernelArgv launches the reference kernel adapter. Deployments
// override it; the port placeholders are rendered at launch time.
var DefaultKernelArgv = []string{
	"kernelhub-kernel",
	"--ip={ip}",
	"--control-port={port.control}",
	"--broadcast-port={port.broadcast}",
	"--hb-port={port.heartbeat}",
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Kernel KernelConfig `yaml:"kernel"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	IP             string   `yaml:"ip"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	CertFile       string   `yaml:"cert_file"`
	KeyFile        string   `yaml:"key_file"`
}

type KernelConfig struct {
	// Argv is the deployment-default kernel command line; per-request
	// overrides are merged on top at start time.
	Argv []string `yaml:"argv"`

	LaunchTimeoutSeconds int `yaml:"launch_timeout_seconds"`
	StopGraceSeconds     int `yaml:"stop_grace_seconds"`

	// BroadcastQueue bounds each broadcast observer's queue. Observers that
	// overflow it are dropped rather than buffered without limit.
	BroadcastQueue int `yaml:"broadcast_queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			IP:   DefaultIP,
			Port: DefaultPort,
		},
		Kernel: KernelConfig{
			Argv:                 append([]string(nil), DefaultKernelArgv...),
			LaunchTimeoutSeconds: DefaultLaunchTimeout,
			StopGraceSeconds:     DefaultStopGrace,
			BroadcastQueue:       DefaultBroadcastQueue,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file when path is non-empty, then applies
// environment overrides and validates. A missing file with an empty path is
// fine; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if value := os.Getenv("KERNELHUB_IP"); value != "" {
		cfg.Server.IP = value
	}
	if value := os.Getenv("KERNELHUB_PORT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if value := os.Getenv("KERNELHUB_AUTH_TOKEN"); value != "" {
		cfg.Server.AuthToken = value
	}
	if value := os.Getenv("KERNELHUB_LOG_LEVEL"); value != "" {
		cfg.Log.Level = value
	}
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if len(c.Kernel.Argv) == 0 {
		return fmt.Errorf("kernel argv must not be empty")
	}
	if c.Kernel.LaunchTimeoutSeconds <= 0 {
		return fmt.Errorf("launch timeout must be positive")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

func (c Config) ListenAddr() string {
	ip := c.Server.IP
	if ip == "*" {
		ip = ""
	}
	return net.JoinHostPort(ip, strconv.Itoa(c.Server.Port))
}

// TransportSecurity is the reporting contract for the serving transport:
// whether it is encrypted and whether it is reachable beyond loopback.
type TransportSecurity struct {
	TLS      bool
	Loopback bool
}

func (c Config) Security() TransportSecurity {
	return TransportSecurity{
		TLS:      c.Server.CertFile != "" && c.Server.KeyFile != "",
		Loopback: isLoopback(c.Server.IP),
	}
}

// Insecure reports a binding that operators should be warned about: plain
// HTTP reachable from other hosts.
func (s TransportSecurity) Insecure() bool {
	return !s.TLS && !s.Loopback
}

func isLoopback(ip string) bool {
	trimmed := strings.TrimSpace(ip)
	if trimmed == "" || trimmed == "*" {
		return false
	}
	if parsed := net.ParseIP(trimmed); parsed != nil {
		return parsed.IsLoopback()
	}
	return trimmed == "localhost"
}
