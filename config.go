package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/die-net/ruleproxy/internal/ssh"
)

const envPrefix = "RULEPROXY_"

// config holds flag defaults read from the environment. Flags override it.
type config struct {
	Listen             string        `env:"LISTEN"              envDefault:":8000"`
	Upstream           string        `env:"UPSTREAM"`
	DebugListen        string        `env:"DEBUG_LISTEN"`
	DialTimeout        time.Duration `env:"DIAL_TIMEOUT"        envDefault:"10s"`
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes     int           `env:"MAX_HEADER_BYTES"    envDefault:"65536"`
	RulesInterval      time.Duration `env:"RULES_INTERVAL"      envDefault:"1s"`
	TCPKeepAlive       string        `env:"TCP_KEEPALIVE"       envDefault:"45:45:3"`
	SSHKey             string        `env:"SSH_KEY"`
	SSHKnownHosts      string        `env:"SSH_KNOWN_HOSTS"`
	ProxyProtocol      bool          `env:"PROXY_PROTOCOL"`
	Verbose            bool          `env:"VERBOSE"`
}

// loadDotEnv loads path into the process environment if it exists.
// Variables already set take precedence.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig parses RULEPROXY_* variables from environ and fills in the
// defaults that depend on the host.
func loadConfig(environ map[string]string) (config, error) {
	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return config{}, fmt.Errorf("environment: %w", err)
	}

	if cfg.Upstream == "" {
		cfg.Upstream = defaultUpstream(environ)
	}
	if cfg.SSHKey == "" {
		cfg.SSHKey = defaultSSHKeyPath()
	}
	if cfg.SSHKnownHosts == "" {
		cfg.SSHKnownHosts = defaultSSHKnownHostsPath()
	}
	return cfg, nil
}

func environMap() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream(environ map[string]string) string {
	for _, k := range []string{"ALL_PROXY", "all_proxy"} {
		if p := environ[k]; p != "" {
			return p
		}
	}
	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentKeySource
	}
	return ""
}
