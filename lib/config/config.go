// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "PEERLINK_CONFIG"

// Role values accepted by security.role.
const (
	RoleAuto   = "auto"
	RoleClient = "client"
	RoleServer = "server"
)

// Engine values accepted by security.engine.
const (
	EngineDTLS  = "dtls"
	EngineTLS   = "tls"
	EngineCurve = "curve"
)

// Transport kinds accepted by transport.kind.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportICE = "ice"
)

// Compression values accepted by pipeline.compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// environmentOverrides maps PEERLINK_* variables onto config fields.
// They are applied after the file is loaded and before expansion.
var environmentOverrides = map[string]func(*Config) *string{
	"PEERLINK_ROLE":               func(c *Config) *string { return &c.Security.Role },
	"PEERLINK_ENGINE":             func(c *Config) *string { return &c.Security.Engine },
	"PEERLINK_REMOTE_FINGERPRINT": func(c *Config) *string { return &c.Security.RemoteFingerprint },
	"PEERLINK_LOCAL_ADDRESS":      func(c *Config) *string { return &c.Transport.LocalAddress },
	"PEERLINK_REMOTE_ADDRESS":     func(c *Config) *string { return &c.Transport.RemoteAddress },
	"PEERLINK_ADVERTISE_HOST":     func(c *Config) *string { return &c.Transport.AdvertiseHost },
	"PEERLINK_SIGNAL_NAME":        func(c *Config) *string { return &c.Signal.Name },
	"PEERLINK_SIGNAL_PEER":        func(c *Config) *string { return &c.Signal.Peer },
}

// Config is the complete peerlink configuration.
type Config struct {
	// Identity locates the local certificate and key.
	Identity IdentityConfig `yaml:"identity"`

	// Security configures the secure stage.
	Security SecurityConfig `yaml:"security"`

	// Transport configures the lower stage.
	Transport TransportConfig `yaml:"transport"`

	// Signal configures description exchange with the peer.
	Signal SignalConfig `yaml:"signal"`

	// Pipeline holds queue and shutdown tuning.
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// IdentityConfig locates the local certificate. When Certificate and
// PrivateKey are both empty a fresh self-signed certificate is
// generated at startup.
type IdentityConfig struct {
	// Certificate is a PEM certificate path.
	Certificate string `yaml:"certificate"`

	// PrivateKey is a PEM private key path, optionally age-sealed.
	PrivateKey string `yaml:"private_key"`

	// AgeIdentity is an age identity file used to open a sealed key.
	AgeIdentity string `yaml:"age_identity"`
}

// SecurityConfig configures the secure stage.
type SecurityConfig struct {
	// Role is client, server, or auto.
	Role string `yaml:"role"`

	// Engine selects the crypto backend: dtls, tls, or curve.
	Engine string `yaml:"engine"`

	// Datagram selects datagram (DTLS-style) or stream (TLS-style)
	// record handling. Must agree with the engine and transport.
	Datagram bool `yaml:"datagram"`

	// RemoteFingerprint is the peer's expected certificate fingerprint
	// ("sha-256 AB:CD:..."). Required to start a session.
	RemoteFingerprint string `yaml:"remote_fingerprint"`

	// ServerName is passed to engines that carry SNI.
	ServerName string `yaml:"server_name"`

	// MaxHandshakeRetries bounds retransmission triggers per handshake.
	MaxHandshakeRetries int `yaml:"max_handshake_retries"`

	// HandshakeTimeout bounds the whole handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// RetransmitInterval is the initial flight retransmission interval.
	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
}

// TransportConfig configures the lower stage.
type TransportConfig struct {
	// Kind is udp, tcp, or ice.
	Kind string `yaml:"kind"`

	// LocalAddress is the local bind address (host:port).
	LocalAddress string `yaml:"local_address"`

	// RemoteAddress is the peer address for udp, and the dial target
	// for tcp unless Listen is set.
	RemoteAddress string `yaml:"remote_address"`

	// Listen makes a tcp transport accept one connection on
	// LocalAddress instead of dialing.
	Listen bool `yaml:"listen"`

	// AdvertiseHost is the host published in signaled descriptions
	// when LocalAddress binds every interface. Defaults to 127.0.0.1.
	AdvertiseHost string `yaml:"advertise_host"`

	// ICEServers lists STUN/TURN servers for the ice kind.
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// ICEServerConfig is one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// SignalConfig configures the exchange of session descriptions. With
// signaling enabled the remote fingerprint, setup role, and address
// (or ICE parameters) come from the peer's description instead of the
// config file.
type SignalConfig struct {
	// Directory is a shared directory for file-based signaling.
	Directory string `yaml:"directory"`

	// Redis is a Redis server address for Redis-based signaling.
	Redis string `yaml:"redis"`

	// Name is this peer's ID. An offerer without one gets a random ID.
	Name string `yaml:"name"`

	// Peer is the ID of the peer to offer to. An answerer without one
	// answers the first offer addressed to Name.
	Peer string `yaml:"peer"`

	// Offer makes this peer the offerer.
	Offer bool `yaml:"offer"`

	// Timeout bounds the whole exchange.
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether a signaling backend is configured.
func (s SignalConfig) Enabled() bool {
	return s.Directory != "" || s.Redis != ""
}

// PipelineConfig holds queue and shutdown tuning.
type PipelineConfig struct {
	// IncomingQueueSize bounds the secure stage's receive queue.
	IncomingQueueSize int `yaml:"incoming_queue_size"`

	// StopTimeout caps how long Stop waits for in-flight work.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// Compression compresses application messages above the secure
	// stage: none, lz4, or zstd. Both peers must agree.
	Compression string `yaml:"compression"`
}

// Default returns a Config with the pipeline defaults: auto role, DTLS
// over UDP, a 60 second handshake budget.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			Role:                RoleAuto,
			Engine:              EngineDTLS,
			Datagram:            true,
			MaxHandshakeRetries: 10,
			HandshakeTimeout:    60 * time.Second,
			RetransmitInterval:  time.Second,
		},
		Transport: TransportConfig{
			Kind:         TransportUDP,
			LocalAddress: "0.0.0.0:0",
		},
		Signal: SignalConfig{
			Timeout: 2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			IncomingQueueSize: 1024,
			StopTimeout:       5 * time.Second,
			Compression:       CompressionNone,
		},
	}
}

// Load loads configuration from the PEERLINK_CONFIG environment
// variable. There are no fallbacks: if it is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your peerlink.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered over
// Default. Files ending in .json or .jsonc are read as JSON with
// comments and trailing commas; anything else as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironment()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironment overrides fields from the PEERLINK_* variables that
// are set and non-empty.
func (c *Config) applyEnvironment() {
	for name, field := range environmentOverrides {
		if value := os.Getenv(name); value != "" {
			*field(c) = value
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path,
// address, and fingerprint fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Identity.Certificate = expandVars(c.Identity.Certificate, vars)
	c.Identity.PrivateKey = expandVars(c.Identity.PrivateKey, vars)
	c.Identity.AgeIdentity = expandVars(c.Identity.AgeIdentity, vars)
	c.Security.RemoteFingerprint = expandVars(c.Security.RemoteFingerprint, vars)
	c.Transport.LocalAddress = expandVars(c.Transport.LocalAddress, vars)
	c.Transport.RemoteAddress = expandVars(c.Transport.RemoteAddress, vars)
	c.Signal.Directory = expandVars(c.Signal.Directory, vars)
	c.Signal.Redis = expandVars(c.Signal.Redis, vars)
	for index := range c.Transport.ICEServers {
		c.Transport.ICEServers[index].Credential = expandVars(c.Transport.ICEServers[index].Credential, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if (c.Identity.Certificate == "") != (c.Identity.PrivateKey == "") {
		errs = append(errs, errors.New("identity.certificate and identity.private_key must be set together"))
	}

	roles := []string{RoleAuto, RoleClient, RoleServer}
	if !slices.Contains(roles, strings.ToLower(c.Security.Role)) {
		errs = append(errs, fmt.Errorf("security.role must be one of: %v", roles))
	}

	engines := []string{EngineDTLS, EngineTLS, EngineCurve}
	engine := strings.ToLower(c.Security.Engine)
	if !slices.Contains(engines, engine) {
		errs = append(errs, fmt.Errorf("security.engine must be one of: %v", engines))
	}
	if engine == EngineDTLS && !c.Security.Datagram {
		errs = append(errs, errors.New("security.engine dtls requires security.datagram: true"))
	}
	if engine == EngineTLS && c.Security.Datagram {
		errs = append(errs, errors.New("security.engine tls requires security.datagram: false"))
	}

	if c.Security.MaxHandshakeRetries <= 0 {
		errs = append(errs, errors.New("security.max_handshake_retries must be positive"))
	}
	if c.Security.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("security.handshake_timeout must be positive"))
	}
	if c.Security.RetransmitInterval <= 0 {
		errs = append(errs, errors.New("security.retransmit_interval must be positive"))
	}

	kinds := []string{TransportUDP, TransportTCP, TransportICE}
	kind := strings.ToLower(c.Transport.Kind)
	if !slices.Contains(kinds, kind) {
		errs = append(errs, fmt.Errorf("transport.kind must be one of: %v", kinds))
	}
	if kind == TransportTCP && c.Security.Datagram {
		errs = append(errs, errors.New("transport.kind tcp requires security.datagram: false"))
	}
	if (kind == TransportUDP || kind == TransportICE) && !c.Security.Datagram {
		errs = append(errs, fmt.Errorf("transport.kind %s requires security.datagram: true", kind))
	}
	signaling := c.Signal.Enabled()
	if kind == TransportUDP && c.Transport.RemoteAddress == "" && !signaling {
		errs = append(errs, errors.New("transport.remote_address is required for udp without signaling"))
	}
	if kind == TransportTCP && !c.Transport.Listen && c.Transport.RemoteAddress == "" && !signaling {
		errs = append(errs, errors.New("transport.remote_address is required to dial tcp without signaling"))
	}
	if kind == TransportICE && !signaling {
		errs = append(errs, errors.New("transport.kind ice requires signal.directory or signal.redis"))
	}
	if c.Security.RemoteFingerprint == "" && !signaling {
		errs = append(errs, errors.New("security.remote_fingerprint is required without signaling"))
	}
	for index, server := range c.Transport.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("transport.ice_servers[%d].urls is required", index))
		}
	}

	if c.Signal.Directory != "" && c.Signal.Redis != "" {
		errs = append(errs, errors.New("signal.directory and signal.redis are mutually exclusive"))
	}
	if signaling {
		if c.Signal.Offer && c.Signal.Peer == "" {
			errs = append(errs, errors.New("signal.peer is required to offer"))
		}
		if !c.Signal.Offer && c.Signal.Name == "" {
			errs = append(errs, errors.New("signal.name is required to answer"))
		}
		if c.Signal.Timeout <= 0 {
			errs = append(errs, errors.New("signal.timeout must be positive"))
		}
	}

	compressions := []string{CompressionNone, CompressionLZ4, CompressionZstd}
	if c.Pipeline.Compression != "" && !slices.Contains(compressions, strings.ToLower(c.Pipeline.Compression)) {
		errs = append(errs, fmt.Errorf("pipeline.compression must be one of: %v", compressions))
	}

	if c.Pipeline.IncomingQueueSize <= 0 {
		errs = append(errs, errors.New("pipeline.incoming_queue_size must be positive"))
	}
	if c.Pipeline.StopTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stop_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
