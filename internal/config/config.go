// Package config loads and validates dvpnd's configuration: the core's
// private key / listen / peer table, plus the ambient service, metrics,
// Postgres, Kafka and history settings.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Node     NodeConfig     `koanf:"node"`
	Listen   []ListenConfig `koanf:"listen"`
	Peers    []PeerConfig   `koanf:"peers"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	History  HistoryConfig  `koanf:"history"`
	Probe    ProbeConfig    `koanf:"probe"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// NodeConfig names the private key this node authenticates with; the node
// ID itself is derived from the corresponding certificate's public key
// (§3/C1), never configured directly.
type NodeConfig struct {
	PrivateKeyPath  string `koanf:"private_key_path"`
	CertificatePath string `koanf:"certificate_path"`
}

// ListenConfig binds a TCP accept socket plus its ordered listen entries.
type ListenConfig struct {
	Addr    string        `koanf:"addr"`
	Entries []EntryConfig `koanf:"entries"`
}

// EntryConfig is one listen entry: exact fingerprint match, or "any" for
// the wildcard entry (§4.6). At most one wildcard entry per listen socket.
type EntryConfig struct {
	Name        string `koanf:"name"`
	Fingerprint string `koanf:"fingerprint"` // hex node ID, or "any"
	MaxSessions int    `koanf:"max_sessions"`
}

// PeerConfig is an outbound peer to dial (§4.7). Metric and PeerType
// describe the relationship this node declares toward the peer in its own
// originated LSA (§4.4); PeerType is one of customer, transit, epeer, ipeer.
type PeerConfig struct {
	Name        string `koanf:"name"`
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Fingerprint string `koanf:"fingerprint"`
	Metric      uint16 `koanf:"metric"`
	PeerType    string `koanf:"peer_type"`
}

// ProbeConfig binds the §6 UDP topology-probe responder, which answers a
// zero-byte datagram with this node's own currently-originated LSA.
type ProbeConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

type MetricsConfig struct {
	HTTPListen string `koanf:"http_listen"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type HistoryConfig struct {
	Enabled         bool   `koanf:"enabled"`
	BatchSize       int    `koanf:"batch_size"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
	StoreRaw        bool   `koanf:"store_raw"`
	CompressRaw     bool   `koanf:"compress_raw"`
	RetentionDays   int    `koanf:"retention_days"`
	Timezone        string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// DVPND_KAFKA__BROKERS -> kafka.brokers
	if err := k.Load(env.Provider("DVPND_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DVPND_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "dvpnd-1",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Metrics: MetricsConfig{
			HTTPListen: ":8080",
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Kafka: KafkaConfig{
			ClientID: "dvpnd",
			Topic:    "dvpn-topology",
		},
		History: HistoryConfig{
			BatchSize:       100,
			FlushIntervalMs: 1000,
			CompressRaw:     true,
			RetentionDays:   30,
			Timezone:        "UTC",
		},
		Probe: ProbeConfig{
			Enabled: true,
			Listen:  ":19275",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.PrivateKeyPath == "" {
		return fmt.Errorf("config: node.private_key_path is required")
	}
	if c.Node.CertificatePath == "" {
		return fmt.Errorf("config: node.certificate_path is required")
	}
	if len(c.Listen) == 0 && len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one listen socket or outbound peer is required")
	}
	for i, l := range c.Listen {
		if l.Addr == "" {
			return fmt.Errorf("config: listen[%d].addr is required", i)
		}
		wildcards := 0
		for j, e := range l.Entries {
			if e.Name == "" {
				return fmt.Errorf("config: listen[%d].entries[%d].name is required", i, j)
			}
			if e.Fingerprint == "any" {
				wildcards++
			}
		}
		if wildcards > 1 {
			return fmt.Errorf("config: listen[%d] declares more than one wildcard entry", i)
		}
	}
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peers[%d].name is required", i)
		}
		if p.Host == "" {
			return fmt.Errorf("config: peers[%d].host is required", i)
		}
		if p.Port <= 0 {
			return fmt.Errorf("config: peers[%d].port must be > 0 (got %d)", i, p.Port)
		}
		if p.Fingerprint == "" {
			return fmt.Errorf("config: peers[%d].fingerprint is required", i)
		}
		if p.Metric == 0 {
			return fmt.Errorf("config: peers[%d].metric must be > 0", i)
		}
		if _, err := lsa.ParsePeerType(p.PeerType); err != nil {
			return fmt.Errorf("config: peers[%d].peer_type: %w", i, err)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.History.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when history.enabled is true")
		}
		if c.History.BatchSize <= 0 {
			return fmt.Errorf("config: history.batch_size must be > 0 (got %d)", c.History.BatchSize)
		}
		if c.History.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: history.flush_interval_ms must be > 0 (got %d)", c.History.FlushIntervalMs)
		}
		if c.History.RetentionDays <= 0 {
			return fmt.Errorf("config: history.retention_days must be > 0 (got %d)", c.History.RetentionDays)
		}
		if _, err := time.LoadLocation(c.History.Timezone); err != nil {
			return fmt.Errorf("config: history.timezone is invalid: %w", err)
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns
// nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings.
// Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
