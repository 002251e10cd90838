// Package config loads zmsg client and broker settings from YAML files and
// ZMSG_ environment variables.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zhiqiangxu/zmsg"
)

// Config is the root configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ConnectionConfig is the client side of a broker connection.
type ConnectionConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	TLS               TLSConfig     `mapstructure:"tls"`
	ReceiveBufferSize int           `mapstructure:"receive_buffer_size"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	PoolSize          int           `mapstructure:"correlation_pool_size"`
	DisablePing       bool          `mapstructure:"disable_ping"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ConsumerCacheSize int           `mapstructure:"consumer_cache_size"`
	SocketReadBuffer  int           `mapstructure:"socket_read_buffer"`
	SocketWriteBuffer int           `mapstructure:"socket_write_buffer"`
}

// TLSConfig holds the TLS allow-lists by name, e.g. "TLS1.2" and
// "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256".
type TLSConfig struct {
	Enable             bool     `mapstructure:"enable"`
	Protocols          []string `mapstructure:"protocols"`
	CipherSuites       []string `mapstructure:"cipher_suites"`
	ServerName         string   `mapstructure:"server_name"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	CAFile             string   `mapstructure:"ca_file"`
}

// BrokerConfig configures the in-repo test broker.
type BrokerConfig struct {
	Listen       string        `mapstructure:"listen"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// MetricsConfig configures the prometheus endpoint; empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Connection: ConnectionConfig{
			Endpoints:         []string{"localhost:16010"},
			ReceiveBufferSize: zmsg.DefaultReadSize,
			MaxFrameSize:      zmsg.DefaultMaxFrameSize,
			PoolSize:          zmsg.DefaultPoolSize,
			PingInterval:      zmsg.DefaultPingInterval,
			DialTimeout:       zmsg.DefaultDialTimeout,
			HandshakeTimeout:  zmsg.DefaultHandshakeTimeout,
			ConsumerCacheSize: zmsg.DefaultConsumerCacheSize,
		},
		Broker: BrokerConfig{
			Listen:       "localhost:16010",
			PingInterval: zmsg.DefaultPingInterval,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// ZMSG_CONFIG or zmsg.yaml in the usual locations. Environment variables use
// the prefix ZMSG, e.g. ZMSG_CONNECTION_DISABLE_PING=true.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ZMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("connection.endpoints", cfg.Connection.Endpoints)
	v.SetDefault("connection.tls.enable", false)
	v.SetDefault("connection.tls.protocols", []string{})
	v.SetDefault("connection.tls.cipher_suites", []string{})
	v.SetDefault("connection.tls.server_name", "")
	v.SetDefault("connection.tls.insecure_skip_verify", false)
	v.SetDefault("connection.tls.ca_file", "")
	v.SetDefault("connection.receive_buffer_size", cfg.Connection.ReceiveBufferSize)
	v.SetDefault("connection.max_frame_size", cfg.Connection.MaxFrameSize)
	v.SetDefault("connection.correlation_pool_size", cfg.Connection.PoolSize)
	v.SetDefault("connection.disable_ping", cfg.Connection.DisablePing)
	v.SetDefault("connection.ping_interval", cfg.Connection.PingInterval)
	v.SetDefault("connection.write_timeout", cfg.Connection.WriteTimeout)
	v.SetDefault("connection.dial_timeout", cfg.Connection.DialTimeout)
	v.SetDefault("connection.handshake_timeout", cfg.Connection.HandshakeTimeout)
	v.SetDefault("connection.consumer_cache_size", cfg.Connection.ConsumerCacheSize)
	v.SetDefault("connection.socket_read_buffer", 0)
	v.SetDefault("connection.socket_write_buffer", 0)
	v.SetDefault("broker.listen", cfg.Broker.Listen)
	v.SetDefault("broker.ping_interval", cfg.Broker.PingInterval)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	if path == "" {
		if envPath := os.Getenv("ZMSG_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zmsg")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zmsg"))
		}
	}

	// a missing file leaves defaults and env in place
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if len(c.Connection.Endpoints) == 0 {
		return errors.New("connection.endpoints is empty")
	}
	if c.Connection.PoolSize < 0 {
		return fmt.Errorf("invalid connection.correlation_pool_size: %d", c.Connection.PoolSize)
	}
	if c.Connection.ConsumerCacheSize < 0 {
		return fmt.Errorf("invalid connection.consumer_cache_size: %d", c.Connection.ConsumerCacheSize)
	}
	if _, err := ParseProtocols(c.Connection.TLS.Protocols); err != nil {
		return err
	}
	if _, err := ParseCipherSuites(c.Connection.TLS.CipherSuites); err != nil {
		return err
	}
	return nil
}

// Build converts the connection settings into a zmsg.ConnectionConfig.
func (c ConnectionConfig) Build() (config zmsg.ConnectionConfig, err error) {
	config = zmsg.ConnectionConfig{
		Endpoints:         c.Endpoints,
		Wbuf:              c.SocketWriteBuffer,
		Rbuf:              c.SocketReadBuffer,
		WTO:               c.WriteTimeout,
		DialTimeout:       c.DialTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		ReadBufferSize:    c.ReceiveBufferSize,
		MaxFrameSize:      c.MaxFrameSize,
		PoolSize:          c.PoolSize,
		PingInterval:      c.PingInterval,
		DisablePing:       c.DisablePing,
		ConsumerCacheSize: c.ConsumerCacheSize,
	}
	if !c.TLS.Enable {
		return
	}

	t := &zmsg.TLSConfig{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if t.Versions, err = ParseProtocols(c.TLS.Protocols); err != nil {
		return
	}
	if t.CipherSuites, err = ParseCipherSuites(c.TLS.CipherSuites); err != nil {
		return
	}
	if c.TLS.CAFile != "" {
		var pem []byte
		pem, err = os.ReadFile(c.TLS.CAFile)
		if err != nil {
			err = fmt.Errorf("read tls.ca_file: %w", err)
			return
		}
		t.RootCAs = x509.NewCertPool()
		if !t.RootCAs.AppendCertsFromPEM(pem) {
			err = fmt.Errorf("no certificate in %s", c.TLS.CAFile)
			return
		}
	}
	config.TLS = t
	return
}

var protocolNames = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// ParseProtocols maps names like "TLS1.2" or "TLS 1.2" to version numbers.
func ParseProtocols(names []string) (versions []uint16, err error) {
	for _, name := range names {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
		key = strings.Replace(key, "tlsv", "tls", 1)
		v, ok := protocolNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown TLS protocol %q", name)
		}
		versions = append(versions, v)
	}
	return
}

// ParseCipherSuites maps IANA suite names to ids, insecure suites included
// so that an allow-list naming them is not rejected outright.
func ParseCipherSuites(names []string) (ids []uint16, err error) {
	known := make(map[string]uint16)
	for _, s := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		known[s.Name] = s.ID
	}
	for _, name := range names {
		id, ok := known[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return
}
