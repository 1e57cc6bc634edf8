package raven

import (
	"fmt"
	"time"
)

const PluginName = "raven"

// Config represents the client configuration
type Config struct {
	// Enable/disable the plugin. Ignored by NewClient.
	Enabled bool `mapstructure:"enabled"`

	// Collector DSN
	DSN string `mapstructure:"dsn"`

	// Client-level event defaults
	Level       string            `mapstructure:"level"`
	Logger      string            `mapstructure:"logger"`
	Release     string            `mapstructure:"release"`
	Environment string            `mapstructure:"environment"`
	ServerName  string            `mapstructure:"server_name"`
	Tags        map[string]string `mapstructure:"tags"`
	Extra       map[string]any    `mapstructure:"extra"`

	// Transport settings
	Transport TransportConfig `mapstructure:"transport"`

	// Queue configuration
	Queue QueueConfig `mapstructure:"queue"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// TransportKind selects the Sender implementation.
type TransportKind string

const (
	// TransportSocket opens a connection per send.
	TransportSocket TransportKind = "socket"
	// TransportHTTP reuses a keep-alive connection pool.
	TransportHTTP TransportKind = "http"
	// TransportUDP sends datagrams without waiting for a response.
	TransportUDP TransportKind = "udp"
)

// TransportConfig contains transport settings
type TransportConfig struct {
	Kind TransportKind `mapstructure:"kind"`
	// Per-connection I/O timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// Connection timeout
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Disable peer certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	// PEM bundle used instead of the system roots
	CAFile string `mapstructure:"ca_file"`
	// gzip request bodies (http kind only)
	Compression bool `mapstructure:"compression"`
	// Proxy settings (http kind only)
	Proxy string `mapstructure:"proxy"`
	// Idle keep-alive connections per host (http kind only)
	PoolSize int `mapstructure:"pool_size"`
}

// QueueConfig contains async delivery queue settings
type QueueConfig struct {
	// Wrap the transport in an AsyncSender
	Enabled bool `mapstructure:"enabled"`
	// Maximum number of pending requests
	Size int `mapstructure:"size"`
	// Always queue, even when the host allows I/O
	ForceAsync bool `mapstructure:"force_async"`
	// Delay before a scheduled drain task starts
	DrainDelay time.Duration `mapstructure:"drain_delay"`
	// How long Stop waits for the queue to drain
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Log level for client operations
	Level string `mapstructure:"level"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Level == "" {
		cfg.Level = string(LevelError)
	}
	if cfg.Logger == "" {
		cfg.Logger = "root"
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 10 * time.Second
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = 5 * time.Second
	}
	if cfg.Transport.PoolSize == 0 {
		cfg.Transport.PoolSize = 10
	}

	if cfg.Queue.Size == 0 {
		cfg.Queue.Size = 100
	}
	if cfg.Queue.FlushTimeout == 0 {
		cfg.Queue.FlushTimeout = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration and returns the parsed endpoint.
// An empty transport kind is inferred from the DSN protocol.
func (cfg *Config) Validate() (*Endpoint, error) {
	const op = "config_validate"

	endpoint, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if _, err := ParseLevel(cfg.Level); err != nil {
		return nil, err
	}

	switch cfg.Transport.Kind {
	case "":
		if endpoint.Protocol == ProtocolUDP {
			cfg.Transport.Kind = TransportUDP
		} else {
			cfg.Transport.Kind = TransportHTTP
		}
	case TransportUDP:
		if endpoint.Protocol != ProtocolUDP {
			return nil, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("udp transport cannot serve a %s dsn", endpoint.Protocol)}
		}
	case TransportSocket, TransportHTTP:
		if endpoint.Protocol == ProtocolUDP {
			return nil, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("%s transport cannot serve a udp dsn", cfg.Transport.Kind)}
		}
	default:
		return nil, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("unknown transport kind: %q", cfg.Transport.Kind)}
	}

	if cfg.Queue.Size < 0 {
		return nil, &Error{Op: op, Kind: KindConfig, Message: "queue size must not be negative"}
	}

	return endpoint, nil
}
