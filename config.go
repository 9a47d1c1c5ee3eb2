package cipherlink

import (
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for Config fields left empty.
const (
	DefaultKeyFile      = "keys/shared_key.key"
	DefaultServerHost   = "0.0.0.0"
	DefaultServerPort   = 8888
	DefaultClientHost   = "127.0.0.1"
	DefaultListenAddr   = "127.0.0.1:1080"
	DefaultMaxFrameSize = 1 << 20
	DefaultChunkSize    = 16 << 10
	DefaultDialTimeout  = 10 * time.Second
	DefaultDialRetries  = 3
	DefaultLogLevel     = "info"
)

// Config holds the settings for tunnels, the server and the client. A Config is
// read once at startup and must not be modified after it is passed to this
// package.
type Config struct {
	// Rand is used as source of randomness for nonces. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader `toml:"-"`

	// Key is the shared secret of all tunnels. Set directly, or read from KeyFile
	// by LoadKey.
	Key SharedKey `toml:"-"`

	KeyFile    string `toml:"key_file"`
	ServerHost string `toml:"server_host"` // Address the server binds to.
	ServerPort int    `toml:"server_port"`
	ClientHost string `toml:"client_host"` // Address of the server, as dialed by the client.

	// ListenAddr is where the client accepts plaintext connections to tunnel.
	ListenAddr string `toml:"listen"`

	// Target is the plaintext destination the server connects each tunnel to.
	Target string `toml:"target"`

	// MaxFrameSize bounds the size of a single frame on the wire, including its
	// header. Larger incoming frames are rejected before they are buffered.
	MaxFrameSize int `toml:"max_frame_size"`

	// ChunkSize is the maximum number of plaintext bytes read from a peer and sent
	// in one frame.
	ChunkSize int `toml:"chunk_size"`

	DialTimeout Duration `toml:"dial_timeout"`
	DialRetries int      `toml:"dial_retries"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// Duration is a time.Duration that can be read from TOML strings like "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// NewConfig returns a Config with all defaults set and no key.
func NewConfig() *Config {
	return &Config{
		KeyFile:      DefaultKeyFile,
		ServerHost:   DefaultServerHost,
		ServerPort:   DefaultServerPort,
		ClientHost:   DefaultClientHost,
		ListenAddr:   DefaultListenAddr,
		MaxFrameSize: DefaultMaxFrameSize,
		ChunkSize:    DefaultChunkSize,
		DialTimeout:  Duration{DefaultDialTimeout},
		DialRetries:  DefaultDialRetries,
		LogLevel:     DefaultLogLevel,
	}
}

// LoadConfig returns a Config with defaults, overridden by the TOML file at path
// if path is not empty, overridden by CIPHERLINK_* environment variables. The key
// is not loaded, see LoadKey.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, prefixError(ErrBadConfig, "parsing %s: %s", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, prefixError(ErrBadConfig, "%s: unknown key %q", path, undecoded[0].String())
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	env := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	env("CIPHERLINK_KEY_FILE", &c.KeyFile)
	env("CIPHERLINK_SERVER_HOST", &c.ServerHost)
	env("CIPHERLINK_CLIENT_HOST", &c.ClientHost)
	env("CIPHERLINK_LISTEN", &c.ListenAddr)
	env("CIPHERLINK_TARGET", &c.Target)
	if v := os.Getenv("CIPHERLINK_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return prefixError(ErrBadConfig, "CIPHERLINK_SERVER_PORT: %s", err)
		}
		c.ServerPort = port
	}
	return nil
}

// LoadKey reads the shared key from KeyFile, see NearestKeyFile and ReadKeyFile.
func (c *Config) LoadKey() error {
	path, err := NearestKeyFile(c.KeyFile)
	if err != nil {
		return err
	}
	key, err := ReadKeyFile(path)
	if err != nil {
		return err
	}
	c.KeyFile = path
	c.Key = key
	return nil
}

// Validate checks that c can be used for tunnels.
func (c *Config) Validate() error {
	if len(c.Key) != KeySize {
		return prefixError(ErrInvalidKeySize, "got %d bytes, expected %d", len(c.Key), KeySize)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return prefixError(ErrBadConfig, "server port %d out of range", c.ServerPort)
	}
	if c.ChunkSize <= 0 {
		return prefixError(ErrBadConfig, "chunk size must be positive")
	}
	if HeaderSize+Overhead+c.ChunkSize > c.MaxFrameSize {
		return prefixError(ErrBadConfig, "chunk size %d does not fit in max frame size %d", c.ChunkSize, c.MaxFrameSize)
	}
	if c.DialRetries < 0 {
		return prefixError(ErrBadConfig, "dial retries must not be negative")
	}
	return nil
}

// BindAddr is the address the server listens on.
func (c *Config) BindAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// ServerAddr is the address the client dials.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.ClientHost, strconv.Itoa(c.ServerPort))
}

func (c *Config) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func (c *Config) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout.Duration <= 0 {
		return DefaultDialTimeout
	}
	return c.DialTimeout.Duration
}

func checkConfig(c *Config) error {
	if c == nil {
		return errNoConfig
	}
	if len(c.Key) != KeySize {
		return prefixError(ErrInvalidKeySize, "config key of %d bytes, expected %d", len(c.Key), KeySize)
	}
	return nil
}
