package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/proxy"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the
	// federation's private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel                    = "debug"
	DefaultBindAddr                    = "127.0.0.1:1337"
	DefaultServiceAddr                 = "127.0.0.1:8000"
	DefaultSyncInterval                = 1000 * time.Millisecond
	DefaultPartitionSyncInterval       = 10000 * time.Millisecond
	DefaultCheckpointInterval          = 5000 * time.Millisecond
	DefaultPartitionCheckpointInterval = 30000 * time.Millisecond
	DefaultTCPTimeout                  = 1000 * time.Millisecond
	DefaultQuorumTimeout               = 5000 * time.Millisecond
	DefaultHealingDeadline             = 60000 * time.Millisecond
	DefaultMaxPool                     = 2
	DefaultHeaderWindow                = 64
	DefaultMaxSyncSessions             = 4
	DefaultBlockBatch                  = 500
	DefaultGossipFanout                = 3
	DefaultStore                       = false
)

// Config contains all the configuration properties of a federation node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// FederationID is the identifier of the federation this node represents.
	FederationID string `mapstructure:"federation"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// BindAddr is the local address:port where this node serves sync requests
	// from other federations. In some cases, there may be a routable address
	// that cannot be bound. Use AdvertiseAddr to advertise a different
	// address to support this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are registered
	// with the DefaultServerMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// SyncInterval is the period of the sync timer under normal conditions.
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// PartitionSyncInterval is the period of the sync timer while a partition
	// is suspected. Reducing the cadence avoids hammering unreachable peers.
	PartitionSyncInterval time.Duration `mapstructure:"partition-sync-interval"`

	// CheckpointInterval is how often the node seals its uncovered blocks
	// into a new quorum-signed checkpoint.
	CheckpointInterval time.Duration `mapstructure:"checkpoint-interval"`

	// PartitionCheckpointInterval replaces CheckpointInterval while a
	// partition is suspected, so a minority side does not burn quorum
	// attempts it cannot win.
	PartitionCheckpointInterval time.Duration `mapstructure:"partition-checkpoint-interval"`

	// HealingDeadline is how long a suspected partition may persist before
	// the node raises an operator alert.
	HealingDeadline time.Duration `mapstructure:"healing-deadline"`

	// MaxPool controls how many connections are pooled per target in the sync
	// routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of sync RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// QuorumTimeout bounds how long a checkpoint build waits for validator
	// signatures before giving up on quorum.
	QuorumTimeout time.Duration `mapstructure:"quorum-timeout"`

	// HeaderWindow is the number of checkpoint headers exchanged when opening
	// a sync session.
	HeaderWindow uint64 `mapstructure:"header-window"`

	// MaxSyncSessions caps the number of concurrent outbound sync sessions.
	MaxSyncSessions int `mapstructure:"max-sync-sessions"`

	// BlockBatch is the max number of blocks requested in one BlockRequest.
	BlockBatch int `mapstructure:"block-batch"`

	// GossipFanout is the number of peers asked for their peer lists in one
	// discovery round.
	GossipFanout int `mapstructure:"gossip-fanout"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether to load the DAG and checkpoint chain from
	// an existing database file. Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// Proxy is the application proxy that enables the engine to communicate
	// with the application.
	Proxy proxy.AppProxy

	// Key is the private key of the federation.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:                     DefaultDataDir(),
		LogLevel:                    DefaultLogLevel,
		BindAddr:                    DefaultBindAddr,
		ServiceAddr:                 DefaultServiceAddr,
		SyncInterval:                DefaultSyncInterval,
		PartitionSyncInterval:       DefaultPartitionSyncInterval,
		CheckpointInterval:          DefaultCheckpointInterval,
		PartitionCheckpointInterval: DefaultPartitionCheckpointInterval,
		TCPTimeout:                  DefaultTCPTimeout,
		QuorumTimeout:               DefaultQuorumTimeout,
		HealingDeadline:             DefaultHealingDeadline,
		MaxPool:                     DefaultMaxPool,
		HeaderWindow:                DefaultHeaderWindow,
		MaxSyncSessions:             DefaultMaxSyncSessions,
		BlockBatch:                  DefaultBlockBatch,
		GossipFanout:                DefaultGossipFanout,
		Store:                       DefaultStore,
		DatabaseDir:                 DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level data directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "fedsync".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "fedsync")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Fedsync")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Fedsync")
		} else {
			return filepath.Join(home, ".fedsync")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
