package commands

import (
	"os"
	"path/filepath"

	"github.com/meshworks/fedsync/fedsync"
	"github.com/meshworks/fedsync/proxy/dummy"
	"github.com/meshworks/fedsync/proxy/inmem"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a fedsync node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runFedsync,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runFedsync(cmd *cobra.Command, args []string) error {
	// The embedded key-value application. Programs embedding the engine
	// supply their own AppProxy through config.Config instead.
	state := dummy.NewState(_config.Logger().Logger)
	_config.Proxy = inmem.NewInmemProxy(state, _config.Logger().Logger)

	engine := fedsync.NewFedsync(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("federation", _config.FederationID, "Identifier of the federation this node represents")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for fedsync node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for fedsync node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load DAG and checkpoint chain from database")

	// Sync
	cmd.Flags().Duration("sync-interval", _config.SyncInterval, "Time between sync sessions")
	cmd.Flags().Duration("partition-sync-interval", _config.PartitionSyncInterval, "Time between sync attempts while partitioned")
	cmd.Flags().Duration("checkpoint-interval", _config.CheckpointInterval, "Time between checkpoint builds")
	cmd.Flags().Duration("partition-checkpoint-interval", _config.PartitionCheckpointInterval, "Time between checkpoint builds while partitioned")
	cmd.Flags().Duration("quorum-timeout", _config.QuorumTimeout, "Max wait for checkpoint signatures")
	cmd.Flags().Duration("healing-deadline", _config.HealingDeadline, "Partition age that triggers an operator alert")
	cmd.Flags().Uint64("header-window", _config.HeaderWindow, "Number of checkpoint headers exchanged per session")
	cmd.Flags().Int("max-sync-sessions", _config.MaxSyncSessions, "Max number of concurrent sync sessions")
	cmd.Flags().Int("block-batch", _config.BlockBatch, "Max number of blocks per block request")
	cmd.Flags().Int("gossip-fanout", _config.GossipFanout, "Number of peers asked per discovery round")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	addLogHooks(_config.Logger().Logger)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":               _config.DataDir,
		"FederationID":          _config.FederationID,
		"BindAddr":              _config.BindAddr,
		"AdvertiseAddr":         _config.AdvertiseAddr,
		"ServiceAddr":           _config.ServiceAddr,
		"NoService":             _config.NoService,
		"MaxPool":               _config.MaxPool,
		"Store":                 _config.Store,
		"LogLevel":              _config.LogLevel,
		"Moniker":               _config.Moniker,
		"SyncInterval":          _config.SyncInterval,
		"PartitionSyncInterval": _config.PartitionSyncInterval,
		"TCPTimeout":            _config.TCPTimeout,
		"QuorumTimeout":         _config.QuorumTimeout,
		"HeaderWindow":          _config.HeaderWindow,
		"MaxSyncSessions":       _config.MaxSyncSessions,
		"BlockBatch":            _config.BlockBatch,
		"GossipFanout":          _config.GossipFanout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/fedsync.toml (.json, .yaml also work)
	viper.SetConfigName("fedsync")       // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// addLogHooks routes info and debug output to files in the data directory, on
// top of the default stderr output.
func addLogHooks(logger *logrus.Logger) {
	pathMap := lfshook.PathMap{}

	infoLog := filepath.Join(_config.DataDir, "fedsync_info.log")
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open fedsync_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := filepath.Join(_config.DataDir, "fedsync_debug.log")
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open fedsync_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
