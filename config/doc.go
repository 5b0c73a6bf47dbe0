// Package config defines the configuration for a federation node.
//
// Regardless of how the engine is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, the engine relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional configuration
// files:
//
//	priv_key           // a plain text file containing the raw private key (cf. fedsync keygen).
//	peers.json         // a JSON file containing the current list of peers.
//	peers.genesis.json // (optional, defaults to peers.json) a JSON file containing the initial list of peers.
package config
