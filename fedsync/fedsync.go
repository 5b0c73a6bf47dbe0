// Package fedsync assembles a federation node from its constituent parts:
// configuration, key, validator set, store, transport, node, and HTTP
// service.
package fedsync

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/config"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/net"
	"github.com/meshworks/fedsync/node"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/service"
)

// Fedsync is a struct containing the key parts of a federation node.
type Fedsync struct {
	Config     *config.Config
	Node       *node.Node
	Transport  net.Transport
	Store      dag.Store
	Chain      *checkpoint.Chain
	Validators *peers.PeerSet
	Service    *service.Service
}

// NewFedsync is a factory method that returns an unitialised Fedsync object.
func NewFedsync(config *config.Config) *Fedsync {
	engine := &Fedsync{
		Config: config,
	}

	return engine
}

// Init initialises the engine's components in the right order.
func (f *Fedsync) Init() error {
	if err := f.initKey(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initKey")
		return err
	}

	if err := f.initValidators(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initValidators")
		return err
	}

	if err := f.initStore(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initStore")
		return err
	}

	if err := f.initTransport(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initTransport")
		return err
	}

	if err := f.initNode(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initNode")
		return err
	}

	if err := f.initService(); err != nil {
		f.Config.Logger().WithError(err).Error("fedsync.go:Init() initService")
		return err
	}

	return nil
}

// Run starts the engine. This is a blocking call. The HTTP service, when
// enabled, runs in a background routine.
func (f *Fedsync) Run() {
	if f.Service != nil {
		go f.Service.Serve()
	}

	f.Node.Run(true)
}

func (f *Fedsync) initKey() error {
	if f.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(f.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			f.Config.Logger().Errorf("Cannot read private key from file: %v", err)
			return err
		}

		f.Config.Key = privKey
	}

	return nil
}

func (f *Fedsync) initValidators() error {
	peerStore := peers.NewJSONPeerSet(f.Config.DataDir, true)

	validators, err := peerStore.PeerSet()
	if err != nil {
		return err
	}

	if len(validators.Peers) < 1 {
		return fmt.Errorf("peers.json should define at least one validator")
	}

	f.Validators = validators

	return nil
}

func (f *Fedsync) initStore() error {
	if !f.Config.Store {
		f.Store = dag.NewInmemStore()
		f.Chain = checkpoint.NewChain(f.Store)

		f.Config.Logger().Debug("Created new in-mem store")

		return nil
	}

	f.Config.Logger().WithField("path", f.Config.DatabaseDir).Debug("Attempting to load or create database")

	dbDir := f.Config.DatabaseDir
	i := 1
	for !f.Config.Bootstrap {
		if _, err := os.Stat(dbDir); err != nil {
			break
		}
		dbDir = fmt.Sprintf("%s(%d)", f.Config.DatabaseDir, i)
		i++
	}

	store, err := dag.LoadOrCreateBadgerStore(dbDir)
	if err != nil {
		return err
	}

	chain, err := checkpoint.LoadChain(store)
	if err != nil {
		store.Close()
		return err
	}

	if chain.Len() > 0 {
		f.Config.Logger().WithField("head_epoch", chain.HeadEpoch()).Debug("Loaded checkpoint chain from existing database")
	} else {
		f.Config.Logger().Debug("Created new badger store from fresh database")
	}

	f.Store = store
	f.Chain = chain

	return nil
}

func (f *Fedsync) initTransport() error {
	transport, err := net.NewTCPTransport(
		f.Config.BindAddr,
		f.Config.AdvertiseAddr,
		f.Config.MaxPool,
		f.Config.TCPTimeout,
		f.Config.Logger(),
	)
	if err != nil {
		return err
	}

	f.Transport = transport

	return nil
}

func (f *Fedsync) initNode() error {
	key := f.Config.Key

	nodePub := keys.PublicKeyHex(&key.PublicKey)

	self, ok := f.Validators.ByPubKey[nodePub]
	if !ok {
		return fmt.Errorf("cannot find self pubkey in peers.json")
	}

	moniker := f.Config.Moniker
	if moniker == "" {
		moniker = self.Moniker
	}

	validator := node.NewValidator(key, moniker)

	f.Config.Logger().WithFields(map[string]interface{}{
		"federation": f.Config.FederationID,
		"id":         validator.ID(),
		"moniker":    moniker,
		"validators": len(f.Validators.Peers),
	}).Debug("PARTICIPANTS")

	f.Node = node.NewNode(
		f.Config,
		validator,
		f.Validators,
		f.Validators.Peers,
		f.Store,
		f.Chain,
		f.Transport,
		f.Config.Proxy,
	)

	if err := f.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (f *Fedsync) initService() error {
	if !f.Config.NoService {
		f.Service = service.NewService(f.Config.ServiceAddr, f.Node, f.Config.Logger())
	}
	return nil
}

// Keygen generates a new key pair and writes it to the data directory. It
// refuses to overwrite an existing key.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	keyfile := path.Join(datadir, config.DefaultKeyfile)

	if _, err := os.Stat(keyfile); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, err
	}

	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
