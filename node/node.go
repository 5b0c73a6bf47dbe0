package node

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/config"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/net"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/proxy"
	"github.com/sirupsen/logrus"
)

// Node is a federation sync node. It periodically opens sync sessions with
// peer federations, serves their requests, builds quorum-signed checkpoints
// of the local DAG, and reconciles divergent histories.
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	validator *Validator

	core     *Core
	coreLock sync.Mutex

	trans net.Transport
	netCh <-chan net.RPC

	proxy    proxy.AppProxy
	submitCh chan proxy.SubmitRequest

	emitter *Emitter

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	// sessionSlots bounds the number of concurrent outbound sync sessions.
	sessionSlots chan struct{}

	// partitionSnapshot is the registry state captured when a partition was
	// suspected.
	partitionSnapshot []peers.PeerState

	// partitionSince is when the current partition was first suspected;
	// partitionAlerted records that the healing deadline alert already fired.
	partitionSince   time.Time
	partitionAlerted bool

	// nextPeer is the round-robin cursor over the registry.
	nextPeer int

	// lastBuild is the unix-nano time of the last checkpoint build attempt;
	// building keeps concurrent ticks from stacking builds.
	lastBuild int64
	building  int32

	start        time.Time
	syncRequests int64
	syncErrors   int64
}

// NewNode is a factory method that returns a Node instance
func NewNode(conf *config.Config,
	validator *Validator,
	validators *peers.PeerSet,
	bootPeers []*peers.Peer,
	store dag.Store,
	chain *checkpoint.Chain,
	trans net.Transport,
	appProxy proxy.AppProxy,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger().WithField("this_id", validator.ID())

	emitter := NewEmitter(logger)

	requester := &transportRequester{
		trans: trans,
		from:  validator.PublicKeyHex(),
	}

	node := Node{
		validator:    validator,
		conf:         conf,
		logger:       logger,
		core:         NewCore(validator, conf.FederationID, validators, store, chain, appProxy, requester, conf.QuorumTimeout, emitter, logger),
		trans:        trans,
		netCh:        trans.Consumer(),
		proxy:        appProxy,
		submitCh:     appProxy.SubmitCh(),
		emitter:      emitter,
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
		sessionSlots: make(chan struct{}, conf.MaxSyncSessions),
	}

	for _, p := range bootPeers {
		if p.PubKeyHex == validator.PublicKeyHex() {
			continue
		}
		node.core.registry.Upsert(p)
	}

	return &node
}

// Init initialises the node
func (n *Node) Init() error {
	if n.conf.Bootstrap {
		n.logger.Debug("Bootstrap")
		if err := n.core.Bootstrap(); err != nil {
			return err
		}
	}

	n.start = time.Now()
	n.setState(Syncing)

	return nil
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync(sync bool) {
	n.logger.WithField("sync", sync).Debug("runasync")

	go n.Run(sync)
}

// Run invokes the main loop of the node
func (n *Node) Run(sync bool) {
	//The ControlTimer allows the background routines to control the sync
	//timer. It runs at the normal cadence while Syncing and at the reduced
	//cadence while Partitioned.
	go n.controlTimer.Run(n.conf.SyncInterval)

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		//Run different routines depending on node state
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Syncing, Partitioned:
			n.sync(sync)
		case Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		ts := n.conf.SyncInterval

		//Slow down when partitioned
		if n.getState() == Partitioned {
			ts = n.conf.PartitionSyncInterval
		}

		n.controlTimer.resetCh <- ts
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
				n.resetTimer()
			})
		case req := <-n.submitCh:
			n.logger.Debug("Adding Record")
			n.addRecord(req)
			n.resetTimer()
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - SHUTDOWN")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// sync runs the periodic sync loop for both the Syncing and Partitioned
// states; the states differ only in timer cadence and in what checkPartition
// concludes.
func (n *Node) sync(active bool) {
	for {
		select {
		case <-n.controlTimer.tickCh:
			if active {
				peer := n.selectPeer()
				if peer != nil {
					n.goFunc(func() {
						if err := n.syncWith(*peer); err != nil {
							atomic.AddInt64(&n.syncErrors, 1)
						}
						atomic.AddInt64(&n.syncRequests, 1)
						n.logStats()
					})
				}
				n.goFunc(n.discover)
				n.checkPartition()
				n.maybeBuildCheckpoint()
			}
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

// maybeBuildCheckpoint seals the uncovered blocks into a new checkpoint once
// the checkpoint cadence has elapsed. The cadence drops to
// PartitionCheckpointInterval while partitioned.
func (n *Node) maybeBuildCheckpoint() {
	interval := n.conf.CheckpointInterval
	if n.getState() == Partitioned {
		interval = n.conf.PartitionCheckpointInterval
	}

	last := time.Unix(0, atomic.LoadInt64(&n.lastBuild))
	if time.Since(last) < interval {
		return
	}

	n.goFunc(n.buildCheckpoint)
}

// buildCheckpoint runs one checkpoint build, skipping when another build is
// in flight or there is nothing new to cover. Failed attempts still reset the
// cadence so an unreachable quorum is not hammered every tick.
func (n *Node) buildCheckpoint() {
	if !atomic.CompareAndSwapInt32(&n.building, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&n.building, 0)

	n.coreLock.Lock()
	pending := n.core.PendingCount()
	n.coreLock.Unlock()
	if pending == 0 {
		return
	}

	atomic.StoreInt64(&n.lastBuild, time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), n.conf.QuorumTimeout)
	defer cancel()

	cp, err := n.BuildCheckpoint(ctx)
	if err != nil {
		n.logger.WithError(err).Warn("Building checkpoint")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"epoch":  cp.Body.Epoch,
		"blocks": cp.Body.BlockCount,
	}).Info("Sealed epoch")
}

// selectPeer returns the next peer in round-robin order, or nil when the
// registry is empty.
func (n *Node) selectPeer() *peers.PeerState {
	snapshot := n.core.registry.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	ps := snapshot[n.nextPeer%len(snapshot)]
	n.nextPeer++
	return &ps
}

// addRecord wraps an application record into a block and admits it.
func (n *Node) addRecord(req proxy.SubmitRequest) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if _, err := n.core.AddRecord(req); err != nil {
		n.logger.WithError(err).Error("Adding record")
	}
}

// BuildCheckpoint seals the current epoch into a quorum-signed checkpoint.
func (n *Node) BuildCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.core.BuildCheckpoint(ctx)
}

// Submit hands an application record to the node without going through the
// proxy channel.
func (n *Node) Submit(req proxy.SubmitRequest) {
	n.addRecord(req)
}

// Subscribe returns a channel of node events.
func (n *Node) Subscribe(buffer int) <-chan Event {
	return n.emitter.Subscribe(buffer)
}

// Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		//For some reason this needs to be called after closing the shutdownCh
		//Not entirely sure why...
		n.controlTimer.Shutdown()

		//transport and store should only be closed once all concurrent
		//operations are finished otherwise they will panic trying to use
		//closed objects
		n.trans.Close()

		n.core.store.Close()
	}
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	timeElapsed := time.Since(n.start)

	n.coreLock.Lock()
	headEpoch := n.core.HeadEpoch()
	chainLen := n.core.chain.Len()
	admitted := n.core.store.AdmissionIndex()
	n.coreLock.Unlock()

	reachable := 0
	for _, ps := range n.core.registry.Snapshot() {
		if ps.Reachable {
			reachable++
		}
	}

	s := map[string]string{
		"head_epoch":      strconv.FormatUint(headEpoch, 10),
		"chain_length":    strconv.Itoa(chainLen),
		"admitted_blocks": strconv.Itoa(admitted),
		"num_peers":       strconv.Itoa(n.core.registry.Len()),
		"reachable_peers": strconv.Itoa(reachable),
		"sync_rate":       strconv.FormatFloat(n.SyncRate(), 'f', 2, 64),
		"uptime_seconds":  strconv.FormatFloat(timeElapsed.Seconds(), 'f', 0, 64),
		"id":              strconv.FormatUint(uint64(n.validator.ID()), 10),
		"federation":      n.conf.FederationID,
		"state":           n.getState().String(),
		"moniker":         n.validator.Moniker,
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"head_epoch":      stats["head_epoch"],
		"chain_length":    stats["chain_length"],
		"admitted_blocks": stats["admitted_blocks"],
		"num_peers":       stats["num_peers"],
		"reachable_peers": stats["reachable_peers"],
		"sync_rate":       stats["sync_rate"],
		"state":           stats["state"],
	}).Debug("Stats")
}

// SyncRate returns the fraction of sync sessions that completed without
// error.
func (n *Node) SyncRate() float64 {
	var syncErrorRate float64

	requests := atomic.LoadInt64(&n.syncRequests)
	errors := atomic.LoadInt64(&n.syncErrors)
	if requests != 0 {
		syncErrorRate = float64(errors) / float64(requests)
	}

	return 1 - syncErrorRate
}

// GetBlock returns a block from the local DAG.
func (n *Node) GetBlock(id string) (*dag.Block, error) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.core.store.Get(id)
}

// GetCheckpoint returns the local checkpoint at the given epoch.
func (n *Node) GetCheckpoint(epoch uint64) (*checkpoint.Checkpoint, error) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.core.chain.AtEpoch(epoch)
}

// HeadEpoch returns the epoch of the local chain head.
func (n *Node) HeadEpoch() uint64 {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	return n.core.HeadEpoch()
}

// ID returns the validator ID
func (n *Node) ID() uint32 {
	return n.validator.ID()
}

// GetPeers returns the peer directory.
func (n *Node) GetPeers() []peers.PeerState {
	return n.core.registry.Snapshot()
}

// GetValidators returns the local federation's validator set.
func (n *Node) GetValidators() []*peers.Peer {
	return n.core.validators.Peers
}
