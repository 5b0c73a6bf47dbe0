package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/config"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/net"
	"github.com/meshworks/fedsync/node"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/proxy"
	"github.com/meshworks/fedsync/proxy/dummy"
	"github.com/meshworks/fedsync/proxy/inmem"
	"github.com/sirupsen/logrus"
)

// initService starts a single-validator node with one sealed checkpoint and
// returns a service wrapped around it.
func initService(t *testing.T) *Service {
	t.Helper()

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	addr, trans := net.NewInmemTransport("")
	peer := peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), addr, "node0")

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.FederationID = "fed-main"

	logger := conf.Logger().Logger

	appProxy := inmem.NewInmemProxy(dummy.NewState(logger), logger)

	store := dag.NewInmemStore()

	n := node.NewNode(conf,
		node.NewValidator(key, "node0"),
		peers.NewPeerSet([]*peers.Peer{peer}),
		nil,
		store,
		checkpoint.NewChain(store),
		trans,
		appProxy)

	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	n.RunAsync(false)
	t.Cleanup(n.Shutdown)

	n.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := n.BuildCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	return NewService("127.0.0.1:8000", n, common.NewTestEntry(t, logrus.DebugLevel))
}

func get(t *testing.T, s *Service, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestServiceStats(t *testing.T) {
	s := initService(t)

	w := get(t, s, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	stats := map[string]string{}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["head_epoch"] != "1" {
		t.Fatalf("head_epoch = %s, want 1", stats["head_epoch"])
	}
	if stats["federation"] != "fed-main" {
		t.Fatalf("federation = %s, want fed-main", stats["federation"])
	}
}

func TestServiceHeadAndCheckpoint(t *testing.T) {
	s := initService(t)

	w := get(t, s, "/head")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	head := checkpoint.Checkpoint{}
	if err := json.Unmarshal(w.Body.Bytes(), &head); err != nil {
		t.Fatal(err)
	}
	if head.Body.Epoch != 1 {
		t.Fatalf("head epoch = %d, want 1", head.Body.Epoch)
	}

	w = get(t, s, "/checkpoints/1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	cp := checkpoint.Checkpoint{}
	if err := json.Unmarshal(w.Body.Bytes(), &cp); err != nil {
		t.Fatal(err)
	}
	if cp.ID() != head.ID() {
		t.Fatalf("checkpoint 1 should be the head")
	}

	// Missing epoch and malformed parameter.
	if w := get(t, s, "/checkpoints/42"); w.Code != http.StatusNotFound {
		t.Fatalf("missing epoch status = %d, want 404", w.Code)
	}
	if w := get(t, s, "/checkpoints/abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed epoch status = %d, want 400", w.Code)
	}
}

func TestServiceBlocks(t *testing.T) {
	s := initService(t)

	// Pull a real block ID out of the head checkpoint's first-block proof.
	w := get(t, s, "/head")
	head := checkpoint.Checkpoint{}
	if err := json.Unmarshal(w.Body.Bytes(), &head); err != nil {
		t.Fatal(err)
	}
	if head.BlockProof == nil {
		t.Fatal("head checkpoint should anchor its first block")
	}

	w = get(t, s, "/blocks/"+string(head.BlockProof.Leaf))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	block := dag.Block{}
	if err := json.Unmarshal(w.Body.Bytes(), &block); err != nil {
		t.Fatal(err)
	}
	if string(block.Body.Payload) != "alice=10" {
		t.Fatalf("payload = %s", block.Body.Payload)
	}

	if w := get(t, s, "/blocks/0XDEAD"); w.Code != http.StatusNotFound {
		t.Fatalf("missing block status = %d, want 404", w.Code)
	}
}

func TestServicePeersAndValidators(t *testing.T) {
	s := initService(t)

	w := get(t, s, "/validators")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	validators := []*peers.Peer{}
	if err := json.Unmarshal(w.Body.Bytes(), &validators); err != nil {
		t.Fatal(err)
	}
	if len(validators) != 1 || validators[0].Moniker != "node0" {
		t.Fatalf("unexpected validators %v", validators)
	}

	if w := get(t, s, "/peers"); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
