package inmem

import (
	"bytes"
	"testing"
	"time"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/proxy"
	"github.com/meshworks/fedsync/proxy/dummy"
	"github.com/sirupsen/logrus"
)

func TestSubmitCopiesPayload(t *testing.T) {
	logger := common.NewTestLogger(t, logrus.DebugLevel)
	p := NewInmemProxy(dummy.NewState(logger), logger)

	payload := []byte("alice=10")

	go p.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: payload})

	select {
	case req := <-p.SubmitCh():
		payload[0] = 'X'
		if !bytes.Equal(req.Payload, []byte("alice=10")) {
			t.Fatalf("submitted payload should be insulated from caller writes, got %s", req.Payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for submitted record")
	}
}

func TestProxyDelegatesToHandlers(t *testing.T) {
	logger := common.NewTestLogger(t, logrus.DebugLevel)
	p := NewInmemProxy(dummy.NewState(logger), logger)

	block := dag.NewBlock(dag.Execution, "record", []byte("alice=10"), nil, time.Now().UnixNano())

	entities, err := p.FoldEntities([]*dag.Block{block})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(entities["alice"], []byte("10")) {
		t.Fatalf("alice should be 10, not %s", entities["alice"])
	}

	entity, value, err := p.EntityKey(block)
	if err != nil {
		t.Fatal(err)
	}
	if entity != "alice" || !bytes.Equal(value, []byte("10")) {
		t.Fatalf("unexpected key: %s=%s", entity, value)
	}

	if _, err := p.Summary(1); err != nil {
		t.Fatal(err)
	}
}
