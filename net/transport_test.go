package net

import (
	"reflect"
	"testing"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, addr string, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := NewInmemTransport(addr)
		return it
	case TCP:
		tt, err := NewTCPTransport(addr, "", 2, time.Second, common.NewTestEntry(t, logrus.DebugLevel))
		if err != nil {
			t.Fatal(err)
		}
		go tt.Listen()
		return tt
	default:
		panic("Unknown transport type")
	}
}

func connectInmem(t1, t2 Transport, addr1, addr2 string) {
	it1, ok1 := t1.(*InmemTransport)
	it2, ok2 := t2.(*InmemTransport)
	if ok1 && ok2 {
		it1.Connect(addr2, it2)
		it2.Connect(addr1, it1)
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, "127.0.0.1:0", t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_CheckpointHeaders(t *testing.T) {
	addr1 := "127.0.0.1:1234"
	addr2 := "127.0.0.1:1235"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		// Make the RPC request
		args := CheckpointHeaderRequest{
			From:      "0XAAA",
			EpochFrom: 10,
			EpochTo:   20,
		}
		resp := CheckpointHeaderResponse{
			From:      "0XBBB",
			HeadEpoch: 15,
			Headers: []checkpoint.Header{
				{
					ID:             "0XC1",
					FederationID:   "fed-main",
					Epoch:          11,
					PrevCheckpoint: "0XC0",
					SignatureCount: 3,
					TxTotal:        42,
				},
			},
		}

		// Listen for a request
		go func() {
			select {
			case rpc := <-rpcCh:
				// Verify the command
				req := rpc.Command.(*CheckpointHeaderRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Error("timeout")
			}
		}()

		// Transport 2 makes outbound request
		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		connectInmem(trans1, trans2, addr1, addr2)

		var out CheckpointHeaderResponse
		if err := trans2.CheckpointHeaders(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		// Verify the response
		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_Gossip(t *testing.T) {
	addr1 := "127.0.0.1:1236"
	addr2 := "127.0.0.1:1237"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		args := GossipRequest{
			From: "0XAAA",
		}
		resp := GossipResponse{
			From: "0XBBB",
			Peers: []*peers.Peer{
				peers.NewPeer("0XP1", "addr1:1000", "fed-one"),
				peers.NewPeer("0XP2", "addr2:1000", "fed-two"),
			},
		}

		go func() {
			select {
			case rpc := <-rpcCh:
				req := rpc.Command.(*GossipRequest)
				if !reflect.DeepEqual(req, &args) {
					t.Errorf("command mismatch: %#v %#v", *req, args)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Error("timeout")
			}
		}()

		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		connectInmem(trans1, trans2, addr1, addr2)

		var out GossipResponse
		if err := trans2.Gossip(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		if out.From != resp.From {
			t.Fatalf("response From should be %s, not %s", resp.From, out.From)
		}
		if len(out.Peers) != len(resp.Peers) {
			t.Fatalf("response should carry %d peers, not %d", len(resp.Peers), len(out.Peers))
		}
		for i, p := range out.Peers {
			if p.PubKeyHex != resp.Peers[i].PubKeyHex {
				t.Fatalf("peer %d pubkey should be %s, not %s", i, resp.Peers[i].PubKeyHex, p.PubKeyHex)
			}
		}
	}
}

func TestTransport_Announce(t *testing.T) {
	addr1 := "127.0.0.1:1238"
	addr2 := "127.0.0.1:1239"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		args := AnnounceRequest{
			Peer:  peers.NewPeer("0XP3", "addr3:1000", "fed-three"),
			Proof: "1234|5678",
		}
		resp := AnnounceResponse{
			From:     "0XBBB",
			Accepted: true,
		}

		go func() {
			select {
			case rpc := <-rpcCh:
				req := rpc.Command.(*AnnounceRequest)
				if req.Proof != args.Proof {
					t.Errorf("proof mismatch: %v %v", req.Proof, args.Proof)
				}
				if req.Peer.PubKeyHex != args.Peer.PubKeyHex {
					t.Errorf("peer mismatch: %v %v", req.Peer, args.Peer)
				}
				rpc.Respond(&resp, nil)

			case <-time.After(200 * time.Millisecond):
				t.Error("timeout")
			}
		}()

		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		connectInmem(trans1, trans2, addr1, addr2)

		var out AnnounceResponse
		if err := trans2.Announce(trans1.LocalAddr(), &args, &out); err != nil {
			t.Fatalf("err: %v", err)
		}

		if !reflect.DeepEqual(resp, out) {
			t.Fatalf("response mismatch: %#v %#v", resp, out)
		}
	}
}

func TestTransport_ErrorResponse(t *testing.T) {
	addr1 := "127.0.0.1:1240"
	addr2 := "127.0.0.1:1241"
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, addr1, t)
		defer trans1.Close()
		rpcCh := trans1.Consumer()

		go func() {
			select {
			case rpc := <-rpcCh:
				rpc.Respond(&CheckpointResponse{From: "0XBBB"}, checkpoint.NewValidationErr(checkpoint.InvalidCheckpoint, "0XDEAD", "not found"))
			case <-time.After(200 * time.Millisecond):
				t.Error("timeout")
			}
		}()

		trans2 := NewTestTransport(ttype, addr2, t)
		defer trans2.Close()

		connectInmem(trans1, trans2, addr1, addr2)

		var out CheckpointResponse
		err := trans2.GetCheckpoint(trans1.LocalAddr(), &CheckpointRequest{From: "0XAAA", ID: "0XDEAD"}, &out)
		if err == nil {
			t.Fatal("fetching an unknown checkpoint should return an error")
		}
	}
}
