package fedsync

import (
	"fmt"
	"os"
	"testing"

	"github.com/meshworks/fedsync/config"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

func TestInitStore(t *testing.T) {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	defer os.RemoveAll("test_data")

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir("test_data")
	conf.DatabaseDir = "test_data/badger_db"
	conf.Store = true
	conf.Bootstrap = false

	engine := NewFedsync(conf)
	if err := engine.initStore(); err != nil {
		t.Fatal(err)
	}
	engine.Store.Close()

	// A second non-bootstrap init must not reuse the existing database.
	engine2 := NewFedsync(conf)
	if err := engine2.initStore(); err != nil {
		t.Fatal(err)
	}
	engine2.Store.Close()

	if _, err := os.Stat("test_data/badger_db(1)"); os.IsNotExist(err) {
		t.Fatal(err)
	}
}

func TestKeygen(t *testing.T) {
	os.RemoveAll("test_keygen")
	defer os.RemoveAll("test_keygen")

	key, err := Keygen("test_keygen")
	if err != nil {
		t.Fatal(err)
	}

	// The keyfile round-trips.
	keyfile := keys.NewSimpleKeyfile("test_keygen/" + config.DefaultKeyfile)
	read, err := keyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}
	if keys.PublicKeyHex(&read.PublicKey) != keys.PublicKeyHex(&key.PublicKey) {
		t.Fatal("read key does not match generated key")
	}

	// A second keygen in the same directory is refused.
	if _, err := Keygen("test_keygen"); err == nil {
		t.Fatal("keygen should refuse to overwrite an existing key")
	}
}

func TestInitValidators(t *testing.T) {
	os.RemoveAll("test_validators")
	os.Mkdir("test_validators", os.ModeDir|0777)
	defer os.RemoveAll("test_validators")

	peerSlice := []*peers.Peer{}
	for i := 0; i < 3; i++ {
		key, _ := keys.GenerateECDSAKey()
		peerSlice = append(peerSlice, peers.NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("fed%d", i),
		))
	}

	jsonPeerSet := peers.NewJSONPeerSet("test_validators", true)
	if err := jsonPeerSet.Write(peerSlice); err != nil {
		t.Fatalf("err: %v", err)
	}

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir("test_validators")

	engine := NewFedsync(conf)
	if err := engine.initValidators(); err != nil {
		t.Fatal(err)
	}

	if len(engine.Validators.Peers) != 3 {
		t.Fatalf("validators = %d, want 3", len(engine.Validators.Peers))
	}
}
