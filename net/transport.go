package net

// Transport provides an interface for network transports to allow a
// federation node to communicate with other federations.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond
	// to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return the address other peers can reach
	// us at.
	AdvertiseAddr() string

	// The following send the appropriate request to the target federation
	// and block until the response arrives or the transport timeout fires.

	CheckpointHeaders(target string, args *CheckpointHeaderRequest, resp *CheckpointHeaderResponse) error

	GetCheckpoint(target string, args *CheckpointRequest, resp *CheckpointResponse) error

	GetBlocks(target string, args *BlockRequest, resp *BlockResponse) error

	Gossip(target string, args *GossipRequest, resp *GossipResponse) error

	Announce(target string, args *AnnounceRequest, resp *AnnounceResponse) error

	RequestSignature(target string, args *SignatureRequest, resp *SignatureResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
