package net

// RPCResponse carries the reply to one request, or the error that ended it.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC is one inbound request paired with the channel its reply goes out on.
// The node's RPC handlers answer through Respond.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond sends the reply, the error, or both back to the requester.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
