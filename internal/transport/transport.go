// Package transport defines the RPC Transport boundary from spec.md §6:
// something that can send a named request and get back a response, and
// something a server can register method handlers against. Two concrete
// bindings live in the reqresp and rdmabind subpackages.
package transport

import "context"

// Handler processes one decoded request payload and returns the
// response payload to encode. Application failures belong in the
// response's wire Status; a non-nil error is treated by both bindings
// as a handler bug: they log it and send no response.
type Handler func(ctx context.Context, payload []byte) (response []byte, err error)

// Transport is what the metadata service's RPC layer and the allocator
// client's stub pool both code against, so either can run over
// request/response streams or the RDMA-style data-channel binding
// without caring which.
type Transport interface {
	// Start begins accepting/dialing connections. Call RegisterHandler
	// before Start on the server side.
	Start(ctx context.Context) error
	// Stop tears down listeners and open connections.
	Stop(ctx context.Context) error

	// RegisterHandler installs the handler for method, server side.
	RegisterHandler(method string, h Handler)

	// Call sends method+payload to peer and blocks for the response.
	// peer's shape (multiaddr, server id, ...) is binding-specific.
	Call(ctx context.Context, peer string, method string, payload []byte) (response []byte, err error)
}
