// Package reqresp is the request/response RPC Transport binding: a
// libp2p host, one protocol id, one stream per call, a length-prefixed
// msgpack frame in each direction.
package reqresp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/wire"
)

const protocolID = protocol.ID("/openfam/rpc/1.0.0")

// maxFrameLen guards against a peer claiming an absurd frame length and
// forcing an unbounded allocation.
const maxFrameLen = 64 << 20

// Transport is the libp2p-stream-based binding of transport.Transport.
type Transport struct {
	log          *slog.Logger
	listenAddrs  []multiaddr.Multiaddr
	identityPath string
	host         host.Host

	mu       sync.RWMutex
	handlers map[string]transport.Handler
}

func New(log *slog.Logger, listenAddrs []multiaddr.Multiaddr) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:         log.With("component", "transport-reqresp"),
		listenAddrs: listenAddrs,
		handlers:    make(map[string]transport.Handler),
	}
}

// WithIdentity makes the transport load its libp2p keypair from path,
// generating and persisting one on first use, so its peer ID (and every
// multiaddr handed out by Addrs) survives process restarts. Without it
// Start generates a fresh ephemeral identity every time, which is the
// right behavior for a short-lived client like famctl.
func (t *Transport) WithIdentity(path string) *Transport {
	t.identityPath = path
	return t
}

func (t *Transport) RegisterHandler(method string, h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

func (t *Transport) Start(ctx context.Context) error {
	priv, err := loadOrCreateIdentity(t.identityPath)
	if err != nil {
		return famerrors.Wrap(famerrors.RPCError, "reqresp: load identity", err)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(t.listenAddrs...), libp2p.Identity(priv))
	if err != nil {
		return famerrors.Wrap(famerrors.RPCError, "reqresp: create host", err)
	}
	t.host = h
	h.SetStreamHandler(protocolID, t.serveStream)
	t.log.Info("reqresp transport listening", "addrs", h.Addrs(), "peer_id", h.ID())
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	if t.host == nil {
		return nil
	}
	return t.host.Close()
}

// Addrs returns this node's dialable addresses, for signal_start's
// fabricAddrNames payload.
func (t *Transport) Addrs() []string {
	if t.host == nil {
		return nil
	}
	id := t.host.ID()
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, id))
	}
	return out
}

func (t *Transport) serveStream(s network.Stream) {
	defer s.Close()

	env, err := readEnvelope(s)
	if err != nil {
		t.log.Warn("reqresp: read envelope failed", "err", err)
		return
	}

	t.mu.RLock()
	h, ok := t.handlers[env.Method]
	t.mu.RUnlock()

	if !ok {
		t.log.Warn("reqresp: no handler registered", "method", env.Method)
		return
	}

	respPayload, err := h(context.Background(), env.Payload)
	if err != nil {
		// A handler is expected to embed failures in its own response's
		// wire.Status rather than return a Go error; this path only
		// fires on a bug in the handler, so the stream is closed without
		// a response and the caller's read of it fails.
		t.log.Error("reqresp: handler returned an error instead of a Status", "method", env.Method, "err", err)
		return
	}

	resp := wire.Envelope{Method: env.Method, RequestID: env.RequestID, Payload: respPayload}
	if err := writeEnvelope(s, resp); err != nil {
		t.log.Warn("reqresp: write response failed", "err", err)
	}
}

// Call opens a fresh stream to peerAddr (a multiaddr with a trailing
// /p2p/<id> component), sends one request, and reads one response.
func (t *Transport) Call(ctx context.Context, peerAddr string, method string, payload []byte) ([]byte, error) {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.RPCError, "reqresp: parse peer address", err)
	}

	if err := t.host.Connect(ctx, *addrInfo); err != nil {
		return nil, famerrors.Wrap(famerrors.RPCClientNotFound, "reqresp: connect", err)
	}
	s, err := t.host.NewStream(ctx, addrInfo.ID, protocolID)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.RPCClientNotFound, "reqresp: open stream", err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	req := wire.Envelope{Method: method, RequestID: uuid.NewString(), Payload: payload}
	if err := writeEnvelope(s, req); err != nil {
		return nil, famerrors.Wrap(famerrors.RPCError, "reqresp: write request", err)
	}

	resp, err := readEnvelope(s)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.RPCError, "reqresp: read response", err)
	}
	return resp.Payload, nil
}

func writeEnvelope(w io.Writer, env wire.Envelope) error {
	b, err := wire.EncodePayload(env)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readEnvelope(r io.Reader) (wire.Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return wire.Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameLen {
		return wire.Envelope{}, fmt.Errorf("reqresp: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wire.Envelope{}, err
	}
	var env wire.Envelope
	if err := wire.DecodePayload(buf, &env); err != nil {
		return wire.Envelope{}, err
	}
	return env, nil
}

var _ transport.Transport = (*Transport)(nil)
