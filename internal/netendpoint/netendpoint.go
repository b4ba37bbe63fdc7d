// Package netendpoint is the "net" runtime endpoint the kernel routes
// non-local envelopes through (spec.md §4.D item 1). It is a thin
// peer-to-peer transport built on libp2p, generalizing the teacher's
// pubsub-based Node (core/network.go, core/bootstrap_node.go) from topic
// broadcast to addressed, single-attempt unicast delivery, since the kernel
// needs to deliver one envelope to one specific node's kernel, not gossip
// to everyone subscribed to a topic.
//
// The transport internals beyond this contract are out of scope (spec.md
// §1); this package only needs to satisfy kernel.NetworkSender and deliver
// inbound envelopes back to the local kernel loop.
package netendpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// ProtocolID is the libp2p stream protocol used for one addressed envelope
// per stream, mirroring the teacher's "protocolID" constant convention in
// core/replication.go.
const ProtocolID = "/hyperware/kernel-msg/1.0.0"

// dialTimeout bounds how long Send waits to connect and open a stream
// before reporting the target offline.
const dialTimeout = 10 * time.Second

// PeerResolver maps a Hyperware node name to its libp2p peer info, e.g. via
// the identity/HNS system. Out of scope per spec.md §1; callers supply one.
type PeerResolver interface {
	Resolve(node string) (peer.AddrInfo, error)
}

// InboundHandler is called once per envelope received from a peer; the
// kernel loop wires this to its Envelopes() channel.
type InboundHandler func(types.KernelMessage)

// OfflineHandler is called when delivery to a node fails outright, so the
// kernel can surface a SendError to the waiting process.
type OfflineHandler func(node string, km types.KernelMessage)

// Endpoint is one libp2p host acting as the "net" runtime endpoint.
type Endpoint struct {
	log       *logrus.Entry
	host      host.Host
	resolver  PeerResolver
	onInbound InboundHandler
	onOffline OfflineHandler

	mu    sync.Mutex
	conns map[string]struct{} // nodes we've successfully dialed at least once
}

// Connected reports the set of nodes this endpoint has dialed successfully,
// for use by higher-level bootstrap logic (e.g. the hypermap cacher's
// peer-list) that wants to know which seeds are actually reachable.
func (e *Endpoint) Connected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.conns))
	for n := range e.conns {
		out = append(out, n)
	}
	return out
}

func (e *Endpoint) markConnected(node string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[node] = struct{}{}
}

// New creates and starts a libp2p host listening on listenAddr (a libp2p
// multiaddr string, e.g. "/ip4/0.0.0.0/tcp/9000").
func New(log *logrus.Logger, listenAddr string, resolver PeerResolver, onInbound InboundHandler, onOffline OfflineHandler) (*Endpoint, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("netendpoint: create host: %w", err)
	}
	e := &Endpoint{
		log:       log.WithField("component", "net"),
		host:      h,
		resolver:  resolver,
		onInbound: onInbound,
		onOffline: onOffline,
		conns:     make(map[string]struct{}),
	}
	h.SetStreamHandler(ProtocolID, e.handleStream)
	return e, nil
}

// Close shuts the libp2p host down.
func (e *Endpoint) Close() error { return e.host.Close() }

// Send implements kernel.NetworkSender: dial (or reuse a connection to) the
// target node and write one JSON-encoded envelope down a fresh stream.
func (e *Endpoint) Send(km types.KernelMessage) error {
	info, err := e.resolver.Resolve(km.Target.Node)
	if err != nil {
		e.reportOffline(km)
		return fmt.Errorf("netendpoint: resolve %s: %w", km.Target.Node, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := e.host.Connect(ctx, info); err != nil {
		e.reportOffline(km)
		return fmt.Errorf("netendpoint: connect %s: %w", km.Target.Node, err)
	}
	e.markConnected(km.Target.Node)
	s, err := e.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		e.reportOffline(km)
		return fmt.Errorf("netendpoint: open stream to %s: %w", km.Target.Node, err)
	}
	defer s.Close()

	b, err := json.Marshal(km)
	if err != nil {
		return fmt.Errorf("netendpoint: marshal envelope: %w", err)
	}
	w := bufio.NewWriter(s)
	if _, err := w.Write(append(b, '\n')); err != nil {
		e.reportOffline(km)
		return fmt.Errorf("netendpoint: write: %w", err)
	}
	return w.Flush()
}

func (e *Endpoint) reportOffline(km types.KernelMessage) {
	if e.onOffline != nil {
		e.onOffline(km.Target.Node, km)
	}
}

// handleStream decodes one inbound envelope and forwards it to onInbound.
func (e *Endpoint) handleStream(s network.Stream) {
	defer s.Close()
	r := bufio.NewReader(s)
	line, err := r.ReadBytes('\n')
	if err != nil {
		e.log.WithError(err).Debug("failed reading inbound stream")
		return
	}
	var km types.KernelMessage
	if err := json.Unmarshal(line, &km); err != nil {
		e.log.WithError(err).Warn("malformed inbound envelope")
		return
	}
	if e.onInbound != nil {
		e.onInbound(km)
	}
}
