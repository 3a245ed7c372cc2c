package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// DeliverFunc receives a handshake payload sent by from.
type DeliverFunc func(from dtn.EID, payload []byte)

// Network carries handshake messages between nodes in one process.
type Network struct {
	mu    sync.RWMutex
	nodes map[dtn.EID]DeliverFunc
	down  map[[2]dtn.EID]bool
}

// NewNetwork returns a network with no attached nodes.
func NewNetwork() *Network {
	return &Network{nodes: make(map[dtn.EID]DeliverFunc), down: make(map[[2]dtn.EID]bool)}
}

// Attach registers node's receive function.
func (n *Network) Attach(node dtn.EID, deliver DeliverFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node.Node()] = deliver
}

// Detach removes node; later sends to it fail.
func (n *Network) Detach(node dtn.EID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, node.Node())
}

// SetLinkDown makes sends from a to b fail.
func (n *Network) SetLinkDown(a, b dtn.EID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[[2]dtn.EID{a.Node(), b.Node()}] = down
}

// Endpoint returns the sender used by node.
func (n *Network) Endpoint(node dtn.EID) *Endpoint {
	return &Endpoint{net: n, from: node.Node()}
}

// Endpoint sends on behalf of one node.
type Endpoint struct {
	net  *Network
	from dtn.EID
}

func (e *Endpoint) SendHandshake(ctx context.Context, peer dtn.EID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.net.mu.RLock()
	deliver, ok := e.net.nodes[peer.Node()]
	down := e.net.down[[2]dtn.EID{e.from, peer.Node()}]
	e.net.mu.RUnlock()
	if !ok || down {
		return fmt.Errorf("%s unreachable from %s", peer, e.from)
	}
	deliver(e.from, append([]byte(nil), payload...))
	return nil
}
