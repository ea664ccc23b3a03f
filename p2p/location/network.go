package location

import (
	"context"
	"time"

	"github.com/LumeraProtocol/keynode/p2p/transport"
)

// Peer is a direct neighbour as seen by the swap engine.
type Peer interface {
	ID() transport.PeerID
	Location() float64
	SwapIdentifier() int64
	IsRoutable() bool
	ConnectedAt() time.Time
	ShouldRejectSwapRequest() bool
	SendAsync(msg *transport.Message, cb transport.SendCallback) error
}

// Expectation is a pending wait for one message.
type Expectation interface {
	Wait(ctx context.Context) (*transport.Message, error)
	Cancel()
}

// Network is the engine's view of the transport.
type Network interface {
	Peer(id transport.PeerID) (Peer, bool)
	ConnectedPeers() []Peer
	// RandomPeer picks a routable peer whose ID is not in exclude.
	RandomPeer(exclude ...transport.PeerID) (Peer, bool)
	Broadcast(msg *transport.Message)
	Expect(f transport.Filter) Expectation
}

// HostNetwork adapts a transport.Host to Network.
type HostNetwork struct {
	Host *transport.Host
}

func (n HostNetwork) Peer(id transport.PeerID) (Peer, bool) {
	p, ok := n.Host.Peer(id)
	if !ok {
		return nil, false
	}
	return p, true
}

func (n HostNetwork) ConnectedPeers() []Peer {
	peers := n.Host.ConnectedPeers()
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out
}

func (n HostNetwork) RandomPeer(exclude ...transport.PeerID) (Peer, bool) {
	p, ok := n.Host.RandomPeer(exclude...)
	if !ok {
		return nil, false
	}
	return p, true
}

func (n HostNetwork) Broadcast(msg *transport.Message) { n.Host.Broadcast(msg) }

func (n HostNetwork) Expect(f transport.Filter) Expectation { return n.Host.Expect(f) }

// Registry is where the engine installs its message handlers.
type Registry interface {
	Handle(t transport.MessageType, fn transport.HandlerFunc)
	OnDisconnect(fn func(transport.PeerID))
}
