package location

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/LumeraProtocol/keynode/p2p/transport"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/LumeraProtocol/keynode/pkg/task"
	"github.com/stretchr/testify/require"
)

type sendMode int

const (
	sendAck sendMode = iota
	sendDisconnect
	sendFail
)

type fakePeer struct {
	id     transport.PeerID
	loc    float64
	swapID int64

	mu       sync.Mutex
	mode     sendMode
	limited  bool
	routable bool
	sent     []*transport.Message
}

func newFakePeer(id string, loc float64) *fakePeer {
	return &fakePeer{id: transport.PeerID(id), loc: loc, swapID: int64(len(id)), routable: true}
}

func (p *fakePeer) ID() transport.PeerID          { return p.id }
func (p *fakePeer) Location() float64             { return p.loc }
func (p *fakePeer) SwapIdentifier() int64         { return p.swapID }
func (p *fakePeer) IsRoutable() bool              { return p.routable }
func (p *fakePeer) ConnectedAt() time.Time        { return time.Unix(0, 0) }
func (p *fakePeer) ShouldRejectSwapRequest() bool { return p.limited }

func (p *fakePeer) SendAsync(msg *transport.Message, cb transport.SendCallback) error {
	p.mu.Lock()
	mode := p.mode
	if mode != sendFail {
		p.sent = append(p.sent, msg)
	}
	p.mu.Unlock()
	switch mode {
	case sendFail:
		return transport.ErrNotConnected
	case sendDisconnect:
		if cb != nil {
			cb.Disconnected()
		}
	default:
		if cb != nil {
			cb.Acknowledged()
		}
	}
	return nil
}

func (p *fakePeer) setMode(m sendMode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
}

func (p *fakePeer) messages() []*transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*transport.Message(nil), p.sent...)
}

func (p *fakePeer) last(t *testing.T) *transport.Message {
	t.Helper()
	msgs := p.messages()
	require.NotEmpty(t, msgs, "nothing sent to %s", p.id)
	return msgs[len(msgs)-1]
}

// fakeNetwork picks peers in insertion order so forwarding is
// predictable.
type fakeNetwork struct {
	peers     []*fakePeer
	broadcast []*transport.Message
}

func (n *fakeNetwork) Peer(id transport.PeerID) (Peer, bool) {
	for _, p := range n.peers {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

func (n *fakeNetwork) ConnectedPeers() []Peer {
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *fakeNetwork) RandomPeer(exclude ...transport.PeerID) (Peer, bool) {
	for _, p := range n.peers {
		if !slices.Contains(exclude, p.id) && p.routable {
			return p, true
		}
	}
	return nil, false
}

func (n *fakeNetwork) Broadcast(msg *transport.Message) {
	n.broadcast = append(n.broadcast, msg)
}

func (n *fakeNetwork) Expect(transport.Filter) Expectation {
	panic("fakeNetwork does not carry swaps")
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []float64
}

func (s *fakeSaver) SaveLocation(_ context.Context, loc, _ float64) error {
	s.mu.Lock()
	s.saved = append(s.saved, loc)
	s.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T, loc float64, network Network, saver Saver) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxHTL = 10
	cfg.Timeout = 5 * time.Second
	e, err := NewEngine(Options{
		Config:  cfg,
		State:   newTestState(t, loc),
		Network: network,
		Random:  random.NewSeeded(1),
		Tracker: task.New(),
		Saver:   saver,
	})
	require.NoError(t, err)
	return e
}

func swapRequest(from string, uid int64, htl int) *transport.Message {
	m := transport.NewMessage(transport.SwapRequest, &transport.SwapRequestData{UID: uid, Hash: make([]byte, 32), HTL: htl})
	m.Sender = transport.PeerID(from)
	return m
}

func fromPeer(from string, t transport.MessageType, data interface{}) *transport.Message {
	m := transport.NewMessage(t, data)
	m.Sender = transport.PeerID(from)
	return m
}

func uidOf(t *testing.T, m *transport.Message) int64 {
	t.Helper()
	uid, ok := m.UID()
	require.True(t, ok)
	return uid
}
