package transport

import (
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"golang.org/x/time/rate"
)

// PeerID names a node on the network.
type PeerID string

var (
	// ErrNotConnected is returned when sending to a peer whose link is gone.
	ErrNotConnected = errors.New("peer not connected")
	// ErrOutboxFull is returned when a peer's send queue is full.
	ErrOutboxFull = errors.New("peer outbox full")
)

// SendCallback learns the fate of an asynchronous send. Exactly one of
// its methods is called.
type SendCallback interface {
	Acknowledged()
	Disconnected()
}

type outgoing struct {
	msg *Message
	cb  SendCallback
}

// Peer is a connected remote node.
type Peer struct {
	id          PeerID
	host        *Host
	link        link
	connectedAt time.Time
	limiter     *rate.Limiter
	outbox      chan outgoing
	done        chan struct{}
	closeOnce   sync.Once

	mu       sync.RWMutex
	location float64
	swapID   int64
}

func newPeer(h *Host, l link, hello *HelloData) *Peer {
	return &Peer{
		id:          hello.ID,
		host:        h,
		link:        l,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(h.opts.SwapRequestRate, h.opts.SwapRequestBurst),
		outbox:      make(chan outgoing, h.opts.OutboxSize),
		done:        make(chan struct{}),
		location:    hello.Location,
		swapID:      hello.SwapIdentifier,
	}
}

func (p *Peer) ID() PeerID             { return p.id }
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

func (p *Peer) String() string { return string(p.id) }

// Location is the last location the peer announced.
func (p *Peer) Location() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.location
}

func (p *Peer) setLocation(loc float64) {
	p.mu.Lock()
	p.location = loc
	p.mu.Unlock()
}

// SwapIdentifier is the random value the peer announced for swap mixing.
func (p *Peer) SwapIdentifier() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.swapID
}

// IsConnected reports whether the link is still up.
func (p *Peer) IsConnected() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// IsRoutable reports whether requests may be routed through the peer.
// Every peer that completed the handshake is routable while connected.
func (p *Peer) IsRoutable() bool { return p.IsConnected() }

// ShouldRejectSwapRequest applies the peer's swap request rate limit.
func (p *Peer) ShouldRejectSwapRequest() bool {
	return !p.limiter.Allow()
}

// SendAsync queues msg without blocking. cb, if set, is told whether the
// message went out or the link dropped first.
func (p *Peer) SendAsync(msg *Message, cb SendCallback) error {
	select {
	case <-p.done:
		return ErrNotConnected
	default:
	}
	select {
	case p.outbox <- outgoing{msg: msg, cb: cb}:
		return nil
	case <-p.done:
		return ErrNotConnected
	default:
		return ErrOutboxFull
	}
}

// Send queues msg without a callback.
func (p *Peer) Send(msg *Message) error {
	return p.SendAsync(msg, nil)
}

func (p *Peer) writeLoop() {
	for {
		select {
		case o := <-p.outbox:
			if err := p.link.send(o.msg); err != nil {
				if o.cb != nil {
					o.cb.Disconnected()
				}
				p.host.detach(p, err)
				p.drain()
				return
			}
			if o.cb != nil {
				o.cb.Acknowledged()
			}
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *Peer) drain() {
	for {
		select {
		case o := <-p.outbox:
			if o.cb != nil {
				o.cb.Disconnected()
			}
		default:
			return
		}
	}
}

func (p *Peer) readLoop() {
	for {
		m, err := p.link.recv()
		if err != nil {
			p.host.detach(p, err)
			return
		}
		m.Sender = p.id
		p.host.receive(p, m)
	}
}

func (p *Peer) close() bool {
	closed := false
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.link.close()
		closed = true
	})
	return closed
}
