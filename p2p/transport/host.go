// Package transport connects nodes to their direct peers. It frames gob
// encoded messages over TCP (or in-process pipes for tests), dispatches
// incoming messages to registered handlers and lets callers wait for a
// specific reply.
package transport

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyConnected is returned when a second link to the same peer
	// comes up.
	ErrAlreadyConnected = errors.New("peer already connected")
	// ErrSelfConnection is returned when a node dials itself.
	ErrSelfConnection = errors.New("refusing connection to self")
	// ErrBadHandshake is returned when the first message is not a hello.
	ErrBadHandshake = errors.New("bad handshake")
)

// HandlerFunc processes one incoming message on the receiving goroutine of
// its link. It must not block. It returns false for messages it did not
// recognise.
type HandlerFunc func(ctx context.Context, msg *Message) bool

// Options configures a Host.
type Options struct {
	ID             PeerID
	SwapIdentifier int64
	// Location reports the node's current location for the handshake.
	Location func() float64

	// SwapRequestRate and SwapRequestBurst bound how many swap requests
	// each peer may send us.
	SwapRequestRate  rate.Limit
	SwapRequestBurst int

	OutboxSize       int
	HandshakeTimeout time.Duration
	DialRetries      uint64
	Random           random.Source
}

func (o *Options) setDefaults() {
	if o.SwapRequestRate == 0 {
		o.SwapRequestRate = rate.Limit(1)
	}
	if o.SwapRequestBurst <= 0 {
		o.SwapRequestBurst = 10
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.DialRetries == 0 {
		o.DialRetries = 5
	}
	if o.Random == nil {
		o.Random = random.New()
	}
	if o.Location == nil {
		o.Location = func() float64 { return 0 }
	}
}

// Host owns the links to every direct peer.
type Host struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	peers        map[PeerID]*Peer
	handlers     map[MessageType]HandlerFunc
	onConnect    []func(*Peer)
	onDisconnect []func(PeerID)
	listener     net.Listener

	waiters *waiterSet
	wg      sync.WaitGroup
}

// NewHost returns a host with no peers.
func NewHost(opts Options) *Host {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[PeerID]*Peer),
		handlers: make(map[MessageType]HandlerFunc),
		waiters:  newWaiterSet(),
	}
}

func (h *Host) ID() PeerID { return h.opts.ID }

func (h *Host) hello() *HelloData {
	return &HelloData{ID: h.opts.ID, Location: h.opts.Location(), SwapIdentifier: h.opts.SwapIdentifier}
}

// Handle registers the handler for a message type, replacing any previous one.
func (h *Host) Handle(t MessageType, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[t] = fn
	h.mu.Unlock()
}

// OnConnect registers a hook run after a peer completes the handshake.
func (h *Host) OnConnect(fn func(*Peer)) {
	h.mu.Lock()
	h.onConnect = append(h.onConnect, fn)
	h.mu.Unlock()
}

// OnDisconnect registers a hook run after a peer's link drops.
func (h *Host) OnDisconnect(fn func(PeerID)) {
	h.mu.Lock()
	h.onDisconnect = append(h.onDisconnect, fn)
	h.mu.Unlock()
}

// Peer returns a connected peer.
func (h *Host) Peer(id PeerID) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// ConnectedPeers returns a snapshot of the connected peers.
func (h *Host) ConnectedPeers() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// RandomPeer picks a routable peer other than exclude.
func (h *Host) RandomPeer(exclude ...PeerID) (*Peer, bool) {
	candidates := make([]*Peer, 0)
	for _, p := range h.ConnectedPeers() {
		if !slices.Contains(exclude, p.id) && p.IsRoutable() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[h.opts.Random.IntN(len(candidates))], true
}

// Broadcast queues msg to every connected peer.
func (h *Host) Broadcast(msg *Message) {
	for _, p := range h.ConnectedPeers() {
		if err := p.Send(msg); err != nil {
			logtrace.Debug(h.ctx, "broadcast send failed", logtrace.Fields{
				logtrace.FieldModule: "transport",
				logtrace.FieldPeer:   string(p.id),
				logtrace.FieldError:  err.Error(),
			})
		}
	}
}

// Expect registers interest in a message matching f. Waiters are served
// before handlers.
func (h *Host) Expect(f Filter) *Expectation {
	e := h.waiters.expect(f)
	if f.Source != "" {
		if _, ok := h.Peer(f.Source); !ok && h.waiters.remove(e) {
			e.ch <- waitResult{err: ErrDisconnected}
		}
	}
	return e
}

// WaitFor blocks until a message matching f arrives.
func (h *Host) WaitFor(ctx context.Context, f Filter) (*Message, error) {
	return h.Expect(f).Wait(ctx)
}

func (h *Host) receive(p *Peer, m *Message) {
	if d, ok := m.Data.(*LocChangeData); ok {
		p.setLocation(d.Location)
	}
	if h.waiters.deliver(m) {
		return
	}

	h.mu.RLock()
	fn := h.handlers[m.Type]
	h.mu.RUnlock()

	ctx := h.ctx
	if m.CorrelationID != "" {
		ctx = logtrace.CtxWithCorrelationID(ctx, m.CorrelationID)
	}
	if fn == nil || !fn(ctx, m) {
		logtrace.Debug(ctx, "unhandled message", logtrace.Fields{
			logtrace.FieldModule: "transport",
			logtrace.FieldPeer:   string(p.id),
			"type":               m.Type.String(),
		})
	}
}

func (h *Host) attach(l link, hello *HelloData) (*Peer, error) {
	if hello.ID == h.opts.ID {
		_ = l.close()
		return nil, ErrSelfConnection
	}
	if h.ctx.Err() != nil {
		_ = l.close()
		return nil, ErrLinkClosed
	}

	p := newPeer(h, l, hello)
	h.mu.Lock()
	if _, ok := h.peers[p.id]; ok {
		h.mu.Unlock()
		_ = l.close()
		return nil, ErrAlreadyConnected
	}
	h.peers[p.id] = p
	hooks := append([]func(*Peer){}, h.onConnect...)
	h.mu.Unlock()

	h.wg.Add(2)
	go func() { defer h.wg.Done(); p.writeLoop() }()
	go func() { defer h.wg.Done(); p.readLoop() }()

	logtrace.Debug(h.ctx, "peer connected", logtrace.Fields{
		logtrace.FieldModule:   "transport",
		logtrace.FieldPeer:     string(p.id),
		logtrace.FieldLocation: hello.Location,
	})
	for _, fn := range hooks {
		fn(p)
	}
	return p, nil
}

func (h *Host) detach(p *Peer, cause error) {
	if !p.close() {
		return
	}
	h.mu.Lock()
	if cur, ok := h.peers[p.id]; ok && cur == p {
		delete(h.peers, p.id)
	}
	hooks := append([]func(PeerID){}, h.onDisconnect...)
	h.mu.Unlock()

	h.waiters.disconnected(p.id)

	fields := logtrace.Fields{logtrace.FieldModule: "transport", logtrace.FieldPeer: string(p.id)}
	if cause != nil {
		fields[logtrace.FieldError] = cause.Error()
	}
	logtrace.Debug(h.ctx, "peer disconnected", fields)
	for _, fn := range hooks {
		fn(p.id)
	}
}

// Disconnect drops the link to a peer.
func (h *Host) Disconnect(id PeerID) {
	if p, ok := h.Peer(id); ok {
		h.detach(p, nil)
	}
}

// Listen accepts TCP connections on addr until the host is closed.
func (h *Host) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Errorf("listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if h.ctx.Err() == nil {
					logtrace.Error(h.ctx, "accept failed", logtrace.Fields{
						logtrace.FieldModule: "transport",
						logtrace.FieldError:  err.Error(),
					})
				}
				return
			}
			go func() {
				if _, err := h.handshake(conn); err != nil {
					logtrace.Debug(h.ctx, "inbound handshake failed", logtrace.Fields{
						logtrace.FieldModule: "transport",
						"remote":             conn.RemoteAddr().String(),
						logtrace.FieldError:  err.Error(),
					})
				}
			}()
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (h *Host) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Dial connects to addr, retrying with exponential backoff.
func (h *Host) Dial(ctx context.Context, addr string) (*Peer, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.opts.DialRetries), ctx)
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, b)
	if err != nil {
		return nil, errors.Errorf("dial %s: %w", addr, err)
	}
	return h.handshake(conn)
}

func (h *Host) handshake(conn net.Conn) (*Peer, error) {
	l := newTCPLink(conn)
	if err := l.send(NewMessage(Hello, h.hello())); err != nil {
		_ = l.close()
		return nil, err
	}
	m, err := l.recvWithin(h.opts.HandshakeTimeout)
	if err != nil {
		_ = l.close()
		return nil, err
	}
	hello, ok := m.Data.(*HelloData)
	if m.Type != Hello || !ok || hello.ID == "" {
		_ = l.close()
		return nil, ErrBadHandshake
	}
	return h.attach(l, hello)
}

// ConnectMemory links two hosts in process.
func ConnectMemory(a, b *Host) (*Peer, *Peer, error) {
	la, lb := newMemoryLinkPair(a.opts.OutboxSize)
	pa, err := a.attach(la, b.hello())
	if err != nil {
		_ = lb.close()
		return nil, nil, err
	}
	pb, err := b.attach(lb, a.hello())
	if err != nil {
		a.detach(pa, err)
		return nil, nil, err
	}
	return pa, pb, nil
}

// Close drops every link and stops listening.
func (h *Host) Close() error {
	h.cancel()
	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, p := range h.ConnectedPeers() {
		h.detach(p, nil)
	}
	h.wg.Wait()
	return nil
}
