// Package location runs the location swap protocol. Nodes pick random
// partners through short random walks, exchange committed descriptions of
// their neighbourhoods and trade ring locations when doing so shortens
// their links.
package location

import (
	"context"
	"strconv"
	"time"

	"github.com/LumeraProtocol/keynode/p2p/transport"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/netsize"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/LumeraProtocol/keynode/pkg/task"
	"github.com/LumeraProtocol/keynode/pkg/utils"
	"github.com/LumeraProtocol/keynode/pkg/workerpool"
	"golang.org/x/sync/errgroup"
)

const (
	logPrefix = "location"

	taskOutgoing = "swap-outgoing"
	taskIncoming = "swap-incoming"
)

// Config holds the swap protocol constants.
type Config struct {
	// Timeout bounds each wait for a partner's message.
	Timeout time.Duration
	// MaxHTL is the length of the random walk that picks a partner.
	MaxHTL int
	// ResetOdds is N in the 1/N chance of jumping to a random location
	// after a swap attempt.
	ResetOdds int

	InitialSwapInterval time.Duration
	MinSwapTime         time.Duration
	MaxSwapTime         time.Duration

	// RecentSwapGrace is how long after a swap the collision check is
	// skipped.
	RecentSwapGrace time.Duration
	// SleepSlice caps each sleep of the swap loop.
	SleepSlice time.Duration
	// KnownLocationMaxAge is how long a spied location counts towards the
	// network size estimate.
	KnownLocationMaxAge time.Duration
	// Workers bounds concurrent swap handlers.
	Workers int
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             60 * time.Second,
		MaxHTL:              10,
		ResetOdds:           4000,
		InitialSwapInterval: 8 * time.Second,
		MinSwapTime:         time.Second,
		MaxSwapTime:         60 * time.Second,
		RecentSwapGrace:     30 * time.Second,
		SleepSlice:          10 * time.Second,
		KnownLocationMaxAge: netsize.DefaultMaxAge,
		Workers:             16,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxHTL <= 0 {
		c.MaxHTL = d.MaxHTL
	}
	if c.ResetOdds <= 0 {
		c.ResetOdds = d.ResetOdds
	}
	if c.InitialSwapInterval <= 0 {
		c.InitialSwapInterval = d.InitialSwapInterval
	}
	if c.MinSwapTime <= 0 {
		c.MinSwapTime = d.MinSwapTime
	}
	if c.MaxSwapTime <= 0 {
		c.MaxSwapTime = d.MaxSwapTime
	}
	if c.RecentSwapGrace <= 0 {
		c.RecentSwapGrace = d.RecentSwapGrace
	}
	if c.SleepSlice <= 0 {
		c.SleepSlice = d.SleepSlice
	}
	if c.KnownLocationMaxAge <= 0 {
		c.KnownLocationMaxAge = d.KnownLocationMaxAge
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
}

// Saver persists the node's location.
type Saver interface {
	SaveLocation(ctx context.Context, loc, changeSession float64) error
}

// Options wires an Engine to its collaborators. State and Network are
// required; the rest get defaults.
type Options struct {
	Config  Config
	State   *State
	Network Network
	Random  random.Source
	Pool    *workerpool.Pool
	Tracker task.Tracker
	Known   *netsize.Estimator
	Saver   Saver
}

// Engine drives outgoing swaps and answers or forwards incoming ones.
type Engine struct {
	cfg     Config
	state   *State
	net     Network
	rnd     random.Source
	pool    *workerpool.Pool
	tracker task.Tracker
	known   *netsize.Estimator
	saver   Saver
	table   *forwardingTable
	metrics metrics
	now     func() time.Time
}

// NewEngine returns an engine. Call Register to attach its handlers and
// Run to start swapping.
func NewEngine(opts Options) (*Engine, error) {
	if opts.State == nil {
		return nil, errors.New("location: state is required")
	}
	if opts.Network == nil {
		return nil, errors.New("location: network is required")
	}
	opts.Config.setDefaults()
	if opts.Random == nil {
		opts.Random = random.New()
	}
	if opts.Pool == nil {
		opts.Pool = workerpool.New("swap", opts.Config.Workers)
	}
	if opts.Known == nil {
		opts.Known = netsize.New(opts.Config.KnownLocationMaxAge)
	}
	return &Engine{
		cfg:     opts.Config,
		state:   opts.State,
		net:     opts.Network,
		rnd:     opts.Random,
		pool:    opts.Pool,
		tracker: opts.Tracker,
		known:   opts.Known,
		saver:   opts.Saver,
		table:   newForwardingTable(),
		now:     time.Now,
	}, nil
}

// State returns the node's location state.
func (e *Engine) State() *State { return e.state }

// Metrics returns a copy of the swap counters.
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.snapshot() }

// Register installs the swap handlers and the disconnect hook.
func (e *Engine) Register(reg Registry) {
	reg.Handle(transport.SwapRequest, e.HandleSwapRequest)
	reg.Handle(transport.SwapReply, e.HandleSwapReply)
	reg.Handle(transport.SwapRejected, e.HandleSwapRejected)
	reg.Handle(transport.SwapCommit, e.HandleSwapCommit)
	reg.Handle(transport.SwapComplete, e.HandleSwapComplete)
	reg.OnDisconnect(func(id transport.PeerID) {
		e.LostOrRestartedNode(context.Background(), id)
	})
}

// Run starts a swap attempt every few average swap times and clears stale
// swap chains until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.swapLoop(ctx) })
	g.Go(func() error { return e.janitorLoop(ctx) })
	err := g.Wait()
	e.pool.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) swapLoop(ctx context.Context) error {
	for {
		if err := e.sleepInterval(ctx); err != nil {
			return err
		}
		if !e.state.Lock() {
			continue
		}
		if e.now().Sub(e.state.LastSwap()) > e.cfg.RecentSwapGrace {
			e.fixLocationCollision(ctx)
		}
		if err := e.state.Unlock(false); err != nil {
			logtrace.Error(ctx, "unlock after collision check", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldError:  err.Error(),
			})
		}
		if err := e.pool.TryGo(ctx, taskOutgoing, e.runOutgoingSwap); err != nil {
			logtrace.Debug(ctx, "outgoing swap not started", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldError:  err.Error(),
			})
		}
	}
}

// sleepInterval waits a random fraction of the current swap interval in
// slices of at most SleepSlice, so interval changes and shutdown are seen
// promptly.
func (e *Engine) sleepInterval(ctx context.Context) error {
	start := e.now()
	factor := e.rnd.Float64()
	for {
		end := start.Add(time.Duration(float64(e.state.SendSwapInterval()) * factor))
		diff := end.Sub(e.now())
		if diff <= 0 {
			return nil
		}
		if diff > e.cfg.SleepSlice {
			diff = e.cfg.SleepSlice
		}
		t := time.NewTimer(diff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) janitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.ClearOldSwapChains(ctx)
			e.known.Prune()
		}
	}
}

// fixLocationCollision moves to a random location if a routable peer sits
// at exactly ours. The caller holds the swap lock.
func (e *Engine) fixLocationCollision(ctx context.Context) {
	myLoc := e.state.Location()
	for _, p := range e.net.ConnectedPeers() {
		if !p.IsRoutable() {
			continue
		}
		if ploc := p.Location(); ploc == myLoc {
			logtrace.Error(ctx, "randomizing location: peer shares ours", logtrace.Fields{
				logtrace.FieldModule:   logPrefix,
				logtrace.FieldLocation: myLoc,
				logtrace.FieldPeer:     string(p.ID()),
			})
			e.moveTo(ctx, e.rnd.Float64())
			return
		}
	}
}

// moveTo jumps to loc outside of any swap, then announces and persists it.
func (e *Engine) moveTo(ctx context.Context, loc float64) {
	if err := e.state.SetLocation(ctx, loc); err != nil {
		return
	}
	e.announceLocChange(ctx)
	e.persist(ctx)
}

// maybeReset jumps to a random location with probability 1/ResetOdds.
func (e *Engine) maybeReset(ctx context.Context) {
	if e.rnd.IntN(e.cfg.ResetOdds) != 0 {
		return
	}
	loc := e.rnd.Float64()
	logtrace.Info(ctx, "resetting location", logtrace.Fields{
		logtrace.FieldModule:   logPrefix,
		logtrace.FieldLocation: loc,
	})
	e.moveTo(ctx, loc)
}

func (e *Engine) announceLocChange(ctx context.Context) {
	msg := transport.NewMessage(transport.LocChangeNotification, &transport.LocChangeData{Location: e.state.Location()})
	msg.CorrelationID = logtrace.CorrelationID(ctx)
	e.net.Broadcast(msg)
}

func (e *Engine) persist(ctx context.Context) {
	if e.saver == nil {
		return
	}
	if err := e.saver.SaveLocation(ctx, e.state.Location(), e.state.LocChangeSession()); err != nil {
		logtrace.Error(ctx, "persist location", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  err.Error(),
		})
	}
}

// friends returns the locations and swap identifiers of every connected
// peer.
func (e *Engine) friends() ([]float64, []int64) {
	peers := e.net.ConnectedPeers()
	locs := make([]float64, 0, len(peers))
	ids := make([]int64, 0, len(peers))
	for _, p := range peers {
		locs = append(locs, p.Location())
		ids = append(ids, p.SwapIdentifier())
	}
	return locs, ids
}

// mySide builds this node's swap payload.
func (e *Engine) mySide() (swapPayload, []byte, []int64) {
	locs, ids := e.friends()
	p := swapPayload{nonce: e.rnd.Int64(), loc: e.state.Location(), friends: locs}
	return p, p.encode(), ids
}

// finishSwap decides and applies the swap once both payloads are known.
func (e *Engine) finishSwap(ctx context.Context, mine, his swapPayload, nodeUIDs []int64) {
	e.registerKnown(his)
	e.metrics.remotePeerLocationsSeen.Add(int64(len(his.friends)))

	swap := ShouldSwap(mine.loc, mine.friends, his.loc, his.friends, mine.nonce^his.nonce)
	if len(nodeUIDs) > 0 {
		e.known.Register(mine.loc)
	}

	fields := logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		"my_location":        mine.loc,
		"his_location":       his.loc,
		"node_uids":          len(nodeUIDs),
	}
	if !swap {
		e.metrics.noSwaps.Add(1)
		logtrace.Debug(ctx, "did not swap", fields)
		return
	}
	if err := e.state.swapTo(his.loc); err != nil {
		logtrace.Error(ctx, "swap to invalid location", fields)
		return
	}
	e.metrics.swaps.Add(1)
	logtrace.Debug(ctx, "swapped", fields)
	e.announceLocChange(ctx)
	e.persist(ctx)
}

func (e *Engine) registerKnown(p swapPayload) {
	e.known.Register(p.loc)
	for _, f := range p.friends {
		e.known.Register(f)
	}
}

// logWaitFailure reports a failed wait at the level its cause deserves.
func (e *Engine) logWaitFailure(ctx context.Context, pn Peer, stage string, err error) {
	fields := logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldPeer:   string(pn.ID()),
		"stage":              stage,
		logtrace.FieldError:  err.Error(),
	}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		if pn.IsRoutable() && e.now().Sub(pn.ConnectedAt()) > 2*e.cfg.Timeout {
			logtrace.Error(ctx, "timed out waiting for swap message", fields)
			return
		}
		logtrace.Info(ctx, "timed out waiting for swap message", fields)
	default:
		logtrace.Debug(ctx, "swap wait aborted", fields)
	}
}

func swapContext(ctx context.Context, uid int64) context.Context {
	return logtrace.CtxWithCorrelationID(ctx, "swap-"+strconv.FormatInt(uid, 16))
}

// runOutgoingSwap starts a swap chain with a random peer and sees it
// through to the end.
func (e *Engine) runOutgoingSwap(ctx context.Context) {
	uid := e.rnd.Int64()
	if !e.state.Lock() {
		return
	}
	ctx = swapContext(ctx, uid)
	reachedEnd := false
	var item *forwardedItem
	defer func() {
		if err := e.state.Unlock(reachedEnd); err != nil {
			logtrace.Error(ctx, "unlock after outgoing swap", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldError:  err.Error(),
			})
		}
		e.table.remove(item)
	}()

	h, err := task.Start(ctx, e.tracker, taskOutgoing, strconv.FormatInt(uid, 10), 3*e.cfg.Timeout)
	if err != nil {
		return
	}
	defer h.End(ctx)

	e.metrics.startedSwaps.Add(1)
	mine, myValue, friendUIDs := e.mySide()

	pn, ok := e.net.RandomPeer()
	if !ok {
		return
	}
	if item, ok = e.table.add(uid, uid, nil, pn, e.now()); !ok {
		item = nil
		return
	}

	filter := transport.Filter{
		Types:   []transport.MessageType{transport.SwapReply, transport.SwapRejected},
		UID:     uid,
		Source:  pn.ID(),
		Timeout: e.cfg.Timeout,
	}
	wait := e.net.Expect(filter)
	req := transport.NewMessage(transport.SwapRequest, &transport.SwapRequestData{
		UID:  uid,
		Hash: utils.Digest(myValue),
		HTL:  e.cfg.MaxHTL,
	})
	req.CorrelationID = logtrace.CorrelationID(ctx)
	if err := pn.SendAsync(req, nil); err != nil {
		wait.Cancel()
		logtrace.Debug(ctx, "sending swap request", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	reply, err := wait.Wait(ctx)
	if err != nil {
		e.logWaitFailure(ctx, pn, "reply", err)
		return
	}
	if reply.Type == transport.SwapRejected {
		logtrace.Debug(ctx, "swap rejected", logtrace.Fields{logtrace.FieldModule: logPrefix, logtrace.FieldUID: uid})
		return
	}
	replyData, ok := reply.Data.(*transport.SwapReplyData)
	if !ok || len(replyData.Hash) != utils.DigestSize {
		logtrace.Error(ctx, "bad swap reply", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
		})
		return
	}

	filter.Types = []transport.MessageType{transport.SwapComplete, transport.SwapRejected}
	wait = e.net.Expect(filter)
	commit := transport.NewMessage(transport.SwapCommit, &transport.SwapCommitData{
		UID:      uid,
		Data:     myValue,
		NodeUIDs: friendUIDs,
	})
	commit.CorrelationID = req.CorrelationID
	if err := pn.SendAsync(commit, nil); err != nil {
		wait.Cancel()
		logtrace.Debug(ctx, "sending swap commit", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	done, err := wait.Wait(ctx)
	if err != nil {
		e.logWaitFailure(ctx, pn, "complete", err)
		return
	}
	if done.Type == transport.SwapRejected {
		logtrace.Error(ctx, "swap rejected after commit", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
		})
		return
	}
	complete, ok := done.Data.(*transport.SwapCompleteData)
	if !ok {
		return
	}
	his, err := decodeSwapPayload(replyData.Hash, complete.Data)
	if err != nil {
		logtrace.Error(ctx, "bad swap complete, malicious node?", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	e.finishSwap(ctx, mine, his, complete.NodeUIDs)
	reachedEnd = true
	e.maybeReset(ctx)
}

// runIncomingSwap answers a request that ended its walk here. The caller
// took the swap lock and added item.
func (e *Engine) runIncomingSwap(ctx context.Context, pn Peer, uid int64, hisHash []byte, item *forwardedItem) {
	ctx = swapContext(ctx, uid)
	reachedEnd := false
	defer func() {
		if err := e.state.Unlock(reachedEnd); err != nil {
			logtrace.Error(ctx, "unlock after incoming swap", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldError:  err.Error(),
			})
		}
		e.table.remove(item)
	}()

	h, err := task.Start(ctx, e.tracker, taskIncoming, strconv.FormatInt(uid, 10), 2*e.cfg.Timeout)
	if err != nil {
		return
	}
	defer h.End(ctx)

	if len(hisHash) != utils.DigestSize {
		logtrace.Error(ctx, "swap request with bad hash length", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			"length":             len(hisHash),
		})
		e.reject(ctx, pn, uid)
		return
	}

	mine, myValue, friendUIDs := e.mySide()

	wait := e.net.Expect(transport.Filter{
		Types:   []transport.MessageType{transport.SwapCommit},
		UID:     uid,
		Source:  pn.ID(),
		Timeout: e.cfg.Timeout,
	})
	reply := transport.NewMessage(transport.SwapReply, &transport.SwapReplyData{UID: uid, Hash: utils.Digest(myValue)})
	reply.CorrelationID = logtrace.CorrelationID(ctx)
	if err := pn.SendAsync(reply, nil); err != nil {
		wait.Cancel()
		logtrace.Debug(ctx, "sending swap reply", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	msg, err := wait.Wait(ctx)
	if err != nil {
		e.logWaitFailure(ctx, pn, "commit", err)
		return
	}
	commit, ok := msg.Data.(*transport.SwapCommitData)
	if !ok {
		return
	}
	his, err := decodeSwapPayload(hisHash, commit.Data)
	if err != nil {
		logtrace.Error(ctx, "bad swap commit, malicious node?", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	complete := transport.NewMessage(transport.SwapComplete, &transport.SwapCompleteData{
		UID:      uid,
		Data:     myValue,
		NodeUIDs: friendUIDs,
	})
	complete.CorrelationID = reply.CorrelationID
	if err := pn.SendAsync(complete, nil); err != nil {
		logtrace.Debug(ctx, "sending swap complete", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(pn.ID()),
			logtrace.FieldError:  err.Error(),
		})
	}

	e.finishSwap(ctx, mine, his, commit.NodeUIDs)
	reachedEnd = true
	e.maybeReset(ctx)
}

// LostOrRestartedNode rejects, back to their senders, the chains that were
// successfully forwarded to id.
func (e *Engine) LostOrRestartedNode(ctx context.Context, id transport.PeerID) {
	items := e.table.removeRoutedTo(id)
	if len(items) == 0 {
		return
	}
	logtrace.Info(ctx, "dropping swap chains of lost peer", logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldPeer:   string(id),
		"chains":             len(items),
	})
	for _, item := range items {
		if item.requestSender == nil {
			continue
		}
		e.reject(ctx, item.requestSender, item.incomingID)
	}
}

// ClearOldSwapChains forgets chains with no traffic for twice the timeout.
func (e *Engine) ClearOldSwapChains(ctx context.Context) int {
	n := e.table.removeIdleSince(e.now().Add(-2 * e.cfg.Timeout))
	if n > 0 {
		logtrace.Debug(ctx, "cleared idle swap chains", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			"chains":             n,
		})
	}
	return n
}

// NetworkSizeEstimate counts distinct locations seen after since. A zero
// since counts everything still retained.
func (e *Engine) NetworkSizeEstimate(since time.Time) int {
	return e.known.CountAfter(since)
}

// KnownLocations returns the locations seen after since, oldest first.
func (e *Engine) KnownLocations(since time.Time) []float64 {
	sightings := e.known.SightingsAfter(since)
	out := make([]float64, 0, len(sightings))
	for _, s := range sightings {
		out = append(out, s.Location)
	}
	return out
}

// Status is a point-in-time view of the engine.
type Status struct {
	Location         float64                 `json:"location"`
	LocChangeSession float64                 `json:"loc_change_session"`
	AverageSwapTime  time.Duration           `json:"average_swap_time"`
	SendSwapInterval time.Duration           `json:"send_swap_interval"`
	Locked           bool                    `json:"locked"`
	SwapChains       int                     `json:"swap_chains"`
	KnownLocations   int                     `json:"known_locations"`
	Running          map[string][]task.Entry `json:"running,omitempty"`
	Metrics          MetricsSnapshot         `json:"metrics"`
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	st := Status{
		Location:         e.state.Location(),
		LocChangeSession: e.state.LocChangeSession(),
		AverageSwapTime:  e.state.AverageSwapTime(),
		SendSwapInterval: e.state.SendSwapInterval(),
		Locked:           e.state.Locked(),
		SwapChains:       e.table.len(),
		KnownLocations:   e.known.Len(),
		Metrics:          e.metrics.snapshot(),
	}
	if e.tracker != nil {
		st.Running = e.tracker.Snapshot()
	}
	return st
}
