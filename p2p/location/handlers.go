package location

import (
	"context"

	"github.com/LumeraProtocol/keynode/p2p/transport"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
)

// rejectOnFailure sends a SwapRejected back along the chain when a
// forwarded message could not be delivered. With item set it also tracks
// whether the request reached the next hop.
type rejectOnFailure struct {
	e      *Engine
	ctx    context.Context
	sender Peer
	uid    int64
	item   *forwardedItem
}

func (c *rejectOnFailure) Acknowledged() {
	if c.item != nil {
		c.e.table.markForwarded(c.item)
	}
}

func (c *rejectOnFailure) Disconnected() {
	if c.item != nil {
		c.e.table.remove(c.item)
	}
	c.e.reject(c.ctx, c.sender, c.uid)
}

func (e *Engine) reject(ctx context.Context, to Peer, uid int64) {
	msg := transport.NewMessage(transport.SwapRejected, &transport.SwapRejectedData{UID: uid})
	msg.CorrelationID = logtrace.CorrelationID(ctx)
	if err := to.SendAsync(msg, nil); err != nil {
		logtrace.Debug(ctx, "sending swap reject", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(to.ID()),
			logtrace.FieldUID:    uid,
			logtrace.FieldError:  err.Error(),
		})
	}
}

// forward sends msg on with its UID rewritten.
func (e *Engine) forward(ctx context.Context, to Peer, msg *transport.Message, uid int64, cb transport.SendCallback) {
	out := msg.WithUID(uid)
	if err := to.SendAsync(out, cb); err != nil {
		logtrace.Debug(ctx, "forwarding swap message", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   string(to.ID()),
			logtrace.FieldUID:    uid,
			"type":               msg.Type.String(),
			logtrace.FieldError:  err.Error(),
		})
	}
}

// HandleSwapRequest either accepts a request whose walk ends here or
// forwards it to a random peer other than its sender.
func (e *Engine) HandleSwapRequest(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.SwapRequestData)
	if !ok {
		return false
	}
	pn, ok := e.net.Peer(msg.Sender)
	if !ok {
		return true
	}
	oldID := data.UID
	newID := oldID + 1
	fields := logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldPeer:   string(pn.ID()),
		logtrace.FieldUID:    oldID,
	}

	if e.table.contains(oldID) {
		logtrace.Debug(ctx, "rejecting swap request: same ID as previous request", fields)
		e.metrics.rejectedRecognizedID.Add(1)
		e.reject(ctx, pn, oldID)
		return true
	}
	if pn.ShouldRejectSwapRequest() {
		logtrace.Debug(ctx, "rejecting swap request: rate limit", fields)
		e.metrics.rejectedRateLimit.Add(1)
		e.reject(ctx, pn, oldID)
		return true
	}

	htl := data.HTL
	if htl > e.cfg.MaxHTL {
		fields[logtrace.FieldHTL] = htl
		logtrace.Error(ctx, "bogus swap HTL", fields)
		htl = e.cfg.MaxHTL
	}
	htl--

	if htl <= 0 {
		e.acceptSwapRequest(ctx, pn, oldID, newID, data.Hash, fields)
		return true
	}

	next := transport.NewMessage(transport.SwapRequest, &transport.SwapRequestData{UID: newID, Hash: data.Hash, HTL: htl})
	next.CorrelationID = msg.CorrelationID
	tried := []transport.PeerID{pn.ID()}
	for attempts := len(e.net.ConnectedPeers()); attempts > 0; attempts-- {
		to, ok := e.net.RandomPeer(tried...)
		if !ok {
			break
		}
		tried = append(tried, to.ID())
		item, ok := e.table.add(oldID, newID, pn, to, e.now())
		if !ok {
			logtrace.Debug(ctx, "rejecting swap request: loop", fields)
			e.metrics.rejectedLoop.Add(1)
			e.reject(ctx, pn, oldID)
			return true
		}
		cb := &rejectOnFailure{e: e, ctx: ctx, sender: pn, uid: oldID, item: item}
		if err := to.SendAsync(next, cb); err != nil {
			e.table.remove(item)
			continue
		}
		logtrace.Debug(ctx, "forwarded swap request", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldUID:    oldID,
			logtrace.FieldHTL:    htl,
			logtrace.FieldPeer:   string(to.ID()),
		})
		return true
	}

	logtrace.Debug(ctx, "late reject: nowhere to forward swap request", fields)
	e.metrics.rejectedNowhereToGo.Add(1)
	e.reject(ctx, pn, oldID)
	return true
}

func (e *Engine) acceptSwapRequest(ctx context.Context, pn Peer, oldID, newID int64, hash []byte, fields logtrace.Fields) {
	if !e.state.Lock() {
		logtrace.Debug(ctx, "rejecting swap request: locked", fields)
		e.metrics.rejectedAlreadyLocked.Add(1)
		e.reject(ctx, pn, oldID)
		return
	}
	item, ok := e.table.add(oldID, newID, pn, nil, e.now())
	if !ok {
		_ = e.state.Unlock(false)
		logtrace.Debug(ctx, "rejecting swap request: loop", fields)
		e.metrics.rejectedLoop.Add(1)
		e.reject(ctx, pn, oldID)
		return
	}
	err := e.pool.TryGo(ctx, taskIncoming, func(ctx context.Context) {
		e.runIncomingSwap(ctx, pn, oldID, hash, item)
	})
	if err != nil {
		_ = e.state.Unlock(false)
		e.table.remove(item)
		fields[logtrace.FieldError] = err.Error()
		logtrace.Warn(ctx, "rejecting swap request: no free worker", fields)
		e.reject(ctx, pn, oldID)
	}
}

// matchReturning finds the chain a reply-direction message belongs to. It
// reports handled=false when the message is not ours to forward, and a
// nil item when it was ours but came from the wrong peer.
func (e *Engine) matchReturning(ctx context.Context, msg *transport.Message, uid int64) (item *forwardedItem, handled bool) {
	item, ok := e.table.get(uid)
	if !ok || item.requestSender == nil {
		return nil, false
	}
	fields := logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldUID:    uid,
		logtrace.FieldPeer:   string(msg.Sender),
		"type":               msg.Type.String(),
	}
	if item.routedTo == nil {
		logtrace.Error(ctx, "swap message on accepted chain", fields)
		return nil, false
	}
	if item.routedTo.ID() != msg.Sender {
		fields["expected"] = string(item.routedTo.ID())
		logtrace.Error(ctx, "swap message from wrong source", fields)
		return nil, true
	}
	return item, true
}

// HandleSwapReply passes a reply back towards the requester.
func (e *Engine) HandleSwapReply(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.SwapReplyData)
	if !ok {
		return false
	}
	item, handled := e.matchReturning(ctx, msg, data.UID)
	if item == nil {
		return handled
	}
	e.table.touch(item, e.now())
	e.forward(ctx, item.requestSender, msg, item.incomingID, nil)
	return true
}

// HandleSwapRejected passes a reject back towards the requester and
// forgets the chain.
func (e *Engine) HandleSwapRejected(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.SwapRejectedData)
	if !ok {
		return false
	}
	item, handled := e.matchReturning(ctx, msg, data.UID)
	if item == nil {
		return handled
	}
	e.table.remove(item)
	e.forward(ctx, item.requestSender, msg, item.incomingID, nil)
	return true
}

// HandleSwapCommit passes the requester's payload on towards the
// responder, looking at the locations on the way.
func (e *Engine) HandleSwapCommit(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.SwapCommitData)
	if !ok {
		return false
	}
	item, ok := e.table.get(data.UID)
	if !ok || item.routedTo == nil {
		return false
	}
	if item.requestSender == nil || item.requestSender.ID() != msg.Sender {
		logtrace.Error(ctx, "swap commit from wrong source", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldUID:    data.UID,
			logtrace.FieldPeer:   string(msg.Sender),
		})
		return true
	}
	e.table.touch(item, e.now())
	cb := &rejectOnFailure{e: e, ctx: ctx, sender: item.requestSender, uid: item.incomingID}
	e.forward(ctx, item.routedTo, msg, item.outgoingID, cb)
	e.spy(ctx, data.Data)
	return true
}

// HandleSwapComplete passes the responder's payload back towards the
// requester and forgets the chain.
func (e *Engine) HandleSwapComplete(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.SwapCompleteData)
	if !ok {
		return false
	}
	item, handled := e.matchReturning(ctx, msg, data.UID)
	if item == nil {
		return handled
	}
	e.forward(ctx, item.requestSender, msg, item.incomingID, nil)
	e.table.remove(item)
	e.spy(ctx, data.Data)
	return true
}

// spy records the locations in a payload passing through.
func (e *Engine) spy(ctx context.Context, data []byte) {
	locs, err := payloadLocations(data)
	if err != nil {
		logtrace.Error(ctx, "invalid payload in forwarded swap", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	for _, loc := range locs {
		e.known.Register(loc)
	}
}
