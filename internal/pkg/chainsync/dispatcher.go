package chainsync

import (
	"container/heap"
	"context"

	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
)

var logDispatcher = logging.Logger("sync.dispatch")

// productionBufferSize is the size of the channel buffer used for receiving
// sync requests from producers.
const productionBufferSize = 5

// dispatchSyncer is the interface of the logic syncing incoming chains.
type dispatchSyncer interface {
	HandleNewTipSet(context.Context, *block.ChainInfo, bool) error
}

// NewDispatcher creates a new syncing dispatcher.
func NewDispatcher(syncer dispatchSyncer) *Dispatcher {
	return &Dispatcher{
		targetQ:             NewTargetQueue(),
		syncer:              syncer,
		production:          make(chan SyncRequest, productionBufferSize),
		control:             make(chan interface{}),
		onProcessedCountCbs: make([]onProcessedCountCb, 0),
	}
}

// onProcessedCountCb registers a user callback to be fired once the given
// count of sync requests has been processed.
type onProcessedCountCb struct {
	cb       func()
	n, start uint64
}

// Dispatcher receives, sorts and dispatches targets to the syncer to
// control chain syncing.
type Dispatcher struct {
	// The dispatcher maintains a targeting system for determining the
	// current best syncing target.
	// targetQ is a priority queue of target tipsets.
	targetQ *TargetQueue
	// production synchronizes adding sync requests to the dispatcher.
	// The dispatcher relies on a single reader pulling from this. Don't
	// add another reader without care.
	production chan SyncRequest
	// syncer handles dispatched sync requests.
	syncer dispatchSyncer

	// The following fields allow outside processes to issue commands to
	// the dispatcher, for example to synchronize with it or inspect
	// state.
	onProcessedCountCbs []onProcessedCountCb
	control             chan interface{}

	// syncReqCount tracks the total number of sync requests dispatched
	// to the syncer. We do not handle overflows.
	syncReqCount uint64
}

// ReceiveHello handles chain information from bootstrap peers.
func (d *Dispatcher) ReceiveHello(ci *block.ChainInfo) error { return d.receive(ci, true) }

// ReceiveOwnBlock handles chain info from a node's own mining system.
func (d *Dispatcher) ReceiveOwnBlock(ci *block.ChainInfo) error { return d.receive(ci, true) }

// ReceiveGossipBlock handles chain info from new blocks sent on pubsub.
func (d *Dispatcher) ReceiveGossipBlock(ci *block.ChainInfo) error { return d.receive(ci, false) }

func (d *Dispatcher) receive(ci *block.ChainInfo, trusted bool) error {
	d.production <- SyncRequest{ChainInfo: *ci, Trusted: trusted}
	return nil
}

// Start launches the business logic for the syncing subsystem. It reads
// syncing requests from the target queue and dispatches them to the syncer.
func (d *Dispatcher) Start(syncingCtx context.Context) {
	go func() {
		var last *SyncRequest
		for {
			// Begin by firing off any callbacks that are ready.
			d.maybeFireCbs()
			// Handle shutdown.
			select {
			case <-syncingCtx.Done():
				return
			default:
			}

			// Handle control signals.
			select {
			case ctrl := <-d.control:
				d.receiveCtrl(ctrl)
			default:
			}

			// Handle production.
			var produced []SyncRequest
			if last != nil {
				produced = append(produced, *last)
				last = nil
			}
			select {
			case first := <-d.production:
				produced = append(produced, first)
				produced = append(produced, d.drainProduced()...)
			default:
			}
			// Sort new requests into the target queue.
			for _, syncReq := range produced {
				d.targetQ.Push(syncReq)
			}

			// Check for work to do.
			syncReq, popped := d.targetQ.Pop()
			if popped {
				err := d.syncer.HandleNewTipSet(syncingCtx, &syncReq.ChainInfo, syncReq.Trusted)
				if err != nil {
					logDispatcher.Infof("sync request could not complete: %s", err)
					if errors.Cause(err) == chain.ErrCorruptedRecord {
						// Corrupted storage is fatal: stop syncing until an
						// operator intervenes.
						logDispatcher.Errorf("halting sync on corrupted record: %s", err)
						return
					}
				}
				d.syncReqCount++
			} else {
				// No work left, block until something shows up.
				select {
				case <-syncingCtx.Done():
					return
				case extra := <-d.production:
					last = &extra
				}
			}
		}
	}()
}

// drainProduced reads all values within the production channel buffer at
// time of calling without blocking. It reads at most productionBufferSize.
func (d *Dispatcher) drainProduced() []SyncRequest {
	// Note this relies on a single reader of the production channel to
	// avoid blocking.
	n := len(d.production)
	var produced []SyncRequest
	for i := 0; i < n; i++ {
		next := <-d.production
		produced = append(produced, next)
	}
	return produced
}

// RegisterOnProcessedCount registers a callback on the dispatcher that
// will fire after processing the provided number of sync requests.
func (d *Dispatcher) RegisterOnProcessedCount(count uint64, cb func()) {
	d.control <- onProcessedCountCb{n: count, cb: cb}
}

// receiveCtrl takes a control message, determines its type, and performs
// the specified action.
func (d *Dispatcher) receiveCtrl(i interface{}) {
	switch msg := i.(type) {
	case onProcessedCountCb:
		msg.start = d.syncReqCount
		d.onProcessedCountCbs = append(d.onProcessedCountCbs, msg)
	default:
		// We don't know this type, log and ignore.
		logDispatcher.Infof("dispatcher control cannot handle type %T", msg)
	}
}

// maybeFireCbs fires and unregisters all callbacks registered on the
// dispatcher whose trigger count has been reached.
func (d *Dispatcher) maybeFireCbs() {
	var remaining []onProcessedCountCb
	for _, opcCb := range d.onProcessedCountCbs {
		if opcCb.start+opcCb.n == d.syncReqCount {
			opcCb.cb()
		} else {
			remaining = append(remaining, opcCb)
		}
	}
	d.onProcessedCountCbs = remaining
}

// SyncRequest tracks a logical request of the syncing subsystem to run a
// syncing job against given inputs. SyncRequests are created by the
// Dispatcher from incoming hello messages and gossipsub block propagation.
type SyncRequest struct {
	block.ChainInfo
	// Trusted marks requests from handshakes and the node's own blocks,
	// which bypass the untrusted chain length limit.
	Trusted bool
	// needed by internal container/heap methods for maintaining sort
	index int
}

// rawQueue orders the dispatcher's syncRequests by a policy. The current
// policy is to order syncing requests by claimed chain height.
//
// rawQueue can panic so it shouldn't be used unwrapped.
type rawQueue []SyncRequest

// Heavily inspired by https://golang.org/pkg/container/heap/
func (rq rawQueue) Len() int { return len(rq) }

func (rq rawQueue) Less(i, j int) bool {
	// We want Pop to give us the highest priority so we use greater than.
	return rq[i].Height > rq[j].Height
}

func (rq rawQueue) Swap(i, j int) {
	rq[i], rq[j] = rq[j], rq[i]
	rq[i].index = j
	rq[j].index = i
}

func (rq *rawQueue) Push(x interface{}) {
	n := len(*rq)
	syncReq := x.(SyncRequest)
	syncReq.index = n
	*rq = append(*rq, syncReq)
}

func (rq *rawQueue) Pop() interface{} {
	old := *rq
	n := len(old)
	item := old[n-1]
	item.index = -1 // for safety
	*rq = old[0 : n-1]
	return item
}

// TargetQueue orders dispatcher syncRequests by the underlying rawQueue's
// policy, deduplicating by head key.
//
// It is not threadsafe.
type TargetQueue struct {
	q         rawQueue
	targetSet map[string]struct{}
}

// NewTargetQueue returns a new target queue with an initialized rawQueue.
func NewTargetQueue() *TargetQueue {
	rq := make(rawQueue, 0)
	heap.Init(&rq)
	return &TargetQueue{
		q:         rq,
		targetSet: make(map[string]struct{}),
	}
}

// Push adds a sync request to the target queue.
func (tq *TargetQueue) Push(req SyncRequest) {
	// If already in queue drop quickly.
	if _, inQ := tq.targetSet[req.ChainInfo.Head.String()]; inQ {
		return
	}
	heap.Push(&tq.q, req)
	tq.targetSet[req.ChainInfo.Head.String()] = struct{}{}
}

// Pop removes and returns the highest priority syncing target. If there is
// nothing in the queue the second argument returns false.
func (tq *TargetQueue) Pop() (SyncRequest, bool) {
	if tq.Len() == 0 {
		return SyncRequest{}, false
	}
	req := heap.Pop(&tq.q).(SyncRequest)
	delete(tq.targetSet, req.ChainInfo.Head.String())
	return req, true
}

// Len returns the number of targets in the queue.
func (tq *TargetQueue) Len() int {
	return tq.q.Len()
}
