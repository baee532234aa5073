package chainsync

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chain"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	"github.com/timber-project/go-timber/internal/pkg/journal"
	"github.com/timber-project/go-timber/internal/pkg/metrics"
	"github.com/timber-project/go-timber/internal/pkg/metrics/tracing"
	"github.com/timber-project/go-timber/internal/pkg/net"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

var reorgCnt *metrics.Int64Counter
var syncOneTimer *metrics.Float64Timer

func init() {
	reorgCnt = metrics.NewInt64Counter("chain/reorg_count", "The number of reorgs that have occurred.")
	syncOneTimer = metrics.NewTimerMs("syncer/sync_one", "Duration of single tipset validation in milliseconds")
}

// UntrustedChainHeightLimit is the maximum number of blocks ahead of the
// current consensus chain height to accept if syncing without trust.
var UntrustedChainHeightLimit = 600

// FailedCooldown is how long a chain rests on the failed shelf before it
// may be attempted again.
var FailedCooldown = 30 * time.Second

// CancellationBound is how long a superseded sync attempt may take to
// unwind before a SlowCancellation is logged and its handle abandoned.
var CancellationBound = 5 * time.Second

var (
	// ErrChainHasBadTipSet is returned when the syncer traverses a chain
	// with a cached bad tipset.
	ErrChainHasBadTipSet = errors.New("input chain contains a cached bad tipset")
	// ErrNewChainTooLong is returned when processing an untrusted fork
	// that is too far ahead of the current chain.
	ErrNewChainTooLong = errors.New("input chain is too far ahead of the current chain")
	// ErrViolatesFinality is returned for a candidate chain that diverges
	// from the canonical chain below the finality checkpoint.
	ErrViolatesFinality = errors.New("candidate chain diverges below the finality checkpoint")
	// ErrChainOnCooldown is returned for a candidate that recently failed
	// and has not yet served its cooldown.
	ErrChainOnCooldown = errors.New("candidate chain is cooling down after a failure")
	// ErrUnexpectedStoreState indicates that the syncer's chain store is
	// violating expected invariants.
	ErrUnexpectedStoreState = errors.New("the chain store is in an unexpected state")
)

var logSyncer = logging.Logger("chain.syncer")

type syncerChainReaderWriter interface {
	GetHead() block.TipSetKey
	GetTipSet(key block.TipSetKey) (block.TipSet, error)
	GetTipSetStateRoot(key block.TipSetKey) (cid.Cid, error)
	GetTipSetReceiptRoot(key block.TipSetKey) (cid.Cid, error)
	HasTipSetAndState(ctx context.Context, key block.TipSetKey) bool
	PutTipSetAndState(ctx context.Context, meta *chain.TipSetMetadata) error
	MarkInvalid(ctx context.Context, key block.TipSetKey, reason string) error
	Status(key block.TipSetKey) chain.TipSetStatus
	WeightOf(key block.TipSetKey) (uint64, error)
	HeightOf(key block.TipSetKey) (uint64, error)
	SetHead(ctx context.Context, ts block.TipSet) error
	Checkpoint() block.TipSetKey
	SetCheckpoint(ctx context.Context, key block.TipSetKey) error
	HasTipSetAndStatesWithParentsAndHeight(parents block.TipSetKey, h uint64) bool
	GetTipSetAndStatesByParentsAndHeight(parents block.TipSetKey, h uint64) []*chain.TipSetMetadata
}

// tipsetValidator runs full consensus validation of one tipset.
type tipsetValidator interface {
	ValidateTipSet(ctx context.Context, ts block.TipSet, parent block.TipSet, parentStateRoot, parentReceiptRoot, grandparentStateRoot cid.Cid, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage) (*consensus.ValidationResult, error)
}

// messageProvider loads stored message collections for validation.
type messageProvider interface {
	LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error)
}

// peerScorer adjusts peer reputation for chains that turn out bad.
type peerScorer interface {
	Score(p peer.ID, delta int)
}

// Syncer updates its chain store according to the methods of its consensus
// protocol. It uses a bad tipset cache and a limit on new blocks to
// traverse during chain collection. The Syncer can query the network for
// blocks and messages. The Syncer maintains the following invariant on its
// store: all tipsets that pass the syncer's validity checks are added to
// the chain store along with their computed state root.
type Syncer struct {
	// This mutex ensures at most one call to HandleNewTipSet executes at
	// any time. This is important because at least two sections of the
	// code otherwise have races:
	// 1. syncOne assumes that chainStore.GetHead() does not change when
	// comparing tipset weights and updating the store
	// 2. HandleNewTipSet assumes that calls to widen and then syncOne
	// are not run concurrently with other calls to widen to ensure
	// that the syncer always finds the heaviest existing tipset.
	mu sync.Mutex
	// fetcher is the networked block fetching service for fetching blocks
	// and messages.
	fetcher net.Fetcher
	// badTipSets is used to filter out collections of invalid blocks.
	badTipSets *chain.BadTipSetCache

	// validator runs the consensus checks on candidate tipsets.
	validator tipsetValidator
	// chainStore provides and stores validated tipsets and their state
	// roots.
	chainStore syncerChainReaderWriter
	// messageProvider loads message collections for validation.
	messageProvider messageProvider
	// scorer penalizes the peers that served rejected chains.
	scorer peerScorer

	clock    clock.Clock
	reporter chain.Reporter
	journal  journal.Writer

	// finalityDepth is the number of epochs behind head past which
	// reorgs are refused. Zero disables checkpointing.
	finalityDepth uint64

	// validationTimeout bounds a whole tipset validation attempt. Zero
	// disables the deadline.
	validationTimeout time.Duration

	// validationSlots bounds the number of concurrently validating
	// tipsets across all sync attempts.
	validationSlots chan struct{}

	// shelf parks failed candidates for a cooldown.
	shelfMu sync.Mutex
	shelf   map[string]time.Time

	// active tracks the running sync attempt so that a heavier candidate
	// can cancel it.
	activeMu sync.Mutex
	active   *activeSync
}

type activeSync struct {
	head   block.TipSetKey
	weight uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncer constructs a Syncer ready for use. `parallelism` bounds
// concurrent tipset validation; zero or negative means the CPU count.
// `validationTimeout` bounds each tipset validation attempt; zero disables
// the deadline.
func NewSyncer(v tipsetValidator, s syncerChainReaderWriter, m messageProvider, f net.Fetcher, sc peerScorer, r chain.Reporter, c clock.Clock, jrnl journal.Writer, finalityDepth uint64, parallelism int, validationTimeout time.Duration) *Syncer {
	if parallelism < 1 {
		parallelism = runtime.NumCPU()
	}
	return &Syncer{
		fetcher:           f,
		badTipSets:        chain.NewBadTipSetCache(),
		validator:         v,
		chainStore:        s,
		messageProvider:   m,
		scorer:            sc,
		clock:             c,
		reporter:          r,
		journal:           jrnl,
		finalityDepth:     finalityDepth,
		validationTimeout: validationTimeout,
		validationSlots:   make(chan struct{}, parallelism),
		shelf:             make(map[string]time.Time),
	}
}

// syncOne syncs a single tipset with the chain store. syncOne runs the full
// consensus validation of the tipset against its validated parent. In the
// case the input tipset is valid, syncOne checks its weight, and then
// updates the head of the store if this tipset is the heaviest.
//
// Precondition: the caller of syncOne must hold the syncer's lock (syncer.mu)
// to ensure head is not modified by another goroutine during run.
func (syncer *Syncer) syncOne(ctx context.Context, grandParent, parent, next block.TipSet) error {
	priorHeadKey := syncer.chainStore.GetHead()

	// if tipset is already priorHeadKey, we've been here before. do nothing.
	if priorHeadKey.Equals(next.Key()) {
		return nil
	}

	stopwatch := syncOneTimer.Start(ctx)
	defer stopwatch.Stop(ctx)

	// Bound concurrently validating tipsets.
	select {
	case syncer.validationSlots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-syncer.validationSlots }()

	var err error
	if syncer.chainStore.Status(next.Key()) != chain.StatusValidated {
		// The aggregate deadline bounds the tail latency of one tipset
		// validation attempt.
		vctx := ctx
		if syncer.validationTimeout > 0 {
			var cancel context.CancelFunc
			vctx, cancel = context.WithTimeout(ctx, syncer.validationTimeout)
			defer cancel()
		}
		err = syncer.validateOne(vctx, grandParent, parent, next)
		if err != nil {
			return err
		}
	}

	// TipSet is validated and added to store, now check if it is the heaviest.
	nextWeight, err := syncer.chainStore.WeightOf(next.Key())
	if err != nil {
		return err
	}
	headWeight, err := syncer.chainStore.WeightOf(priorHeadKey)
	if err != nil {
		return err
	}
	headTipSet, err := syncer.chainStore.GetTipSet(priorHeadKey)
	if err != nil {
		return err
	}
	heavier, err := consensus.CompareHeavier(nextWeight, headWeight, next, headTipSet)
	if err != nil {
		return err
	}

	// If it is the heaviest update the chainStore.
	if heavier {
		if err = syncer.chainStore.SetHead(ctx, next); err != nil {
			return err
		}
		syncer.journal.Write("headChange", "from", headTipSet.String(), "to", next.String())
		syncer.logReorg(ctx, headTipSet, next)
	}

	return nil
}

// validateOne runs consensus validation of `next` and records the outcome
// in the store: validated with its computed roots, or terminally invalid.
func (syncer *Syncer) validateOne(ctx context.Context, grandParent, parent, next block.TipSet) error {
	// Lookup parent state and receipt roots. It is guaranteed by the
	// syncer that they are in the chainStore.
	parentStateRoot, err := syncer.chainStore.GetTipSetStateRoot(parent.Key())
	if err != nil {
		return err
	}
	parentReceiptRoot, err := syncer.chainStore.GetTipSetReceiptRoot(parent.Key())
	if err != nil {
		return err
	}
	var grandParentStateRoot cid.Cid
	if grandParent.Defined() {
		grandParentStateRoot, err = syncer.chainStore.GetTipSetStateRoot(grandParent.Key())
		if err != nil {
			return err
		}
	}

	// Gather tipset messages.
	var secpMessages [][]*types.SignedMessage
	var blsMessages [][]*types.UnsignedMessage
	for i := 0; i < next.Len(); i++ {
		blk := next.At(i)
		secp, bls, err := syncer.messageProvider.LoadMessages(ctx, blk.Messages)
		if err != nil {
			return errors.Wrapf(err, "syncing tip %s failed loading message list %s for block %s", next.Key(), blk.Messages, blk.Cid())
		}
		secpMessages = append(secpMessages, secp)
		blsMessages = append(blsMessages, bls)
	}
	if err := syncer.chainStore.PutTipSetAndState(ctx, &chain.TipSetMetadata{
		TipSet: next,
		Status: chain.StatusMessagesFetched,
	}); err != nil {
		return err
	}

	result, err := syncer.validator.ValidateTipSet(ctx, next, parent, parentStateRoot, parentReceiptRoot, grandParentStateRoot, secpMessages, blsMessages)
	if err != nil {
		if inv := consensus.AsInvalid(err); inv != nil {
			// Terminal: record the reason so the key is never retried.
			if markErr := syncer.chainStore.MarkInvalid(ctx, next.Key(), string(inv.Reason)); markErr != nil {
				logSyncer.Errorf("failed to mark %s invalid: %s", next.Key(), markErr)
			}
		}
		return err
	}

	err = syncer.chainStore.PutTipSetAndState(ctx, &chain.TipSetMetadata{
		TipSet:            next,
		TipSetStateRoot:   result.StateRoot,
		TipSetReceiptRoot: result.ReceiptRoot,
		Weight:            result.Weight,
		Status:            chain.StatusValidated,
	})
	if err != nil {
		return err
	}
	logSyncer.Debugf("successfully updated store with %s", next.String())
	return nil
}

func (syncer *Syncer) logReorg(ctx context.Context, curHead, newHead block.TipSet) {
	curHeadIter := chain.IterAncestors(ctx, syncerTipLoader{syncer}, curHead)
	newHeadIter := chain.IterAncestors(ctx, syncerTipLoader{syncer}, newHead)
	commonAncestor, err := chain.FindCommonAncestor(curHeadIter, newHeadIter)
	if err != nil {
		// Should never get here because reorgs should always have a
		// common ancestor.
		logSyncer.Warningf("unexpected error when running FindCommonAncestor for reorg log: %s", err)
		return
	}

	if chain.IsReorg(curHead, newHead, commonAncestor) {
		reorgCnt.Inc(ctx, 1)
		logSyncer.Infof("reorg from %s to %s (common ancestor %s)", curHead, newHead, commonAncestor)
		syncer.journal.Write("reorg", "from", curHead.String(), "to", newHead.String(), "ancestor", commonAncestor.String())
	}
}

// widen computes a tipset implied by the input tipset and the store that
// could potentially be the heaviest tipset. Widen returns the union of the
// input tipset and the biggest tipset with the same parents from the store.
func (syncer *Syncer) widen(ctx context.Context, ts block.TipSet) (block.TipSet, error) {
	// Lookup tipsets with the same parents from the store.
	parentSet, err := ts.Parents()
	if err != nil {
		return block.UndefTipSet, err
	}
	height, err := ts.Height()
	if err != nil {
		return block.UndefTipSet, err
	}
	if !syncer.chainStore.HasTipSetAndStatesWithParentsAndHeight(parentSet, height) {
		return block.UndefTipSet, nil
	}
	// Only validated siblings may widen a tipset.
	var candidates []*chain.TipSetMetadata
	for _, candidate := range syncer.chainStore.GetTipSetAndStatesByParentsAndHeight(parentSet, height) {
		if candidate.Status == chain.StatusValidated {
			candidates = append(candidates, candidate)
		}
	}
	if len(candidates) == 0 {
		return block.UndefTipSet, nil
	}

	// Only take the tipset with the most blocks.
	max := candidates[0].TipSet
	for _, candidate := range candidates[1:] {
		if candidate.TipSet.Len() > max.Len() {
			max = candidate.TipSet
		}
	}

	// Form a new tipset from the union of ts and the largest in the store, de-duped.
	var blockSlice []*block.Block
	blockCids := make(map[cid.Cid]struct{})
	for i := 0; i < ts.Len(); i++ {
		blk := ts.At(i)
		blockCids[blk.Cid()] = struct{}{}
		blockSlice = append(blockSlice, blk)
	}
	for i := 0; i < max.Len(); i++ {
		blk := max.At(i)
		if _, found := blockCids[blk.Cid()]; !found {
			blockSlice = append(blockSlice, blk)
			blockCids[blk.Cid()] = struct{}{}
		}
	}
	wts, err := block.NewTipSet(blockSlice...)
	if err != nil {
		return block.UndefTipSet, err
	}

	// check that the tipset is distinct from the input and tipsets from the store.
	if wts.Key().Equals(ts.Key()) || wts.Key().Equals(max.Key()) {
		return block.UndefTipSet, nil
	}

	return wts, nil
}

// HandleNewTipSet extends the Syncer's chain store with the given tipset if
// it represents a valid extension. It limits the length of new chains it
// will attempt to validate, refuses chains that cross the finality
// checkpoint, and caches invalid blocks it has encountered to help prevent
// DOS.
func (syncer *Syncer) HandleNewTipSet(ctx context.Context, ci *block.ChainInfo, trusted bool) (err error) {
	logSyncer.Debugf("begin fetch and sync of chain with head %v", ci.Head)
	ctx, span := trace.StartSpan(ctx, "Syncer.HandleNewTipSet")
	span.AddAttributes(trace.StringAttribute("tipset", ci.Head.String()))
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	// Quick rejects that need no lock.
	if syncer.badTipSets.Has(ci.Head.String()) {
		return ErrChainHasBadTipSet
	}
	if syncer.onCooldown(ci.Head) {
		return ErrChainOnCooldown
	}

	// A heavier candidate supersedes any still-running attempt.
	syncer.supersede(ci)

	// This lock could last a long time as we fetch all the blocks needed
	// to sync the chain. This is justified because the app is pretty
	// useless until it is synced. It's better for multiple calls to wait
	// here than to try to fetch the chain independently.
	syncer.mu.Lock()
	defer syncer.mu.Unlock()

	ctx, finish := syncer.beginAttempt(ctx, ci)
	defer finish()

	// If the store already has this tipset then the syncer is finished.
	if syncer.chainStore.HasTipSetAndState(ctx, ci.Head) {
		return nil
	}

	curHeadKey := syncer.chainStore.GetHead()
	curHeight, err := syncer.chainStore.HeightOf(curHeadKey)
	if err != nil {
		return err
	}
	curWeight, err := syncer.chainStore.WeightOf(curHeadKey)
	if err != nil {
		return err
	}

	// Drop candidates that claim less weight than the current head.
	// Equal-weight claims are still considered: a sibling block at
	// head height widens the head tipset, and equal-weight forks are
	// settled by the tie-break rule.
	if ci.Weight < curWeight {
		logSyncer.Debugf("dropping chain %s with weight %d not above %d", ci.Head, ci.Weight, curWeight)
		return nil
	}

	// Snapshot the checkpoint; all of this attempt's finality decisions
	// use this value even if the checkpoint advances concurrently.
	checkpoint := syncer.chainStore.Checkpoint()

	if !trusted && ExceedsUntrustedChainLength(curHeight, ci.Height) {
		return ErrNewChainTooLong
	}

	syncer.reporter.UpdateStatus(chain.SyncingStarted(syncer.clock.Now().Unix()), chain.SyncHead(ci.Head), chain.SyncHeight(ci.Height), chain.SyncTrusted(trusted), chain.SyncComplete(false))
	defer syncer.reporter.UpdateStatus(chain.SyncComplete(true))

	syncer.reporter.UpdateStatus(chain.SyncFetchComplete(false))
	chainTips, err := syncer.fetcher.FetchTipSets(ctx, ci.Head, ci.Peer, func(t block.TipSet) (bool, error) {
		parents, err := t.Parents()
		if err != nil {
			return true, err
		}
		height, err := t.Height()
		if err != nil {
			return false, err
		}
		syncer.reporter.UpdateStatus(chain.FetchHead(t.Key()), chain.FetchHeight(height))
		return syncer.chainStore.HasTipSetAndState(ctx, parents), nil
	})
	syncer.reporter.UpdateStatus(chain.SyncFetchComplete(true))
	if err != nil {
		// Transport failures park the chain for a cooldown; they are
		// never fatal to the process. Unavailable messages leave the
		// affected tipsets un-validatable for this attempt, not invalid.
		syncer.shelve(ci.Head)
		if errors.Cause(err) == net.ErrMessageUnavailable {
			logSyncer.Warningf("messages unavailable for chain %s, parking: %s", ci.Head, err)
		}
		return err
	}
	// Fetcher returns chain in traversal order, reverse it to height order.
	chain.Reverse(chainTips)

	// Refuse chains that diverge below the finality checkpoint.
	if err := syncer.checkFinality(ctx, checkpoint, chainTips); err != nil {
		syncer.scorer.Score(ci.Peer, net.ScoreBadProtocol)
		return err
	}

	// Index the fetched headers before validation so their status can be
	// tracked, including a terminal Invalid.
	for _, ts := range chainTips {
		if err := syncer.chainStore.PutTipSetAndState(ctx, &chain.TipSetMetadata{
			TipSet: ts,
			Status: chain.StatusHeadersOnly,
		}); err != nil {
			return err
		}
	}

	parent, grandParent, err := syncer.ancestorsFromStore(chainTips[0])
	if err != nil {
		return err
	}

	// Try adding the tipsets of the chain to the store, checking for new
	// heaviest tipsets.
	for i, ts := range chainTips {
		// Cancellation is checked between tipsets so a superseded
		// attempt unwinds promptly.
		if err := ctx.Err(); err != nil {
			logSyncer.Debugf("sync of %s cancelled after %d tipsets", ci.Head, i)
			return err
		}
		if syncer.badTipSets.Has(ts.Key().String()) {
			return ErrChainHasBadTipSet
		}

		var wts block.TipSet
		if i == 0 {
			wts, err = syncer.widen(ctx, ts)
			if err != nil {
				return err
			}
			if wts.Defined() {
				logSyncer.Debug("attempt to sync after widen")
				err = syncer.syncOne(ctx, grandParent, parent, wts)
				if err != nil {
					return err
				}
			}
		}
		// If the chain has length greater than 1, then we need to sync
		// each tipset in the chain in order to process the chain fully,
		// including the non-widened first tipset. If the chain has
		// length == 1, we can avoid processing the non-widened tipset
		// as a performance optimization, because this tipset cannot be
		// heavier than the widened first tipset.
		if !wts.Defined() || len(chainTips) > 1 {
			err = syncer.syncOne(ctx, grandParent, parent, ts)
			if err != nil {
				return syncer.classifySyncFailure(ctx, err, ci, chainTips[i:])
			}
		}
		if i%500 == 0 && i > 0 {
			logSyncer.Infof("processing tipset %d of %v for chain with head at %v", i, len(chainTips), ci.Head)
		}
		grandParent = parent
		parent = ts
	}

	syncer.reporter.UpdateStatus(chain.ValidatedHead(syncer.chainStore.GetHead()), chain.ValidatedHeight(mustHeight(syncer.chainStore, logSyncer)), chain.SyncError(nil))
	syncer.advanceCheckpoint(ctx)
	return nil
}

// classifySyncFailure sorts a syncOne error into the retry policy:
// consensus rejections are terminal, poison the rest of the chain, and
// penalize the serving peer; everything else parks the candidate for a
// cooldown.
func (syncer *Syncer) classifySyncFailure(ctx context.Context, err error, ci *block.ChainInfo, remaining []block.TipSet) error {
	if inv := consensus.AsInvalid(err); inv != nil {
		syncer.badTipSets.AddChain(remaining)
		syncer.scorer.Score(ci.Peer, net.ScoreBadProtocol)
		logSyncer.Warningf("rejecting chain %s: %s", ci.Head, inv)
		syncer.journal.Write("invalidChain", "head", ci.Head.String(), "reason", string(inv.Reason))
		return err
	}
	if cause := errors.Cause(err); cause == context.Canceled || cause == context.DeadlineExceeded {
		logSyncer.Debugf("sync of %s cancelled: %s", ci.Head, err)
		return err
	}
	// Infrastructure failure: park and allow a later retry.
	syncer.shelve(ci.Head)
	logSyncer.Errorf("sync of %s failed: %s", ci.Head, err)
	syncer.reporter.UpdateStatus(chain.SyncError(err))
	return err
}

// checkFinality rejects candidate chains whose connection to the validated
// chain lies below the finality checkpoint, unless they pass through the
// checkpointed tipset itself.
func (syncer *Syncer) checkFinality(ctx context.Context, checkpoint block.TipSetKey, chainTips []block.TipSet) error {
	if checkpoint.Empty() || len(chainTips) == 0 {
		return nil
	}
	checkpointHeight, err := syncer.chainStore.HeightOf(checkpoint)
	if err != nil {
		return err
	}
	ancestorKey, err := chainTips[0].Parents()
	if err != nil {
		return err
	}
	if ancestorKey.Empty() {
		// Candidate chains from genesis necessarily cross any checkpoint.
		return ErrViolatesFinality
	}
	ancestorHeight, err := syncer.chainStore.HeightOf(ancestorKey)
	if err != nil {
		return err
	}
	if ancestorHeight >= checkpointHeight {
		return nil
	}
	// The candidate rejoins the validated chain below the checkpoint; it
	// is only acceptable if the checkpointed tipset itself is on it.
	for _, ts := range chainTips {
		if ts.Key().Equals(checkpoint) {
			return nil
		}
	}
	return ErrViolatesFinality
}

// advanceCheckpoint lazily moves the finality checkpoint to finalityDepth
// epochs behind the new head.
func (syncer *Syncer) advanceCheckpoint(ctx context.Context) {
	if syncer.finalityDepth == 0 {
		return
	}
	headKey := syncer.chainStore.GetHead()
	head, err := syncer.chainStore.GetTipSet(headKey)
	if err != nil {
		return
	}
	headHeight, err := head.Height()
	if err != nil || headHeight < syncer.finalityDepth {
		return
	}
	target := headHeight - syncer.finalityDepth
	ts, err := chain.FindTipSetAtHeight(ctx, syncerTipLoader{syncer}, head, target)
	if err != nil {
		logSyncer.Debugf("cannot find checkpoint candidate at height %d: %s", target, err)
		return
	}
	if err := syncer.chainStore.SetCheckpoint(ctx, ts.Key()); err != nil {
		logSyncer.Debugf("checkpoint not advanced: %s", err)
	}
}

// ancestorsFromStore returns the parent and grandparent tipsets of `ts`.
func (syncer *Syncer) ancestorsFromStore(ts block.TipSet) (block.TipSet, block.TipSet, error) {
	parentCids, err := ts.Parents()
	if err != nil {
		return block.UndefTipSet, block.UndefTipSet, err
	}
	parent, err := syncer.chainStore.GetTipSet(parentCids)
	if err != nil {
		return block.UndefTipSet, block.UndefTipSet, err
	}
	grandParentCids, err := parent.Parents()
	if err != nil {
		return block.UndefTipSet, block.UndefTipSet, err
	}
	if grandParentCids.Empty() {
		// parent == genesis ==> grandParent undef
		return parent, block.UndefTipSet, nil
	}
	grandParent, err := syncer.chainStore.GetTipSet(grandParentCids)
	if err != nil {
		return block.UndefTipSet, block.UndefTipSet, err
	}
	return parent, grandParent, nil
}

// supersede cancels the running sync attempt if the incoming candidate
// claims more weight, waiting up to CancellationBound for it to unwind.
func (syncer *Syncer) supersede(ci *block.ChainInfo) {
	syncer.activeMu.Lock()
	running := syncer.active
	syncer.activeMu.Unlock()
	if running == nil || running.weight >= ci.Weight || running.head.Equals(ci.Head) {
		return
	}
	logSyncer.Debugf("cancelling sync of %s for heavier candidate %s", running.head, ci.Head)
	running.cancel()
	select {
	case <-running.done:
	case <-syncer.clock.After(CancellationBound):
		logSyncer.Warningf("SlowCancellation: sync of %s did not unwind within %s", running.head, CancellationBound)
	}
}

// beginAttempt registers the attempt as active for supersession. Caller
// holds syncer.mu.
func (syncer *Syncer) beginAttempt(ctx context.Context, ci *block.ChainInfo) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	attempt := &activeSync{
		head:   ci.Head,
		weight: ci.Weight,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	syncer.activeMu.Lock()
	syncer.active = attempt
	syncer.activeMu.Unlock()

	return ctx, func() {
		syncer.activeMu.Lock()
		if syncer.active == attempt {
			syncer.active = nil
		}
		syncer.activeMu.Unlock()
		close(attempt.done)
		cancel()
	}
}

// shelve parks a failed candidate until its cooldown elapses.
func (syncer *Syncer) shelve(key block.TipSetKey) {
	syncer.shelfMu.Lock()
	defer syncer.shelfMu.Unlock()
	syncer.shelf[key.String()] = syncer.clock.Now().Add(FailedCooldown)
}

// onCooldown reports whether a candidate is still parked.
func (syncer *Syncer) onCooldown(key block.TipSetKey) bool {
	syncer.shelfMu.Lock()
	defer syncer.shelfMu.Unlock()
	until, parked := syncer.shelf[key.String()]
	if !parked {
		return false
	}
	if syncer.clock.Now().After(until) {
		delete(syncer.shelf, key.String())
		return false
	}
	return true
}

// Status returns the current chain status.
func (syncer *Syncer) Status() chain.Status {
	return syncer.reporter.Status()
}

// ExceedsUntrustedChainLength returns true if the delta between curHeight
// and newHeight exceeds the maximum number of blocks to accept when syncing
// without trust.
func ExceedsUntrustedChainLength(curHeight, newHeight uint64) bool {
	maxChainLength := curHeight + uint64(UntrustedChainHeightLimit)
	return newHeight > maxChainLength
}

// syncerTipLoader adapts the syncer's store view to chain traversal.
type syncerTipLoader struct {
	syncer *Syncer
}

func (l syncerTipLoader) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	return l.syncer.chainStore.GetTipSet(key)
}

func mustHeight(store syncerChainReaderWriter, log logging.EventLogger) uint64 {
	h, err := store.HeightOf(store.GetHead())
	if err != nil {
		log.Errorf("failed to read head height: %s", err)
		return 0
	}
	return h
}
