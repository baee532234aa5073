package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/metrics/tracing"
)

// NewHeadTopic is the topic used to publish new heads.
const NewHeadTopic = "new-head"

// GenesisKey is the key at which the genesis Cid is written in the datastore.
var GenesisKey = datastore.NewKey("/consensus/genesisCid")

var headKey = datastore.NewKey("/chain/heaviestTipSet")

var checkpointKey = datastore.NewKey("/chain/finalityCheckpoint")

var logStore = logging.Logger("chain.store")

func init() {
	cbor.RegisterCborType(TipSetRecord{})
}

// ErrNotValidated is returned when an operation requires a validated tipset
// but the index records a lesser status.
var ErrNotValidated = errors.New("tipset is not validated")

// ErrNoCommonAncestor is returned when two chains do not converge.
var ErrNoCommonAncestor = errors.New("no common ancestor")

// HeadChange describes a head update: the old and new head and the tipsets
// reverted and applied by the switch, oldest first.
type HeadChange struct {
	Old      block.TipSet
	New      block.TipSet
	Reverted []block.TipSet
	Applied  []block.TipSet
}

// Store tracks the chain index: tipsets and their validation status, the
// canonical head, and the finality checkpoint. Writes to the head and
// checkpoint are persisted to the chain datastore; the block headers
// themselves live in the private blockstore, so only chains the syncer has
// accepted are ever written there.
type Store struct {
	// bsPriv is the on-disk storage for blocks. It is private to the
	// Store so that only chains the syncer has accepted for tracking
	// reach it.
	bsPriv *BlockStore
	// ds stores chain metadata: the head pointer, the finality
	// checkpoint, and the tipset to state root mapping.
	ds datastore.Batching

	// genesis is the CID of the genesis block.
	genesis cid.Cid
	// head is the tipset at the head of the best known chain.
	head block.TipSet
	// checkpoint is the key of the deepest tipset reorgs may not cross.
	checkpoint block.TipSetKey
	// Protects head and checkpoint.
	mu sync.RWMutex

	// headEvents publishes a HeadChange each time the head moves.
	headEvents *pubsub.PubSub

	// tipIndex tracks tipsets by key and by parents+height.
	tipIndex *TipIndex
}

// NewStore constructs a new chain store over the given datastores.
func NewStore(chainDs datastore.Batching, bs bstore.Blockstore, genesisCid cid.Cid) *Store {
	return &Store{
		bsPriv:     NewBlockStore(bs),
		ds:         chainDs,
		headEvents: pubsub.New(128),
		tipIndex:   NewTipIndex(),
		genesis:    genesisCid,
	}
}

// Load rebuilds the store's index by traversing backwards from the most
// recent head recorded in its datastore. Load trusts that the datastore
// contents were only written for validated chains; it re-checks linkage and
// genesis identity but not state transitions.
func (store *Store) Load(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "Store.Load")
	defer tracing.AddErrorEndSpan(ctx, span, &err)

	store.tipIndex = NewTipIndex()

	headTsKey, err := store.loadHead()
	if err != nil {
		return err
	}
	headTs, err := store.LoadTipSetHeaders(ctx, headTsKey)
	if err != nil {
		return errors.Wrap(err, "error loading head tipset")
	}
	startHeight, err := headTs.Height()
	if err != nil {
		return err
	}
	logStore.Infof("start loading chain at tipset %s, height %d", headTsKey, startHeight)

	var genesii block.TipSet
	for iterator := IterAncestors(ctx, storeTipLoader{store}, headTs); !iterator.Complete(); err = iterator.Next() {
		if err != nil {
			return err
		}
		ts := iterator.Value()
		record, err := store.loadTipSetRecord(ts)
		if err != nil {
			return err
		}
		err = store.tipIndex.Put(&TipSetMetadata{
			TipSet:            ts,
			TipSetStateRoot:   record.StateRoot,
			TipSetReceiptRoot: record.ReceiptRoot,
			Status:            StatusValidated,
			Weight:            record.Weight,
		})
		if err != nil {
			return err
		}
		genesii = ts
	}

	if genesii.Len() != 1 {
		return errors.Errorf("load terminated with tipset of %d blocks, expected genesis with exactly 1", genesii.Len())
	}
	if !genesii.At(0).Cid().Equals(store.genesis) {
		return errors.Errorf("expected genesis cid: %s, loaded genesis cid: %s", store.genesis, genesii.At(0).Cid())
	}

	if checkpoint, err := store.loadCheckpoint(); err == nil {
		store.mu.Lock()
		store.checkpoint = checkpoint
		store.mu.Unlock()
	} else if err != datastore.ErrNotFound {
		return err
	}

	logStore.Infof("finished loading chain from %s", headTs)
	store.mu.Lock()
	store.head = headTs
	store.mu.Unlock()
	return nil
}

// PutTipSetAndState persists the blocks of a tipset and indexes them with
// the given metadata.
func (store *Store) PutTipSetAndState(ctx context.Context, meta *TipSetMetadata) error {
	raws := make([][]byte, 0, meta.TipSet.Len())
	for i := 0; i < meta.TipSet.Len(); i++ {
		raw, err := meta.TipSet.At(i).Serialize()
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}
	if _, err := store.bsPriv.PutMany(ctx, raws); err != nil {
		return err
	}

	if err := store.tipIndex.Put(meta); err != nil {
		return err
	}

	if meta.Status == StatusValidated {
		return store.writeTipSetAndState(meta)
	}
	return nil
}

// MarkValidated promotes an indexed tipset to validated, persisting its
// computed roots.
func (store *Store) MarkValidated(ctx context.Context, key block.TipSetKey, stateRoot, receiptRoot cid.Cid, weight uint64) error {
	if err := store.tipIndex.MarkValidated(key, stateRoot, receiptRoot, weight); err != nil {
		return err
	}
	meta := store.tipIndex.Get(key)
	return store.writeTipSetAndState(meta)
}

// MarkInvalid moves an indexed tipset to the terminal invalid status.
func (store *Store) MarkInvalid(ctx context.Context, key block.TipSetKey, reason string) error {
	return store.tipIndex.MarkInvalid(key, reason)
}

// Status returns the validation status of a key.
func (store *Store) Status(key block.TipSetKey) TipSetStatus {
	return store.tipIndex.Status(key)
}

// GetTipSet returns the tipset identified by `key` from the index, or
// reconstructs it from the block store when only the headers are on disk.
func (store *Store) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	if meta := store.tipIndex.Get(key); meta != nil {
		return meta.TipSet, nil
	}
	return store.LoadTipSetHeaders(context.TODO(), key)
}

// LoadTipSetHeaders reads the tipset's headers from the block store.
func (store *Store) LoadTipSetHeaders(ctx context.Context, key block.TipSetKey) (block.TipSet, error) {
	var blks []*block.Block
	for it := key.Iter(); !it.Complete(); it.Next() {
		blk, err := store.GetBlock(ctx, it.Value())
		if err != nil {
			return block.UndefTipSet, err
		}
		blks = append(blks, blk)
	}
	return block.NewTipSet(blks...)
}

// GetBlock retrieves a header by cid.
func (store *Store) GetBlock(ctx context.Context, c cid.Cid) (*block.Block, error) {
	raw, err := store.bsPriv.Get(ctx, c)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %s", c)
	}
	return block.DecodeBlock(raw)
}

// GetTipSetStateRoot returns the state root recorded for a validated key.
func (store *Store) GetTipSetStateRoot(key block.TipSetKey) (cid.Cid, error) {
	meta := store.tipIndex.Get(key)
	if meta == nil {
		return cid.Undef, errors.Errorf("no state for %s", key)
	}
	if meta.Status != StatusValidated {
		return cid.Undef, errors.Wrapf(ErrNotValidated, "tipset %s status %s", key, meta.Status)
	}
	return meta.TipSetStateRoot, nil
}

// GetTipSetReceiptRoot returns the receipt root recorded for a validated
// key.
func (store *Store) GetTipSetReceiptRoot(key block.TipSetKey) (cid.Cid, error) {
	meta := store.tipIndex.Get(key)
	if meta == nil {
		return cid.Undef, errors.Errorf("no receipts for %s", key)
	}
	if meta.Status != StatusValidated {
		return cid.Undef, errors.Wrapf(ErrNotValidated, "tipset %s status %s", key, meta.Status)
	}
	return meta.TipSetReceiptRoot, nil
}

// HasTipSetAndState returns true iff the tipset is indexed as validated.
func (store *Store) HasTipSetAndState(ctx context.Context, key block.TipSetKey) bool {
	return store.tipIndex.Status(key) == StatusValidated
}

// HeightOf returns the height of an indexed tipset.
func (store *Store) HeightOf(key block.TipSetKey) (uint64, error) {
	ts, err := store.GetTipSet(key)
	if err != nil {
		return 0, err
	}
	return ts.Height()
}

// WeightOf returns the cumulative weight of a validated tipset.
func (store *Store) WeightOf(key block.TipSetKey) (uint64, error) {
	meta := store.tipIndex.Get(key)
	if meta == nil {
		return 0, errors.Errorf("no weight for %s", key)
	}
	if meta.Status != StatusValidated {
		return 0, errors.Wrapf(ErrNotValidated, "tipset %s status %s", key, meta.Status)
	}
	return meta.Weight, nil
}

// GetTipSetAndStatesByParentsAndHeight returns the indexed tipsets with the
// given parent key and height.
func (store *Store) GetTipSetAndStatesByParentsAndHeight(parents block.TipSetKey, h uint64) []*TipSetMetadata {
	return store.tipIndex.GetByParentsAndHeight(parents, h)
}

// HasTipSetAndStatesWithParentsAndHeight indicates whether any tipset with
// the given parents and height is indexed.
func (store *Store) HasTipSetAndStatesWithParentsAndHeight(parents block.TipSetKey, h uint64) bool {
	return store.tipIndex.HasByParentsAndHeight(parents, h)
}

// HeadEvents returns the pubsub interface publishing HeadChange events.
func (store *Store) HeadEvents() *pubsub.PubSub {
	return store.headEvents
}

// SetHead installs `ts` as the new canonical head. The target must be
// validated and must not conflict with the finality checkpoint. The
// HeadChange published for the move carries the reverted and applied
// tipsets computed against the prior head.
func (store *Store) SetHead(ctx context.Context, ts block.TipSet) error {
	logStore.Debugf("SetHead %s", ts)
	if !ts.Defined() {
		return errors.New("cannot set an undefined head")
	}
	if store.tipIndex.Status(ts.Key()) != StatusValidated {
		return errors.Wrapf(ErrNotValidated, "head candidate %s", ts.Key())
	}

	change, err := store.setHeadPersistent(ctx, ts)
	if err != nil {
		return err
	}
	if change != nil {
		store.headEvents.Pub(change, NewHeadTopic)
	}
	return nil
}

func (store *Store) setHeadPersistent(ctx context.Context, ts block.TipSet) (*HeadChange, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.head.Defined() && store.head.Equals(ts) {
		return nil, nil
	}

	if err := store.checkAgainstCheckpoint(ctx, ts); err != nil {
		return nil, err
	}

	change := &HeadChange{Old: store.head, New: ts}
	if store.head.Defined() {
		reverted, applied, err := CollectReorgDiff(ctx, storeTipLoader{store}, store.head, ts)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compute reorg diff")
		}
		change.Reverted = reverted
		change.Applied = applied
	}

	if err := store.writeHead(ctx, ts.Key()); err != nil {
		return nil, errors.Wrap(err, "failed to write new head to datastore")
	}
	store.head = ts
	return change, nil
}

// checkAgainstCheckpoint rejects a head whose chain does not pass through
// the finality checkpoint. Caller holds mu.
func (store *Store) checkAgainstCheckpoint(ctx context.Context, ts block.TipSet) error {
	if store.checkpoint.Empty() {
		return nil
	}
	checkpointTs, err := store.GetTipSet(store.checkpoint)
	if err != nil {
		return errors.Wrap(err, "failed to load checkpoint tipset")
	}
	checkpointHeight, err := checkpointTs.Height()
	if err != nil {
		return err
	}
	h, err := ts.Height()
	if err != nil {
		return err
	}
	if h <= checkpointHeight && !ts.Key().Equals(store.checkpoint) {
		return errors.Errorf("head %s at height %d conflicts with finality checkpoint %s at height %d",
			ts.Key(), h, store.checkpoint, checkpointHeight)
	}
	// The candidate is above the checkpoint; its ancestor at the
	// checkpoint height must be the checkpointed tipset.
	if h > checkpointHeight {
		ancestor, err := FindTipSetAtHeight(ctx, storeTipLoader{store}, ts, checkpointHeight)
		if err != nil {
			return errors.Wrap(err, "failed to walk to checkpoint height")
		}
		if !ancestor.Key().Equals(store.checkpoint) {
			return errors.Errorf("head %s does not descend from finality checkpoint %s", ts.Key(), store.checkpoint)
		}
	}
	return nil
}

// GetHead returns the current head tipset key.
func (store *Store) GetHead() block.TipSetKey {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if !store.head.Defined() {
		return block.TipSetKey{}
	}
	return store.head.Key()
}

// BlockHeight returns the chain height of the head tipset.
func (store *Store) BlockHeight() (uint64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.head.Height()
}

// GenesisCid returns the genesis cid of the chain tracked by the store.
func (store *Store) GenesisCid() cid.Cid {
	return store.genesis
}

// Checkpoint returns the current finality checkpoint key; the empty key
// when no checkpoint has been set yet.
func (store *Store) Checkpoint() block.TipSetKey {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.checkpoint
}

// SetCheckpoint advances the finality checkpoint. The target must be a
// validated ancestor of the current head at a height not below the previous
// checkpoint.
func (store *Store) SetCheckpoint(ctx context.Context, key block.TipSetKey) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.tipIndex.Status(key) != StatusValidated {
		return errors.Wrapf(ErrNotValidated, "checkpoint candidate %s", key)
	}
	if !store.checkpoint.Empty() {
		prevHeight, err := store.HeightOf(store.checkpoint)
		if err != nil {
			return err
		}
		newHeight, err := store.HeightOf(key)
		if err != nil {
			return err
		}
		if newHeight < prevHeight {
			return errors.Errorf("checkpoint may not move backwards: %d < %d", newHeight, prevHeight)
		}
	}
	if !store.head.Defined() {
		return errors.New("cannot set a checkpoint without a head")
	}
	keyHeight, err := store.HeightOf(key)
	if err != nil {
		return err
	}
	onHead, err := FindTipSetAtHeight(ctx, storeTipLoader{store}, store.head, keyHeight)
	if err != nil {
		return errors.Wrap(err, "failed to walk head chain to checkpoint height")
	}
	if !onHead.Key().Equals(key) {
		return errors.Errorf("checkpoint %s is not an ancestor of head %s", key, store.head.Key())
	}
	if err := store.writeCheckpoint(ctx, key); err != nil {
		return err
	}
	store.checkpoint = key
	return nil
}

// CommonAncestor returns the first tipset shared by the chains ending at
// `a` and `b`, walking parent links. Cost is linear in the reorg depth.
func (store *Store) CommonAncestor(ctx context.Context, a, b block.TipSetKey) (block.TipSet, error) {
	aTs, err := store.GetTipSet(a)
	if err != nil {
		return block.UndefTipSet, err
	}
	bTs, err := store.GetTipSet(b)
	if err != nil {
		return block.UndefTipSet, err
	}
	aIter := IterAncestors(ctx, storeTipLoader{store}, aTs)
	bIter := IterAncestors(ctx, storeTipLoader{store}, bTs)
	return FindCommonAncestor(aIter, bIter)
}

// Stop stops all activities and cleans up.
func (store *Store) Stop() {
	store.headEvents.Shutdown()
}

// writeHead writes the given key as head to disk.
func (store *Store) writeHead(ctx context.Context, key block.TipSetKey) error {
	val, err := cbor.DumpObject(key)
	if err != nil {
		return err
	}
	return store.ds.Put(headKey, val)
}

func (store *Store) loadHead() (block.TipSetKey, error) {
	var emptyKey block.TipSetKey
	raw, err := store.ds.Get(headKey)
	if err != nil {
		return emptyKey, errors.Wrap(err, "failed to read headKey")
	}
	var key block.TipSetKey
	if err := cbor.DecodeInto(raw, &key); err != nil {
		return emptyKey, errors.Wrap(err, "failed to decode head key")
	}
	return key, nil
}

func (store *Store) writeCheckpoint(ctx context.Context, key block.TipSetKey) error {
	val, err := cbor.DumpObject(key)
	if err != nil {
		return err
	}
	return store.ds.Put(checkpointKey, val)
}

func (store *Store) loadCheckpoint() (block.TipSetKey, error) {
	var emptyKey block.TipSetKey
	raw, err := store.ds.Get(checkpointKey)
	if err != nil {
		return emptyKey, err
	}
	var key block.TipSetKey
	if err := cbor.DecodeInto(raw, &key); err != nil {
		return emptyKey, errors.Wrap(err, "failed to decode checkpoint key")
	}
	return key, nil
}

// TipSetRecord is the persisted form of a validated tipset's computed
// roots and weight.
type TipSetRecord struct {
	StateRoot   cid.Cid
	ReceiptRoot cid.Cid
	Weight      uint64
}

// writeTipSetAndState writes the tipset's computed roots and weight to the
// datastore.
func (store *Store) writeTipSetAndState(meta *TipSetMetadata) error {
	if meta.TipSetStateRoot == cid.Undef {
		return errors.New("attempting to write state root cid.Undef")
	}
	val, err := cbor.DumpObject(TipSetRecord{
		StateRoot:   meta.TipSetStateRoot,
		ReceiptRoot: meta.TipSetReceiptRoot,
		Weight:      meta.Weight,
	})
	if err != nil {
		return err
	}
	h, err := meta.TipSet.Height()
	if err != nil {
		return err
	}
	return store.ds.Put(datastore.NewKey(makeKey(meta.TipSet.String(), h)), val)
}

func (store *Store) loadTipSetRecord(ts block.TipSet) (*TipSetRecord, error) {
	h, err := ts.Height()
	if err != nil {
		return nil, err
	}
	raw, err := store.ds.Get(datastore.NewKey(makeKey(ts.String(), h)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read record for %s", ts)
	}
	var record TipSetRecord
	if err := cbor.DecodeInto(raw, &record); err != nil {
		return nil, errors.Wrapf(err, "failed to decode record of tipset %s", ts)
	}
	return &record, nil
}

func makeKey(tsKey string, h uint64) string {
	return fmt.Sprintf("/tipset/%d/%s", h, tsKey)
}

// storeTipLoader adapts the store to the traversal TipSetProvider.
type storeTipLoader struct {
	store *Store
}

func (l storeTipLoader) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	return l.store.GetTipSet(key)
}
