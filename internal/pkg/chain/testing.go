package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	syncds "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	"github.com/timber-project/go-timber/internal/pkg/encoding"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

// FakeBlockSig is the signature the Builder attaches to generated blocks;
// it is the value the fake signature validator accepts.
var FakeBlockSig = consensus.FakeBlockSig

// Builder builds fake chains and acts as a provider and fetcher for the
// chain thus generated. All blocks are unique (even if they share parents)
// and form valid chains of parents and heights, but carry fake tickets and
// signatures. State root CIDs are computed by an abstract StateBuilder; the
// default FakeStateBuilder produces state CIDs that are distinct but not
// CIDs of any real state tree.
// The builder is deterministic: two builders receiving the same sequence of
// calls will produce exactly the same chain.
type Builder struct {
	t            *testing.T
	minerAddress address.Address
	stateBuilder StateBuilder
	blocks       *BlockStore
	messages     *MessageStore
	seq          uint64 // For unique tickets
	blockTime    time.Duration
	genesisTime  time.Time

	// Cache of the state record computed for each tipset key.
	tipStateCids map[string]*FakeStateRecord
}

// FakeStateRecord is what the fake state computation produces per tipset.
type FakeStateRecord struct {
	StateRoot   cid.Cid
	ReceiptRoot cid.Cid
	Weight      uint64
}

var _ TipSetProvider = (*Builder)(nil)

// NewBuilder builds a new chain faker with default fake state building.
func NewBuilder(t *testing.T, miner address.Address) *Builder {
	return NewBuilderWithState(t, miner, &FakeStateBuilder{})
}

// NewBuilderWithState builds a new chain faker.
// Blocks will have `miner` set as the miner address, or a default if empty.
func NewBuilderWithState(t *testing.T, miner address.Address, sb StateBuilder) *Builder {
	if miner.Empty() {
		var err error
		miner, err = address.NewActorAddress([]byte("miner"))
		require.NoError(t, err)
	}

	bs := blockstore.NewBlockstore(syncds.MutexWrap(ds.NewMapDatastore()))
	b := &Builder{
		t:            t,
		minerAddress: miner,
		stateBuilder: sb,
		blocks:       NewBlockStore(bs),
		messages:     NewMessageStore(bs),
		blockTime:    30 * time.Second,
		genesisTime:  time.Unix(1234567890, 0),
		tipStateCids: make(map[string]*FakeStateRecord),
	}

	ctx := context.TODO()
	_, err := b.messages.StoreMessages(ctx, []*types.SignedMessage{}, []*types.UnsignedMessage{})
	require.NoError(t, err)
	_, err = b.messages.StoreReceipts(ctx, []*types.MessageReceipt{})
	require.NoError(t, err)

	nullState, err := makeCid([]string{"null"})
	require.NoError(t, err)
	b.tipStateCids[block.NewTipSetKey().String()] = &FakeStateRecord{
		StateRoot:   nullState,
		ReceiptRoot: types.EmptyReceiptsCID,
	}
	return b
}

// Messages returns the builder's message store, shared with any stores
// wired from the builder.
func (f *Builder) Messages() *MessageStore {
	return f.messages
}

// NewGenesis creates and returns a tipset of one block with no parents.
func (f *Builder) NewGenesis() block.TipSet {
	return f.Build(block.UndefTipSet, 1, nil)
}

// AppendBlockOn creates and returns a new block child of `parent`, with no
// messages.
func (f *Builder) AppendBlockOn(parent block.TipSet) *block.Block {
	return f.Build(parent, 1, nil).At(0)
}

// AppendOn creates and returns a new `width`-block tipset child of
// `parents`, with no messages.
func (f *Builder) AppendOn(parent block.TipSet, width int) block.TipSet {
	return f.Build(parent, width, nil)
}

// AppendManyOn appends `height` tipsets to the chain.
func (f *Builder) AppendManyOn(height int, parent block.TipSet) block.TipSet {
	for i := 0; i < height; i++ {
		parent = f.Build(parent, 1, nil)
	}
	return parent
}

// BuildOneOn creates and returns a new single-block tipset child of
// `parent`.
func (f *Builder) BuildOneOn(parent block.TipSet, build func(b *BlockBuilder)) block.TipSet {
	return f.Build(parent, 1, singleBuilder(build))
}

// BuildOn creates and returns a new `width` block tipset child of `parent`.
func (f *Builder) BuildOn(parent block.TipSet, width int, build func(b *BlockBuilder, i int)) block.TipSet {
	return f.Build(parent, width, build)
}

// Build creates and returns a new tipset child of `parent`. The tipset
// carries `width` > 0 blocks with the same height and parents, but
// different tickets. The `build` function is invoked to modify the block
// before it is stored.
func (f *Builder) Build(parent block.TipSet, width int, build func(b *BlockBuilder, i int)) block.TipSet {
	require.True(f.t, width > 0)
	var blocks []*block.Block

	height := types.Uint64(0)
	if parent.Defined() {
		height = parent.At(0).Height + 1
	}

	parentRecord := f.StateForKey(parent.Key())
	parentWeight := uint64(0)
	if parent.Defined() {
		parentWeight = f.tipWeight(parent)
	}

	timestamp := uint64(f.genesisTime.Unix()) + uint64(f.blockTime.Seconds())*uint64(height)

	for i := 0; i < width; i++ {
		ticket := block.Ticket{}
		ticket.VRFProof = block.VRFPi(make([]byte, binary.Size(f.seq)))
		binary.BigEndian.PutUint64(ticket.VRFProof, f.seq)
		f.seq++

		b := &block.Block{
			Ticket:          ticket,
			ElectionProof:   block.ElectionProof{VRFProof: ticket.VRFProof, WinCount: 1},
			Miner:           f.minerAddress,
			ParentWeight:    types.Uint64(parentWeight),
			Parents:         parent.Key(),
			Height:          height,
			Messages:        types.TxMeta{SecpRoot: types.EmptyMessagesCID, BLSRoot: types.EmptyMessagesCID},
			MessageReceipts: parentRecord.ReceiptRoot,
			StateRoot:       parentRecord.StateRoot,
			Timestamp:       types.Uint64(timestamp),
			BlockSig:        FakeBlockSig,
		}

		if build != nil {
			build(&BlockBuilder{b, f.t, f.messages}, i)
		}

		// Store the header.
		ctx := context.Background()
		raw, err := b.Serialize()
		require.NoError(f.t, err)
		_, err = f.blocks.Put(ctx, raw)
		require.NoError(f.t, err)
		blocks = append(blocks, b)
	}
	tip, err := block.NewTipSet(blocks...)
	require.NoError(f.t, err)
	// Compute and remember state for the tipset.
	f.tipStateCids[tip.Key().String()] = f.ComputeState(tip)
	return tip
}

// StateForKey loads (or computes) the state record for a tipset key.
func (f *Builder) StateForKey(key block.TipSetKey) *FakeStateRecord {
	record, found := f.tipStateCids[key.String()]
	if found {
		return record
	}
	// No state yet computed for this tip (perhaps because the blocks in
	// it have not previously been considered together as a tipset).
	tip, err := f.GetTipSet(key)
	require.NoError(f.t, err)
	record = f.ComputeState(tip)
	f.tipStateCids[key.String()] = record
	return record
}

// ComputeState computes the state record for a tipset from its parent
// state.
func (f *Builder) ComputeState(tip block.TipSet) *FakeStateRecord {
	parentKey, err := tip.Parents()
	require.NoError(f.t, err)
	prev := f.StateForKey(parentKey)

	stateRoot, receiptRoot, err := f.stateBuilder.ComputeState(prev.StateRoot, f.tipSecpMessages(tip), f.tipBLSMessages(tip))
	require.NoError(f.t, err)

	parentWeight := uint64(0)
	if parentKey.Len() > 0 {
		parentWeight = f.StateForKey(parentKey).Weight
	}
	weight, err := f.stateBuilder.Weigh(tip, parentWeight)
	require.NoError(f.t, err)

	return &FakeStateRecord{StateRoot: stateRoot, ReceiptRoot: receiptRoot, Weight: weight}
}

func (f *Builder) tipWeight(tip block.TipSet) uint64 {
	return f.StateForKey(tip.Key()).Weight
}

func (f *Builder) tipSecpMessages(tip block.TipSet) [][]*types.SignedMessage {
	ctx := context.Background()
	var msgs [][]*types.SignedMessage
	for i := 0; i < tip.Len(); i++ {
		secp, _, err := f.messages.LoadMessages(ctx, tip.At(i).Messages)
		require.NoError(f.t, err)
		msgs = append(msgs, secp)
	}
	return msgs
}

func (f *Builder) tipBLSMessages(tip block.TipSet) [][]*types.UnsignedMessage {
	ctx := context.Background()
	var msgs [][]*types.UnsignedMessage
	for i := 0; i < tip.Len(); i++ {
		_, bls, err := f.messages.LoadMessages(ctx, tip.At(i).Messages)
		require.NoError(f.t, err)
		msgs = append(msgs, bls)
	}
	return msgs
}

// Wraps a simple build function in one that also accepts an index,
// propagating a nil function.
func singleBuilder(build func(b *BlockBuilder)) func(b *BlockBuilder, i int) {
	if build == nil {
		return nil
	}
	return func(b *BlockBuilder, i int) { build(b) }
}

///// Block builder /////

// BlockBuilder mutates blocks as they are generated.
type BlockBuilder struct {
	block    *block.Block
	t        *testing.T
	messages *MessageStore
}

// SetTicket sets the block's ticket.
func (bb *BlockBuilder) SetTicket(raw []byte) {
	bb.block.Ticket = block.Ticket{VRFProof: block.VRFPi(raw)}
}

// SetTimestamp sets the block's timestamp.
func (bb *BlockBuilder) SetTimestamp(timestamp types.Uint64) {
	bb.block.Timestamp = timestamp
}

// SetBlockSig sets the block's signature.
func (bb *BlockBuilder) SetBlockSig(sig types.Signature) {
	bb.block.BlockSig = sig
}

// SetWinCount sets the election proof's win count.
func (bb *BlockBuilder) SetWinCount(count int64) {
	bb.block.ElectionProof.WinCount = count
}

// IncHeight increments the block's height, implying a number of null
// blocks before this one is mined.
func (bb *BlockBuilder) IncHeight(nullBlocks types.Uint64) {
	bb.block.Height += nullBlocks
	bb.block.Timestamp += types.Uint64(nullBlocks) * 30
}

// AddMessages adds a message collection to the block.
func (bb *BlockBuilder) AddMessages(secpmsgs []*types.SignedMessage, blsMsgs []*types.UnsignedMessage) {
	ctx := context.Background()

	meta, err := bb.messages.StoreMessages(ctx, secpmsgs, blsMsgs)
	require.NoError(bb.t, err)

	bb.block.Messages = meta
}

// SetStateRoot sets the block's state root.
func (bb *BlockBuilder) SetStateRoot(root cid.Cid) {
	bb.block.StateRoot = root
}

///// State builder /////

// StateBuilder abstracts the computation of state root CIDs and weights
// from the chain builder.
type StateBuilder interface {
	ComputeState(prev cid.Cid, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage) (cid.Cid, cid.Cid, error)
	Weigh(tip block.TipSet, parentWeight uint64) (uint64, error)
}

// FakeStateBuilder computes a fake state CID by hashing the previous state
// root CID together with the CIDs of a tipset's messages.
type FakeStateBuilder struct {
}

// ComputeState computes a fake state and receipt root from a previous state
// root CID and the messages contained in list-of-lists of messages in
// blocks. Note that if there are no messages, the resulting state is the
// same as the input state.
// This differs from the true state transition function in that messages
// that are duplicated between blocks in the tipset are not ignored.
func (FakeStateBuilder) ComputeState(prev cid.Cid, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage) (cid.Cid, cid.Cid, error) {
	// Accumulate the cids of the previous state and of all messages in
	// the tipset.
	inputs := []cid.Cid{prev}
	for _, blockMessages := range secpMessages {
		for _, msg := range blockMessages {
			mCId, err := msg.Cid()
			if err != nil {
				return cid.Undef, cid.Undef, err
			}
			inputs = append(inputs, mCId)
		}
	}
	for _, blockMessages := range blsMessages {
		for _, msg := range blockMessages {
			mCId, err := msg.Cid()
			if err != nil {
				return cid.Undef, cid.Undef, err
			}
			inputs = append(inputs, mCId)
		}
	}

	if len(inputs) == 1 {
		// If there are no messages, the state doesn't change!
		return prev, types.EmptyReceiptsCID, nil
	}

	state, err := makeCid(inputs)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	receipts, err := makeCid(append([]cid.Cid{state}, inputs...))
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	return state, receipts, nil
}

// Weigh computes a tipset's weight as its parent weight plus the fixed
// contribution of each member block.
func (FakeStateBuilder) Weigh(tip block.TipSet, parentWeight uint64) (uint64, error) {
	if !tip.Defined() {
		return parentWeight, nil
	}
	return parentWeight + consensus.ECV*uint64(tip.Len()), nil
}

///// State evaluator /////

// FakeStateEvaluator is a StateTransitioner that delegates to the
// FakeStateBuilder.
type FakeStateEvaluator struct {
	FakeStateBuilder
}

// RunStateTransition delegates to StateBuilder.ComputeState.
func (e *FakeStateEvaluator) RunStateTransition(ctx context.Context, ts block.TipSet, secpMessages [][]*types.SignedMessage, blsMessages [][]*types.UnsignedMessage, parentStateRoot cid.Cid) (cid.Cid, cid.Cid, error) {
	return e.ComputeState(parentStateRoot, secpMessages, blsMessages)
}

///// Interface and accessor implementations /////

// GetBlock returns the block identified by `c`.
func (f *Builder) GetBlock(ctx context.Context, c cid.Cid) (*block.Block, error) {
	raw, err := f.blocks.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return block.DecodeBlock(raw)
}

// GetTipSet returns the tipset identified by `key`.
func (f *Builder) GetTipSet(key block.TipSetKey) (block.TipSet, error) {
	ctx := context.Background()
	var blocks []*block.Block
	for it := key.Iter(); !it.Complete(); it.Next() {
		blk, err := f.GetBlock(ctx, it.Value())
		if err != nil {
			return block.UndefTipSet, fmt.Errorf("no block %s", it.Value())
		}
		blocks = append(blocks, blk)
	}
	return block.NewTipSet(blocks...)
}

// FetchTipSets traverses the chain from `key` through the builder's own
// storage, mimicking a network fetcher.
func (f *Builder) FetchTipSets(ctx context.Context, key block.TipSetKey, from peer.ID, done func(t block.TipSet) (bool, error)) ([]block.TipSet, error) {
	var tips []block.TipSet
	for {
		tip, err := f.GetTipSet(key)
		if err != nil {
			return nil, err
		}
		tips = append(tips, tip)
		ok, err := done(tip)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		key, err = tip.Parents()
		if err != nil {
			return nil, err
		}
		if key.Empty() {
			break
		}
	}
	return tips, nil
}

// RequireTipSet returns a tipset by key, which must exist.
func (f *Builder) RequireTipSet(key block.TipSetKey) block.TipSet {
	tip, err := f.GetTipSet(key)
	require.NoError(f.t, err)
	return tip
}

// RequireTipSets returns a chain of tipsets from key, which must exist and
// be long enough.
func (f *Builder) RequireTipSets(head block.TipSetKey, count int) []block.TipSet {
	var tips []block.TipSet
	var err error
	for i := 0; i < count; i++ {
		tip := f.RequireTipSet(head)
		tips = append(tips, tip)
		head, err = tip.Parents()
		require.NoError(f.t, err)
	}
	return tips
}

// LoadMessages returns the message collections tracked by the builder.
func (f *Builder) LoadMessages(ctx context.Context, meta types.TxMeta) ([]*types.SignedMessage, []*types.UnsignedMessage, error) {
	return f.messages.LoadMessages(ctx, meta)
}

// LoadReceipts returns the receipt collection tracked by the builder.
func (f *Builder) LoadReceipts(ctx context.Context, c cid.Cid) ([]*types.MessageReceipt, error) {
	return f.messages.LoadReceipts(ctx, c)
}

///// Internals /////

func makeCid(i interface{}) (cid.Cid, error) {
	raw, err := encoding.Encode(i)
	if err != nil {
		return cid.Undef, err
	}
	return types.CidOfBytes(raw)
}
