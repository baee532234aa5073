package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/address"
	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/consensus"
	th "github.com/timber-project/go-timber/internal/pkg/testhelpers"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

const testBlockTime = 30 * time.Second
const testMaxClockSkew = 2 * time.Second

func TestBlockValidSemantic(t *testing.T) {
	tf.UnitTest(t)

	ts := time.Unix(1234567890, 0)
	mclock := clock.NewFakeClock(ts)
	ctx := context.Background()

	validator := consensus.NewDefaultBlockValidator(testBlockTime, testMaxClockSkew, mclock)

	t.Run("reject block with same height as parents", func(t *testing.T) {
		// passes with valid height
		c := &block.Block{Height: 2, Timestamp: types.Uint64(ts.Add(testBlockTime).Unix())}
		p := &block.Block{Height: 1, Timestamp: types.Uint64(ts.Unix())}
		parents := th.RequireNewTipSet(t, p)
		require.NoError(t, validator.ValidateSemantic(ctx, c, parents))

		// invalidate parent by matching child height
		p = &block.Block{Height: 2, Timestamp: types.Uint64(ts.Unix())}
		parents = th.RequireNewTipSet(t, p)

		err := validator.ValidateSemantic(ctx, c, parents)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid height")
	})

	t.Run("reject block mined too soon after parent", func(t *testing.T) {
		// Passes with correct timestamp
		c := &block.Block{Height: 2, Timestamp: types.Uint64(ts.Add(testBlockTime).Unix())}
		p := &block.Block{Height: 1, Timestamp: types.Uint64(ts.Unix())}
		parents := th.RequireNewTipSet(t, p)
		require.NoError(t, validator.ValidateSemantic(ctx, c, parents))

		// fails with invalid timestamp
		c = &block.Block{Height: 2, Timestamp: types.Uint64(ts.Unix())}
		err := validator.ValidateSemantic(ctx, c, parents)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "too close")
	})

	t.Run("reject block mined too soon after parent with one null block", func(t *testing.T) {
		// Passes with correct timestamp
		c := &block.Block{Height: 3, Timestamp: types.Uint64(ts.Add(2 * testBlockTime).Unix())}
		p := &block.Block{Height: 1, Timestamp: types.Uint64(ts.Unix())}
		parents := th.RequireNewTipSet(t, p)
		err := validator.ValidateSemantic(ctx, c, parents)
		require.NoError(t, err)

		// fail when null block calc is off by one blocktime
		c = &block.Block{Height: 3, Timestamp: types.Uint64(ts.Add(testBlockTime).Unix())}
		err = validator.ValidateSemantic(ctx, c, parents)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "too close")

		// fail with same timestamp as parent
		c = &block.Block{Height: 3, Timestamp: types.Uint64(ts.Unix())}
		err = validator.ValidateSemantic(ctx, c, parents)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "too close")
	})
}

func TestBlockValidSyntax(t *testing.T) {
	tf.UnitTest(t)

	ts := time.Unix(1234567890, 0)
	mclock := clock.NewFakeClock(ts)
	ctx := context.Background()

	validator := consensus.NewDefaultBlockValidator(testBlockTime, testMaxClockSkew, mclock)

	validTs := types.Uint64(ts.Unix())
	validSt := types.NewCidForTestGetter()()
	validAd := types.NewAddressForTestGetter()()
	validTi := block.Ticket{VRFProof: []byte{1}}
	// create a valid block
	blk := &block.Block{
		Timestamp: validTs,
		StateRoot: validSt,
		Miner:     validAd,
		Ticket:    validTi,
		Height:    1,
	}
	require.NoError(t, validator.ValidateSyntax(ctx, blk))

	// below we will invalidate each part of the block, assert that it
	// fails validation, then revalidate the block

	// invalidate timestamp, just past the permitted clock skew
	blk.Timestamp = types.Uint64(ts.Add(testMaxClockSkew + time.Second).Unix())
	require.Error(t, validator.ValidateSyntax(ctx, blk))
	blk.Timestamp = validTs
	require.NoError(t, validator.ValidateSyntax(ctx, blk))

	// a timestamp within the clock skew allowance is accepted
	blk.Timestamp = types.Uint64(ts.Add(time.Second).Unix())
	require.NoError(t, validator.ValidateSyntax(ctx, blk))
	blk.Timestamp = validTs

	// invalidate statateroot
	blk.StateRoot = cid.Undef
	require.Error(t, validator.ValidateSyntax(ctx, blk))
	blk.StateRoot = validSt
	require.NoError(t, validator.ValidateSyntax(ctx, blk))

	// invalidate miner address
	blk.Miner = address.Undef
	require.Error(t, validator.ValidateSyntax(ctx, blk))
	blk.Miner = validAd
	require.NoError(t, validator.ValidateSyntax(ctx, blk))

	// invalidate ticket
	blk.Ticket = block.Ticket{}
	require.Error(t, validator.ValidateSyntax(ctx, blk))
	blk.Ticket = validTi
	require.NoError(t, validator.ValidateSyntax(ctx, blk))
}
