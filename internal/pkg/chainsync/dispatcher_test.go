package chainsync_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/chainsync"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

func TestQueueHappy(t *testing.T) {
	tf.UnitTest(t)
	testQ := chainsync.NewTargetQueue()

	// Add syncRequests out of order
	sR0 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 0)}
	sR1 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 1)}
	sR2 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 2)}
	sR47 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 47)}

	testQ.Push(sR2)
	testQ.Push(sR47)
	testQ.Push(sR0)
	testQ.Push(sR1)

	assert.Equal(t, 4, testQ.Len())

	// Pop in order
	out0 := requirePop(t, testQ)
	out1 := requirePop(t, testQ)
	out2 := requirePop(t, testQ)
	out3 := requirePop(t, testQ)

	assert.Equal(t, uint64(47), out0.ChainInfo.Height)
	assert.Equal(t, uint64(2), out1.ChainInfo.Height)
	assert.Equal(t, uint64(1), out2.ChainInfo.Height)
	assert.Equal(t, uint64(0), out3.ChainInfo.Height)

	assert.Equal(t, 0, testQ.Len())
}

func TestQueueDuplicates(t *testing.T) {
	tf.UnitTest(t)
	testQ := chainsync.NewTargetQueue()

	// Add syncRequests with same height
	sR0 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 0)}
	sR0dup := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 0)}

	testQ.Push(sR0)
	testQ.Push(sR0dup)

	// Only one of these makes it onto the queue
	assert.Equal(t, 1, testQ.Len())

	// Pop
	first := requirePop(t, testQ)
	assert.Equal(t, uint64(0), first.ChainInfo.Height)

	// Now if we push the duplicate it goes back on
	testQ.Push(sR0dup)
	assert.Equal(t, 1, testQ.Len())

	second := requirePop(t, testQ)
	assert.Equal(t, uint64(0), second.ChainInfo.Height)
}

func TestQueueEmptyPop(t *testing.T) {
	tf.UnitTest(t)
	testQ := chainsync.NewTargetQueue()
	sR0 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 0)}
	sR47 := chainsync.SyncRequest{ChainInfo: chainInfoFromHeight(t, 47)}

	// Push 2
	testQ.Push(sR47)
	testQ.Push(sR0)

	// Pop 3
	assert.Equal(t, 2, testQ.Len())
	_ = requirePop(t, testQ)
	assert.Equal(t, 1, testQ.Len())
	_ = requirePop(t, testQ)
	assert.Equal(t, 0, testQ.Len())

	_, popped := testQ.Pop()
	assert.False(t, popped)
}

// requirePop is a helper requiring that pop succeeds
func requirePop(t *testing.T, q *chainsync.TargetQueue) chainsync.SyncRequest {
	req, popped := q.Pop()
	require.True(t, popped)
	return req
}

// chainInfoFromHeight is a helper that constructs a unique chain info off of
// an int. The tipset key is a faked cid from the string of that integer and
// the height is that integer.
func chainInfoFromHeight(t *testing.T, h int) block.ChainInfo {
	hStr := strconv.Itoa(h)
	c := types.CidFromString(t, hStr)
	return block.ChainInfo{
		Head:   block.NewTipSetKey(c),
		Height: uint64(h),
	}
}
