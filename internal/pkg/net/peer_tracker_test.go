package net_test

import (
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/net"
	tf "github.com/timber-project/go-timber/internal/pkg/testhelpers/testflags"
)

func ci(p peer.ID, height uint64) *block.ChainInfo {
	return block.NewChainInfo(p, block.TipSetKey{}, height, height)
}

func TestPeerTrackerTracksAndSelects(t *testing.T) {
	tf.UnitTest(t)

	self := peer.ID("self")
	tracker := net.NewPeerTracker(self)

	tracker.Track(ci(peer.ID("a"), 10))
	tracker.Track(ci(peer.ID("b"), 20))
	tracker.Track(ci(peer.ID("c"), 30))
	// The tracker never tracks the node itself.
	tracker.Track(ci(self, 99))
	assert.Equal(t, 3, tracker.Count())

	// With equal scores, selection prefers the higher claimed head.
	best := tracker.SelectBest(2)
	assert.Len(t, best, 2)
	assert.Equal(t, peer.ID("c"), best[0].Peer)
	assert.Equal(t, peer.ID("b"), best[1].Peer)

	// A higher score outranks a higher claim.
	tracker.Score(peer.ID("a"), net.ScoreServedChain)
	best = tracker.SelectBest(1)
	assert.Equal(t, peer.ID("a"), best[0].Peer)

	// Re-tracking updates the claim in place.
	tracker.Track(ci(peer.ID("b"), 50))
	assert.Equal(t, 3, tracker.Count())
}

func TestPeerTrackerTrimsBelowThreshold(t *testing.T) {
	tf.UnitTest(t)

	tracker := net.NewPeerTracker(peer.ID("self"))
	var trimmed []peer.ID
	tracker.SetTrimmedCallback(func(p peer.ID) {
		trimmed = append(trimmed, p)
	})

	tracker.Track(ci(peer.ID("good"), 5))
	tracker.Track(ci(peer.ID("bad"), 5))

	// Repeated protocol violations push the peer's score down to the
	// threshold, which trims it.
	tracker.Score(peer.ID("bad"), net.ScoreBadProtocol)
	assert.Equal(t, 2, tracker.Count())
	tracker.Score(peer.ID("bad"), net.ScoreBadProtocol)
	assert.Equal(t, 1, tracker.Count())
	assert.Equal(t, []peer.ID{peer.ID("bad")}, trimmed)

	// The trimmed peer is no longer selectable.
	for _, info := range tracker.SelectBest(10) {
		assert.NotEqual(t, peer.ID("bad"), info.Peer)
	}

	tracker.Remove(peer.ID("good"))
	assert.Equal(t, 0, tracker.Count())
}
