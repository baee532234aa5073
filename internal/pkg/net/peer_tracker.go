package net

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

var logPeerTracker = logging.Logger("net.peer-tracker")

// DefaultScoreThreshold is the reputation at or below which a peer is
// avoided and reported for disconnection.
const DefaultScoreThreshold = -16

// Score deltas applied by the sync core.
const (
	// ScoreServedChain rewards a peer that served a useful response.
	ScoreServedChain = 1
	// ScoreRequestFailed penalizes a timeout or transport failure.
	ScoreRequestFailed = -2
	// ScoreBadProtocol heavily penalizes a protocol violation, such as a
	// header whose payload disagrees with its cid.
	ScoreBadProtocol = -8
)

// PeerTracker tracks the chain claims and reputation of connected peers.
// Peers at or below the score threshold are not selected for fetching and
// are reported to the disconnect callback.
type PeerTracker struct {
	mu sync.RWMutex
	// peers maps a peer to its latest announced chain and current score.
	peers map[peer.ID]*trackedPeer
	// self tracks the node's own id to avoid self-selection.
	self peer.ID

	threshold int
	// onTrimmed is invoked (outside the lock) with peers that fell to or
	// below the threshold.
	onTrimmed func(peer.ID)
}

type trackedPeer struct {
	ci    *block.ChainInfo
	score int
}

// NewPeerTracker creates a tracker for the node with the given id.
func NewPeerTracker(self peer.ID) *PeerTracker {
	return &PeerTracker{
		peers:     make(map[peer.ID]*trackedPeer),
		self:      self,
		threshold: DefaultScoreThreshold,
	}
}

// SetTrimmedCallback installs the callback fired for peers that fall to or
// below the score threshold.
func (tracker *PeerTracker) SetTrimmedCallback(cb func(peer.ID)) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.onTrimmed = cb
}

// Track records the chain claim of a peer, starting to track it if new.
func (tracker *PeerTracker) Track(ci *block.ChainInfo) {
	if ci.Peer == tracker.self {
		return
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tp, tracked := tracker.peers[ci.Peer]
	if !tracked {
		tracker.peers[ci.Peer] = &trackedPeer{ci: ci}
		logPeerTracker.Debugf("tracking %s", ci)
		return
	}
	tp.ci = ci
}

// Remove stops tracking a peer, e.g. on disconnect.
func (tracker *PeerTracker) Remove(p peer.ID) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	delete(tracker.peers, p)
}

// Score adjusts a peer's reputation by delta, reporting it for trimming if
// it fell to or below the threshold.
func (tracker *PeerTracker) Score(p peer.ID, delta int) {
	tracker.mu.Lock()
	tp, tracked := tracker.peers[p]
	var trimmed bool
	var cb func(peer.ID)
	if tracked {
		tp.score += delta
		if tp.score <= tracker.threshold {
			delete(tracker.peers, p)
			trimmed = true
			cb = tracker.onTrimmed
		}
	}
	tracker.mu.Unlock()

	if trimmed {
		logPeerTracker.Infof("peer %s fell below score threshold, trimming", p.Pretty())
		if cb != nil {
			cb(p)
		}
	}
}

// SelectBest returns up to `n` tracked peers ordered by descending score,
// ties broken by the greater claimed height.
func (tracker *PeerTracker) SelectBest(n int) []*block.ChainInfo {
	tracker.mu.RLock()
	tracked := make([]*trackedPeer, 0, len(tracker.peers))
	for _, tp := range tracker.peers {
		tracked = append(tracked, tp)
	}
	tracker.mu.RUnlock()

	sort.Slice(tracked, func(i, j int) bool {
		if tracked[i].score != tracked[j].score {
			return tracked[i].score > tracked[j].score
		}
		return tracked[i].ci.Height > tracked[j].ci.Height
	})
	if len(tracked) > n {
		tracked = tracked[:n]
	}
	out := make([]*block.ChainInfo, len(tracked))
	for i, tp := range tracked {
		out[i] = tp.ci
	}
	return out
}

// List returns the chain claims of all tracked peers.
func (tracker *PeerTracker) List() []*block.ChainInfo {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	out := make([]*block.ChainInfo, 0, len(tracker.peers))
	for _, tp := range tracker.peers {
		out = append(out, tp.ci)
	}
	return out
}

// Count returns the number of tracked peers.
func (tracker *PeerTracker) Count() int {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	return len(tracker.peers)
}
