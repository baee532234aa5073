package net

import (
	"context"
	"math/rand"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/timber-project/go-timber/internal/pkg/block"
	"github.com/timber-project/go-timber/internal/pkg/clock"
	"github.com/timber-project/go-timber/internal/pkg/types"
)

var logFetcher = logging.Logger("net.fetcher")

// ErrNoUsablePeers is returned when no tracked peer can serve a request.
// The caller parks the chain and retries on the next peer discovery event.
var ErrNoUsablePeers = errors.New("no usable peers for fetch")

// ErrMessageUnavailable is returned when a tipset's message collections
// could not be retrieved within the retry budget. The affected chain is
// parked, not invalidated.
var ErrMessageUnavailable = errors.New("message collections unavailable")

// Fetcher is the interface the syncer uses to materialize missing chain
// ancestry from the network.
type Fetcher interface {
	// FetchTipSets walks parent links from `key`, collecting headers and
	// messages, until `done` reports the frontier is known or genesis is
	// reached. The returned tipsets are in traversal order, newest
	// first.
	FetchTipSets(ctx context.Context, key block.TipSetKey, from peer.ID, done func(block.TipSet) (bool, error)) ([]block.TipSet, error)
}

// messageWriter persists fetched message collections.
type messageWriter interface {
	StoreMessages(ctx context.Context, secp []*types.SignedMessage, bls []*types.UnsignedMessage) (types.TxMeta, error)
}

// exchangeClient performs one exchange request against one peer.
type exchangeClient interface {
	SendRequest(ctx context.Context, p peer.ID, req *ChainRequest) (*ChainResponse, error)
}

// BackoffPolicy generates retry delays: base doubling per attempt up to a
// cap, with up to 10% random jitter.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy matches the sync retry contract: 1s base, factor 2,
// 60s cap, 6 attempts.
var DefaultBackoffPolicy = BackoffPolicy{
	Base:        time.Second,
	Cap:         60 * time.Second,
	MaxAttempts: 6,
}

// Delay returns the delay before the given (zero-indexed) retry attempt.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	d := b.Base << uint(attempt)
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// ChainFetcher fetches chain ancestry over the exchange protocol.
//
// Each round discovers a window of headers from one peer (failing over
// between the best-scored peers and backing off between rounds), then
// splits the window into disjoint segments and fetches the referenced
// message collections for all segments in parallel, one per peer. A
// segment whose messages cannot be retrieved within the retry budget
// surfaces ErrMessageUnavailable.
type ChainFetcher struct {
	exchange exchangeClient
	tracker  *PeerTracker
	messages messageWriter
	clock    clock.Clock

	window         int
	fanout         int
	requestTimeout time.Duration
	backoff        BackoffPolicy
}

// NewChainFetcher wires a fetcher over an exchange client.
func NewChainFetcher(exchange exchangeClient, tracker *PeerTracker, messages messageWriter, c clock.Clock, window, fanout int, requestTimeout time.Duration) *ChainFetcher {
	if fanout < 1 {
		fanout = 1
	}
	return &ChainFetcher{
		exchange:       exchange,
		tracker:        tracker,
		messages:       messages,
		clock:          c,
		window:         window,
		fanout:         fanout,
		requestTimeout: requestTimeout,
		backoff:        DefaultBackoffPolicy,
	}
}

// SetBackoffPolicy overrides the retry policy, primarily for tests.
func (f *ChainFetcher) SetBackoffPolicy(p BackoffPolicy) {
	f.backoff = p
}

// FetchTipSets implements Fetcher.
func (f *ChainFetcher) FetchTipSets(ctx context.Context, key block.TipSetKey, from peer.ID, done func(block.TipSet) (bool, error)) ([]block.TipSet, error) {
	var out []block.TipSet
	frontier := key
	for {
		tips, err := f.fetchHeaderWindow(ctx, frontier, from)
		if err != nil {
			return nil, err
		}
		if err := f.fetchWindowMessages(ctx, tips, from); err != nil {
			return nil, err
		}
		for _, ts := range tips {
			out = append(out, ts)
			stop, err := done(ts)
			if err != nil {
				return nil, err
			}
			if stop {
				return out, nil
			}
			frontier, err = ts.Parents()
			if err != nil {
				return nil, err
			}
			if frontier.Empty() {
				// Genesis reached without `done` firing; the caller
				// decides whether that chain is acceptable.
				return out, nil
			}
		}
	}
}

// fetchHeaderWindow retrieves up to `window` tipsets of headers starting at
// `frontier`. It tries the originating peer and the best-scored peers in
// turn, backing off between full rounds.
func (f *ChainFetcher) fetchHeaderWindow(ctx context.Context, frontier block.TipSetKey, from peer.ID) ([]block.TipSet, error) {
	req := &ChainRequest{
		Start: frontier,
		Count: uint64(f.window),
	}

	for attempt := 0; ; attempt++ {
		candidates := f.candidates(from)
		if len(candidates) == 0 {
			return nil, ErrNoUsablePeers
		}

		for _, p := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tips, err := f.requestHeadersFrom(ctx, p, req, frontier)
			if err != nil {
				logFetcher.Debugf("fetch window %s from %s failed: %s", frontier, p.Pretty(), err)
				continue
			}
			return tips, nil
		}

		if attempt+1 >= f.backoff.MaxAttempts {
			return nil, errors.Wrapf(ErrNoUsablePeers, "window %s failed after %d attempts", frontier, attempt+1)
		}
		if err := f.waitBackoff(ctx, attempt, frontier); err != nil {
			return nil, err
		}
	}
}

// requestHeadersFrom performs one header request against one peer and
// validates the response, scoring the peer by the outcome.
func (f *ChainFetcher) requestHeadersFrom(ctx context.Context, p peer.ID, req *ChainRequest, frontier block.TipSetKey) ([]block.TipSet, error) {
	resp, err := f.sendRequest(ctx, p, req, frontier)
	if err != nil {
		return nil, err
	}

	expected := frontier
	var tips []block.TipSet
	for _, bundle := range resp.Bundles {
		ts, err := decodeBundleTipSet(&bundle)
		if err != nil {
			// The entire response is discarded on any violation.
			f.tracker.Score(p, ScoreBadProtocol)
			return nil, err
		}
		if !ts.Key().Equals(expected) {
			f.tracker.Score(p, ScoreBadProtocol)
			return nil, errors.Errorf("bundle key %s does not link to expected %s", ts.Key(), expected)
		}
		tips = append(tips, ts)
		expected, err = ts.Parents()
		if err != nil {
			return nil, err
		}
		if expected.Empty() {
			break
		}
	}
	if len(tips) == 0 {
		f.tracker.Score(p, ScoreBadProtocol)
		return nil, errors.New("empty exchange response")
	}
	f.tracker.Score(p, ScoreServedChain)
	return tips, nil
}

// fetchWindowMessages retrieves the message collections referenced by a
// window of header tipsets. The window is split into up to `fanout`
// disjoint segments, each fetched in parallel from a different best-scored
// peer; failed segments substitute peers and back off independently.
func (f *ChainFetcher) fetchWindowMessages(ctx context.Context, tips []block.TipSet, from peer.ID) error {
	segments := splitSegments(tips, f.fanout)
	eg, egCtx := errgroup.WithContext(ctx)
	for i, segment := range segments {
		i, segment := i, segment
		eg.Go(func() error {
			return f.fetchSegmentMessages(egCtx, segment, from, i)
		})
	}
	return eg.Wait()
}

// fetchSegmentMessages retrieves the messages of one contiguous segment,
// rotating through candidate peers (offset so concurrent segments prefer
// different peers) and backing off between rounds. Exhausting the retry
// budget surfaces ErrMessageUnavailable: the segment's tipsets stay
// un-validatable for this attempt, but are not invalid.
func (f *ChainFetcher) fetchSegmentMessages(ctx context.Context, segment []block.TipSet, from peer.ID, offset int) error {
	frontier := segment[0].Key()
	req := &ChainRequest{
		Start:           frontier,
		Count:           uint64(len(segment)),
		IncludeMessages: true,
	}

	for attempt := 0; ; attempt++ {
		candidates := rotate(f.candidates(from), offset)
		if len(candidates) == 0 {
			return ErrNoUsablePeers
		}

		for _, p := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := f.requestSegmentMessagesFrom(ctx, p, req, segment)
			if err != nil {
				logFetcher.Debugf("fetch messages for segment %s from %s failed: %s", frontier, p.Pretty(), err)
				continue
			}
			return nil
		}

		if attempt+1 >= f.backoff.MaxAttempts {
			return errors.Wrapf(ErrMessageUnavailable, "segment %s failed after %d attempts", frontier, attempt+1)
		}
		if err := f.waitBackoff(ctx, attempt, frontier); err != nil {
			return err
		}
	}
}

// requestSegmentMessagesFrom fetches and persists the message collections
// of one segment from one peer. Collections are verified against the roots
// committed in the already-validated headers; any mismatch discards the
// whole response and heavily penalizes the peer.
func (f *ChainFetcher) requestSegmentMessagesFrom(ctx context.Context, p peer.ID, req *ChainRequest, segment []block.TipSet) error {
	resp, err := f.sendRequest(ctx, p, req, req.Start)
	if err != nil {
		return err
	}
	if len(resp.Bundles) != len(segment) {
		f.tracker.Score(p, ScoreRequestFailed)
		return errors.Errorf("segment response has %d bundles, want %d", len(resp.Bundles), len(segment))
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for j := range segment {
		bundle := resp.Bundles[j]
		ts := segment[j]
		if len(bundle.SecpCollections) != ts.Len() || len(bundle.BLSCollections) != ts.Len() {
			f.tracker.Score(p, ScoreBadProtocol)
			return errors.Errorf("bundle message collections do not match tipset %s", ts.Key())
		}
		// Collections shared between blocks are stored once; the message
		// store is content addressed so duplicate puts are cheap.
		for i := 0; i < ts.Len(); i++ {
			i, blk := i, ts.At(i)
			eg.Go(func() error {
				meta, err := f.messages.StoreMessages(egCtx, bundle.SecpCollections[i], bundle.BLSCollections[i])
				if err != nil {
					return err
				}
				if meta.SecpRoot != blk.Messages.SecpRoot || meta.BLSRoot != blk.Messages.BLSRoot {
					return errors.Errorf("messages for block %s hash to %v, header commits %v", blk.Cid(), meta, blk.Messages)
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		f.tracker.Score(p, ScoreBadProtocol)
		return err
	}
	f.tracker.Score(p, ScoreServedChain)
	return nil
}

// sendRequest performs one exchange call with the per-request deadline and
// maps transport and status failures to peer scores.
func (f *ChainFetcher) sendRequest(ctx context.Context, p peer.ID, req *ChainRequest, frontier block.TipSetKey) (*ChainResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	resp, err := f.exchange.SendRequest(reqCtx, p, req)
	if err != nil {
		f.tracker.Score(p, ScoreRequestFailed)
		return nil, err
	}
	switch resp.Status {
	case StatusOK, StatusPartial:
		return resp, nil
	case StatusNotFound:
		f.tracker.Score(p, ScoreRequestFailed)
		return nil, errors.Errorf("peer does not know chain %s", frontier)
	default:
		f.tracker.Score(p, ScoreBadProtocol)
		return nil, errors.Errorf("exchange status %d: %s", resp.Status, resp.Message)
	}
}

// waitBackoff sleeps out the delay for the given attempt, honoring
// cancellation.
func (f *ChainFetcher) waitBackoff(ctx context.Context, attempt int, frontier block.TipSetKey) error {
	delay := f.backoff.Delay(attempt)
	logFetcher.Infof("all peers failed for %s, backing off %s", frontier, delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(delay):
		return nil
	}
}

// decodeBundleTipSet decodes a bundle's headers into a tipset, verifying
// every header CID against its payload.
func decodeBundleTipSet(bundle *TipSetBundle) (block.TipSet, error) {
	headers, err := bundle.DecodeHeaders()
	if err != nil {
		return block.UndefTipSet, err
	}
	ts, err := block.NewTipSet(headers...)
	if err != nil {
		return block.UndefTipSet, errors.Wrap(err, "bundle is not a valid tipset")
	}
	return ts, nil
}

// candidates returns the peers to try for a request: the originating peer
// first, then the best-scored tracked peers.
func (f *ChainFetcher) candidates(from peer.ID) []peer.ID {
	var out []peer.ID
	seen := make(map[peer.ID]struct{})
	if from != "" {
		out = append(out, from)
		seen[from] = struct{}{}
	}
	for _, ci := range f.tracker.SelectBest(f.fanout) {
		if _, dup := seen[ci.Peer]; dup {
			continue
		}
		out = append(out, ci.Peer)
		seen[ci.Peer] = struct{}{}
	}
	return out
}

// splitSegments divides a window of tipsets into at most `n` contiguous
// segments of near-equal length. Each segment's first tipset key is a
// frontier disjoint from every other segment's.
func splitSegments(tips []block.TipSet, n int) [][]block.TipSet {
	if len(tips) == 0 {
		return nil
	}
	if n > len(tips) {
		n = len(tips)
	}
	segLen := (len(tips) + n - 1) / n
	var out [][]block.TipSet
	for start := 0; start < len(tips); start += segLen {
		end := start + segLen
		if end > len(tips) {
			end = len(tips)
		}
		out = append(out, tips[start:end])
	}
	return out
}

// rotate returns the slice rotated left by `offset`, so concurrent callers
// with different offsets spread load over different peers.
func rotate(peers []peer.ID, offset int) []peer.ID {
	if len(peers) < 2 {
		return peers
	}
	offset = offset % len(peers)
	out := make([]peer.ID, 0, len(peers))
	out = append(out, peers[offset:]...)
	out = append(out, peers[:offset]...)
	return out
}

// HostExchangeClient sends exchange requests over libp2p streams.
type HostExchangeClient struct {
	host host.Host
}

// NewHostExchangeClient wraps a libp2p host.
func NewHostExchangeClient(h host.Host) *HostExchangeClient {
	return &HostExchangeClient{host: h}
}

// SendRequest opens a stream to the peer, writes the request and reads the
// response. Cancelling the context abandons the exchange.
func (c *HostExchangeClient) SendRequest(ctx context.Context, p peer.ID, req *ChainRequest) (*ChainResponse, error) {
	stream, err := c.host.NewStream(ctx, p, ChainExchangeProtocol)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open exchange stream")
	}
	defer stream.Close() // nolint: errcheck

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := writeCbor(stream, req); err != nil {
		return nil, errors.Wrap(err, "failed to write exchange request")
	}
	var resp ChainResponse
	if err := readCbor(stream, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to read exchange response")
	}
	return &resp, nil
}
