package chain

import (
	"fmt"
	"sync"

	"github.com/timber-project/go-timber/internal/pkg/block"
)

// Reporter defines an interface to updating and reporting the status of the
// blockchain.
type Reporter interface {
	UpdateStatus(...StatusUpdates)
	Status() Status
}

// StatusReporter implements the Reporter interface.
type StatusReporter struct {
	statusMu sync.Mutex
	status   *Status
}

// UpdateStatus updates the status heald by StatusReporter.
func (sr *StatusReporter) UpdateStatus(update ...StatusUpdates) {
	sr.statusMu.Lock()
	defer sr.statusMu.Unlock()
	for _, u := range update {
		u(sr.status)
	}
}

// Status returns a copy of the current status.
func (sr *StatusReporter) Status() Status {
	sr.statusMu.Lock()
	defer sr.statusMu.Unlock()
	return *sr.status
}

// NewStatusReporter initializes a new StatusReporter.
func NewStatusReporter() *StatusReporter {
	return &StatusReporter{
		status: newDefaultChainStatus(),
	}
}

// Status defines a structure used to represent the state of a chain sync.
type Status struct {
	// The heaviest validated head of the chain.
	ValidatedHead block.TipSetKey
	// The height of ValidatedHead.
	ValidatedHeadHeight uint64

	// They head of the chain currently being fetched.
	SyncingHead block.TipSetKey
	// The height of SyncingHead.
	SyncingHeight uint64
	// Whether SyncingTip is trusted as a head far away from the one
	// previously validated.
	SyncingTrusted bool
	// Unix time at which syncing of SyncingHead began, zero if valdation
	// is not running.
	SyncingStarted int64
	// Whether SyncingHead has been fetched.
	SyncingFetchComplete bool
	// Whether SyncingHead has been validated.
	SyncingComplete bool

	// The key of the tipset currently being fetched.
	FetchingHead block.TipSetKey
	// The height of FetchingHead.
	FetchingHeight uint64

	// Error from the last sync attempt that failed, nil after a success.
	LastError error
}

// newDefaultChainStatus returns a Status with the default empty values.
func newDefaultChainStatus() *Status {
	return &Status{
		ValidatedHead:        block.TipSetKey{},
		ValidatedHeadHeight:  0,
		SyncingHead:          block.TipSetKey{},
		SyncingHeight:        0,
		SyncingTrusted:       false,
		SyncingStarted:       0,
		SyncingComplete:      true,
		SyncingFetchComplete: true,
		FetchingHead:         block.TipSetKey{},
		FetchingHeight:       0,
	}
}

// SyncState summarizes the reporter's status as one of syncing, synced or
// error, for health probes.
type SyncState string

// The health states exposed to probes.
const (
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateError   SyncState = "error"
)

// State reduces the status to a SyncState.
func (s Status) State() SyncState {
	if s.LastError != nil {
		return SyncStateError
	}
	if !s.SyncingComplete {
		return SyncStateSyncing
	}
	return SyncStateSynced
}

// HeightGap is the distance between the best known remote head and the
// local validated head.
func (s Status) HeightGap() uint64 {
	if s.SyncingHeight > s.ValidatedHeadHeight {
		return s.SyncingHeight - s.ValidatedHeadHeight
	}
	return 0
}

// String returns the Status as a string.
func (s Status) String() string {
	return fmt.Sprintf("validatedHead=%s, validatedHeight=%d, syncingHead=%s, syncingHeight=%d, syncingTrusted=%t, syncingStarted=%d, syncingComplete=%t syncingFetchComplete=%t, fetchingHead=%s, fetchingHeight=%d",
		s.ValidatedHead, s.ValidatedHeadHeight, s.SyncingHead, s.SyncingHeight,
		s.SyncingTrusted, s.SyncingStarted, s.SyncingComplete, s.SyncingFetchComplete,
		s.FetchingHead, s.FetchingHeight)
}

// StatusUpdates defines a type for ipdating syncer status.
type StatusUpdates func(*Status)

// Syncing status updates

// SyncingStarted sets the time syncing began.
func SyncingStarted(t int64) StatusUpdates {
	return func(s *Status) { s.SyncingStarted = t }
}

// SyncHead sets the head being synced.
func SyncHead(u block.TipSetKey) StatusUpdates {
	return func(s *Status) { s.SyncingHead = u }
}

// SyncHeight sets the height being synced.
func SyncHeight(u uint64) StatusUpdates {
	return func(s *Status) { s.SyncingHeight = u }
}

// SyncTrusted marks whether the sync target is trusted.
func SyncTrusted(u bool) StatusUpdates {
	return func(s *Status) { s.SyncingTrusted = u }
}

// SyncComplete marks whether syncing has finished.
func SyncComplete(u bool) StatusUpdates {
	return func(s *Status) { s.SyncingComplete = u }
}

// SyncFetchComplete marks whether fetching has finished.
func SyncFetchComplete(u bool) StatusUpdates {
	return func(s *Status) { s.SyncingFetchComplete = u }
}

// SyncError records the error from a failed sync attempt.
func SyncError(err error) StatusUpdates {
	return func(s *Status) { s.LastError = err }
}

// Validation status updates

// ValidatedHead sets the validated head.
func ValidatedHead(u block.TipSetKey) StatusUpdates {
	return func(s *Status) { s.ValidatedHead = u }
}

// ValidatedHeight sets the validated height.
func ValidatedHeight(u uint64) StatusUpdates {
	return func(s *Status) { s.ValidatedHeadHeight = u }
}

// Fetching status updates

// FetchHead sets the tipset currently being fetched.
func FetchHead(u block.TipSetKey) StatusUpdates {
	return func(s *Status) { s.FetchingHead = u }
}

// FetchHeight sets the height currently being fetched.
func FetchHeight(u uint64) StatusUpdates {
	return func(s *Status) { s.FetchingHeight = u }
}
