package offline

import (
	"errors"

	"github.com/sho7650/media-offline/internal/storage"
)

// State is the offline lifecycle of a media product
type State int

const (
	NotRequested State = iota
	Pending
	InProgress
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyInProgress is returned by Start while the product is being
	// taken offline. The running job is unaffected.
	ErrAlreadyInProgress = errors.New("offlining already in progress")

	// ErrCancelled is reported to listeners when a job stops because of
	// Cancel, Delete or Close. The catalog keeps its checkpoint.
	ErrCancelled = errors.New("offlining cancelled")

	// ErrClosed is returned by operations on a closed engine
	ErrClosed = errors.New("offline engine closed")
)

func stateFromItem(item *storage.Item) State {
	if item == nil {
		return NotRequested
	}
	switch item.State {
	case storage.StatePending:
		return Pending
	case storage.StateInProgress:
		return InProgress
	case storage.StateComplete:
		return Complete
	case storage.StateFailed:
		return Failed
	default:
		return NotRequested
	}
}
