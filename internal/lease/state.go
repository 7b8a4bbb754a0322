package lease

import (
	"fmt"
	"time"

	"github.com/devrev/pairfs/internal/model"
)

// FileLeaseState is the write-lease state of one file
type FileLeaseState string

const (
	StateOpen        FileLeaseState = "OPEN"
	StateSoftExpired FileLeaseState = "SOFT_EXPIRED"
	StateHardExpired FileLeaseState = "HARD_EXPIRED"
	StateRecovering  FileLeaseState = "RECOVERING"
	StateClosed      FileLeaseState = "CLOSED"
)

// RecoveryState is the payload of a file in RECOVERING
type RecoveryState struct {
	Block       model.BlockID
	RecoveryID  model.GenerationStamp
	Primary     model.NodeID
	Attempts    int
	LastAttempt time.Time
}

// FileLease is a file's lease state plus the per-state fields
type FileLease struct {
	State    FileLeaseState
	Holder   string
	Renewed  time.Time
	Recovery *RecoveryState
}

// Evaluate returns the state implied by elapsed time since the last
// renewal. RECOVERING and CLOSED are left as they are.
func (f FileLease) Evaluate(now time.Time, soft, hard time.Duration) FileLease {
	switch f.State {
	case StateRecovering, StateClosed:
		return f
	}
	next := f
	elapsed := now.Sub(f.Renewed)
	switch {
	case elapsed > hard:
		next.State = StateHardExpired
	case elapsed > soft:
		next.State = StateSoftExpired
	default:
		next.State = StateOpen
	}
	return next
}

// Recover moves an expired lease to RECOVERING, or records another
// attempt on a file already recovering.
func (f FileLease) Recover(rs RecoveryState) (FileLease, error) {
	switch f.State {
	case StateSoftExpired, StateHardExpired:
		rs.Attempts = 1
	case StateRecovering:
		if f.Recovery != nil {
			rs.Attempts = f.Recovery.Attempts + 1
		}
	default:
		return f, fmt.Errorf("cannot start recovery from %s", f.State)
	}
	next := f
	next.State = StateRecovering
	next.Recovery = &rs
	return next, nil
}

// Close ends the lease
func (f FileLease) Close() FileLease {
	return FileLease{State: StateClosed}
}
