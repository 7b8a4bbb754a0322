package lease

import (
	"sort"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// Lease is one client's right to write a set of files
type Lease struct {
	Holder      string
	LastRenewed time.Time
	Files       []model.INodeID
}

type lease struct {
	holder      string
	lastRenewed time.Time
	files       map[model.INodeID]struct{}
}

func (l *lease) view() Lease {
	files := make([]model.INodeID, 0, len(l.files))
	for id := range l.files {
		files = append(files, id)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	return Lease{Holder: l.holder, LastRenewed: l.lastRenewed, Files: files}
}

// Manager is the lease table. Files are keyed by inode handle so renames
// need no lease bookkeeping. Manager is not safe for concurrent use; the
// namesystem lock guards it.
type Manager struct {
	byHolder   map[string]*lease
	byFile     map[model.INodeID]string
	recovering map[model.INodeID]*RecoveryState
	soft       time.Duration
	hard       time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewManager creates an empty lease table
func NewManager(soft, hard time.Duration, clock func() time.Time, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		byHolder:   make(map[string]*lease),
		byFile:     make(map[model.INodeID]string),
		recovering: make(map[model.INodeID]*RecoveryState),
		soft:       soft,
		hard:       hard,
		clock:      clock,
		logger:     logger,
	}
}

// SoftLimit returns the soft limit
func (m *Manager) SoftLimit() time.Duration { return m.soft }

// HardLimit returns the hard limit
func (m *Manager) HardLimit() time.Duration { return m.hard }

// Add grants holder the lease on file and renews the holder. A file moves
// from any previous holder.
func (m *Manager) Add(holder string, file model.INodeID) {
	if prev, ok := m.byFile[file]; ok && prev != holder {
		m.detach(prev, file)
	}
	l, ok := m.byHolder[holder]
	if !ok {
		l = &lease{holder: holder, files: make(map[model.INodeID]struct{})}
		m.byHolder[holder] = l
	}
	l.files[file] = struct{}{}
	l.lastRenewed = m.clock()
	m.byFile[file] = holder
}

func (m *Manager) detach(holder string, file model.INodeID) {
	if l, ok := m.byHolder[holder]; ok {
		delete(l.files, file)
		if len(l.files) == 0 {
			delete(m.byHolder, holder)
		}
	}
}

// Remove releases the lease on file and forgets any recovery state
func (m *Manager) Remove(file model.INodeID) {
	if holder, ok := m.byFile[file]; ok {
		m.detach(holder, file)
		delete(m.byFile, file)
	}
	delete(m.recovering, file)
}

// Reassign moves file to newHolder keeping newHolder's renewal time
// fresh. Used when the coordinator takes over an expired lease.
func (m *Manager) Reassign(file model.INodeID, newHolder string) {
	m.Add(newHolder, file)
}

// Renew refreshes every lease held by holder
func (m *Manager) Renew(holder string) bool {
	l, ok := m.byHolder[holder]
	if !ok {
		return false
	}
	l.lastRenewed = m.clock()
	return true
}

// Holder returns the holder of file's lease
func (m *Manager) Holder(file model.INodeID) (string, bool) {
	h, ok := m.byFile[file]
	return h, ok
}

// Get returns a copy of a holder's lease
func (m *Manager) Get(holder string) (Lease, bool) {
	l, ok := m.byHolder[holder]
	if !ok {
		return Lease{}, false
	}
	return l.view(), true
}

// Status returns the lease state of a file
func (m *Manager) Status(file model.INodeID) FileLease {
	holder, ok := m.byFile[file]
	if !ok {
		return FileLease{State: StateClosed}
	}
	l := m.byHolder[holder]
	fl := FileLease{State: StateOpen, Holder: holder, Renewed: l.lastRenewed}
	if rs, ok := m.recovering[file]; ok {
		cp := *rs
		fl.State = StateRecovering
		fl.Recovery = &cp
		return fl
	}
	return fl.Evaluate(m.clock(), m.soft, m.hard)
}

// SoftExpired reports whether holder has not renewed within the soft limit
func (m *Manager) SoftExpired(holder string) bool {
	l, ok := m.byHolder[holder]
	return ok && m.clock().Sub(l.lastRenewed) > m.soft
}

// MarkRecovering moves file to RECOVERING, counting attempts
func (m *Manager) MarkRecovering(file model.INodeID, rs RecoveryState) (FileLease, error) {
	current := m.Status(file)
	if current.State == StateOpen {
		// Forced recovery by the holder or the coordinator.
		current.State = StateHardExpired
	}
	rs.LastAttempt = m.clock()
	next, err := current.Recover(rs)
	if err != nil {
		return current, err
	}
	m.recovering[file] = next.Recovery
	m.logger.Info("File lease recovering",
		zap.Int64("inode", int64(file)),
		zap.String("holder", next.Holder),
		zap.Int64("block_id", int64(rs.Block)),
		zap.String("primary", string(rs.Primary)),
		zap.Int("attempts", next.Recovery.Attempts))
	return next, nil
}

// Recovering returns the recovery state of file
func (m *Manager) Recovering(file model.INodeID) (RecoveryState, bool) {
	rs, ok := m.recovering[file]
	if !ok {
		return RecoveryState{}, false
	}
	return *rs, true
}

// ClearRecovery forgets the recovery state of file, leaving its lease
func (m *Manager) ClearRecovery(file model.INodeID) {
	delete(m.recovering, file)
}

// RecoveringFiles lists files under recovery ordered by handle
func (m *Manager) RecoveringFiles() []model.INodeID {
	out := make([]model.INodeID, 0, len(m.recovering))
	for id := range m.recovering {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HardExpired returns holders past the hard limit, oldest first, with the
// files they hold.
func (m *Manager) HardExpired() []Lease {
	now := m.clock()
	var out []Lease
	for _, l := range m.byHolder {
		if now.Sub(l.lastRenewed) > m.hard {
			out = append(out, l.view())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastRenewed.Equal(out[j].LastRenewed) {
			return out[i].LastRenewed.Before(out[j].LastRenewed)
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

// Count returns the number of holders and open files
func (m *Manager) Count() (holders, files int) {
	return len(m.byHolder), len(m.byFile)
}
