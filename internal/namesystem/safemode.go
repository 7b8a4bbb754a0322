package namesystem

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// SafeModeStatus describes the safe mode gate
type SafeModeStatus struct {
	On          bool    `json:"on"`
	Manual      bool    `json:"manual"`
	SafeBlocks  int     `json:"safe_blocks"`
	TotalBlocks int     `json:"total_blocks"`
	Threshold   float64 `json:"threshold"`
	LiveNodes   int     `json:"live_nodes"`
	MinNodes    int     `json:"min_nodes"`
	Message     string  `json:"message"`
}

// safeMode holds the read-only gate entered at startup or by an operator.
// Automatic exit needs the safe-block ratio and live-node count to hold
// for the whole extension period.
type safeMode struct {
	mu        sync.Mutex
	on        bool
	manual    bool
	reachedAt time.Time

	threshold float64
	minNodes  int
	extension time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

func newSafeMode(cfg Config, clock func() time.Time, logger *zap.Logger) *safeMode {
	return &safeMode{
		on:        cfg.StartInSafeMode,
		threshold: cfg.SafeModeThreshold,
		minNodes:  cfg.SafeModeMinNodes,
		extension: cfg.SafeModeExtension,
		clock:     clock,
		logger:    logger,
	}
}

func (s *safeMode) isOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// check re-evaluates automatic exit. Returns true if safe mode was left.
func (s *safeMode) check(safe, total, live int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on || s.manual {
		return false
	}
	if !s.thresholdMet(safe, total, live) {
		s.reachedAt = time.Time{}
		return false
	}
	now := s.clock()
	if s.reachedAt.IsZero() {
		s.reachedAt = now
		s.logger.Info("Safe mode threshold reached",
			zap.Int("safe_blocks", safe),
			zap.Int("total_blocks", total),
			zap.Duration("extension", s.extension))
	}
	if now.Sub(s.reachedAt) < s.extension {
		return false
	}
	s.on = false
	s.reachedAt = time.Time{}
	s.logger.Info("Leaving safe mode",
		zap.Int("safe_blocks", safe),
		zap.Int("total_blocks", total),
		zap.Int("live_nodes", live))
	return true
}

func (s *safeMode) thresholdMet(safe, total, live int) bool {
	if live < s.minNodes {
		return false
	}
	if total == 0 {
		return true
	}
	return float64(safe)/float64(total) >= s.threshold
}

func (s *safeMode) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		s.logger.Warn("Entering safe mode by operator request")
	}
	s.on = true
	s.manual = true
	s.reachedAt = time.Time{}
}

func (s *safeMode) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		s.logger.Info("Leaving safe mode by operator request")
	}
	s.on = false
	s.manual = false
	s.reachedAt = time.Time{}
}

func (s *safeMode) status(safe, total, live int) SafeModeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SafeModeStatus{
		On:          s.on,
		Manual:      s.manual,
		SafeBlocks:  safe,
		TotalBlocks: total,
		Threshold:   s.threshold,
		LiveNodes:   live,
		MinNodes:    s.minNodes,
	}
	switch {
	case !s.on:
		st.Message = "Safe mode is OFF."
	case s.manual:
		st.Message = "Safe mode is ON. It was turned on manually; use leave to turn it off."
	case !s.reachedAt.IsZero():
		remaining := s.extension - s.clock().Sub(s.reachedAt)
		st.Message = fmt.Sprintf("Safe mode is ON. Thresholds met; leaving in %s.", remaining.Round(time.Second))
	default:
		st.Message = fmt.Sprintf("Safe mode is ON. Reported %d of %d blocks (threshold %.4f), %d of %d required storage nodes live.",
			safe, total, s.threshold, live, s.minNodes)
	}
	return st
}

// InSafeMode reports whether mutations are currently rejected
func (ns *Namesystem) InSafeMode() bool {
	return ns.safe.isOn()
}

// EnterSafeMode turns safe mode on until an operator leaves it
func (ns *Namesystem) EnterSafeMode() SafeModeStatus {
	ns.safe.enter()
	ns.metrics.SetSafeMode(true)
	return ns.SafeModeStatus()
}

// LeaveSafeMode turns safe mode off regardless of thresholds
func (ns *Namesystem) LeaveSafeMode() SafeModeStatus {
	ns.safe.leave()
	ns.metrics.SetSafeMode(false)
	return ns.SafeModeStatus()
}

// SafeModeStatus returns the current gate state
func (ns *Namesystem) SafeModeStatus() SafeModeStatus {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.safeModeStatusLocked()
}

func (ns *Namesystem) safeModeStatusLocked() SafeModeStatus {
	safe, total := ns.blocks.SafeBlockCounts()
	return ns.safe.status(safe, total, ns.liveNodes())
}

func (ns *Namesystem) liveNodes() int {
	return ns.nodes.Counts()[model.LivenessAlive]
}

// checkSafeModeLocked lets safe mode end once thresholds hold. Called
// with the lock held after block reports and on every monitor sweep.
func (ns *Namesystem) checkSafeModeLocked() {
	if !ns.safe.isOn() {
		return
	}
	safe, total := ns.blocks.SafeBlockCounts()
	if ns.safe.check(safe, total, ns.liveNodes()) {
		ns.metrics.SetSafeMode(false)
	}
}

// CheckSafeMode re-evaluates automatic safe mode exit
func (ns *Namesystem) CheckSafeMode() bool {
	ns.mu.RLock()
	ns.checkSafeModeLocked()
	ns.mu.RUnlock()
	return ns.safe.isOn()
}
