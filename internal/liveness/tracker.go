package liveness

import (
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// Clock returns the current time
type Clock func() time.Time

// Config holds liveness thresholds
type Config struct {
	StaleInterval             time.Duration
	DeadTimeout               time.Duration
	MaxInvalidatePerHeartbeat int
}

// Transition records a state change made by a sweep
type Transition struct {
	NodeID model.NodeID
	From   model.LivenessState
	To     model.LivenessState
}

// descriptor is the tracker's record of one storage node. Heartbeats only
// take mu; the tracker map lock is held just for the lookup.
type descriptor struct {
	mu            sync.Mutex
	id            model.NodeID
	address       string
	storages      []model.StorageID
	state         model.LivenessState
	admin         model.AdminState
	lastHeartbeat time.Time
	stats         model.NodeStats
	commands      []model.Command
	invalidate    []model.Block
	pendingInv    map[model.BlockID]struct{}
}

func (d *descriptor) status() model.NodeStatus {
	return model.NodeStatus{
		NodeID:        d.id,
		Address:       d.address,
		State:         d.state,
		AdminState:    d.admin,
		LastHeartbeat: d.lastHeartbeat,
		Stats:         d.stats,
	}
}

// Tracker classifies storage nodes as alive, stale or dead from the time
// of their last heartbeat.
type Tracker struct {
	mu     sync.RWMutex
	nodes  map[model.NodeID]*descriptor
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

// NewTracker creates a tracker
func NewTracker(cfg Config, clock Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	if cfg.MaxInvalidatePerHeartbeat <= 0 {
		cfg.MaxInvalidatePerHeartbeat = 1000
	}
	return &Tracker{
		nodes:  make(map[model.NodeID]*descriptor),
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

func (t *Tracker) get(id model.NodeID) (*descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.nodes[id]
	return d, ok
}

// Register adds a node in state NEW. A dead node re-registering starts
// over as NEW with an empty command queue.
func (t *Tracker) Register(reg model.NodeRegistration) model.NodeStatus {
	now := t.clock()

	t.mu.Lock()
	d, ok := t.nodes[reg.NodeID]
	if !ok {
		d = &descriptor{id: reg.NodeID, admin: model.AdminNormal}
		t.nodes[reg.NodeID] = d
	}
	t.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = reg.Address
	d.storages = append([]model.StorageID(nil), reg.Storages...)
	if !ok || d.state == model.LivenessDead {
		d.state = model.LivenessNew
		d.commands = nil
		d.invalidate = nil
		d.pendingInv = make(map[model.BlockID]struct{})
	}
	d.lastHeartbeat = now

	t.logger.Info("Storage node registered",
		zap.String("node_id", string(reg.NodeID)),
		zap.String("address", reg.Address),
		zap.Bool("new", !ok))
	return d.status()
}

// Heartbeat records contact from a node and returns the commands queued
// for it. Dead or unknown nodes must register again.
func (t *Tracker) Heartbeat(id model.NodeID, stats model.NodeStats) ([]model.Command, model.LivenessState, error) {
	d, ok := t.get(id)
	if !ok {
		return nil, "", errors.UnknownNode(string(id))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == model.LivenessDead {
		return nil, d.state, errors.UnknownNode(string(id)).WithDetail("state", string(d.state))
	}
	prev := d.state
	d.state = model.LivenessAlive
	d.lastHeartbeat = t.clock()
	d.stats = stats

	if prev != model.LivenessAlive {
		t.logger.Info("Storage node is alive",
			zap.String("node_id", string(id)),
			zap.String("previous_state", string(prev)))
	}
	return d.drain(t.cfg.MaxInvalidatePerHeartbeat), prev, nil
}

func (d *descriptor) drain(invalidateLimit int) []model.Command {
	cmds := d.commands
	d.commands = nil
	if len(d.invalidate) > 0 {
		n := len(d.invalidate)
		if n > invalidateLimit {
			n = invalidateLimit
		}
		blocks := append([]model.Block(nil), d.invalidate[:n]...)
		d.invalidate = d.invalidate[n:]
		for _, b := range blocks {
			delete(d.pendingInv, b.ID)
		}
		cmds = append(cmds, model.Command{Type: model.CommandInvalidate, Blocks: blocks})
	}
	return cmds
}

// Touch refreshes a node's contact time from a side channel such as
// gossip. It never revives a dead or unregistered node.
func (t *Tracker) Touch(id model.NodeID) bool {
	d, ok := t.get(id)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == model.LivenessDead || d.state == model.LivenessNew {
		return false
	}
	d.lastHeartbeat = t.clock()
	d.state = model.LivenessAlive
	return true
}

// Sweep evaluates every node against the stale and dead thresholds and
// returns the transitions made, ordered by node id.
func (t *Tracker) Sweep() []Transition {
	now := t.clock()

	t.mu.RLock()
	nodes := make([]*descriptor, 0, len(t.nodes))
	for _, d := range t.nodes {
		nodes = append(nodes, d)
	}
	t.mu.RUnlock()

	var transitions []Transition
	for _, d := range nodes {
		d.mu.Lock()
		elapsed := now.Sub(d.lastHeartbeat)
		from := d.state
		switch {
		case d.state != model.LivenessDead && elapsed > t.cfg.DeadTimeout:
			d.state = model.LivenessDead
			d.commands = nil
			d.invalidate = nil
			d.pendingInv = make(map[model.BlockID]struct{})
		case d.state == model.LivenessAlive && elapsed > t.cfg.StaleInterval:
			d.state = model.LivenessStale
		}
		if d.state != from {
			transitions = append(transitions, Transition{NodeID: d.id, From: from, To: d.state})
		}
		d.mu.Unlock()
	}

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].NodeID < transitions[j].NodeID })
	for _, tr := range transitions {
		t.logger.Warn("Storage node liveness changed",
			zap.String("node_id", string(tr.NodeID)),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
	}
	return transitions
}

// Enqueue queues a replicate or recover command for the next heartbeat
func (t *Tracker) Enqueue(id model.NodeID, cmd model.Command) error {
	d, ok := t.get(id)
	if !ok {
		return errors.UnknownNode(string(id))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == model.LivenessDead {
		return errors.UnknownNode(string(id)).WithDetail("state", string(d.state))
	}
	d.commands = append(d.commands, cmd)
	return nil
}

// AddInvalidate queues blocks for deletion on a node. Duplicates are
// ignored.
func (t *Tracker) AddInvalidate(id model.NodeID, blocks ...model.Block) {
	d, ok := t.get(id)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == model.LivenessDead {
		return
	}
	for _, b := range blocks {
		if _, dup := d.pendingInv[b.ID]; dup {
			continue
		}
		d.pendingInv[b.ID] = struct{}{}
		d.invalidate = append(d.invalidate, b)
	}
}

// PendingInvalidations returns how many deletions are queued for a node
func (t *Tracker) PendingInvalidations(id model.NodeID) int {
	d, ok := t.get(id)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.invalidate)
}

// SetAdminState changes the administrative state of a node
func (t *Tracker) SetAdminState(id model.NodeID, state model.AdminState) error {
	d, ok := t.get(id)
	if !ok {
		return errors.UnknownNode(string(id))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.admin != state {
		t.logger.Info("Storage node admin state changed",
			zap.String("node_id", string(id)),
			zap.String("from", string(d.admin)),
			zap.String("to", string(state)))
	}
	d.admin = state
	return nil
}

// Node returns a snapshot of one node
func (t *Tracker) Node(id model.NodeID) (model.NodeStatus, bool) {
	d, ok := t.get(id)
	if !ok {
		return model.NodeStatus{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status(), true
}

// List returns snapshots of all nodes ordered by id
func (t *Tracker) List() []model.NodeStatus {
	t.mu.RLock()
	nodes := make([]*descriptor, 0, len(t.nodes))
	for _, d := range t.nodes {
		nodes = append(nodes, d)
	}
	t.mu.RUnlock()

	out := make([]model.NodeStatus, 0, len(nodes))
	for _, d := range nodes {
		d.mu.Lock()
		out = append(out, d.status())
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns the number of nodes per liveness state
func (t *Tracker) Counts() map[model.LivenessState]int {
	counts := map[model.LivenessState]int{
		model.LivenessNew:   0,
		model.LivenessAlive: 0,
		model.LivenessStale: 0,
		model.LivenessDead:  0,
	}
	for _, n := range t.List() {
		counts[n.State]++
	}
	return counts
}
