package blockmanager

import (
	"sort"
	"time"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/google/btree"
	"go.uber.org/zap"
)

// NodeSource supplies storage node state
type NodeSource interface {
	Node(id model.NodeID) (model.NodeStatus, bool)
	List() []model.NodeStatus
}

// CommandQueue accepts block deletions for storage nodes
type CommandQueue interface {
	AddInvalidate(id model.NodeID, blocks ...model.Block)
}

// Config holds replica tracker settings
type Config struct {
	MinReplication  int
	PendingTimeout  time.Duration
	InitialGenStamp model.GenerationStamp
	InitialBlockID  model.BlockID
}

// replica is one tracked copy of a block
type replica struct {
	node      model.NodeID
	storage   model.StorageID
	state     model.ReplicaState
	gs        model.GenerationStamp
	length    int64
	corrupt   bool
	markedBad bool
}

// blockInfo is the tracker's record of one block
type blockInfo struct {
	block       model.Block
	file        model.INodeID
	replication int16
	ucState     model.BlockUCState
	recoveryID  model.GenerationStamp
	expected    []model.NodeID
	replicas    map[model.NodeID]*replica
	excess      map[model.NodeID]bool
}

type neededKey struct {
	live int
	id   model.BlockID
}

func neededLess(a, b neededKey) bool {
	if a.live != b.live {
		return a.live < b.live
	}
	return a.id < b.id
}

type pendingReplication struct {
	targets   []model.NodeID
	timestamp time.Time
}

// Stats summarizes replica health
type Stats struct {
	Blocks             int `json:"blocks"`
	UnderReplicated    int `json:"under_replicated"`
	Missing            int `json:"missing"`
	CorruptBlocks      int `json:"corrupt_blocks"`
	PendingReplication int `json:"pending_replication"`
}

// Manager tracks block to replica locations and decides re-replication
// and deletion work. Manager is not safe for concurrent use; the
// namesystem lock guards it.
type Manager struct {
	blocks      map[model.BlockID]*blockInfo
	nodeBlocks  map[model.NodeID]map[model.BlockID]struct{}
	needed      *btree.BTreeG[neededKey]
	neededIndex map[model.BlockID]neededKey
	missing     map[model.BlockID]struct{}
	corrupt     map[model.BlockID]struct{}
	pending     map[model.BlockID]*pendingReplication

	genStamp    model.GenerationStamp
	nextBlockID model.BlockID

	cfg    Config
	nodes  NodeSource
	queue  CommandQueue
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager creates a replica tracker
func NewManager(cfg Config, nodes NodeSource, queue CommandQueue, clock func() time.Time, logger *zap.Logger) *Manager {
	if cfg.MinReplication <= 0 {
		cfg.MinReplication = 1
	}
	if cfg.InitialGenStamp <= 0 {
		cfg.InitialGenStamp = 1000
	}
	if cfg.InitialBlockID <= 0 {
		cfg.InitialBlockID = 1 << 30
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		blocks:      make(map[model.BlockID]*blockInfo),
		nodeBlocks:  make(map[model.NodeID]map[model.BlockID]struct{}),
		needed:      btree.NewG[neededKey](32, neededLess),
		neededIndex: make(map[model.BlockID]neededKey),
		missing:     make(map[model.BlockID]struct{}),
		corrupt:     make(map[model.BlockID]struct{}),
		pending:     make(map[model.BlockID]*pendingReplication),
		genStamp:    cfg.InitialGenStamp,
		nextBlockID: cfg.InitialBlockID,
		cfg:         cfg,
		nodes:       nodes,
		queue:       queue,
		clock:       clock,
		logger:      logger,
	}
}

// NextGenerationStamp issues a new, strictly larger generation stamp
func (m *Manager) NextGenerationStamp() model.GenerationStamp {
	m.genStamp++
	return m.genStamp
}

// GenerationStamp returns the last issued generation stamp
func (m *Manager) GenerationStamp() model.GenerationStamp {
	return m.genStamp
}

// SetGenerationStamp raises the issued stamp to at least gs
func (m *Manager) SetGenerationStamp(gs model.GenerationStamp) {
	if gs > m.genStamp {
		m.genStamp = gs
	}
}

// AllocateBlock creates a new under-construction block for file with the
// given pipeline targets.
func (m *Manager) AllocateBlock(file model.INodeID, replication int16, targets []model.NodeID) model.Block {
	b := model.Block{ID: m.nextBlockID, GenStamp: m.NextGenerationStamp()}
	m.nextBlockID++
	m.PutBlock(b, file, replication, model.BlockUnderConstruction, targets)
	return b
}

// PutBlock installs or updates a block record. Used by allocation and by
// log replay, which may present the same block more than once.
func (m *Manager) PutBlock(b model.Block, file model.INodeID, replication int16, state model.BlockUCState, targets []model.NodeID) {
	if b.ID >= m.nextBlockID {
		m.nextBlockID = b.ID + 1
	}
	m.SetGenerationStamp(b.GenStamp)

	info, ok := m.blocks[b.ID]
	if !ok {
		info = &blockInfo{
			replicas: make(map[model.NodeID]*replica),
			excess:   make(map[model.NodeID]bool),
		}
		m.blocks[b.ID] = info
	}
	info.block = b
	info.file = file
	info.replication = replication
	info.ucState = state
	info.expected = append([]model.NodeID(nil), targets...)
	m.refresh(info)
}

// Block returns the current record of a block
func (m *Manager) Block(id model.BlockID) (model.Block, model.BlockUCState, bool) {
	info, ok := m.blocks[id]
	if !ok {
		return model.Block{}, "", false
	}
	return info.block, info.ucState, true
}

// File returns the file owning a block
func (m *Manager) File(id model.BlockID) (model.INodeID, bool) {
	info, ok := m.blocks[id]
	if !ok {
		return 0, false
	}
	return info.file, true
}

// CommitBlock fixes the length of an under-construction block. The block
// completes once enough finalized replicas are reported.
func (m *Manager) CommitBlock(id model.BlockID, length int64) error {
	info, ok := m.blocks[id]
	if !ok {
		return errors.BlockNotFound(int64(id))
	}
	if info.ucState == model.BlockComplete {
		return nil
	}
	info.block.NumBytes = length
	info.ucState = model.BlockCommitted
	m.tryComplete(info)
	return nil
}

// IsComplete reports whether a block has reached COMPLETE, completing a
// committed block if it now has enough finalized replicas.
func (m *Manager) IsComplete(id model.BlockID) bool {
	info, ok := m.blocks[id]
	if !ok {
		return false
	}
	m.tryComplete(info)
	return info.ucState == model.BlockComplete
}

// ForceComplete marks a block complete regardless of reported replicas
func (m *Manager) ForceComplete(id model.BlockID) {
	if info, ok := m.blocks[id]; ok {
		info.ucState = model.BlockComplete
		info.expected = nil
		m.refresh(info)
	}
}

func (m *Manager) tryComplete(info *blockInfo) {
	if info.ucState != model.BlockCommitted {
		return
	}
	finalized := 0
	for _, r := range info.replicas {
		if !r.corrupt && r.state == model.ReplicaFinalized &&
			r.gs == info.block.GenStamp && r.length == info.block.NumBytes {
			finalized++
		}
	}
	if finalized >= m.cfg.MinReplication {
		info.ucState = model.BlockComplete
		info.expected = nil
		m.refresh(info)
	}
}

// ConvertToUnderConstruction reopens a complete block for append
func (m *Manager) ConvertToUnderConstruction(id model.BlockID) error {
	info, ok := m.blocks[id]
	if !ok {
		return errors.BlockNotFound(int64(id))
	}
	info.ucState = model.BlockUnderConstruction
	info.expected = m.holders(info)
	m.refresh(info)
	return nil
}

// RemoveBlock forgets a block and asks every holder to delete it
func (m *Manager) RemoveBlock(id model.BlockID) {
	info, ok := m.blocks[id]
	if !ok {
		return
	}
	for node, r := range info.replicas {
		m.queue.AddInvalidate(node, model.Block{ID: id, GenStamp: r.gs, NumBytes: r.length})
		if set, ok := m.nodeBlocks[node]; ok {
			delete(set, id)
		}
	}
	delete(m.blocks, id)
	m.dropQueues(id)
}

func (m *Manager) dropQueues(id model.BlockID) {
	if key, ok := m.neededIndex[id]; ok {
		m.needed.Delete(key)
		delete(m.neededIndex, id)
	}
	delete(m.missing, id)
	delete(m.corrupt, id)
	delete(m.pending, id)
}

// SetReplication changes the target replication of a block
func (m *Manager) SetReplication(id model.BlockID, replication int16) {
	if info, ok := m.blocks[id]; ok {
		info.replication = replication
		m.refresh(info)
	}
}

// holders lists nodes with a usable copy, ordered by id
func (m *Manager) holders(info *blockInfo) []model.NodeID {
	var out []model.NodeID
	for node, r := range info.replicas {
		if !r.corrupt && r.gs == info.block.GenStamp {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type partition int

const (
	partLive partition = iota
	partDecommissioned
	partExcess
	partCorrupt
	partStale
)

// classify places a replica in exactly one partition
func (m *Manager) classify(info *blockInfo, r *replica) partition {
	if r.corrupt {
		return partCorrupt
	}
	if r.gs != info.block.GenStamp {
		return partStale
	}
	node, ok := m.nodes.Node(r.node)
	if !ok || node.State == model.LivenessDead {
		return partStale
	}
	if node.AdminState != model.AdminNormal {
		return partDecommissioned
	}
	if info.excess[r.node] {
		return partExcess
	}
	return partLive
}

func (m *Manager) count(info *blockInfo) model.NumberReplicas {
	var nr model.NumberReplicas
	for _, r := range info.replicas {
		switch m.classify(info, r) {
		case partLive:
			nr.Live++
		case partDecommissioned:
			nr.Decommissioned++
		case partExcess:
			nr.Excess++
		case partCorrupt:
			nr.Corrupt++
		case partStale:
			nr.Stale++
		}
	}
	return nr
}

// CountReplicas partitions the tracked replicas of a block
func (m *Manager) CountReplicas(id model.BlockID) (model.NumberReplicas, error) {
	info, ok := m.blocks[id]
	if !ok {
		return model.NumberReplicas{}, errors.BlockNotFound(int64(id))
	}
	return m.count(info), nil
}

// Expected returns the pipeline targets recorded for an unfinished block
func (m *Manager) Expected(id model.BlockID) []model.NodeID {
	if info, ok := m.blocks[id]; ok {
		return append([]model.NodeID(nil), info.expected...)
	}
	return nil
}

// TrackedReplicas returns the number of replica entries held for a block
func (m *Manager) TrackedReplicas(id model.BlockID) int {
	if info, ok := m.blocks[id]; ok {
		return len(info.replicas)
	}
	return 0
}

// Locations returns the nodes a reader may use for a block, ordered by
// id. Under-construction blocks also return their pipeline targets.
func (m *Manager) Locations(id model.BlockID) (locs []model.NodeID, allCorrupt bool) {
	info, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	seen := make(map[model.NodeID]bool)
	corrupt := 0
	for node, r := range info.replicas {
		switch m.classify(info, r) {
		case partLive, partDecommissioned, partExcess:
			seen[node] = true
		case partCorrupt:
			corrupt++
		}
	}
	if info.ucState != model.BlockComplete {
		for _, node := range info.expected {
			if st, ok := m.nodes.Node(node); ok && st.State != model.LivenessDead {
				seen[node] = true
			}
		}
	}
	for node := range seen {
		locs = append(locs, node)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
	return locs, len(locs) == 0 && corrupt > 0
}

// NodeBlockCount returns the number of blocks tracked on a node
func (m *Manager) NodeBlockCount(node model.NodeID) int {
	return len(m.nodeBlocks[node])
}

// Stats returns queue sizes
func (m *Manager) Stats() Stats {
	return Stats{
		Blocks:             len(m.blocks),
		UnderReplicated:    m.needed.Len(),
		Missing:            len(m.missing),
		CorruptBlocks:      len(m.corrupt),
		PendingReplication: len(m.pending),
	}
}

// MissingBlocks lists blocks with no readable replica, ordered by id
func (m *Manager) MissingBlocks() []model.BlockID {
	out := make([]model.BlockID, 0, len(m.missing))
	for id := range m.missing {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SafeBlockCounts returns how many complete blocks have at least the
// minimum number of usable replicas, and how many complete blocks exist.
func (m *Manager) SafeBlockCounts() (safe, total int) {
	for _, info := range m.blocks {
		if info.ucState != model.BlockComplete {
			continue
		}
		total++
		nr := m.count(info)
		if nr.Live+nr.Decommissioned+nr.Excess >= m.cfg.MinReplication {
			safe++
		}
	}
	return safe, total
}
