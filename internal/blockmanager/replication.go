package blockmanager

import (
	"sort"

	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// refresh re-derives every queue a block belongs to from its replicas.
// Only complete blocks are re-replicated or trimmed.
func (m *Manager) refresh(info *blockInfo) {
	id := info.block.ID
	if info.ucState != model.BlockComplete {
		m.dropQueues(id)
		return
	}

	nr := m.count(info)
	if nr.Live > int(info.replication) {
		m.markExcess(info, nr.Live-int(info.replication))
		nr = m.count(info)
	}
	if nr.Live >= int(info.replication) {
		m.invalidateUnusable(info)
	}

	if key, ok := m.neededIndex[id]; ok {
		m.needed.Delete(key)
		delete(m.neededIndex, id)
	}
	if nr.Live < int(info.replication) {
		key := neededKey{live: nr.Live, id: id}
		m.needed.ReplaceOrInsert(key)
		m.neededIndex[id] = key
	} else {
		delete(m.pending, id)
	}

	if nr.Live == 0 && nr.Decommissioned == 0 && info.replication > 0 {
		if _, ok := m.missing[id]; !ok {
			m.logger.Warn("Block has no readable replica", zap.String("block", info.block.String()))
		}
		m.missing[id] = struct{}{}
	} else {
		delete(m.missing, id)
	}

	if nr.Corrupt > 0 {
		m.corrupt[id] = struct{}{}
	} else {
		delete(m.corrupt, id)
	}
}

type excessCandidate struct {
	node  model.NodeID
	ratio float64
}

// markExcess tags n live replicas for deletion, most-used node first,
// ties broken by node id. The caller guarantees at least one live replica
// remains.
func (m *Manager) markExcess(info *blockInfo, n int) {
	var candidates []excessCandidate
	for node, r := range info.replicas {
		if m.classify(info, r) != partLive {
			continue
		}
		st, _ := m.nodes.Node(node)
		candidates = append(candidates, excessCandidate{node: node, ratio: st.Stats.UsedRatio()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio != candidates[j].ratio {
			return candidates[i].ratio > candidates[j].ratio
		}
		return candidates[i].node < candidates[j].node
	})
	if n > len(candidates)-1 {
		n = len(candidates) - 1
	}
	for _, c := range candidates[:n] {
		info.excess[c.node] = true
		r := info.replicas[c.node]
		m.queue.AddInvalidate(c.node, model.Block{ID: info.block.ID, GenStamp: r.gs, NumBytes: r.length})
		m.logger.Debug("Replica marked excess",
			zap.String("node_id", string(c.node)),
			zap.String("block", info.block.String()))
	}
}

// invalidateUnusable queues deletion of corrupt and stale copies once the
// block is fully replicated without them.
func (m *Manager) invalidateUnusable(info *blockInfo) {
	for node, r := range info.replicas {
		switch m.classify(info, r) {
		case partCorrupt, partStale:
			if st, ok := m.nodes.Node(node); ok && st.State != model.LivenessDead {
				m.queue.AddInvalidate(node, model.Block{ID: info.block.ID, GenStamp: r.gs, NumBytes: r.length})
			}
		}
	}
}

// pendingArrived credits a scheduled replication when its target reports
func (m *Manager) pendingArrived(info *blockInfo, node model.NodeID) {
	p, ok := m.pending[info.block.ID]
	if !ok {
		return
	}
	p.targets = without(p.targets, node)
	if len(p.targets) == 0 {
		delete(m.pending, info.block.ID)
	}
}

// CheckPendingTimeouts forgets scheduled replications older than the
// pending timeout so their blocks become schedulable again.
func (m *Manager) CheckPendingTimeouts() []model.BlockID {
	now := m.clock()
	var expired []model.BlockID
	for id, p := range m.pending {
		if now.Sub(p.timestamp) > m.cfg.PendingTimeout {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		delete(m.pending, id)
		if info, ok := m.blocks[id]; ok {
			m.refresh(info)
		}
		m.logger.Warn("Pending replication timed out", zap.Int64("block_id", int64(id)))
	}
	return expired
}

// ChooseTargets picks up to n alive, non-decommissioning nodes with room
// for blockSize, most remaining space first, ties by node id.
func (m *Manager) ChooseTargets(n int, blockSize int64, exclude map[model.NodeID]bool) []model.NodeID {
	var candidates []model.NodeStatus
	for _, node := range m.nodes.List() {
		if node.State != model.LivenessAlive || node.AdminState != model.AdminNormal {
			continue
		}
		if exclude[node.NodeID] || node.Stats.Remaining < blockSize {
			continue
		}
		candidates = append(candidates, node)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Stats.Remaining != candidates[j].Stats.Remaining {
			return candidates[i].Stats.Remaining > candidates[j].Stats.Remaining
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]model.NodeID, len(candidates))
	for i, c := range candidates {
		out[i] = c.NodeID
	}
	return out
}

// NeededBlocks returns the under-replicated queue, most urgent first
func (m *Manager) NeededBlocks() []model.BlockID {
	out := make([]model.BlockID, 0, m.needed.Len())
	m.needed.Ascend(func(k neededKey) bool {
		out = append(out, k.id)
		return true
	})
	return out
}

// chooseSource picks a node to copy from. Decommissioning nodes are
// preferred since they take no new writes.
func (m *Manager) chooseSource(info *blockInfo) (model.NodeID, bool) {
	var live, decommissioning []model.NodeID
	for node, r := range info.replicas {
		switch m.classify(info, r) {
		case partLive:
			live = append(live, node)
		case partDecommissioned:
			decommissioning = append(decommissioning, node)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	sort.Slice(decommissioning, func(i, j int) bool { return decommissioning[i] < decommissioning[j] })
	if len(decommissioning) > 0 {
		return decommissioning[0], true
	}
	if len(live) > 0 {
		return live[0], true
	}
	return "", false
}

// ScheduleReplication computes replication work for one queued block and
// records it as pending. Returns false when nothing can be scheduled now.
func (m *Manager) ScheduleReplication(id model.BlockID) (*model.ReplicationWork, bool) {
	key, queued := m.neededIndex[id]
	info, ok := m.blocks[id]
	if !queued || !ok {
		return nil, false
	}

	scheduled := 0
	if p, ok := m.pending[id]; ok {
		scheduled = len(p.targets)
	}
	need := int(info.replication) - key.live - scheduled
	if need <= 0 {
		return nil, false
	}

	source, ok := m.chooseSource(info)
	if !ok {
		return nil, false
	}

	exclude := make(map[model.NodeID]bool, len(info.replicas))
	for node := range info.replicas {
		exclude[node] = true
	}
	if p, ok := m.pending[id]; ok {
		for _, node := range p.targets {
			exclude[node] = true
		}
	}
	targets := m.ChooseTargets(need, info.block.NumBytes, exclude)
	if len(targets) == 0 {
		m.logger.Debug("No replication targets available", zap.String("block", info.block.String()))
		return nil, false
	}

	p, ok := m.pending[id]
	if !ok {
		p = &pendingReplication{}
		m.pending[id] = p
	}
	p.targets = append(p.targets, targets...)
	p.timestamp = m.clock()

	return &model.ReplicationWork{
		Block:    info.block,
		Source:   source,
		Targets:  targets,
		Priority: key.live,
	}, true
}

// DrainReplicationWork schedules up to limit blocks from the
// under-replicated queue, most urgent first.
func (m *Manager) DrainReplicationWork(limit int) []model.ReplicationWork {
	var work []model.ReplicationWork
	for _, id := range m.NeededBlocks() {
		if len(work) >= limit {
			break
		}
		if w, ok := m.ScheduleReplication(id); ok {
			work = append(work, *w)
		}
	}
	return work
}
