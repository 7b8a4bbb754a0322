package blockmanager

import (
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// ReportResult summarizes what a block report changed
type ReportResult struct {
	Added       int `json:"added"`
	Removed     int `json:"removed"`
	Invalidated int `json:"invalidated"`
	Corrupt     int `json:"corrupt"`
}

func (m *Manager) addToNode(node model.NodeID, id model.BlockID) {
	set, ok := m.nodeBlocks[node]
	if !ok {
		set = make(map[model.BlockID]struct{})
		m.nodeBlocks[node] = set
	}
	set[id] = struct{}{}
}

// isCorrupt decides whether a reported copy is unusable. An older stamp is
// always corrupt. A newer stamp is accepted only as the outcome of an
// in-flight recovery.
func isCorrupt(info *blockInfo, rep model.ReportedReplica) bool {
	switch {
	case rep.Block.GenStamp < info.block.GenStamp:
		return true
	case rep.Block.GenStamp > info.block.GenStamp:
		return !(info.ucState == model.BlockUnderRecovery && rep.Block.GenStamp <= info.recoveryID)
	case info.ucState == model.BlockComplete && rep.State == model.ReplicaFinalized:
		return rep.Block.NumBytes != info.block.NumBytes
	}
	return false
}

// processReported records one reported replica. Returns false if the
// block is unknown, in which case the node is told to delete it.
func (m *Manager) processReported(node model.NodeID, rep model.ReportedReplica, res *ReportResult) (*blockInfo, bool) {
	info, ok := m.blocks[rep.Block.ID]
	if !ok {
		m.queue.AddInvalidate(node, rep.Block)
		res.Invalidated++
		return nil, false
	}

	r, existed := info.replicas[node]
	if !existed {
		r = &replica{node: node}
		info.replicas[node] = r
		res.Added++
		m.pendingArrived(info, node)
	}
	r.storage = rep.Storage
	r.state = rep.State
	r.gs = rep.Block.GenStamp
	r.length = rep.Block.NumBytes
	r.corrupt = r.markedBad || isCorrupt(info, rep)
	if r.corrupt {
		res.Corrupt++
		m.logger.Debug("Replica reported as corrupt",
			zap.String("node_id", string(node)),
			zap.String("block", rep.Block.String()),
			zap.String("current", info.block.String()))
	}
	m.addToNode(node, info.block.ID)
	return info, true
}

// removeReplica drops a node's copy of a block
func (m *Manager) removeReplica(info *blockInfo, node model.NodeID) {
	delete(info.replicas, node)
	delete(info.excess, node)
	if set, ok := m.nodeBlocks[node]; ok {
		delete(set, info.block.ID)
	}
}

// ProcessFullReport reconciles a node's complete block list. Blocks the
// node no longer reports are removed; unknown blocks are invalidated.
// Applying the same report twice yields the same classification.
func (m *Manager) ProcessFullReport(node model.NodeID, reported []model.ReportedReplica) ReportResult {
	var res ReportResult
	seen := make(map[model.BlockID]bool, len(reported))
	touched := make(map[model.BlockID]*blockInfo)

	for _, rep := range reported {
		seen[rep.Block.ID] = true
		if info, ok := m.processReported(node, rep, &res); ok {
			touched[info.block.ID] = info
		}
	}

	for id := range m.nodeBlocks[node] {
		if seen[id] {
			continue
		}
		if info, ok := m.blocks[id]; ok {
			m.removeReplica(info, node)
			touched[id] = info
			res.Removed++
		}
	}

	for _, info := range touched {
		m.tryComplete(info)
		m.refresh(info)
	}

	m.logger.Info("Processed block report",
		zap.String("node_id", string(node)),
		zap.Int("reported", len(reported)),
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Int("invalidated", res.Invalidated),
		zap.Int("corrupt", res.Corrupt))
	return res
}

// BlockReceived records a single new or updated replica
func (m *Manager) BlockReceived(node model.NodeID, rep model.ReportedReplica) ReportResult {
	var res ReportResult
	if info, ok := m.processReported(node, rep, &res); ok {
		m.tryComplete(info)
		m.refresh(info)
	}
	return res
}

// BlockDeleted records that a node no longer holds a block
func (m *Manager) BlockDeleted(node model.NodeID, id model.BlockID) {
	info, ok := m.blocks[id]
	if !ok {
		return
	}
	m.removeReplica(info, node)
	m.refresh(info)
}

// MarkCorrupt flags a node's copy as bad. The mark survives later reports
// until the copy is deleted.
func (m *Manager) MarkCorrupt(id model.BlockID, node model.NodeID) error {
	info, ok := m.blocks[id]
	if !ok {
		return errors.BlockNotFound(int64(id))
	}
	r, ok := info.replicas[node]
	if !ok {
		m.queue.AddInvalidate(node, info.block)
		return nil
	}
	r.markedBad = true
	r.corrupt = true
	m.logger.Warn("Replica marked corrupt",
		zap.String("node_id", string(node)),
		zap.String("block", info.block.String()))
	m.refresh(info)
	return nil
}

// RemoveNode drops every replica hosted on a dead node and re-evaluates
// the affected blocks. Returns the number of blocks affected.
func (m *Manager) RemoveNode(node model.NodeID) int {
	set := m.nodeBlocks[node]
	delete(m.nodeBlocks, node)
	for id := range set {
		info, ok := m.blocks[id]
		if !ok {
			continue
		}
		delete(info.replicas, node)
		delete(info.excess, node)
		m.refresh(info)
	}
	for id, p := range m.pending {
		p.targets = without(p.targets, node)
		if len(p.targets) == 0 {
			delete(m.pending, id)
		}
	}
	m.logger.Info("Removed replicas of dead storage node",
		zap.String("node_id", string(node)),
		zap.Int("blocks", len(set)))
	return len(set)
}

// RecheckNode re-evaluates every block on a node, for example after its
// admin state changed.
func (m *Manager) RecheckNode(node model.NodeID) {
	for id := range m.nodeBlocks[node] {
		if info, ok := m.blocks[id]; ok {
			m.refresh(info)
		}
	}
}

// DecommissionDone reports whether every complete block on a node has
// enough live replicas elsewhere.
func (m *Manager) DecommissionDone(node model.NodeID) bool {
	for id := range m.nodeBlocks[node] {
		info, ok := m.blocks[id]
		if !ok || info.ucState != model.BlockComplete {
			continue
		}
		if m.count(info).Live < int(info.replication) {
			return false
		}
	}
	return true
}

func without(nodes []model.NodeID, node model.NodeID) []model.NodeID {
	out := nodes[:0]
	for _, n := range nodes {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}
