package blockmanager

import (
	"sort"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// Candidate is a replica holder considered for recovery primary
type Candidate struct {
	Node     model.NodeID
	GenStamp model.GenerationStamp
	Length   int64
}

// StartRecovery moves a block under recovery. The recovery id is the
// generation stamp the block will carry once recovery commits; a block
// already under recovery keeps its id so retries ask for the same stamp.
func (m *Manager) StartRecovery(id model.BlockID) (model.GenerationStamp, error) {
	info, ok := m.blocks[id]
	if !ok {
		return 0, errors.BlockNotFound(int64(id))
	}
	if info.ucState == model.BlockUnderRecovery && info.recoveryID > 0 {
		return info.recoveryID, nil
	}
	if info.ucState == model.BlockUnderConstruction && len(info.expected) == 0 {
		info.expected = m.holders(info)
	}
	info.ucState = model.BlockUnderRecovery
	info.recoveryID = m.NextGenerationStamp()
	m.refresh(info)
	m.logger.Info("Block recovery started",
		zap.String("block", info.block.String()),
		zap.Int64("recovery_id", int64(info.recoveryID)))
	return info.recoveryID, nil
}

// RecoveryID returns the in-flight recovery id of a block, 0 if none
func (m *Manager) RecoveryID(id model.BlockID) model.GenerationStamp {
	if info, ok := m.blocks[id]; ok && info.ucState == model.BlockUnderRecovery {
		return info.recoveryID
	}
	return 0
}

// RecoveryCandidates lists the reachable holders of a block, ordered by
// id. Reported replicas are used when present, otherwise the pipeline
// targets recorded at allocation.
func (m *Manager) RecoveryCandidates(id model.BlockID) []Candidate {
	info, ok := m.blocks[id]
	if !ok {
		return nil
	}
	reachable := func(node model.NodeID) bool {
		st, ok := m.nodes.Node(node)
		return ok && st.State != model.LivenessDead && st.State != model.LivenessNew
	}

	var out []Candidate
	for node, r := range info.replicas {
		if r.corrupt || !reachable(node) {
			continue
		}
		out = append(out, Candidate{Node: node, GenStamp: r.gs, Length: r.length})
	}
	if len(out) == 0 {
		for _, node := range info.expected {
			if reachable(node) {
				out = append(out, Candidate{Node: node, GenStamp: info.block.GenStamp})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// CommitRecovery installs the outcome of a recovery: the block takes the
// recovery id as its stamp and newLength as its length, and the listed
// nodes hold finalized copies. Other holders keep the old stamp and count
// as stale. A mismatched recovery id is rejected.
func (m *Manager) CommitRecovery(id model.BlockID, recoveryID model.GenerationStamp, newLength int64, newTargets []model.NodeID) error {
	info, ok := m.blocks[id]
	if !ok {
		return errors.BlockNotFound(int64(id))
	}
	if info.ucState != model.BlockUnderRecovery {
		return errors.StaleGenerationStamp(int64(id), int64(info.block.GenStamp), int64(recoveryID)).
			WithDetail("reason", "block is not under recovery")
	}
	if recoveryID != info.recoveryID {
		return errors.StaleGenerationStamp(int64(id), int64(info.recoveryID), int64(recoveryID))
	}

	info.block.GenStamp = recoveryID
	info.block.NumBytes = newLength
	info.ucState = model.BlockComplete
	info.recoveryID = 0
	info.expected = nil

	for _, node := range newTargets {
		r, ok := info.replicas[node]
		if !ok {
			r = &replica{node: node}
			info.replicas[node] = r
		}
		r.state = model.ReplicaFinalized
		r.gs = recoveryID
		r.length = newLength
		r.corrupt = r.markedBad
		m.addToNode(node, id)
	}
	m.refresh(info)

	m.logger.Info("Block recovery committed",
		zap.String("block", info.block.String()),
		zap.Int64("length", newLength),
		zap.Int("targets", len(newTargets)))
	return nil
}

// ChoosePrimary picks the recovery primary: the newest generation stamp,
// then the longest length, then the smallest node id.
func ChoosePrimary(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.GenStamp > best.GenStamp:
			best = c
		case c.GenStamp < best.GenStamp:
		case c.Length > best.Length:
			best = c
		case c.Length < best.Length:
		case c.Node < best.Node:
			best = c
		}
	}
	return best, true
}
