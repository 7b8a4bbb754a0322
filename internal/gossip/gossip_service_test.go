package gossip

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/devrev/pairfs/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingToucher struct {
	known   map[model.NodeID]bool
	touched []model.NodeID
}

func (r *recordingToucher) Touch(id model.NodeID) bool {
	r.touched = append(r.touched, id)
	return r.known[id]
}

func member(t *testing.T, name string, meta *MemberMeta) *memberlist.Node {
	n := &memberlist.Node{Name: name, Addr: net.ParseIP("10.0.0.1"), Port: 7946}
	if meta != nil {
		data, err := json.Marshal(meta)
		require.NoError(t, err)
		n.Meta = data
	}
	return n
}

func TestEventDelegate_TouchesStorageMembers(t *testing.T) {
	toucher := &recordingToucher{known: map[model.NodeID]bool{"dn-1": true}}
	svc := NewService(&Config{}, MemberMeta{NodeID: "coord", Role: RoleCoordinator}, toucher, zap.NewNop())
	events := &EventDelegate{service: svc}

	events.NotifyJoin(member(t, "dn-1", &MemberMeta{NodeID: "dn-1", Role: RoleStorage}))
	events.NotifyUpdate(member(t, "dn-2", &MemberMeta{Role: RoleStorage}))
	events.NotifyJoin(member(t, "coord-2", &MemberMeta{NodeID: "coord-2", Role: RoleCoordinator}))
	events.NotifyJoin(member(t, "bare", nil))

	assert.Equal(t, []model.NodeID{"dn-1", "dn-2"}, toucher.touched)
	assert.Len(t, svc.Members(), 2)

	events.NotifyLeave(member(t, "dn-1", &MemberMeta{NodeID: "dn-1", Role: RoleStorage}))
	_, ok := svc.Members()["dn-1"]
	assert.False(t, ok)
}

func TestService_NodeMetaRespectsLimit(t *testing.T) {
	svc := NewService(&Config{}, MemberMeta{NodeID: "coord", Role: RoleCoordinator}, &recordingToucher{}, zap.NewNop())

	var meta MemberMeta
	require.NoError(t, json.Unmarshal(svc.NodeMeta(512), &meta))
	assert.Equal(t, "coord", meta.NodeID)
	assert.Nil(t, svc.NodeMeta(4))
	assert.NoError(t, svc.Shutdown())
}
