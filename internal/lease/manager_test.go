package lease

import (
	"testing"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestManager() (*Manager, *testClock) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return NewManager(time.Minute, time.Hour, clock.Now, zap.NewNop()), clock
}

func TestManager_StateProgression(t *testing.T) {
	m, clock := newTestManager()
	m.Add("client-1", 10)

	assert.Equal(t, StateOpen, m.Status(10).State)

	clock.now = clock.now.Add(2 * time.Minute)
	assert.Equal(t, StateSoftExpired, m.Status(10).State)
	assert.True(t, m.SoftExpired("client-1"))

	clock.now = clock.now.Add(time.Hour)
	assert.Equal(t, StateHardExpired, m.Status(10).State)
	expired := m.HardExpired()
	require.Len(t, expired, 1)
	assert.Equal(t, "client-1", expired[0].Holder)
	assert.Equal(t, []model.INodeID{10}, expired[0].Files)

	fl, err := m.MarkRecovering(10, RecoveryState{Block: 7, RecoveryID: 6, Primary: "dn-1"})
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, fl.State)
	assert.Equal(t, 1, fl.Recovery.Attempts)

	fl, err = m.MarkRecovering(10, RecoveryState{Block: 7, RecoveryID: 6, Primary: "dn-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, fl.Recovery.Attempts)
	assert.Equal(t, model.NodeID("dn-2"), fl.Recovery.Primary)

	m.Remove(10)
	assert.Equal(t, StateClosed, m.Status(10).State)
	_, ok := m.Recovering(10)
	assert.False(t, ok)
	holders, files := m.Count()
	assert.Zero(t, holders)
	assert.Zero(t, files)
}

func TestManager_RenewResetsExpiry(t *testing.T) {
	m, clock := newTestManager()
	m.Add("client-1", 1)
	m.Add("client-1", 2)

	clock.now = clock.now.Add(50 * time.Second)
	assert.True(t, m.Renew("client-1"))
	clock.now = clock.now.Add(50 * time.Second)

	assert.Equal(t, StateOpen, m.Status(1).State)
	assert.Equal(t, StateOpen, m.Status(2).State)
	assert.False(t, m.Renew("nobody"))
}

func TestManager_Reassign(t *testing.T) {
	m, _ := newTestManager()
	m.Add("client-1", 1)
	m.Add("client-1", 2)

	m.Reassign(1, "coordinator")

	holder, ok := m.Holder(1)
	require.True(t, ok)
	assert.Equal(t, "coordinator", holder)
	l, ok := m.Get("client-1")
	require.True(t, ok)
	assert.Equal(t, []model.INodeID{2}, l.Files)
}

func TestManager_HardExpiredOrdering(t *testing.T) {
	m, clock := newTestManager()
	m.Add("b", 1)
	m.Add("a", 2)
	clock.now = clock.now.Add(time.Second)
	m.Add("c", 3)
	clock.now = clock.now.Add(2 * time.Hour)

	expired := m.HardExpired()
	require.Len(t, expired, 3)
	assert.Equal(t, "a", expired[0].Holder)
	assert.Equal(t, "b", expired[1].Holder)
	assert.Equal(t, "c", expired[2].Holder)
}

func TestFileLease_Transitions(t *testing.T) {
	base := time.Unix(0, 0)
	fl := FileLease{State: StateOpen, Holder: "c", Renewed: base}

	assert.Equal(t, StateOpen, fl.Evaluate(base.Add(30*time.Second), time.Minute, time.Hour).State)
	assert.Equal(t, StateSoftExpired, fl.Evaluate(base.Add(2*time.Minute), time.Minute, time.Hour).State)
	hard := fl.Evaluate(base.Add(2*time.Hour), time.Minute, time.Hour)
	assert.Equal(t, StateHardExpired, hard.State)
	assert.Equal(t, StateOpen, fl.State, "evaluate must not mutate the receiver")

	_, err := fl.Recover(RecoveryState{})
	assert.Error(t, err)

	rec, err := hard.Recover(RecoveryState{Block: 1})
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, rec.State)
	assert.Equal(t, StateRecovering, rec.Evaluate(base.Add(3*time.Hour), time.Minute, time.Hour).State)

	closed := rec.Close()
	assert.Equal(t, StateClosed, closed.State)
	_, err = closed.Recover(RecoveryState{})
	assert.Error(t, err)
}
