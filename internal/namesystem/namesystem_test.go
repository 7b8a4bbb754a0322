package namesystem

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/editlog"
	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/liveness"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const testBlockSize = 1024

func testConfig() Config {
	return Config{
		HolderName:         "pairfs-coordinator-test",
		DefaultBlockSize:   testBlockSize,
		DefaultReplication: 3,
		MinReplication:     1,
		MaxReplication:     8,
		Liveness: liveness.Config{
			StaleInterval: 30 * time.Second,
			DeadTimeout:   10 * time.Minute,
		},
		PendingTimeout:    5 * time.Minute,
		InitialGenStamp:   4,
		SoftLimit:         time.Minute,
		HardLimit:         20 * time.Minute,
		RecoveryRetry:     time.Minute,
		WorkPerSweep:      10,
		SafeModeThreshold: 1.0,
	}
}

type harness struct {
	ns    *Namesystem
	sink  *editlog.MemorySink
	clock *fakeClock
	hosts *config.Hosts
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sink:  editlog.NewMemorySink(),
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
		hosts: &config.Hosts{},
	}
	h.ns = h.open(t, mutate...)
	return h
}

// open builds a namesystem over the harness sink and replays it
func (h *harness) open(t *testing.T, mutate ...func(*Config)) *Namesystem {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	loadHosts := func() (*config.Hosts, error) { return h.hosts, nil }
	ns, err := New(cfg, h.sink, loadHosts, metrics.NewMetrics(prometheus.NewRegistry()), h.clock.Now, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, ns.Load(context.Background()))
	return ns
}

func (h *harness) addNodes(t *testing.T, ids ...model.NodeID) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		_, err := h.ns.RegisterStorageNode(ctx, model.NodeRegistration{NodeID: id, Address: string(id) + ":9866"})
		require.NoError(t, err)
		h.heartbeat(t, id)
	}
}

func (h *harness) heartbeat(t *testing.T, id model.NodeID) *model.HeartbeatReply {
	t.Helper()
	reply, err := h.ns.Heartbeat(context.Background(), id, model.NodeStats{
		Capacity:  1 << 40,
		Remaining: 1 << 40,
	})
	require.NoError(t, err)
	return reply
}

func (h *harness) report(t *testing.T, node model.NodeID, b model.Block, state model.ReplicaState) {
	t.Helper()
	err := h.ns.BlockReceivedAndDeleted(context.Background(), node,
		[]model.ReportedReplica{{Block: b, State: state}}, nil)
	require.NoError(t, err)
}

func (h *harness) create(t *testing.T, path, client string, replication int16) {
	t.Helper()
	_, err := h.ns.Create(context.Background(), CreateRequest{
		Path:         path,
		ClientName:   client,
		CreateParent: true,
		Replication:  replication,
	})
	require.NoError(t, err)
}

// writeFile creates path with one finalized block of length n on every
// pipeline target and closes it.
func (h *harness) writeFile(t *testing.T, path string, replication int16, n int64) model.Block {
	t.Helper()
	ctx := context.Background()
	h.create(t, path, "writer", replication)
	lb, err := h.ns.AddBlock(ctx, path, "writer", nil, nil)
	require.NoError(t, err)

	b := lb.Block
	b.NumBytes = n
	for _, loc := range lb.Locations {
		h.report(t, loc.NodeID, b, model.ReplicaFinalized)
	}
	require.NoError(t, h.ns.Complete(ctx, path, "writer", &b))
	return b
}

func TestNamesystem_LeaseRecoveryScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1", "dn-2", "dn-3")

	h.create(t, "/logs/app.log", "client-1", 3)
	lb, err := h.ns.AddBlock(ctx, "/logs/app.log", "client-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, lb.Locations, 3)
	assert.Equal(t, model.GenerationStamp(5), lb.Block.GenStamp)

	b := lb.Block
	h.report(t, "dn-1", model.Block{ID: b.ID, GenStamp: 5, NumBytes: 100}, model.ReplicaRBW)
	h.report(t, "dn-2", model.Block{ID: b.ID, GenStamp: 5, NumBytes: 80}, model.ReplicaRBW)
	h.report(t, "dn-3", model.Block{ID: b.ID, GenStamp: 5, NumBytes: 100}, model.ReplicaRBW)

	// The writer vanishes and a reader takes over once the soft limit passes.
	h.clock.Advance(61 * time.Second)
	closed, err := h.ns.RecoverLease(ctx, "/logs/app.log", "client-2")
	require.NoError(t, err)
	assert.False(t, closed)

	info, err := h.ns.GetFileInfo(ctx, "/logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, model.FileUnderConstruction, info.State)
	assert.Equal(t, "RECOVERING", info.LeaseState)

	reply := h.heartbeat(t, "dn-1")
	require.Len(t, reply.Commands, 1)
	cmd := reply.Commands[0]
	assert.Equal(t, model.CommandRecover, cmd.Type)
	require.Len(t, cmd.Recovering, 1)
	assert.Equal(t, model.GenerationStamp(6), cmd.Recovering[0].NewGenStamp)
	assert.Equal(t, []model.NodeID{"dn-1", "dn-2", "dn-3"}, cmd.Recovering[0].Holders)

	// Writes are refused while recovery runs.
	_, err = h.ns.AddBlock(ctx, "/logs/app.log", "client-1", &b, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeRecoveryInProgress))

	req := CommitSyncRequest{
		Block:       model.Block{ID: b.ID, GenStamp: 5, NumBytes: 100},
		NewGenStamp: 6,
		NewLength:   100,
		CloseFile:   true,
		NewTargets:  []model.NodeID{"dn-1", "dn-3"},
	}
	require.NoError(t, h.ns.CommitBlockSynchronization(ctx, req))

	locs, err := h.ns.GetBlockLocations(ctx, "/logs/app.log", 0, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(100), locs.FileLength)
	assert.False(t, locs.UnderConstruction)
	assert.True(t, locs.LastBlockIsComplete)
	require.NotNil(t, locs.LastBlock)
	assert.Equal(t, model.GenerationStamp(6), locs.LastBlock.Block.GenStamp)

	info, err = h.ns.GetFileInfo(ctx, "/logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, model.FileComplete, info.State)

	counts, err := h.ns.GetReplicaCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Live)

	// A repeated commit is a no-op; a superseded one is stale.
	require.NoError(t, h.ns.CommitBlockSynchronization(ctx, req))
	stale := req
	stale.NewGenStamp = 7
	err = h.ns.CommitBlockSynchronization(ctx, stale)
	assert.True(t, errors.Is(err, errors.ErrCodeStaleGenerationStamp))

	closed, err = h.ns.RecoverLease(ctx, "/logs/app.log", "client-2")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, 0, h.ns.Report().OpenFiles)
}

func TestNamesystem_HardLimitRecoveryWithUnreachableHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1", "dn-2", "dn-3")

	h.create(t, "/logs/app.log", "client-1", 3)
	lb, err := h.ns.AddBlock(ctx, "/logs/app.log", "client-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, lb.Locations, 3)
	b := lb.Block
	for _, id := range []model.NodeID{"dn-1", "dn-2", "dn-3"} {
		h.report(t, id, model.Block{ID: b.ID, GenStamp: 5, NumBytes: 100}, model.ReplicaRBW)
	}

	// dn-3 stops heartbeating and is declared dead.
	h.clock.Advance(11 * time.Minute)
	h.heartbeat(t, "dn-1")
	h.heartbeat(t, "dn-2")
	transitions := h.ns.CheckHeartbeats()
	require.Len(t, transitions, 1)
	assert.Equal(t, model.NodeID("dn-3"), transitions[0].NodeID)

	// The writer never returns; the hard limit passes.
	h.clock.Advance(10 * time.Minute)
	h.heartbeat(t, "dn-1")
	h.heartbeat(t, "dn-2")
	assert.Equal(t, 1, h.ns.CheckLeases(ctx))

	info, err := h.ns.GetFileInfo(ctx, "/logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, "RECOVERING", info.LeaseState)

	reply := h.heartbeat(t, "dn-1")
	require.Len(t, reply.Commands, 1)
	require.Len(t, reply.Commands[0].Recovering, 1)
	rb := reply.Commands[0].Recovering[0]
	assert.Equal(t, model.GenerationStamp(6), rb.NewGenStamp)
	assert.Equal(t, []model.NodeID{"dn-1", "dn-2"}, rb.Holders)
	assert.Empty(t, h.heartbeat(t, "dn-2").Commands)

	// A sweep before the retry interval starts nothing new.
	assert.Equal(t, 0, h.ns.CheckLeases(ctx))
	assert.Empty(t, h.heartbeat(t, "dn-1").Commands)

	// A retry asks for the same generation stamp.
	h.clock.Advance(61 * time.Second)
	h.heartbeat(t, "dn-1")
	h.heartbeat(t, "dn-2")
	assert.Equal(t, 1, h.ns.CheckLeases(ctx))
	reply = h.heartbeat(t, "dn-1")
	require.Len(t, reply.Commands, 1)
	assert.Equal(t, model.GenerationStamp(6), reply.Commands[0].Recovering[0].NewGenStamp)

	require.NoError(t, h.ns.CommitBlockSynchronization(ctx, CommitSyncRequest{
		Block:       model.Block{ID: b.ID, GenStamp: 5, NumBytes: 100},
		NewGenStamp: 6,
		NewLength:   100,
		CloseFile:   true,
		NewTargets:  []model.NodeID{"dn-1", "dn-2"},
	}))

	locs, err := h.ns.GetBlockLocations(ctx, "/logs/app.log", 0, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(100), locs.FileLength)
	assert.False(t, locs.UnderConstruction)
	require.NotNil(t, locs.LastBlock)
	assert.Equal(t, model.GenerationStamp(6), locs.LastBlock.Block.GenStamp)

	info, err = h.ns.GetFileInfo(ctx, "/logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, model.FileComplete, info.State)
	assert.Equal(t, int64(100), info.Length)
	assert.Equal(t, 0, h.ns.CheckLeases(ctx))
	assert.Equal(t, 0, h.ns.Report().OpenFiles)
}

func TestNamesystem_RecoverLease_EmptyLastBlockIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/empty", "client-1", 1)
	closed, err := h.ns.RecoverLease(ctx, "/empty", "client-2")
	require.NoError(t, err)
	assert.True(t, closed)

	info, err := h.ns.GetFileInfo(ctx, "/empty")
	require.NoError(t, err)
	assert.Equal(t, model.FileComplete, info.State)
	assert.Equal(t, int64(0), info.Length)
}

func TestNamesystem_Create_LeaseConflictAndSoftExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/data/part-0", "client-1", 1)

	_, err := h.ns.Create(ctx, CreateRequest{Path: "/data/part-0", ClientName: "client-2"})
	assert.True(t, errors.Is(err, errors.ErrCodeLeaseConflict))

	_, err = h.ns.Create(ctx, CreateRequest{Path: "/data/part-0", ClientName: "client-1"})
	assert.True(t, errors.Is(err, errors.ErrCodeLeaseConflict))

	// Past the soft limit the empty file is closed on the holder's behalf.
	h.clock.Advance(2 * time.Minute)
	_, err = h.ns.Create(ctx, CreateRequest{Path: "/data/part-0", ClientName: "client-2"})
	assert.True(t, errors.Is(err, errors.ErrCodeFileExists))

	status, err := h.ns.Create(ctx, CreateRequest{Path: "/data/part-0", ClientName: "client-2", Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, model.FileUnderConstruction, status.State)

	_, err = h.ns.AddBlock(ctx, "/data/part-0", "client-1", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeLeaseExpired))
}

func TestNamesystem_RenewLease_KeepsHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/a", "client-1", 1)
	h.clock.Advance(50 * time.Second)
	require.NoError(t, h.ns.RenewLease(ctx, "client-1"))
	h.clock.Advance(50 * time.Second)

	_, err := h.ns.Append(ctx, "/a", "client-2", "host-2")
	assert.True(t, errors.Is(err, errors.ErrCodeLeaseConflict))
}

func TestNamesystem_CheckLeases_HardLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/abandoned", "client-1", 1)
	h.clock.Advance(21 * time.Minute)

	assert.Equal(t, 1, h.ns.CheckLeases(ctx))
	info, err := h.ns.GetFileInfo(ctx, "/abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.FileComplete, info.State)
	assert.Equal(t, 0, h.ns.CheckLeases(ctx))
}

func TestNamesystem_Complete_WaitsForReplicas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")

	h.create(t, "/f", "client-1", 1)
	lb, err := h.ns.AddBlock(ctx, "/f", "client-1", nil, nil)
	require.NoError(t, err)

	// A retried allocation returns the same block.
	again, err := h.ns.AddBlock(ctx, "/f", "client-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, lb.Block.ID, again.Block.ID)

	last := lb.Block
	last.NumBytes = 10
	err = h.ns.Complete(ctx, "/f", "client-1", &last)
	assert.True(t, errors.Is(err, errors.ErrCodeNotReplicatedYet))

	h.report(t, "dn-1", last, model.ReplicaFinalized)
	require.NoError(t, h.ns.Complete(ctx, "/f", "client-1", &last))
	require.NoError(t, h.ns.Complete(ctx, "/f", "client-1", &last))

	info, err := h.ns.GetFileInfo(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, model.FileComplete, info.State)
	assert.Equal(t, int64(10), info.Length)
}

func TestNamesystem_AddBlock_InsufficientNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/f", "client-1", 1)
	_, err := h.ns.AddBlock(ctx, "/f", "client-1", nil, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInsufficientNodes))
}

func TestNamesystem_NamespaceQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ns.Mkdirs(ctx, "/q", model.PermissionStatus{})
	require.NoError(t, err)
	require.NoError(t, h.ns.SetQuota(ctx, "/q", 3, model.QuotaDontSet))

	for _, p := range []string{"/q/a", "/q/b", "/q/c"} {
		h.create(t, p, "client-1", 1)
	}
	_, err = h.ns.Create(ctx, CreateRequest{Path: "/q/d", ClientName: "client-1"})
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	deleted, err := h.ns.Delete(ctx, "/q/a", false)
	require.NoError(t, err)
	assert.True(t, deleted)
	h.create(t, "/q/d", "client-1", 1)

	qu, err := h.ns.GetQuota(ctx, "/q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), qu.Usage.Namespace)
	assert.Equal(t, int64(3), qu.Quota.Namespace)

	require.NoError(t, h.ns.SetQuota(ctx, "/q", model.QuotaReset, model.QuotaDontSet))
	h.create(t, "/q/e", "client-1", 1)
	require.NoError(t, h.ns.VerifyCounts())
}

func TestNamesystem_Create_ParentsRollBackOnQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ns.Mkdirs(ctx, "/q", model.PermissionStatus{})
	require.NoError(t, err)
	require.NoError(t, h.ns.SetQuota(ctx, "/q", 1, model.QuotaDontSet))
	txid := h.ns.LastTxID()

	_, err = h.ns.Create(ctx, CreateRequest{Path: "/q/a/f", ClientName: "client-1", CreateParent: true})
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	_, err = h.ns.GetFileInfo(ctx, "/q/a")
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))
	qu, err := h.ns.GetQuota(ctx, "/q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), qu.Usage.Namespace)
	assert.Equal(t, txid, h.ns.LastTxID())

	// With room for both entries the parent is created and survives a restart.
	require.NoError(t, h.ns.SetQuota(ctx, "/q", 2, model.QuotaDontSet))
	h.create(t, "/q/a/f", "client-1", 1)
	restarted := h.open(t)
	qu, err = restarted.GetQuota(ctx, "/q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), qu.Usage.Namespace)
	require.NoError(t, restarted.VerifyCounts())
}

func TestNamesystem_SetQuota_RejectsReservedMaximum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ns.Mkdirs(ctx, "/d", model.PermissionStatus{})
	require.NoError(t, err)
	txid := h.ns.LastTxID()

	err = h.ns.SetQuota(ctx, "/d", math.MaxInt64, math.MaxInt64)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	assert.Equal(t, txid, h.ns.LastTxID())

	qu, err := h.ns.GetQuota(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, model.QuotaCounts{Namespace: model.QuotaReset, Space: model.QuotaReset}, qu.Quota)

	require.NoError(t, h.ns.SetQuota(ctx, "/d", math.MaxInt64-1, model.QuotaDontSet))
}

func TestNamesystem_AddBlock_RejectsInvalidPreviousLength(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")

	h.create(t, "/f", "client-1", 1)
	lb, err := h.ns.AddBlock(ctx, "/f", "client-1", nil, nil)
	require.NoError(t, err)

	for _, n := range []int64{-1, testBlockSize + 1} {
		prev := lb.Block
		prev.NumBytes = n
		_, err = h.ns.AddBlock(ctx, "/f", "client-1", &prev, nil)
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument), n)
	}

	locs, err := h.ns.GetBlockLocations(ctx, "/f", 0, 1<<20)
	require.NoError(t, err)
	require.NotNil(t, locs.LastBlock)
	assert.Equal(t, lb.Block.ID, locs.LastBlock.Block.ID)
	require.NoError(t, h.ns.VerifyCounts())
}

func TestNamesystem_SpaceQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")

	_, err := h.ns.Mkdirs(ctx, "/s", model.PermissionStatus{})
	require.NoError(t, err)
	require.NoError(t, h.ns.SetQuota(ctx, "/s", model.QuotaDontSet, testBlockSize+testBlockSize/2))

	h.create(t, "/s/f", "client-1", 1)
	lb, err := h.ns.AddBlock(ctx, "/s/f", "client-1", nil, nil)
	require.NoError(t, err)

	prev := lb.Block
	prev.NumBytes = testBlockSize
	_, err = h.ns.AddBlock(ctx, "/s/f", "client-1", &prev, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeDSQuotaExceeded))

	// The rejected allocation leaves the file untouched.
	locs, err := h.ns.GetBlockLocations(ctx, "/s/f", 0, 1<<20)
	require.NoError(t, err)
	require.NotNil(t, locs.LastBlock)
	assert.Equal(t, lb.Block.ID, locs.LastBlock.Block.ID)
	assert.False(t, locs.LastBlockIsComplete)
	require.NoError(t, h.ns.VerifyCounts())

	require.NoError(t, h.ns.SetQuota(ctx, "/s", model.QuotaDontSet, model.QuotaReset))
	_, err = h.ns.AddBlock(ctx, "/s/f", "client-1", &prev, nil)
	require.NoError(t, err)
}

func TestNamesystem_Rename_IntoDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.create(t, "/src/a", "client-1", 1)
	_, err := h.ns.Mkdirs(ctx, "/dst", model.PermissionStatus{})
	require.NoError(t, err)

	result, err := h.ns.Rename(ctx, "/src/a", "/dst")
	require.NoError(t, err)
	assert.Equal(t, "/dst/a", result)

	_, err = h.ns.GetFileInfo(ctx, "/src/a")
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))
}

func TestNamesystem_ReplayRestoresState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1", "dn-2")

	h.writeFile(t, "/warehouse/t1/part-0", 2, 300)
	h.writeFile(t, "/warehouse/t1/part-1", 2, 700)
	h.create(t, "/warehouse/t1/_tmp", "writer-2", 1)
	_, err := h.ns.Rename(ctx, "/warehouse/t1/part-1", "/warehouse/t1/part-9")
	require.NoError(t, err)
	require.NoError(t, h.ns.SetQuota(ctx, "/warehouse", 100, 1<<30))
	_, err = h.ns.SetReplication(ctx, "/warehouse/t1/part-0", 1)
	require.NoError(t, err)
	_, err = h.ns.Delete(ctx, "/warehouse/t1/_tmp", false)
	require.NoError(t, err)
	h.create(t, "/warehouse/t2/open", "writer-3", 1)

	want, err := h.ns.GetContentSummary(ctx, "/")
	require.NoError(t, err)
	wantQuota, err := h.ns.GetQuota(ctx, "/warehouse")
	require.NoError(t, err)

	restarted := h.open(t)
	got, err := restarted.GetContentSummary(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	gotQuota, err := restarted.GetQuota(ctx, "/warehouse")
	require.NoError(t, err)
	assert.Equal(t, wantQuota, gotQuota)
	assert.Equal(t, h.ns.LastTxID(), restarted.LastTxID())
	require.NoError(t, restarted.VerifyCounts())

	info, err := restarted.GetFileInfo(ctx, "/warehouse/t1/part-0")
	require.NoError(t, err)
	assert.Equal(t, int16(1), info.Replication)
	assert.Equal(t, int64(300), info.Length)

	open, err := restarted.GetFileInfo(ctx, "/warehouse/t2/open")
	require.NoError(t, err)
	assert.Equal(t, model.FileUnderConstruction, open.State)
	assert.Equal(t, 1, restarted.Report().OpenFiles)
}

func TestNamesystem_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")

	h.writeFile(t, "/a/f", 1, 42)
	_, err := h.ns.Rename(ctx, "/a/f", "/a/g")
	require.NoError(t, err)
	h.create(t, "/a/h", "client-1", 1)
	_, err = h.ns.AddBlock(ctx, "/a/h", "client-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.ns.SetQuota(ctx, "/a", 10, model.QuotaDontSet))
	_, err = h.ns.Delete(ctx, "/a/g", false)
	require.NoError(t, err)

	records, err := h.sink.ReadAll(ctx)
	require.NoError(t, err)

	once := newHarness(t).ns
	require.NoError(t, once.Replay(records))
	twice := newHarness(t).ns
	for _, r := range records {
		require.NoError(t, twice.Replay([]*editlog.Record{r, r}))
	}

	want, err := once.GetContentSummary(ctx, "/")
	require.NoError(t, err)
	got, err := twice.GetContentSummary(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, twice.VerifyCounts())
}

func TestNamesystem_SafeMode(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartInSafeMode = true })
	ctx := context.Background()

	assert.True(t, h.ns.InSafeMode())
	_, err := h.ns.Mkdirs(ctx, "/x", model.PermissionStatus{})
	assert.True(t, errors.Is(err, errors.ErrCodeSafeMode))
	_, err = h.ns.GetFileInfo(ctx, "/")
	require.NoError(t, err)

	// An empty namespace has nothing to wait for.
	assert.True(t, h.ns.CheckSafeMode())
	assert.False(t, h.ns.InSafeMode())

	h.ns.EnterSafeMode()
	assert.False(t, h.ns.CheckSafeMode())
	assert.True(t, h.ns.SafeModeStatus().Manual)
	h.ns.LeaveSafeMode()
	assert.False(t, h.ns.InSafeMode())
}

func TestNamesystem_SafeMode_LeavesOnBlockReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")
	b := h.writeFile(t, "/f", 1, 64)

	restarted := h.open(t, func(c *Config) { c.StartInSafeMode = true })
	h.ns = restarted
	assert.True(t, restarted.InSafeMode())
	status := restarted.SafeModeStatus()
	assert.Equal(t, 1, status.TotalBlocks)
	assert.Equal(t, 0, status.SafeBlocks)

	assert.Empty(t, restarted.DrainReplicationWork(10))
	err := restarted.CommitBlockSynchronization(ctx, CommitSyncRequest{Block: b, NewGenStamp: b.GenStamp + 1})
	assert.True(t, errors.Is(err, errors.ErrCodeSafeMode))

	h.addNodes(t, "dn-1")
	_, err = restarted.BlockReport(ctx, "dn-1", []model.ReportedReplica{{Block: b, State: model.ReplicaFinalized}})
	require.NoError(t, err)
	assert.False(t, restarted.InSafeMode())
}

func TestNamesystem_DeadNodeReturnsBeforeReplicasDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")
	b := h.writeFile(t, "/f", 1, 10)

	h.clock.Advance(11 * time.Minute)
	transitions := h.ns.nodes.Sweep()
	require.Len(t, transitions, 1)
	assert.Equal(t, model.LivenessDead, transitions[0].To)

	// The node comes back before the sweep's transitions are applied.
	h.addNodes(t, "dn-1")
	counts, err := h.ns.GetReplicaCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Live)

	_, err = h.ns.BlockReport(ctx, "dn-1", []model.ReportedReplica{{Block: b, State: model.ReplicaFinalized}})
	require.NoError(t, err)

	h.ns.dropDeadNodes(transitions)

	counts, err = h.ns.GetReplicaCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Live)
	assert.Empty(t, h.ns.blocks.MissingBlocks())
	assert.Empty(t, h.ns.DrainReplicationWork(10))
}

func TestNamesystem_DeadNodeTriggersReplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1", "dn-2", "dn-3")

	h.create(t, "/f", "writer", 2)
	lb, err := h.ns.AddBlock(ctx, "/f", "writer", nil, nil)
	require.NoError(t, err)
	require.Len(t, lb.Locations, 2)
	b := lb.Block
	b.NumBytes = 10
	h.report(t, "dn-1", b, model.ReplicaFinalized)
	h.report(t, "dn-2", b, model.ReplicaFinalized)
	require.NoError(t, h.ns.Complete(ctx, "/f", "writer", &b))
	assert.Empty(t, h.ns.DrainReplicationWork(10))

	h.clock.Advance(11 * time.Minute)
	h.heartbeat(t, "dn-2")
	h.heartbeat(t, "dn-3")
	transitions := h.ns.CheckHeartbeats()
	require.Len(t, transitions, 1)
	assert.Equal(t, model.NodeID("dn-1"), transitions[0].NodeID)
	assert.Equal(t, model.LivenessDead, transitions[0].To)

	counts, err := h.ns.GetReplicaCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Live)

	work := h.ns.DrainReplicationWork(10)
	require.Len(t, work, 1)
	assert.Equal(t, model.NodeID("dn-2"), work[0].Source)
	assert.Equal(t, []model.NodeID{"dn-3"}, work[0].Targets)

	require.NoError(t, h.ns.DeliverReplication(ctx, work[0]))
	reply := h.heartbeat(t, "dn-2")
	require.Len(t, reply.Commands, 1)
	assert.Equal(t, model.CommandReplicate, reply.Commands[0].Type)

	// Already scheduled work is not handed out twice.
	assert.Empty(t, h.ns.DrainReplicationWork(10))

	h.report(t, "dn-3", b, model.ReplicaFinalized)
	counts, err = h.ns.GetReplicaCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Live)
}

func TestNamesystem_RegisterAndRefreshNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.hosts = &config.Hosts{Include: []string{"dn-1", "dn-2"}}
	require.NoError(t, h.ns.RefreshNodes(ctx))

	_, err := h.ns.RegisterStorageNode(ctx, model.NodeRegistration{NodeID: "dn-9", Address: "dn-9:9866"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	h.addNodes(t, "dn-1", "dn-2")
	h.hosts = &config.Hosts{Include: []string{"dn-1", "dn-2"}, Decommission: []string{"dn-1"}}
	require.NoError(t, h.ns.RefreshNodes(ctx))

	st, ok := h.ns.Tracker().Node("dn-1")
	require.True(t, ok)
	assert.Equal(t, model.AdminDecommissionInProgress, st.AdminState)

	// dn-1 holds no blocks so it finishes immediately.
	assert.Equal(t, []model.NodeID{"dn-1"}, h.ns.CheckDecommission())
	st, _ = h.ns.Tracker().Node("dn-1")
	assert.Equal(t, model.AdminDecommissioned, st.AdminState)

	h.hosts = &config.Hosts{Include: []string{"dn-1", "dn-2"}}
	require.NoError(t, h.ns.RefreshNodes(ctx))
	st, _ = h.ns.Tracker().Node("dn-1")
	assert.Equal(t, model.AdminNormal, st.AdminState)
}

func TestNamesystem_DeleteReleasesBlocksAndLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addNodes(t, "dn-1")

	b := h.writeFile(t, "/dir/done", 1, 5)
	h.create(t, "/dir/open", "client-1", 1)

	_, err := h.ns.Delete(ctx, "/dir", false)
	assert.True(t, errors.Is(err, errors.ErrCodeDirNotEmpty))

	deleted, err := h.ns.Delete(ctx, "/dir", true)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = h.ns.GetReplicaCounts(ctx, b.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeBlockNotFound))
	assert.Equal(t, 0, h.ns.Report().OpenFiles)

	deleted, err = h.ns.Delete(ctx, "/dir", true)
	require.NoError(t, err)
	assert.False(t, deleted)
}
