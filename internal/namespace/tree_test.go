package namespace

import (
	"fmt"
	"math"
	"testing"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return NewTree(zap.NewNop())
}

func fileSpec(replication int16, blockSize int64) FileSpec {
	return FileSpec{Replication: replication, BlockSize: blockSize, ClientName: "client-1", Mtime: 1}
}

func mustMkdirs(t *testing.T, tree *Tree, path string) {
	t.Helper()
	_, err := tree.Mkdirs(path, model.PermissionStatus{}, 1)
	require.NoError(t, err)
}

func TestTree_Mkdirs_CreatesParents(t *testing.T) {
	tree := newTestTree(t)

	created, err := tree.Mkdirs("/a/b/c", model.PermissionStatus{}, 1)
	require.NoError(t, err)
	assert.True(t, created)

	usage, _, err := tree.Quota("/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Namespace)

	created, err = tree.Mkdirs("/a/b", model.PermissionStatus{}, 1)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_Mkdirs_ThroughFile(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.AddFile("/f", fileSpec(1, 10))
	require.NoError(t, err)

	_, err = tree.Mkdirs("/f/x", model.PermissionStatus{}, 1)
	assert.True(t, errors.Is(err, errors.ErrCodeNotADirectory))

	_, err = tree.Mkdirs("/f", model.PermissionStatus{}, 1)
	assert.True(t, errors.Is(err, errors.ErrCodeFileExists))
}

func TestTree_AddFile_CreateParentIsAllOrNothing(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/q")
	require.NoError(t, tree.SetQuota("/q", 1, model.QuotaDontSet))

	spec := fileSpec(1, 10)
	spec.CreateParent = true
	_, err := tree.AddFile("/q/a/f", spec)
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	_, err = tree.Resolve("/q/a")
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))
	usage, _, err := tree.Quota("/q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Namespace)

	require.NoError(t, tree.SetQuota("/q", 2, model.QuotaDontSet))
	_, err = tree.AddFile("/q/a/f", spec)
	require.NoError(t, err)
	usage, _, _ = tree.Quota("/q")
	assert.Equal(t, int64(2), usage.Namespace)
	usage, _, _ = tree.Quota("/q/a")
	assert.Equal(t, int64(1), usage.Namespace)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_AddFile_MissingParent(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.AddFile("/x/y/f", fileSpec(1, 10))
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))

	_, err = tree.AddFile("/g", fileSpec(1, 10))
	require.NoError(t, err)
	spec := fileSpec(1, 10)
	spec.CreateParent = true
	_, err = tree.AddFile("/g/h", spec)
	assert.True(t, errors.Is(err, errors.ErrCodeNotADirectory))
}

func TestTree_NamespaceQuota_RoundTrip(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/q")
	const n = 5
	require.NoError(t, tree.SetQuota("/q", n, model.QuotaDontSet))

	for i := 0; i < n; i++ {
		_, err := tree.AddFile(fmt.Sprintf("/q/f%d", i), fileSpec(1, 10))
		require.NoError(t, err)
	}

	_, err := tree.AddFile("/q/overflow", fileSpec(1, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))
	assert.True(t, errors.IsQuotaExceeded(err))

	_, err = tree.Delete("/q/f0", false, 2)
	require.NoError(t, err)

	_, err = tree.AddFile("/q/overflow", fileSpec(1, 10))
	require.NoError(t, err)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_Mkdirs_AllOrNothing(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/q")
	require.NoError(t, tree.SetQuota("/q", 2, model.QuotaDontSet))

	_, err := tree.Mkdirs("/q/a/b/c", model.PermissionStatus{}, 1)
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	_, err = tree.Resolve("/q/a")
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))
	usage, _, err := tree.Quota("/q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Namespace)
}

func TestTree_SetQuota_Boundaries(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/d")

	require.NoError(t, tree.SetQuota("/d", math.MaxInt64-1, model.QuotaDontSet))
	_, quota, err := tree.Quota("/d")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), quota.Namespace)

	err = tree.SetQuota("/d", -2, model.QuotaDontSet)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	_, quota, _ = tree.Quota("/d")
	assert.Equal(t, int64(math.MaxInt64-1), quota.Namespace)

	require.NoError(t, tree.SetQuota("/d", model.QuotaReset, model.QuotaDontSet))
	_, quota, _ = tree.Quota("/d")
	assert.Equal(t, model.QuotaReset, quota.Namespace)
}

func TestTree_SetQuota_RejectsReservedMaximum(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/d")
	require.NoError(t, tree.SetQuota("/d", 7, 700))

	err := tree.SetQuota("/d", math.MaxInt64, math.MaxInt64)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	_, quota, err := tree.Quota("/d")
	require.NoError(t, err)
	assert.Equal(t, model.QuotaCounts{Namespace: 7, Space: 700}, quota)
}

func TestTree_SetQuota_Errors(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.AddFile("/f", fileSpec(1, 10))
	require.NoError(t, err)

	assert.True(t, errors.Is(tree.SetQuota("/missing", 1, 1), errors.ErrCodePathNotFound))
	assert.True(t, errors.Is(tree.SetQuota("/f", 1, 1), errors.ErrCodeNotADirectory))
	assert.True(t, errors.Is(tree.SetQuota("/", model.QuotaReset, model.QuotaDontSet), errors.ErrCodeInvalidArgument))
	assert.NoError(t, tree.SetQuota("/", 100, model.QuotaDontSet))
}

func TestTree_SetQuota_BelowUsage(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/d/a")
	mustMkdirs(t, tree, "/d/b")
	mustMkdirs(t, tree, "/d/c")

	require.NoError(t, tree.SetQuota("/d", 1, model.QuotaDontSet))

	_, err := tree.Mkdirs("/d/e", model.PermissionStatus{}, 1)
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	_, err = tree.Delete("/d/a", false, 2)
	require.NoError(t, err)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_AddBlock_ReservesFullBlock(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/s")
	require.NoError(t, tree.SetQuota("/s", model.QuotaDontSet, 500))

	id, err := tree.AddFile("/s/f", fileSpec(3, 128))
	require.NoError(t, err)

	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))
	usage, _, _ := tree.Quota("/s")
	assert.Equal(t, int64(384), usage.Space)

	err = tree.AddBlock(id, &model.Block{ID: 1, NumBytes: 128}, model.Block{ID: 2, GenStamp: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDSQuotaExceeded))
	usage, _, _ = tree.Quota("/s")
	assert.Equal(t, int64(384), usage.Space)

	require.NoError(t, tree.CommitLastBlock(id, 10))
	usage, _, _ = tree.Quota("/s")
	assert.Equal(t, int64(30), usage.Space)
	require.NoError(t, tree.FinalizeFile(id, 2))
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_AddBlock_RejectsInvalidPreviousLength(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/s")
	id, err := tree.AddFile("/s/f", fileSpec(2, 128))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))

	for _, n := range []int64{-1, 129} {
		err = tree.AddBlock(id, &model.Block{ID: 1, NumBytes: n}, model.Block{ID: 2, GenStamp: 1})
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument), n)
	}

	file, err := tree.File(id)
	require.NoError(t, err)
	require.Len(t, file.Blocks, 1)
	usage, _, _ := tree.Quota("/s")
	assert.Equal(t, int64(256), usage.Space)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_AbandonLastBlock(t *testing.T) {
	tree := newTestTree(t)
	id, err := tree.AddFile("/f", fileSpec(2, 64))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 7, GenStamp: 1}))

	assert.True(t, errors.Is(tree.AbandonLastBlock(id, 8), errors.ErrCodeBlockNotFound))
	require.NoError(t, tree.AbandonLastBlock(id, 7))

	usage, _, _ := tree.Quota("/")
	assert.Equal(t, int64(0), usage.Space)
	assert.Equal(t, int64(1), usage.Namespace)
}

func TestTree_Rename_AcrossQuotaSubtrees_Fails(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/src/sub/x")
	mustMkdirs(t, tree, "/dst/y")
	require.NoError(t, tree.SetQuota("/dst", 2, model.QuotaDontSet))

	srcBefore, _, _ := tree.Quota("/src")
	dstBefore, _, _ := tree.Quota("/dst")

	_, err := tree.Rename("/src/sub", "/dst/sub", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNSQuotaExceeded))

	_, err = tree.Resolve("/src/sub/x")
	assert.NoError(t, err)
	srcAfter, _, _ := tree.Quota("/src")
	dstAfter, _, _ := tree.Quota("/dst")
	assert.Equal(t, srcBefore, srcAfter)
	assert.Equal(t, dstBefore, dstAfter)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_Rename_MovesCounts(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/a/b")
	mustMkdirs(t, tree, "/c")
	id, err := tree.AddFile("/a/b/f", fileSpec(2, 100))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))

	path, err := tree.Rename("/a/b", "/c", 2)
	require.NoError(t, err)
	assert.Equal(t, "/c/b", path)

	usageA, _, _ := tree.Quota("/a")
	usageC, _, _ := tree.Quota("/c")
	assert.Equal(t, model.QuotaCounts{}, usageA)
	assert.Equal(t, model.QuotaCounts{Namespace: 2, Space: 200}, usageC)

	f, err := tree.File(id)
	require.NoError(t, err)
	assert.Equal(t, "/c/b/f", f.Path)
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_Rename_Errors(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/a/b")
	_, err := tree.AddFile("/f", fileSpec(1, 10))
	require.NoError(t, err)

	_, err = tree.Rename("/a", "/a/b/c", 1)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	_, err = tree.Rename("/a", "/f", 1)
	assert.True(t, errors.Is(err, errors.ErrCodeFileExists))

	_, err = tree.Rename("/missing", "/x", 1)
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))

	_, err = tree.Rename("/a", "/nope/x", 1)
	assert.True(t, errors.Is(err, errors.ErrCodePathNotFound))
}

func TestTree_Delete(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/d/e")
	id, err := tree.AddFile("/d/e/f", fileSpec(1, 10))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 3, GenStamp: 1}))

	_, err = tree.Delete("/d", false, 2)
	assert.True(t, errors.Is(err, errors.ErrCodeDirNotEmpty))

	res, err := tree.Delete("/d", true, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.INodeID{id}, res.Files)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, model.BlockID(3), res.Blocks[0].ID)

	usage, _, _ := tree.Quota("/")
	assert.Equal(t, model.QuotaCounts{}, usage)
	assert.Equal(t, 1, tree.NumINodes())

	_, err = tree.Delete("/", true, 2)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}

func TestTree_SetReplication_VerifiesSpace(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/s")
	id, err := tree.AddFile("/s/f", fileSpec(1, 100))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))
	require.NoError(t, tree.CommitLastBlock(id, 100))
	require.NoError(t, tree.FinalizeFile(id, 2))
	require.NoError(t, tree.SetQuota("/s", model.QuotaDontSet, 250))

	old, err := tree.SetReplication("/s/f", 2)
	require.NoError(t, err)
	assert.Equal(t, int16(1), old)

	_, err = tree.SetReplication("/s/f", 3)
	assert.True(t, errors.Is(err, errors.ErrCodeDSQuotaExceeded))

	_, err = tree.SetReplication("/s", 3)
	assert.True(t, errors.Is(err, errors.ErrCodeIsADirectory))
	require.NoError(t, tree.VerifyCounts())
}

func TestTree_PrepareAppend(t *testing.T) {
	tree := newTestTree(t)
	id, err := tree.AddFile("/f", fileSpec(2, 100))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))
	require.NoError(t, tree.CommitLastBlock(id, 40))
	require.NoError(t, tree.FinalizeFile(id, 2))

	last, err := tree.PrepareAppend(id, "client-2", "host", 3)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.BlockID(1), last.ID)

	f, _ := tree.File(id)
	assert.True(t, f.UnderConstruction())
	assert.Equal(t, "client-2", f.ClientName)
	usage, _, _ := tree.Quota("/")
	assert.Equal(t, int64(200), usage.Space)
}

func TestTree_ContentSummaryAndList(t *testing.T) {
	tree := newTestTree(t)
	mustMkdirs(t, tree, "/d/x")
	id, err := tree.AddFile("/d/f", fileSpec(3, 100))
	require.NoError(t, err)
	require.NoError(t, tree.AddBlock(id, nil, model.Block{ID: 1, GenStamp: 1}))
	require.NoError(t, tree.CommitLastBlock(id, 50))
	require.NoError(t, tree.SetQuota("/d", 10, 1000))

	cs, err := tree.ContentSummary("/d")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cs.Length)
	assert.Equal(t, int64(1), cs.FileCount)
	assert.Equal(t, int64(2), cs.DirectoryCount)
	assert.Equal(t, int64(150), cs.SpaceConsumed)
	assert.Equal(t, int64(10), cs.NSQuota)
	assert.Equal(t, int64(1000), cs.SpaceQuota)

	list, err := tree.List("/d")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "/d/f", list[0].Path)
	assert.Equal(t, "/d/x", list[1].Path)
	assert.True(t, list[1].IsDir)
}

func TestTree_PathValidation(t *testing.T) {
	tree := newTestTree(t)

	_, err := tree.Resolve("relative")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
	_, err = tree.Resolve("/a/../b")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))

	id, err := tree.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, RootID, id)
}
