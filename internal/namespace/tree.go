package namespace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// Tree is the directory hierarchy with per-directory usage counters.
// Tree is not safe for concurrent use; the namesystem lock guards it.
type Tree struct {
	inodes map[model.INodeID]*inode
	nextID model.INodeID
	logger *zap.Logger
}

// DeleteResult lists what a delete removed
type DeleteResult struct {
	Files  []model.INodeID
	Blocks []model.Block
}

// NewTree creates a tree holding only the root directory
func NewTree(logger *zap.Logger) *Tree {
	t := &Tree{
		inodes: make(map[model.INodeID]*inode),
		nextID: RootID + 1,
		logger: logger,
	}
	t.inodes[RootID] = &inode{
		id:   RootID,
		perm: model.PermissionStatus{Owner: "root", Group: "supergroup", Permission: 0o755},
		dir: &dirData{
			children: make(map[string]model.INodeID),
			quota:    model.QuotaCounts{Namespace: model.QuotaReset, Space: model.QuotaReset},
		},
	}
	return t
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.InvalidArgument(fmt.Sprintf("path is not absolute: %q", path), nil)
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "":
			continue
		case ".", "..":
			return nil, errors.InvalidArgument(fmt.Sprintf("path contains relative component: %q", path), nil)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func joinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

// lookup walks parts from the root. A file in a non-final position is
// reported as NotADirectory for that prefix.
func (t *Tree) lookup(parts []string) (*inode, error) {
	cur := t.inodes[RootID]
	for i, name := range parts {
		if cur.dir == nil {
			return nil, errors.NotADirectory(joinPath(parts[:i]))
		}
		childID, ok := cur.dir.children[name]
		if !ok {
			return nil, errors.PathNotFound(joinPath(parts))
		}
		cur = t.inodes[childID]
	}
	return cur, nil
}

func (t *Tree) lookupPath(path string) (*inode, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return t.lookup(parts)
}

// lookupParent resolves the directory that would hold the last component
func (t *Tree) lookupParent(parts []string) (*inode, error) {
	parent, err := t.lookup(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	if parent.dir == nil {
		return nil, errors.NotADirectory(joinPath(parts[:len(parts)-1]))
	}
	return parent, nil
}

func (t *Tree) pathOf(id model.INodeID) string {
	var parts []string
	for n := t.inodes[id]; n != nil && n.id != RootID; n = t.inodes[n.parent] {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return joinPath(parts)
}

// Path returns the current absolute path of an inode
func (t *Tree) Path(id model.INodeID) (string, bool) {
	if _, ok := t.inodes[id]; !ok {
		return "", false
	}
	return t.pathOf(id), true
}

// Resolve returns the handle of the entry at path
func (t *Tree) Resolve(path string) (model.INodeID, error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return 0, err
	}
	return n.id, nil
}

// updateCount adds delta to every directory from dirID up to, but not
// including, stop. With verify set, positive components are checked
// against every quota on the way before anything is applied.
func (t *Tree) updateCount(dirID, stop model.INodeID, delta model.QuotaCounts, verify bool) error {
	if delta.IsZero() {
		return nil
	}

	var chain []*inode
	for id := dirID; id != 0 && id != stop; {
		n := t.inodes[id]
		chain = append(chain, n)
		id = n.parent
	}

	for _, n := range chain {
		next := n.dir.usage.Add(delta)
		if next.Namespace < 0 || next.Space < 0 {
			path := t.pathOf(n.id)
			t.logger.Error("Quota usage would become negative",
				zap.String("path", path),
				zap.Int64("namespace", n.dir.usage.Namespace),
				zap.Int64("space", n.dir.usage.Space),
				zap.Int64("namespace_delta", delta.Namespace),
				zap.Int64("space_delta", delta.Space))
			return errors.InternalError(fmt.Sprintf("negative usage computed for %s", path), nil).
				WithDetail("path", path)
		}
		if !verify {
			continue
		}
		q := n.dir.quota
		if delta.Namespace > 0 && q.Namespace >= 0 && next.Namespace > q.Namespace {
			return errors.NSQuotaExceeded(t.pathOf(n.id), q.Namespace, next.Namespace)
		}
		if delta.Space > 0 && q.Space >= 0 && next.Space > q.Space {
			return errors.DSQuotaExceeded(t.pathOf(n.id), q.Space, next.Space)
		}
	}

	for _, n := range chain {
		n.dir.usage = n.dir.usage.Add(delta)
	}
	return nil
}

func (t *Tree) allocate(parent model.INodeID, name string, perm model.PermissionStatus, mtime int64) *inode {
	n := &inode{id: t.nextID, parent: parent, name: name, perm: perm, mtime: mtime}
	t.nextID++
	t.inodes[n.id] = n
	return n
}

// existingPrefix walks parts from the root while the components exist and
// are directories. It returns the deepest directory found and how many
// components it covers. A file in the way is NotADirectory, or FileExists
// when it is the final component and lastIsFile is false.
func (t *Tree) existingPrefix(parts []string, path string, lastIsFile bool) (*inode, int, error) {
	cur := t.inodes[RootID]
	i := 0
	for ; i < len(parts); i++ {
		childID, ok := cur.dir.children[parts[i]]
		if !ok {
			break
		}
		child := t.inodes[childID]
		if child.dir == nil {
			if i == len(parts)-1 && !lastIsFile {
				return nil, 0, errors.FileExists(path)
			}
			return nil, 0, errors.NotADirectory(joinPath(parts[:i+1]))
		}
		cur = child
	}
	return cur, i, nil
}

// addDirs creates names as a chain of directories under parent. below is
// the namespace count already charged for whatever sits under the last one.
func (t *Tree) addDirs(parent *inode, names []string, below int64, perm model.PermissionStatus, mtime int64) *inode {
	for j, name := range names {
		n := t.allocate(parent.id, name, perm, mtime)
		n.dir = &dirData{
			children: make(map[string]model.INodeID),
			usage:    model.QuotaCounts{Namespace: int64(len(names)-j-1) + below},
			quota:    model.QuotaCounts{Namespace: model.QuotaReset, Space: model.QuotaReset},
		}
		parent.dir.children[name] = n.id
		parent = n
	}
	return parent
}

// Mkdirs creates path and any missing parents. Either every missing
// directory is created or none is. Returns false if path already existed.
func (t *Tree) Mkdirs(path string, perm model.PermissionStatus, mtime int64) (bool, error) {
	parts, err := splitPath(path)
	if err != nil {
		return false, err
	}
	cur, i, err := t.existingPrefix(parts, path, false)
	if err != nil {
		return false, err
	}

	missing := len(parts) - i
	if missing == 0 {
		return false, nil
	}
	if err := t.updateCount(cur.id, 0, model.QuotaCounts{Namespace: int64(missing)}, true); err != nil {
		return false, err
	}

	cur.mtime = mtime
	t.addDirs(cur, parts[i:], 0, perm, mtime)
	return true, nil
}

// FileSpec describes a new file
type FileSpec struct {
	Perm          model.PermissionStatus
	Replication   int16
	BlockSize     int64
	ClientName    string
	ClientMachine string
	Mtime         int64
	// CreateParent creates missing parent directories in the same quota
	// check as the file.
	CreateParent bool
}

// AddFile creates an empty file under construction. Unless
// fs.CreateParent is set the parent must exist.
func (t *Tree) AddFile(path string, fs FileSpec) (model.INodeID, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, errors.IsADirectory(path)
	}
	if fs.Replication <= 0 || fs.BlockSize <= 0 {
		return 0, errors.InvalidArgument("replication and block size must be positive", nil).
			WithDetail("replication", fs.Replication).
			WithDetail("block_size", fs.BlockSize)
	}
	dirs := parts[:len(parts)-1]
	parent, i, err := t.existingPrefix(dirs, path, true)
	if err != nil {
		return 0, err
	}
	if i < len(dirs) && !fs.CreateParent {
		return 0, errors.PathNotFound(joinPath(dirs))
	}
	name := parts[len(parts)-1]
	if i == len(dirs) {
		if existing, ok := parent.dir.children[name]; ok {
			if t.inodes[existing].dir != nil {
				return 0, errors.IsADirectory(path)
			}
			return 0, errors.FileExists(path)
		}
	}

	missing := int64(len(dirs) - i)
	if err := t.updateCount(parent.id, 0, model.QuotaCounts{Namespace: missing + 1}, true); err != nil {
		return 0, err
	}
	if missing > 0 {
		parent.mtime = fs.Mtime
		parent = t.addDirs(parent, dirs[i:], 1, fs.Perm, fs.Mtime)
	}

	n := t.allocate(parent.id, name, fs.Perm, fs.Mtime)
	n.file = &fileData{
		replication:   fs.Replication,
		blockSize:     fs.BlockSize,
		state:         model.FileUnderConstruction,
		clientName:    fs.ClientName,
		clientMachine: fs.ClientMachine,
	}
	parent.dir.children[name] = n.id
	parent.mtime = fs.Mtime
	return n.id, nil
}

// Delete removes path. A non-empty directory needs recursive.
func (t *Tree) Delete(path string, recursive bool, mtime int64) (*DeleteResult, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.InvalidArgument("cannot delete the root directory", nil)
	}
	n, err := t.lookup(parts)
	if err != nil {
		return nil, err
	}
	if n.dir != nil && len(n.dir.children) > 0 && !recursive {
		return nil, errors.DirNotEmpty(path)
	}

	if err := t.updateCount(n.parent, 0, n.counts().Negate(), false); err != nil {
		return nil, err
	}

	result := &DeleteResult{}
	t.collect(n, result)
	parent := t.inodes[n.parent]
	delete(parent.dir.children, n.name)
	parent.mtime = mtime
	return result, nil
}

// collect removes the subtree rooted at n from the arena
func (t *Tree) collect(n *inode, result *DeleteResult) {
	if n.dir != nil {
		for _, childID := range n.dir.children {
			t.collect(t.inodes[childID], result)
		}
	} else {
		result.Files = append(result.Files, n.id)
		result.Blocks = append(result.Blocks, n.file.blocks...)
	}
	delete(t.inodes, n.id)
}

func (t *Tree) isAncestor(ancestor, id model.INodeID) bool {
	for cur := id; cur != 0; cur = t.inodes[cur].parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

func (t *Tree) commonAncestor(a, b model.INodeID) model.INodeID {
	seen := make(map[model.INodeID]bool)
	for cur := a; cur != 0; cur = t.inodes[cur].parent {
		seen[cur] = true
	}
	for cur := b; cur != 0; cur = t.inodes[cur].parent {
		if seen[cur] {
			return cur
		}
	}
	return RootID
}

// Rename moves src to dst and returns the resulting path. If dst is an
// existing directory, src moves under it. Counters above the common
// ancestor do not change; destination quotas are verified before the
// source side is touched.
func (t *Tree) Rename(src, dst string, mtime int64) (string, error) {
	srcParts, err := splitPath(src)
	if err != nil {
		return "", err
	}
	dstParts, err := splitPath(dst)
	if err != nil {
		return "", err
	}
	if len(srcParts) == 0 {
		return "", errors.InvalidArgument("cannot rename the root directory", nil)
	}
	n, err := t.lookup(srcParts)
	if err != nil {
		return "", err
	}

	var target *inode
	name := n.name
	if existing, lerr := t.lookup(dstParts); lerr == nil {
		if existing.id == n.id {
			return t.pathOf(n.id), nil
		}
		if existing.dir == nil {
			return "", errors.FileExists(dst)
		}
		target = existing
		if childID, ok := target.dir.children[name]; ok {
			if childID == n.id {
				return t.pathOf(n.id), nil
			}
			return "", errors.FileExists(joinPath(append(dstParts, name)))
		}
	} else if errors.Is(lerr, errors.ErrCodePathNotFound) && len(dstParts) > 0 {
		target, err = t.lookupParent(dstParts)
		if err != nil {
			return "", err
		}
		name = dstParts[len(dstParts)-1]
	} else {
		return "", lerr
	}

	if t.isAncestor(n.id, target.id) {
		return "", errors.InvalidArgument(fmt.Sprintf("cannot move %s under itself", src), nil).
			WithDetail("dst", dst)
	}

	common := t.commonAncestor(n.parent, target.id)
	counts := n.counts()
	if err := t.updateCount(target.id, common, counts, true); err != nil {
		return "", err
	}
	if err := t.updateCount(n.parent, common, counts.Negate(), false); err != nil {
		// Undo the destination side; it was just verified so this cannot fail.
		_ = t.updateCount(target.id, common, counts.Negate(), false)
		return "", err
	}

	oldParent := t.inodes[n.parent]
	delete(oldParent.dir.children, n.name)
	oldParent.mtime = mtime
	n.parent = target.id
	n.name = name
	target.dir.children[name] = n.id
	target.mtime = mtime
	return t.pathOf(n.id), nil
}

func validQuota(v int64) bool {
	return v == model.QuotaReset || v == model.QuotaDontSet || v >= 0
}

// SetQuota sets namespace and space quotas on a directory. QuotaDontSet
// leaves a value unchanged and QuotaReset clears it. A quota below current
// usage is accepted.
func (t *Tree) SetQuota(path string, nsQuota, dsQuota int64) error {
	if !validQuota(nsQuota) || !validQuota(dsQuota) {
		return errors.InvalidArgument(fmt.Sprintf("invalid quota values for %s", path), nil).
			WithDetail("ns_quota", nsQuota).
			WithDetail("ds_quota", dsQuota)
	}
	if nsQuota == model.QuotaDontSet && dsQuota == model.QuotaDontSet {
		return errors.InvalidArgument(fmt.Sprintf("no quota to set for %s: %d is reserved", path, model.QuotaDontSet), nil)
	}
	n, err := t.lookupPath(path)
	if err != nil {
		return err
	}
	if n.dir == nil {
		return errors.NotADirectory(path)
	}
	if n.id == RootID && nsQuota == model.QuotaReset {
		return errors.InvalidArgument("cannot clear the namespace quota of the root directory", nil)
	}
	if nsQuota != model.QuotaDontSet {
		n.dir.quota.Namespace = nsQuota
	}
	if dsQuota != model.QuotaDontSet {
		n.dir.quota.Space = dsQuota
	}
	return nil
}

// Quota returns the usage and quota of a directory
func (t *Tree) Quota(path string) (usage, quota model.QuotaCounts, err error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return usage, quota, err
	}
	if n.dir == nil {
		return usage, quota, errors.NotADirectory(path)
	}
	return n.dir.usage, n.dir.quota, nil
}

func (t *Tree) fileNode(id model.INodeID) (*inode, error) {
	n, ok := t.inodes[id]
	if !ok {
		return nil, errors.InternalError(fmt.Sprintf("inode %d does not exist", id), nil)
	}
	if n.file == nil {
		return nil, errors.IsADirectory(t.pathOf(id))
	}
	return n, nil
}

func (t *Tree) view(n *inode) *FileView {
	f := n.file
	blocks := make([]model.Block, len(f.blocks))
	copy(blocks, f.blocks)
	return &FileView{
		ID:            n.id,
		Path:          t.pathOf(n.id),
		Blocks:        blocks,
		LastUC:        f.lastUC,
		Replication:   f.replication,
		BlockSize:     f.blockSize,
		State:         f.state,
		ClientName:    f.clientName,
		ClientMachine: f.clientMachine,
	}
}

// File returns a copy of the file state for id
func (t *Tree) File(id model.INodeID) (*FileView, error) {
	n, err := t.fileNode(id)
	if err != nil {
		return nil, err
	}
	return t.view(n), nil
}

// ResolveFile returns a copy of the file state at path
func (t *Tree) ResolveFile(path string) (*FileView, error) {
	n, err := t.lookupPath(path)
	if err != nil {
		return nil, err
	}
	if n.file == nil {
		return nil, errors.IsADirectory(path)
	}
	return t.view(n), nil
}

// UnderConstruction lists every file open for write, ordered by path
func (t *Tree) UnderConstruction() []*FileView {
	var out []*FileView
	for _, n := range t.inodes {
		if n.file != nil && n.file.state == model.FileUnderConstruction {
			out = append(out, t.view(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Files visits every file
func (t *Tree) Files(fn func(*FileView)) {
	for _, n := range t.inodes {
		if n.file != nil {
			fn(t.view(n))
		}
	}
}

// NumINodes returns the number of entries including the root
func (t *Tree) NumINodes() int {
	return len(t.inodes)
}
