package model

import "math"

// INodeID is the stable handle of a namespace entry
type INodeID int64

// Quota sentinels
const (
	// QuotaReset clears a quota
	QuotaReset int64 = -1
	// QuotaDontSet leaves a quota unchanged
	QuotaDontSet int64 = math.MaxInt64
)

// QuotaCounts is a (namespace, space) pair used for both usage and limits
type QuotaCounts struct {
	Namespace int64 `json:"namespace"`
	Space     int64 `json:"space"`
}

// Add returns the component-wise sum
func (q QuotaCounts) Add(o QuotaCounts) QuotaCounts {
	return QuotaCounts{Namespace: q.Namespace + o.Namespace, Space: q.Space + o.Space}
}

// Negate returns the component-wise negation
func (q QuotaCounts) Negate() QuotaCounts {
	return QuotaCounts{Namespace: -q.Namespace, Space: -q.Space}
}

// IsZero reports whether both components are zero
func (q QuotaCounts) IsZero() bool {
	return q.Namespace == 0 && q.Space == 0
}

// FileState is the construction state of a file
type FileState string

const (
	FileUnderConstruction FileState = "UNDER_CONSTRUCTION"
	FileComplete          FileState = "COMPLETE"
)

// PermissionStatus is carried opaquely
type PermissionStatus struct {
	Owner      string `json:"owner"`
	Group      string `json:"group"`
	Permission uint16 `json:"permission"`
}

// FileStatus describes a namespace entry
type FileStatus struct {
	Path             string           `json:"path"`
	IsDir            bool             `json:"is_dir"`
	Length           int64            `json:"length"`
	Replication      int16            `json:"replication"`
	BlockSize        int64            `json:"block_size"`
	ModificationTime int64            `json:"modification_time"`
	Permission       PermissionStatus `json:"permission"`
	State            FileState        `json:"state,omitempty"`
	LeaseState       string           `json:"lease_state,omitempty"`
	ChildrenNum      int              `json:"children_num"`
}

// ContentSummary aggregates a subtree
type ContentSummary struct {
	Length         int64 `json:"length"`
	FileCount      int64 `json:"file_count"`
	DirectoryCount int64 `json:"directory_count"`
	NSQuota        int64 `json:"ns_quota"`
	SpaceConsumed  int64 `json:"space_consumed"`
	SpaceQuota     int64 `json:"space_quota"`
}
