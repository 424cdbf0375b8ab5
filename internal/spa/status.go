package spa

import (
	"github.com/deploymenttheory/go-zpool/internal/types"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
	"github.com/deploymenttheory/go-zpool/internal/vdevcache"
	"github.com/deploymenttheory/go-zpool/internal/vdevqueue"
)

// VdevStatus is a point-in-time view of one vdev.
type VdevStatus struct {
	Depth          int              `json:"depth" yaml:"depth"`
	Name           string           `json:"name" yaml:"name"`
	Kind           string           `json:"kind" yaml:"kind"`
	Guid           uint64           `json:"guid" yaml:"guid"`
	State          string           `json:"state" yaml:"state"`
	Leaf           bool             `json:"leaf" yaml:"leaf"`
	Asize          uint64           `json:"asize" yaml:"asize"`
	Allocated      uint64           `json:"allocated,omitempty" yaml:"allocated,omitempty"`
	ReadOps        uint64           `json:"read_ops" yaml:"read_ops"`
	WriteOps       uint64           `json:"write_ops" yaml:"write_ops"`
	ReadBytes      uint64           `json:"read_bytes" yaml:"read_bytes"`
	WriteBytes     uint64           `json:"write_bytes" yaml:"write_bytes"`
	ReadErrors     uint64           `json:"read_errors" yaml:"read_errors"`
	WriteErrors    uint64           `json:"write_errors" yaml:"write_errors"`
	ChecksumErrors uint64           `json:"checksum_errors" yaml:"checksum_errors"`
	Queue          *vdevqueue.Stats `json:"queue,omitempty" yaml:"queue,omitempty"`
	Cache          *vdevcache.Stats `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Status is a point-in-time view of the pool.
type Status struct {
	Name         string       `json:"name" yaml:"name"`
	Guid         uint64       `json:"guid" yaml:"guid"`
	State        string       `json:"state" yaml:"state"`
	SyncedTxg    uint64       `json:"synced_txg" yaml:"synced_txg"`
	OpenTxg      uint64       `json:"open_txg" yaml:"open_txg"`
	Space        uint64       `json:"space" yaml:"space"`
	Allocated    uint64       `json:"allocated" yaml:"allocated"`
	Used         uint64       `json:"used" yaml:"used"`
	AdjustedSize int64        `json:"adjusted_size" yaml:"adjusted_size"`
	CachedBlocks int          `json:"cached_blocks" yaml:"cached_blocks"`
	Vdevs        []VdevStatus `json:"vdevs" yaml:"vdevs"`
}

// Status returns a snapshot of the pool and every vdev in it, in tree
// order.
func (p *Pool) Status() Status {
	root := p.tree.Root()
	st := Status{
		Name:         p.name,
		Guid:         p.tree.PoolGuid,
		State:        root.State().String(),
		SyncedTxg:    p.SyncedTxg(),
		OpenTxg:      p.OpenTxg(),
		Space:        p.Space(),
		CachedBlocks: p.arc.Len(),
	}
	if p.dsl != nil {
		st.Used = p.dsl.Used()
		st.AdjustedSize = p.dsl.AdjustedSize(false)
	}
	for _, top := range root.Children() {
		st.Allocated += top.Space().Allocated
	}
	appendVdev(&st.Vdevs, root, 0)
	return st
}

func appendVdev(out *[]VdevStatus, vd *vdev.Vdev, depth int) {
	vs := VdevStatus{
		Depth:          depth,
		Name:           vd.String(),
		Kind:           vd.Kind.String(),
		Guid:           vd.Guid,
		State:          vd.State().String(),
		Leaf:           vd.IsLeaf(),
		Asize:          vd.Asize,
		ReadOps:        vd.Stats.ReadOps.Load(),
		WriteOps:       vd.Stats.WriteOps.Load(),
		ReadBytes:      vd.Stats.ReadBytes.Load(),
		WriteBytes:     vd.Stats.WriteBytes.Load(),
		ReadErrors:     vd.Stats.ReadErrors.Load(),
		WriteErrors:    vd.Stats.WriteErrors.Load(),
		ChecksumErrors: vd.Stats.ChecksumErrors.Load(),
	}
	if vd.IsLeaf() && vd.Path != "" {
		vs.Name = vd.Path
	}
	if vd.IsTop() {
		vs.Allocated = vd.Space().Allocated
	}
	if q := vd.Queue(); q != nil {
		qs := q.Stats()
		vs.Queue = &qs
	}
	if c := vd.Cache(); c != nil {
		cs := c.Stats()
		vs.Cache = &cs
	}
	*out = append(*out, vs)
	for _, c := range vd.Children() {
		appendVdev(out, c, depth+1)
	}
}

// healthy reports whether state allows I/O.
func healthy(s types.VdevState) bool { return s >= types.VdevStateDegraded }
